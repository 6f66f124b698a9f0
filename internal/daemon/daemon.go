// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/wlanrx/internal/command"
	"firestige.xyz/wlanrx/internal/config"
	"firestige.xyz/wlanrx/internal/core"
	logpkg "firestige.xyz/wlanrx/internal/log"
	"firestige.xyz/wlanrx/internal/metrics"
	"firestige.xyz/wlanrx/internal/notify"
	"firestige.xyz/wlanrx/internal/replay"
	"firestige.xyz/wlanrx/internal/rx"
	"firestige.xyz/wlanrx/internal/sink/console"
	"firestige.xyz/wlanrx/internal/source/afpacket"
	"firestige.xyz/wlanrx/internal/source/pcapfile"
)

// socketReadyTimeout bounds how long Start waits for the control socket.
const socketReadyTimeout = 5 * time.Second

// Daemon manages the receive path process lifecycle.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	rx            *rx.Orchestrator
	sink          *console.Sink
	publisher     *notify.KafkaPublisher        // nil if replay export disabled
	source        *pcapfile.Source              // nil if the frame source is disabled
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	kafkaConsumer *command.KafkaCommandConsumer // nil if command channel disabled
	metricsServer *metrics.Server               // nil if metrics disabled
	logCloser     io.Closer

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New loads configuration and creates a daemon. Empty socketPath or
// pidFile fall back to the control section of the config.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Logging first so every later step is recorded
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting wlanrx daemon",
		"version", command.Version,
		"config", d.configPath,
		"socket", d.socketPath,
		"workers", d.config.RX.Workers,
		"strict_pn", d.config.RX.StrictPN,
	)

	// 2. PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Receive path
	if err := d.startRX(); err != nil {
		return err
	}

	// 5. Command handler and local control socket
	d.cmdHandler = command.NewCommandHandler(d.rx, d.config.Node.Hostname)
	d.cmdHandler.SetShutdownFunc(d.TriggerShutdown)
	if err := d.startUDS(); err != nil {
		return err
	}

	// 6. Remote command channel (non-fatal)
	if d.config.Control.Kafka.Enabled {
		if err := d.startKafkaConsumer(); err != nil {
			slog.Error("failed to start kafka consumer", "error", err)
		}
	}

	// 7. Frame source last, once everything downstream is ready
	if d.source != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.source.Run(d.ctx); err != nil {
				slog.Error("frame source stopped with error", "error", err)
			}
		}()
	}

	slog.Info("daemon started successfully")
	return nil
}

// startRX builds the orchestrator with its optional publisher and source.
func (d *Daemon) startRX() error {
	d.sink = console.NewSink(os.Stdout, d.config.Sink.Verbose)

	var hook replay.Hook
	if d.config.Notify.Kafka.Enabled {
		pub, err := notify.NewKafkaPublisher(d.config.Notify.Kafka)
		if err != nil {
			return fmt.Errorf("failed to create replay publisher: %w", err)
		}
		pub.Start()
		d.publisher = pub
		hook = pub
	}

	opts := rx.Options{Ingress: d.sink, Hook: hook}
	var dma *pcapfile.DMA
	if d.config.Source.Enabled {
		dma = pcapfile.NewDMA(d.config.RX.RingSize)
		opts.Producer = dma
		opts.Mode = core.OpMode(d.config.Source.Mode)
	}

	o, err := rx.New(d.config.RX, opts)
	if err != nil {
		return fmt.Errorf("failed to create receive path: %w", err)
	}
	if err := o.Start(); err != nil {
		return fmt.Errorf("failed to start receive path: %w", err)
	}
	d.rx = o

	if dma != nil {
		var src *pcapfile.Source
		switch d.config.Source.Type {
		case config.SourceAFPacket:
			src, err = pcapfile.NewStream(d.config.Source, d.config.Source.Device, afpacket.Open(d.config.Source), o, dma)
		default:
			src, err = pcapfile.New(d.config.Source, o, dma)
		}
		if err != nil {
			return fmt.Errorf("failed to create frame source: %w", err)
		}
		d.source = src
	}
	return nil
}

func (d *Daemon) startUDS() error {
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	errCh := make(chan error, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.udsServer.Start(d.ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-d.udsServer.Ready():
		return nil
	case err := <-errCh:
		return fmt.Errorf("failed to start uds server: %w", err)
	case <-time.After(socketReadyTimeout):
		return fmt.Errorf("uds server not ready after %s", socketReadyTimeout)
	}
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Cancel the context: the source, uds server and kafka consumer return
	d.cancel()
	d.wg.Wait()

	if d.kafkaConsumer != nil {
		if err := d.kafkaConsumer.Stop(); err != nil {
			slog.Error("error stopping kafka consumer", "error", err)
		}
	}
	if d.udsServer != nil {
		d.udsServer.Stop()
	}

	// 2. Drain the receive path, then the replay events it produced
	if d.rx != nil {
		slog.Info("stopping receive path")
		d.rx.Stop()
		st := d.sink.Stats()
		slog.Info("receive path stopped", "segments", st.Segments, "mpdus", st.MPDUs, "bytes", st.Bytes)
	}
	if d.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.publisher.Stop(ctx); err != nil {
			slog.Error("error stopping replay publisher", "error", err)
		}
		cancel()
	}

	// 3. Metrics server
	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(ctx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		cancel()
	}

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")
	if d.logCloser != nil {
		d.logCloser.Close()
	}
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, by the
// daemon_shutdown command, or by cancellation. SIGHUP reloads the config.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil
			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			d.Stop()
			return nil
		}
	}
}

// Reload re-reads the config file. Only logging is applied live; receive
// path, socket and metrics changes need a restart and are reported.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	old := d.config
	requiresRestart := restartRequired(old, newConfig)

	prevCloser := d.logCloser
	d.config.Log = newConfig.Log
	if err := d.initLogging(); err != nil {
		d.config.Log = old.Log
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}
	if prevCloser != nil {
		prevCloser.Close()
	}

	slog.Info("configuration reloaded", "hot_reloaded", []string{"log"}, "requires_restart", requiresRestart)
	return nil
}

// restartRequired lists the sections that differ between old and next and
// only take effect on restart. Logging is the one hot-reloaded section.
func restartRequired(old, next *config.GlobalConfig) []string {
	sections := []struct {
		name string
		a, b any
	}{
		{"node", old.Node, next.Node},
		{"control", old.Control, next.Control},
		{"metrics", old.Metrics, next.Metrics},
		{"rx", old.RX, next.RX},
		{"source", old.Source, next.Source},
		{"sink", old.Sink, next.Sink},
		{"notify", old.Notify, next.Notify},
	}
	var changed []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.a, s.b) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

// TriggerShutdown asks Run to stop the daemon. Extra calls are ignored.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// Config returns the effective configuration.
func (d *Daemon) Config() *config.GlobalConfig { return d.config }

// Orchestrator returns the receive path, nil before Start.
func (d *Daemon) Orchestrator() *rx.Orchestrator { return d.rx }

func (d *Daemon) initLogging() error {
	closer, err := logpkg.Init(d.config.Log, d.config.Node.Hostname)
	if err != nil {
		return err
	}
	d.logCloser = closer
	slog.Debug("logging initialized", "level", d.config.Log.Level, "format", d.config.Log.Format)
	return nil
}

func (d *Daemon) startKafkaConsumer() error {
	consumer, err := command.NewKafkaCommandConsumer(d.config.Control.Kafka, d.config.Node.Hostname, d.cmdHandler)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	d.kafkaConsumer = consumer

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := consumer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("kafka consumer stopped with error", "error", err)
		}
	}()
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
