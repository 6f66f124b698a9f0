// Package dispatch implements the per-ring receive worker pool.
//
// Each ring has one worker with a private FIFO queue. Batches queued on a
// ring are delivered to the ingress in enqueue order; there is no ordering
// across rings. Consecutive MPDUs of the same flow are coalesced into one
// delivery.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/wlanrx/internal/core"
	"firestige.xyz/wlanrx/internal/metrics"
)

// FlushReason says why pending coalesced packets were delivered early.
type FlushReason string

const (
	// FlushPeriodic is the regular timer flush.
	FlushPeriodic FlushReason = "periodic"
	// FlushLowThroughput is requested when a ring's traffic is too sparse
	// for coalescing to pay off.
	FlushLowThroughput FlushReason = "low_throughput"
	// FlushSuspend is performed by a worker entering Suspended.
	FlushSuspend FlushReason = "suspend"
)

// Ingress is the network stack side of the pool. Deliver runs on the worker
// goroutine of ringID. The MPDUs are freed when Deliver returns.
type Ingress interface {
	Deliver(ringID int, seg Segment)
}

// IngressFunc adapts a function to Ingress.
type IngressFunc func(ringID int, seg Segment)

// Deliver calls f(ringID, seg).
func (f IngressFunc) Deliver(ringID int, seg Segment) { f(ringID, seg) }

// Config configures a Pool.
type Config struct {
	Workers        int
	FlushInterval  time.Duration
	GROMaxSegments int
	QueueLimit     int // 0 = unbounded
	CPUAffinity    []int
}

// WorkerStats is a snapshot of one worker.
type WorkerStats struct {
	Ring           int               `json:"ring"`
	State          core.ThreadState  `json:"state"`
	QueueLen       int               `json:"queue_len"`
	MaxQueueLen    int               `json:"max_queue_len"`
	Enqueued       uint64            `json:"enqueued"`
	Delivered      uint64            `json:"delivered"`
	Segments       uint64            `json:"segments"`
	Drops          map[string]uint64 `json:"drops"`
	Flushes        map[string]uint64 `json:"flushes"`
	LowThroughput  bool              `json:"low_throughput"`
	IngressPanics  uint64            `json:"ingress_panics"`
	AffinityErrors uint64            `json:"affinity_errors"`
	CPUs           []int             `json:"cpus,omitempty"`
}

// Stats is a snapshot of the pool.
type Stats struct {
	State            core.ThreadState `json:"state"`
	InvalidRingDrops uint64           `json:"invalid_ring_drops"`
	Workers          []WorkerStats    `json:"workers"`
}

type affinitySet struct {
	gen  uint64
	cpus []int
}

// Pool is a fixed set of ring workers.
type Pool struct {
	cfg     Config
	ingress Ingress
	workers []*worker

	// serializes Start, Stop, Suspend and Resume
	lifecycle sync.Mutex

	affinity    atomic.Pointer[affinitySet]
	invalidRing atomic.Uint64
}

// New creates a pool with every worker in the Invalid state.
func New(cfg Config, ingress Ingress) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("dispatch workers must be positive, got %d: %w", cfg.Workers, core.ErrConfigInvalid)
	}
	if ingress == nil {
		return nil, fmt.Errorf("dispatch ingress is nil: %w", core.ErrConfigInvalid)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Millisecond
	}
	if cfg.GROMaxSegments <= 0 {
		cfg.GROMaxSegments = 64
	}

	p := &Pool{cfg: cfg, ingress: ingress}
	p.workers = make([]*worker, cfg.Workers)
	for i := range p.workers {
		p.workers[i] = newWorker(i, p)
	}
	return p, nil
}

// NumWorkers returns the number of rings served.
func (p *Pool) NumWorkers() int { return len(p.workers) }

// Start launches every worker goroutine.
func (p *Pool) Start() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	for _, w := range p.workers {
		if st := w.getState(); st != core.StateInvalid {
			return fmt.Errorf("cannot start ring %d in state %s: %w", w.id, st, core.ErrInvalidState)
		}
	}
	if len(p.cfg.CPUAffinity) > 0 {
		if err := p.SetCPUAffinity(p.cfg.CPUAffinity); err != nil {
			return err
		}
	}

	for _, w := range p.workers {
		w.mu.Lock()
		w.stop = make(chan struct{})
		w.done = make(chan struct{})
		w.running = true
		w.setState(core.StateRunning)
		go w.run(w.stop, w.done)
		w.mu.Unlock()
	}
	slog.Info("dispatch pool started", "workers", len(p.workers), "flush_interval", p.cfg.FlushInterval, "gro_max_segments", p.cfg.GROMaxSegments)
	return nil
}

// Stop terminates every worker. Pending coalesced packets are delivered;
// queued batches are dropped.
func (p *Pool) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	for _, w := range p.workers {
		w.mu.Lock()
		if !w.running {
			w.mu.Unlock()
			continue
		}
		w.setState(core.StateInvalid)
		stop, done := w.stop, w.done
		w.mu.Unlock()

		close(stop)
		<-done

		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}
	slog.Info("dispatch pool stopped")
}

// State returns the common state of the workers. While workers disagree,
// during a transition, it returns Suspending.
func (p *Pool) State() core.ThreadState {
	st := p.workers[0].getState()
	for _, w := range p.workers[1:] {
		if w.getState() != st {
			return core.StateSuspending
		}
	}
	return st
}

// Enqueue appends a batch to the ring's queue and wakes its worker. It
// never blocks. A batch that cannot be queued is freed, counted, and false
// is returned.
func (p *Pool) Enqueue(ringID int, b *core.Batch) bool {
	if b == nil {
		return false
	}
	if ringID < 0 || ringID >= len(p.workers) {
		n := len(b.MPDUs)
		b.Free()
		p.invalidRing.Add(uint64(n))
		metrics.DispatchDropsTotal.WithLabelValues("invalid", dropInvalidRing).Add(float64(n))
		return false
	}

	w := p.workers[ringID]
	w.mu.Lock()
	if w.state != core.StateRunning {
		w.mu.Unlock()
		w.drop(b, dropNotRunning, &w.dropNotRun)
		return false
	}
	if p.cfg.QueueLimit > 0 && w.q.len() >= p.cfg.QueueLimit {
		w.mu.Unlock()
		w.drop(b, dropQueueFull, &w.dropFull)
		return false
	}
	w.q.push(b)
	depth := w.q.len()
	if depth > w.maxLen {
		w.maxLen = depth
	}
	w.mu.Unlock()

	w.enqueued.Add(1)
	metrics.DispatchEnqueuedTotal.WithLabelValues(w.label).Inc()
	metrics.DispatchQueueDepth.WithLabelValues(w.label).Set(float64(depth))
	w.signal()
	return true
}

// Flush asks the ring's worker to deliver its coalesced packets now.
func (p *Pool) Flush(ringID int, reason FlushReason) error {
	if ringID < 0 || ringID >= len(p.workers) {
		return fmt.Errorf("flush ring %d: %w", ringID, core.ErrInvalidRing)
	}
	bit := flushBit(reason)
	if bit == 0 {
		return fmt.Errorf("unknown flush reason %q: %w", reason, core.ErrInvalidState)
	}
	w := p.workers[ringID]
	if st := w.getState(); st != core.StateRunning {
		return fmt.Errorf("flush ring %d in state %s: %w", ringID, st, core.ErrNotRunning)
	}
	w.flushReq.Or(bit)
	w.signal()
	return nil
}

// SetLowThroughput switches the ring's low-throughput mode. While on, the
// worker delivers its pending segment each time its queue runs empty
// instead of waiting for the periodic flush.
func (p *Pool) SetLowThroughput(ringID int, on bool) error {
	if ringID < 0 || ringID >= len(p.workers) {
		return fmt.Errorf("low throughput ring %d: %w", ringID, core.ErrInvalidRing)
	}
	w := p.workers[ringID]
	if w.lowThroughput.Swap(on) == on {
		return nil
	}
	slog.Debug("dispatch low throughput mode changed", "ring", ringID, "enabled", on)
	if on {
		// deliver what is already coalesced
		w.flushReq.Or(flushBit(FlushLowThroughput))
		w.signal()
	}
	return nil
}

// LowThroughput reports whether the ring is in low-throughput mode.
func (p *Pool) LowThroughput(ringID int) bool {
	if ringID < 0 || ringID >= len(p.workers) {
		return false
	}
	return p.workers[ringID].lowThroughput.Load()
}

// FlushByOwner removes every queued or coalesced packet of owner from all
// workers and returns how many MPDUs were dropped. It returns after every
// live worker acknowledged, so no packet of owner is delivered afterwards.
func (p *Pool) FlushByOwner(ctx context.Context, owner core.OwnerID) (int, error) {
	total := 0
	var acks []chan int

	for _, w := range p.workers {
		w.mu.Lock()
		removed := w.q.removeOwner(owner)
		depth := w.q.len()
		running := w.running
		done := w.done
		w.mu.Unlock()

		n := 0
		for _, b := range removed {
			n += len(b.MPDUs)
			b.Free()
		}
		if n > 0 {
			w.dropOwner.Add(uint64(n))
			metrics.DispatchDropsTotal.WithLabelValues(w.label, dropOwnerFlush).Add(float64(n))
			metrics.DispatchQueueDepth.WithLabelValues(w.label).Set(float64(depth))
		}
		total += n

		if !running {
			continue
		}
		req := purgeReq{owner: owner, ack: make(chan int, 1)}
		select {
		case w.purge <- req:
			acks = append(acks, req.ack)
		case <-done:
		case <-ctx.Done():
			return total, fmt.Errorf("flush owner %d on ring %d: %w", owner, w.id, ctx.Err())
		}
	}

	for _, ack := range acks {
		select {
		case n := <-ack:
			total += n
		case <-ctx.Done():
			return total, fmt.Errorf("flush owner %d: %w", owner, ctx.Err())
		}
	}

	slog.Debug("flushed flow owner", "owner", owner, "dropped", total)
	return total, nil
}

// SetCPUAffinity restricts every worker to cpus. Workers apply the change
// on their next loop iteration. An empty list allows all CPUs.
func (p *Pool) SetCPUAffinity(cpus []int) error {
	for _, c := range cpus {
		if c < 0 || c >= 1024 {
			return fmt.Errorf("cpu %d out of range: %w", c, core.ErrConfigInvalid)
		}
	}
	next := &affinitySet{cpus: append([]int(nil), cpus...)}
	for {
		cur := p.affinity.Load()
		next.gen = 1
		if cur != nil {
			next.gen = cur.gen + 1
		}
		if p.affinity.CompareAndSwap(cur, next) {
			break
		}
	}
	for _, w := range p.workers {
		w.signal()
	}
	slog.Info("dispatch cpu affinity updated", "cpus", cpus)
	return nil
}

// Suspend parks every worker. Each worker finishes its in-flight batch and
// delivers its coalesced packets first. After Suspend returns nothing is
// delivered until Resume.
func (p *Pool) Suspend(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	var targets []*worker
	for _, w := range p.workers {
		switch st := w.getState(); st {
		case core.StateSuspended:
		case core.StateRunning:
			targets = append(targets, w)
		default:
			return fmt.Errorf("cannot suspend ring %d in state %s: %w", w.id, st, core.ErrInvalidState)
		}
	}

	acks := make([]chan struct{}, 0, len(targets))
	for _, w := range targets {
		w.mu.Lock()
		w.setState(core.StateSuspending)
		done := w.done
		w.mu.Unlock()

		msg := ctlMsg{op: opSuspend, ack: make(chan struct{})}
		select {
		case w.ctl <- msg:
			acks = append(acks, msg.ack)
		case <-done:
			return fmt.Errorf("suspend ring %d: %w", w.id, core.ErrNotRunning)
		case <-ctx.Done():
			w.mu.Lock()
			w.setState(core.StateRunning)
			w.mu.Unlock()
			return fmt.Errorf("suspend ring %d: %w", w.id, ctx.Err())
		}
	}

	for _, ack := range acks {
		select {
		case <-ack:
		case <-ctx.Done():
			return fmt.Errorf("suspend: %w", ctx.Err())
		}
	}
	slog.Info("dispatch pool suspended", "workers", len(targets))
	return nil
}

// Resume returns every suspended worker to Running.
func (p *Pool) Resume() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	var targets []*worker
	for _, w := range p.workers {
		switch st := w.getState(); st {
		case core.StateRunning:
		case core.StateSuspended:
			targets = append(targets, w)
		default:
			return fmt.Errorf("cannot resume ring %d in state %s: %w", w.id, st, core.ErrInvalidState)
		}
	}

	for _, w := range targets {
		w.mu.Lock()
		w.setState(core.StateRunning)
		done := w.done
		w.mu.Unlock()

		msg := ctlMsg{op: opResume, ack: make(chan struct{})}
		select {
		case w.ctl <- msg:
			<-msg.ack
		case <-done:
			return fmt.Errorf("resume ring %d: %w", w.id, core.ErrNotRunning)
		}
	}
	if len(targets) > 0 {
		slog.Info("dispatch pool resumed", "workers", len(targets))
	}
	return nil
}

// Stats returns a snapshot of every worker.
func (p *Pool) Stats() Stats {
	s := Stats{
		State:            p.State(),
		InvalidRingDrops: p.invalidRing.Load(),
		Workers:          make([]WorkerStats, len(p.workers)),
	}
	for i, w := range p.workers {
		s.Workers[i] = w.stats()
	}
	return s
}
