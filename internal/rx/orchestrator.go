// Package rx wires the receive path together: buffer ring, refill worker,
// replay guard and dispatch pool.
package rx

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/wlanrx/internal/config"
	"firestige.xyz/wlanrx/internal/core"
	"firestige.xyz/wlanrx/internal/diag"
	"firestige.xyz/wlanrx/internal/dispatch"
	"firestige.xyz/wlanrx/internal/metrics"
	"firestige.xyz/wlanrx/internal/peer"
	"firestige.xyz/wlanrx/internal/refill"
	"firestige.xyz/wlanrx/internal/replay"
	"firestige.xyz/wlanrx/internal/ring"
)

// Options carries the collaborators of an Orchestrator.
type Options struct {
	// Ingress receives delivered segments. Required.
	Ingress dispatch.Ingress
	// Producer is handed every posted receive buffer. Nil discards them.
	Producer ring.Producer
	// Allocator backs the receive buffers. Nil uses a HeapAllocator with
	// the configured budget.
	Allocator ring.Allocator
	// Hook is notified of replay violations. May be nil.
	Hook replay.Hook
	// Mode is the local interface mode new peers attach with.
	Mode core.OpMode
}

// Stats is an aggregated snapshot of the receive path.
type Stats struct {
	State          core.ThreadState `json:"state"`
	Peers          int              `json:"peers"`
	Indicated      uint64           `json:"indicated"`
	SuspendedDrops uint64           `json:"suspended_drops"`
	ReplayDrops    uint64           `json:"replay_drops"`
	Guard          replay.Stats     `json:"guard"`
	Ring           ring.Stats       `json:"ring"`
	Refill         refill.Stats     `json:"refill"`
	Dispatch       dispatch.Stats   `json:"dispatch"`
	TraceLen       int              `json:"trace_len"`
	TraceLost      uint64           `json:"trace_overwritten"`
}

// Orchestrator routes ring indications through the replay guard into the
// dispatch worker of their ring.
type Orchestrator struct {
	cfg   config.RXConfig
	peers *peer.Table
	ring  *ring.Ring
	fill  *refill.Worker
	guard *replay.Guard
	trace *diag.TraceSink
	pool  *dispatch.Pool

	// one indication at a time per ring; held while a flow's PN state is
	// read or written
	ringMu    []sync.Mutex
	indicated []atomic.Uint64

	lifecycle sync.Mutex
	started   bool
	stopMon   chan struct{}
	monDone   chan struct{}

	totalIndicated atomic.Uint64
	suspendedDrops atomic.Uint64
	replayDrops    atomic.Uint64
}

// New builds the receive path from cfg. cfg must have been validated.
func New(cfg config.RXConfig, opts Options) (*Orchestrator, error) {
	if opts.Ingress == nil {
		return nil, fmt.Errorf("rx ingress is nil: %w", core.ErrConfigInvalid)
	}
	if opts.Producer == nil {
		opts.Producer = ring.ProducerFunc(func(ring.Mem) {})
	}
	if opts.Allocator == nil {
		opts.Allocator = ring.NewHeapAllocator(cfg.AllocBudget)
	}
	if opts.Mode == "" {
		opts.Mode = core.OpModeSTA
	}

	r, err := ring.New(ring.Config{
		Capacity:     cfg.RingSize,
		FillLevel:    cfg.FillLevel,
		LowWatermark: cfg.LowWatermark,
		BufferSize:   cfg.BufferSize,
		RetryMin:     cfg.RefillRetryMin,
		RetryMax:     cfg.RefillRetryMax,
	}, opts.Allocator, opts.Producer)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer ring: %w", err)
	}

	pool, err := dispatch.New(dispatch.Config{
		Workers:        cfg.Workers,
		FlushInterval:  cfg.FlushInterval,
		GROMaxSegments: cfg.GROMaxSegments,
		QueueLimit:     cfg.QueueLimit,
		CPUAffinity:    cfg.CPUAffinity,
	}, opts.Ingress)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch pool: %w", err)
	}

	trace := diag.NewTraceSink(cfg.TraceCapacity)
	o := &Orchestrator{
		cfg:   cfg,
		peers: peer.NewTable(opts.Mode),
		ring:  r,
		fill:  refill.New("refill", r),
		guard: replay.New(replay.Config{
			Strict:      cfg.StrictPN,
			LogInterval: cfg.ReplayLogInterval,
			Trace:       trace,
			Hook:        opts.Hook,
		}),
		trace:     trace,
		pool:      pool,
		ringMu:    make([]sync.Mutex, cfg.Workers),
		indicated: make([]atomic.Uint64, cfg.Workers),
	}
	r.SetNotify(o.fill.Kick)
	return o, nil
}

// Start posts the initial buffers and starts every worker.
func (o *Orchestrator) Start() error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if o.started {
		return fmt.Errorf("receive path already started: %w", core.ErrInvalidState)
	}
	if err := o.fill.Start(); err != nil {
		return fmt.Errorf("failed to start refill worker: %w", err)
	}
	if err := o.pool.Start(); err != nil {
		o.fill.Stop()
		return fmt.Errorf("failed to start dispatch pool: %w", err)
	}
	o.fill.Kick()

	o.stopMon = make(chan struct{})
	o.monDone = make(chan struct{})
	go o.monitor(o.stopMon, o.monDone)
	o.started = true

	slog.Info("receive path started",
		"rings", o.cfg.Workers,
		"ring_size", o.cfg.RingSize,
		"fill_level", o.cfg.FillLevel,
		"strict_pn", o.cfg.StrictPN)
	return nil
}

// Stop tears the receive path down. It cannot be restarted.
func (o *Orchestrator) Stop() {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if !o.started {
		return
	}
	o.started = false

	close(o.stopMon)
	<-o.monDone
	o.pool.Stop()
	o.fill.Stop()
	o.ring.Close()
	o.trace.Close()
	slog.Info("receive path stopped")
}

// State returns the dispatch pool state.
func (o *Orchestrator) State() core.ThreadState { return o.pool.State() }

// Peers returns the peer table.
func (o *Orchestrator) Peers() *peer.Table { return o.peers }

// NumRings returns the number of dispatch rings.
func (o *Orchestrator) NumRings() int { return len(o.ringMu) }

// RingFor returns the ring that owns the flow of (mac, tid). The mapping is
// static so every packet of a TID is checked and delivered by one worker.
func (o *Orchestrator) RingFor(mac core.MAC, tid uint8) int {
	h := fnv.New32a()
	h.Write(mac[:])
	h.Write([]byte{tid})
	return int(h.Sum32() % uint32(len(o.ringMu)))
}

// Indicate hands a completed MPDU list of one (peer, tid) to the receive
// path and returns how many MPDUs were queued for delivery. The MPDUs are
// owned by the receive path from here on: everything not queued is freed.
func (o *Orchestrator) Indicate(ringID int, owner core.OwnerID, p *core.Peer, tid uint8, mpdus []*core.MPDU) int {
	n := len(mpdus)
	if n == 0 {
		return 0
	}
	if p == nil {
		core.FreeAll(mpdus)
		slog.Debug("indication without peer dropped", "ring", ringID, "mpdus", n)
		return 0
	}
	if st := o.pool.State(); st != core.StateRunning {
		core.FreeAll(mpdus)
		o.suspendedDrops.Add(uint64(n))
		metrics.SuspendedDropsTotal.Add(float64(n))
		return 0
	}
	if ringID < 0 || ringID >= len(o.ringMu) {
		o.pool.Enqueue(ringID, &core.Batch{Owner: owner, Peer: p.MAC, TID: tid, MPDUs: mpdus})
		return 0
	}

	mu := &o.ringMu[ringID]
	mu.Lock()
	clean, dropped := o.guard.Check(p, tid, mpdus)
	queued := false
	if len(clean) > 0 {
		queued = o.pool.Enqueue(ringID, &core.Batch{Owner: owner, Peer: p.MAC, TID: tid, MPDUs: clean})
	}
	mu.Unlock()

	if dropped > 0 {
		o.replayDrops.Add(uint64(dropped))
	}
	if !queued {
		return 0
	}
	o.indicated[ringID].Add(uint64(len(clean)))
	o.totalIndicated.Add(uint64(len(clean)))
	return len(clean)
}

// Reap takes back the receive buffer the producer filled at addr.
func (o *Orchestrator) Reap(addr uint64) (*ring.Buffer, error) {
	return o.ring.Reap(addr)
}

// Suspend parks the dispatch workers and then the refill worker. Pending
// coalesced packets are delivered first.
func (o *Orchestrator) Suspend(ctx context.Context) error {
	if err := o.pool.Suspend(ctx); err != nil {
		return fmt.Errorf("failed to suspend dispatch pool: %w", err)
	}
	if err := o.fill.Suspend(ctx); err != nil {
		return fmt.Errorf("failed to suspend refill worker: %w", err)
	}
	slog.Info("receive path suspended")
	return nil
}

// Resume restarts the refill worker and then the dispatch workers.
func (o *Orchestrator) Resume() error {
	if o.fill.State() == core.StateSuspended {
		if err := o.fill.Resume(); err != nil {
			return fmt.Errorf("failed to resume refill worker: %w", err)
		}
	}
	if err := o.pool.Resume(); err != nil {
		return fmt.Errorf("failed to resume dispatch pool: %w", err)
	}
	o.fill.Kick()
	slog.Info("receive path resumed")
	return nil
}

// Flush asks a ring to deliver its coalesced packets.
func (o *Orchestrator) Flush(ringID int, reason dispatch.FlushReason) error {
	return o.pool.Flush(ringID, reason)
}

// FlushOwner drops every queued packet of owner. No packet of owner is
// delivered after it returns.
func (o *Orchestrator) FlushOwner(ctx context.Context, owner core.OwnerID) (int, error) {
	return o.pool.FlushByOwner(ctx, owner)
}

// SetAffinity restricts the dispatch workers to cpus.
func (o *Orchestrator) SetAffinity(cpus []int) error {
	return o.pool.SetCPUAffinity(cpus)
}

// Rekey arms the one-shot rekey suppression of one TID of a peer.
func (o *Orchestrator) Rekey(mac core.MAC, tid uint8) error {
	p, ok := o.peers.Get(mac)
	if !ok {
		return fmt.Errorf("rekey %s: %w", mac, core.ErrPeerNotFound)
	}
	return o.guard.Rekey(p, tid)
}

// RemovePeer deletes a peer and drops its packet number state. The rings
// owning the peer's flows are held while the state is cleared.
func (o *Orchestrator) RemovePeer(mac core.MAC) error {
	p, ok := o.peers.Remove(mac)
	if !ok {
		return fmt.Errorf("remove %s: %w", mac, core.ErrPeerNotFound)
	}

	seen := make(map[int]bool, len(o.ringMu))
	for tid := 0; tid < core.NumTIDs; tid++ {
		seen[o.RingFor(mac, uint8(tid))] = true
	}
	rings := make([]int, 0, len(seen))
	for r := range seen {
		rings = append(rings, r)
	}
	// fixed order so concurrent removals cannot deadlock
	sort.Ints(rings)
	for _, r := range rings {
		o.ringMu[r].Lock()
	}
	p.Invalidate()
	for i := len(rings) - 1; i >= 0; i-- {
		o.ringMu[rings[i]].Unlock()
	}

	slog.Info("peer removed", "peer", mac)
	return nil
}

// Trace returns the recorded PN decisions. With drain set the sink is
// emptied.
func (o *Orchestrator) Trace(drain bool) []diag.Record {
	if drain {
		return o.trace.Drain()
	}
	return o.trace.Records()
}

// Stats returns an aggregated snapshot.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		State:          o.pool.State(),
		Peers:          o.peers.Count(),
		Indicated:      o.totalIndicated.Load(),
		SuspendedDrops: o.suspendedDrops.Load(),
		ReplayDrops:    o.replayDrops.Load(),
		Guard:          o.guard.Stats(),
		Ring:           o.ring.Stats(),
		Refill:         o.fill.Stats(),
		Dispatch:       o.pool.Stats(),
		TraceLen:       o.trace.Len(),
		TraceLost:      o.trace.Overwritten(),
	}
}

// monitor puts every ring that indicated fewer packets than the threshold
// during the last interval into low-throughput mode, and takes it out once
// traffic reaches the threshold. Idle rings keep their mode.
func (o *Orchestrator) monitor(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if o.cfg.LowThroughputThreshold <= 0 {
		<-stop
		return
	}

	ticker := time.NewTicker(o.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.checkThroughput()
		}
	}
}

func (o *Orchestrator) checkThroughput() {
	for i := range o.indicated {
		n := o.indicated[i].Swap(0)
		if n == 0 {
			continue
		}
		low := n < uint64(o.cfg.LowThroughputThreshold)
		if err := o.pool.SetLowThroughput(i, low); err != nil {
			slog.Debug("low throughput mode unchanged", "ring", i, "error", err)
		}
	}
}
