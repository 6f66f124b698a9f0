package dispatch

import (
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/wlanrx/internal/core"
	"firestige.xyz/wlanrx/internal/metrics"
)

type ctlOp int

const (
	opSuspend ctlOp = iota
	opResume
)

type ctlMsg struct {
	op  ctlOp
	ack chan struct{}
}

type purgeReq struct {
	owner core.OwnerID
	ack   chan int
}

// Drop reasons, used as metric labels.
const (
	dropNotRunning  = "not_running"
	dropQueueFull   = "queue_full"
	dropOwnerFlush  = "owner_flush"
	dropStopped     = "stopped"
	dropInvalidRing = "invalid_ring"
)

var flushReasons = []FlushReason{FlushPeriodic, FlushLowThroughput, FlushSuspend}

func flushBit(r FlushReason) uint32 {
	for i, fr := range flushReasons {
		if fr == r {
			return 1 << uint(i)
		}
	}
	return 0
}

// worker owns one ring's queue and delivers it to the ingress in order.
type worker struct {
	id    int
	label string
	pool  *Pool

	mu      sync.Mutex
	state   core.ThreadState
	q       batchQueue
	maxLen  int
	stop    chan struct{}
	done    chan struct{}
	running bool // goroutine alive

	wake  chan struct{}
	ctl   chan ctlMsg
	purge chan purgeReq

	flushReq      atomic.Uint32
	lowThroughput atomic.Bool // flush whenever the queue runs dry

	// worker goroutine only
	gro        *coalescer
	appliedGen uint64

	cpus atomic.Pointer[[]int]

	enqueued      atomic.Uint64
	delivered     atomic.Uint64
	segments      atomic.Uint64
	dropNotRun    atomic.Uint64
	dropFull      atomic.Uint64
	dropOwner     atomic.Uint64
	dropStop      atomic.Uint64
	flushes       [3]atomic.Uint64
	ingressPanics atomic.Uint64
	affinityErrs  atomic.Uint64
}

func newWorker(id int, p *Pool) *worker {
	w := &worker{
		id:    id,
		label: strconv.Itoa(id),
		pool:  p,
		state: core.StateInvalid,
		wake:  make(chan struct{}, 1),
		ctl:   make(chan ctlMsg),
		purge: make(chan purgeReq),
		gro:   newCoalescer(p.cfg.GROMaxSegments),
	}
	metrics.SetThreadState(w.name(), string(core.StateInvalid))
	return w
}

func (w *worker) name() string { return "dispatch-" + w.label }

// setState must be called with mu held.
func (w *worker) setState(s core.ThreadState) {
	w.state = s
	metrics.SetThreadState(w.name(), string(s))
	slog.Debug("dispatch worker state changed", "ring", w.id, "state", s)
}

func (w *worker) getState() core.ThreadState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.pool.cfg.FlushInterval)
	defer ticker.Stop()

	suspended := false
	for {
		w.applyAffinity()

		if suspended {
			select {
			case <-stop:
				w.shutdown()
				return
			case m := <-w.ctl:
				suspended = w.handleCtl(m)
			case r := <-w.purge:
				w.handlePurge(r)
			}
			continue
		}

		select {
		case <-stop:
			w.shutdown()
			return
		case m := <-w.ctl:
			suspended = w.handleCtl(m)
		case r := <-w.purge:
			w.handlePurge(r)
		case <-w.wake:
			suspended = w.drain(stop)
		case <-ticker.C:
			w.flushGRO(FlushPeriodic)
		}
	}
}

// drain delivers queued batches until the queue is empty, stop is closed
// or a suspend request arrives. Control and purge requests are served
// between batches. In low-throughput mode the pending segment is delivered
// as soon as the queue is empty.
func (w *worker) drain(stop <-chan struct{}) (suspended bool) {
	for {
		select {
		case <-stop:
			return false
		default:
		}
		w.serviceFlush()

		select {
		case m := <-w.ctl:
			if w.handleCtl(m) {
				return true
			}
		case r := <-w.purge:
			w.handlePurge(r)
		default:
		}

		w.mu.Lock()
		b := w.q.pop()
		depth := w.q.len()
		w.mu.Unlock()

		if b == nil {
			w.serviceFlush()
			if w.lowThroughput.Load() {
				w.flushGRO(FlushLowThroughput)
			}
			return false
		}
		metrics.DispatchQueueDepth.WithLabelValues(w.label).Set(float64(depth))
		w.gro.add(b, w.deliver)
	}
}

func (w *worker) deliver(seg Segment) {
	defer core.FreeAll(seg.MPDUs)
	defer func() {
		if r := recover(); r != nil {
			w.ingressPanics.Add(1)
			slog.Error("ingress panicked", "ring", w.id, "flow_owner", seg.Flow.Owner, "panic", r)
		}
	}()

	w.pool.ingress.Deliver(w.id, seg)

	n := seg.Len()
	w.delivered.Add(uint64(n))
	w.segments.Add(1)
	metrics.DispatchDeliveredTotal.WithLabelValues(w.label).Add(float64(n))
	metrics.DispatchGROSegments.WithLabelValues(w.label).Observe(float64(n))
}

func (w *worker) serviceFlush() {
	bits := w.flushReq.Swap(0)
	if bits == 0 {
		return
	}
	for i, r := range flushReasons {
		if bits&(1<<uint(i)) != 0 {
			w.flushGRO(r)
		}
	}
}

// flushGRO delivers the pending segment and counts the flush when there
// was one.
func (w *worker) flushGRO(r FlushReason) {
	if !w.gro.flush(w.deliver) {
		return
	}
	for i, fr := range flushReasons {
		if fr == r {
			w.flushes[i].Add(1)
		}
	}
	metrics.DispatchFlushesTotal.WithLabelValues(w.label, string(r)).Inc()
}

// handleCtl applies a control message and reports whether the worker is
// now suspended.
func (w *worker) handleCtl(m ctlMsg) bool {
	defer close(m.ack)

	switch m.op {
	case opSuspend:
		w.serviceFlush()
		w.flushGRO(FlushSuspend)
		w.mu.Lock()
		w.setState(core.StateSuspended)
		w.mu.Unlock()
		return true
	default:
		w.mu.Lock()
		pending := w.q.len() > 0
		w.mu.Unlock()
		if pending {
			w.signal()
		}
		return false
	}
}

func (w *worker) handlePurge(r purgeReq) {
	n := w.gro.dropOwner(r.owner)
	if n > 0 {
		w.dropOwner.Add(uint64(n))
		metrics.DispatchDropsTotal.WithLabelValues(w.label, dropOwnerFlush).Add(float64(n))
	}
	r.ack <- n
}

// applyAffinity pins the worker thread when the pool's CPU set changed.
func (w *worker) applyAffinity() {
	a := w.pool.affinity.Load()
	if a == nil || a.gen == w.appliedGen {
		return
	}
	w.appliedGen = a.gen

	// never unlocked: the thread exits with the goroutine
	runtime.LockOSThread()
	if err := setAffinity(a.cpus); err != nil {
		w.affinityErrs.Add(1)
		slog.Warn("failed to set dispatch worker affinity", "ring", w.id, "cpus", a.cpus, "error", err)
		return
	}
	cpus := append([]int(nil), a.cpus...)
	w.cpus.Store(&cpus)
	slog.Debug("dispatch worker affinity applied", "ring", w.id, "cpus", a.cpus)
}

// shutdown delivers the pending segment and discards the queue.
func (w *worker) shutdown() {
	w.gro.flush(w.deliver)

	w.mu.Lock()
	rest := w.q.drain()
	w.mu.Unlock()

	n := 0
	for _, b := range rest {
		n += len(b.MPDUs)
		b.Free()
	}
	if n > 0 {
		w.dropStop.Add(uint64(n))
		metrics.DispatchDropsTotal.WithLabelValues(w.label, dropStopped).Add(float64(n))
	}
	metrics.DispatchQueueDepth.WithLabelValues(w.label).Set(0)
}

// drop frees a rejected batch and counts it.
func (w *worker) drop(b *core.Batch, reason string, counter *atomic.Uint64) {
	n := len(b.MPDUs)
	b.Free()
	counter.Add(uint64(n))
	metrics.DispatchDropsTotal.WithLabelValues(w.label, reason).Add(float64(n))
}

func (w *worker) stats() WorkerStats {
	w.mu.Lock()
	st := WorkerStats{
		Ring:        w.id,
		State:       w.state,
		QueueLen:    w.q.len(),
		MaxQueueLen: w.maxLen,
	}
	w.mu.Unlock()

	st.Enqueued = w.enqueued.Load()
	st.Delivered = w.delivered.Load()
	st.Segments = w.segments.Load()
	st.Drops = map[string]uint64{
		dropNotRunning: w.dropNotRun.Load(),
		dropQueueFull:  w.dropFull.Load(),
		dropOwnerFlush: w.dropOwner.Load(),
		dropStopped:    w.dropStop.Load(),
	}
	st.Flushes = make(map[string]uint64, len(flushReasons))
	for i, r := range flushReasons {
		st.Flushes[string(r)] = w.flushes[i].Load()
	}
	st.LowThroughput = w.lowThroughput.Load()
	st.IngressPanics = w.ingressPanics.Load()
	st.AffinityErrors = w.affinityErrs.Load()
	if c := w.cpus.Load(); c != nil {
		st.CPUs = *c
	}
	return st
}
