// Package refill runs receive buffer replenishment off the dispatch path.
package refill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"firestige.xyz/wlanrx/internal/core"
	"firestige.xyz/wlanrx/internal/metrics"
)

// Refiller is the ring side of the worker.
type Refiller interface {
	Refill() int
}

type ctlOp int

const (
	opSuspend ctlOp = iota
	opResume
)

type ctlMsg struct {
	op  ctlOp
	ack chan struct{}
}

// Stats is a snapshot of worker counters.
type Stats struct {
	State  core.ThreadState `json:"state"`
	Kicks  uint64           `json:"kicks"`
	Passes uint64           `json:"passes"`
	Posted uint64           `json:"posted"`
}

// Worker calls Refill on its target each time it is kicked. Kicks are
// coalesced: any number of kicks before the worker wakes cost one pass.
type Worker struct {
	name   string
	target Refiller

	mu    sync.Mutex
	state core.ThreadState

	kick     chan struct{}
	ctl      chan ctlMsg
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	kicks  atomic.Uint64
	passes atomic.Uint64
	posted atomic.Uint64
}

// New creates a worker in the Invalid state.
func New(name string, target Refiller) *Worker {
	w := &Worker{
		name:   name,
		target: target,
		state:  core.StateInvalid,
		kick:   make(chan struct{}, 1),
		ctl:    make(chan ctlMsg),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	metrics.SetThreadState(name, string(core.StateInvalid))
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() core.ThreadState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// setState must be called with mu held.
func (w *Worker) setState(s core.ThreadState) {
	w.state = s
	metrics.SetThreadState(w.name, string(s))
	slog.Debug("refill worker state changed", "worker", w.name, "state", s)
}

// Start launches the worker goroutine.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != core.StateInvalid {
		return fmt.Errorf("cannot start refill worker in state %s: %w", w.state, core.ErrInvalidState)
	}
	select {
	case <-w.done:
		return fmt.Errorf("refill worker already stopped: %w", core.ErrInvalidState)
	default:
	}

	w.setState(core.StateRunning)
	go w.run()
	return nil
}

// Kick requests a refill pass. It never blocks. Kicks received while
// suspended are served after Resume.
func (w *Worker) Kick() {
	w.kicks.Add(1)
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Suspend parks the worker. It returns once the worker is Suspended, or
// when ctx is done.
func (w *Worker) Suspend(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case core.StateSuspended:
		w.mu.Unlock()
		return nil
	case core.StateRunning:
	default:
		st := w.state
		w.mu.Unlock()
		return fmt.Errorf("cannot suspend refill worker in state %s: %w", st, core.ErrInvalidState)
	}
	w.setState(core.StateSuspending)
	w.mu.Unlock()

	if err := w.send(ctx, opSuspend); err != nil {
		w.mu.Lock()
		if w.state == core.StateSuspending {
			w.setState(core.StateRunning)
		}
		w.mu.Unlock()
		return err
	}
	return nil
}

// Resume returns a suspended worker to Running.
func (w *Worker) Resume() error {
	w.mu.Lock()
	if w.state != core.StateSuspended {
		st := w.state
		w.mu.Unlock()
		return fmt.Errorf("cannot resume refill worker in state %s: %w", st, core.ErrInvalidState)
	}
	w.setState(core.StateRunning)
	w.mu.Unlock()

	return w.send(context.Background(), opResume)
}

func (w *Worker) send(ctx context.Context, op ctlOp) error {
	msg := ctlMsg{op: op, ack: make(chan struct{})}
	select {
	case w.ctl <- msg:
	case <-w.done:
		return core.ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	// handle never blocks once the message is received
	<-msg.ack
	return nil
}

// Stop terminates the worker goroutine and waits for it.
func (w *Worker) Stop() {
	w.mu.Lock()
	started := w.state != core.StateInvalid
	w.mu.Unlock()
	if !started {
		return
	}

	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done

	w.mu.Lock()
	w.setState(core.StateInvalid)
	w.mu.Unlock()
}

// Stats returns a snapshot of worker counters.
func (w *Worker) Stats() Stats {
	return Stats{
		State:  w.State(),
		Kicks:  w.kicks.Load(),
		Passes: w.passes.Load(),
		Posted: w.posted.Load(),
	}
}

func (w *Worker) run() {
	defer close(w.done)

	suspended := false
	for {
		if suspended {
			select {
			case <-w.stop:
				return
			case m := <-w.ctl:
				suspended = w.handle(m)
			}
			continue
		}

		select {
		case <-w.stop:
			return
		case m := <-w.ctl:
			suspended = w.handle(m)
		case <-w.kick:
			w.passes.Add(1)
			if n := w.target.Refill(); n > 0 {
				w.posted.Add(uint64(n))
			}
		}
	}
}

// handle applies a control message and reports whether the worker is now
// suspended.
func (w *Worker) handle(m ctlMsg) bool {
	defer close(m.ack)
	switch m.op {
	case opSuspend:
		w.mu.Lock()
		if w.state == core.StateSuspending {
			w.setState(core.StateSuspended)
		}
		w.mu.Unlock()
		return true
	default:
		return false
	}
}
