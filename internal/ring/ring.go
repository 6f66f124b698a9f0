// Package ring implements the host side of the receive buffer ring.
package ring

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"firestige.xyz/wlanrx/internal/core"
	"firestige.xyz/wlanrx/internal/metrics"
)

// Config configures a Ring.
type Config struct {
	Capacity     int // number of slots
	FillLevel    int // target number of posted buffers
	LowWatermark int // notify below this many posted buffers
	BufferSize   int
	RetryMin     time.Duration
	RetryMax     time.Duration
}

type slotState uint8

const (
	slotFree slotState = iota
	slotPosted
	slotHeld
)

type slot struct {
	mem   Mem
	state slotState
}

// Buffer is a filled receive buffer handed back by the producer. It must be
// released exactly once.
type Buffer struct {
	Addr uint64
	Data []byte

	ring *Ring
	slot int
}

// Release returns the buffer to the ring.
func (b *Buffer) Release() error { return b.ring.Release(b) }

// Stats is a snapshot of ring counters.
type Stats struct {
	Capacity      int    `json:"capacity"`
	FillLevel     int    `json:"fill_level"`
	Fill          int    `json:"fill"`
	Held          int    `json:"held"`
	Free          int    `json:"free"`
	Debt          int    `json:"replenish_debt"`
	RetryArmed    bool   `json:"retry_armed"`
	Refills       uint64 `json:"refills"`
	Collapsed     uint64 `json:"collapsed"`
	Posted        uint64 `json:"posted"`
	Reaped        uint64 `json:"reaped"`
	Released      uint64 `json:"released"`
	AllocFailures uint64 `json:"alloc_failures"`
	UnknownAddrs  uint64 `json:"unknown_addrs"`
}

// Ring is a fixed arena of buffer slots shared with a Producer.
//
// Slots are addressed by index and recycled through a free-index stack. The
// address index holds exactly the posted buffers: an entry is added when a
// buffer is handed to the producer and removed when it is reaped.
type Ring struct {
	cfg      Config
	alloc    Allocator
	producer Producer

	mu         sync.Mutex
	slots      []slot
	free       []int
	index      map[uint64]int
	fill       int
	held       int
	debt       int
	closed     bool
	bo         *backoff.Backoff
	retry      *time.Timer
	retryArmed bool
	notify     func()

	refillRef atomic.Int32

	refills       atomic.Uint64
	collapsed     atomic.Uint64
	posted        atomic.Uint64
	reaped        atomic.Uint64
	released      atomic.Uint64
	allocFailures atomic.Uint64
	unknownAddrs  atomic.Uint64
}

// New creates an empty ring. Call Refill to post buffers.
func New(cfg Config, alloc Allocator, producer Producer) (*Ring, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("ring capacity must be positive: %w", core.ErrConfigInvalid)
	}
	if alloc == nil {
		return nil, fmt.Errorf("ring allocator is nil: %w", core.ErrConfigInvalid)
	}
	if cfg.FillLevel <= 0 || cfg.FillLevel > cfg.Capacity {
		cfg.FillLevel = cfg.Capacity
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 2048
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 10 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = 50 * cfg.RetryMin
	}
	if producer == nil {
		producer = ProducerFunc(func(Mem) {})
	}

	r := &Ring{
		cfg:      cfg,
		alloc:    alloc,
		producer: producer,
		slots:    make([]slot, cfg.Capacity),
		free:     make([]int, 0, cfg.Capacity),
		index:    make(map[uint64]int, cfg.Capacity),
		bo: &backoff.Backoff{
			Min:    cfg.RetryMin,
			Max:    cfg.RetryMax,
			Factor: 2,
			Jitter: false,
		},
	}
	for i := cfg.Capacity - 1; i >= 0; i-- {
		r.free = append(r.free, i)
	}
	return r, nil
}

// SetNotify installs the callback run when the fill drops below the low
// watermark, a slot is recycled below it, or a retry timer fires. It is typically a refill worker kick.
func (r *Ring) SetNotify(fn func()) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

// Refill posts buffers until the fill level is reached. Concurrent callers
// collapse into the pass already in flight and return 0; that pass runs
// again until no request arrived during it.
func (r *Ring) Refill() int {
	if r.refillRef.Add(1) != 1 {
		r.collapsed.Add(1)
		return 0
	}
	total := 0
	for {
		cur := r.refillRef.Load()
		total += r.refillPass()
		if r.refillRef.CompareAndSwap(cur, 0) {
			return total
		}
	}
}

func (r *Ring) refillPass() int {
	r.refills.Add(1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0
	}
	need := r.cfg.FillLevel - r.fill
	if need > len(r.free) {
		need = len(r.free)
	}
	r.mu.Unlock()

	posted := 0
	for i := 0; i < need; i++ {
		mem, err := r.alloc.Alloc(r.cfg.BufferSize)
		if err != nil {
			r.allocFailed(need-i, err)
			return posted
		}
		if err := r.post(mem); err != nil {
			r.alloc.Free(mem)
			slog.Warn("ring post failed", "addr", fmt.Sprintf("%#x", mem.Addr), "error", err)
			if errors.Is(err, core.ErrRingClosed) {
				return posted
			}
			continue
		}
		posted++
	}

	r.mu.Lock()
	r.debt = 0
	r.bo.Reset()
	r.mu.Unlock()
	metrics.RingReplenishDebt.Set(0)
	return posted
}

// post inserts mem into a free slot and the index, then hands it to the
// producer.
func (r *Ring) post(mem Mem) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return core.ErrRingClosed
	}
	if _, dup := r.index[mem.Addr]; dup {
		r.mu.Unlock()
		return core.ErrDuplicateAddr
	}
	if len(r.free) == 0 {
		r.mu.Unlock()
		return core.ErrAllocExhausted
	}
	i := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	r.slots[i] = slot{mem: mem, state: slotPosted}
	r.index[mem.Addr] = i
	r.fill++
	fill := r.fill
	r.mu.Unlock()

	r.posted.Add(1)
	metrics.RingFill.Set(float64(fill))
	r.producer.Post(mem)
	return nil
}

// allocFailed records the owed buffers and arms the retry timer once.
func (r *Ring) allocFailed(owed int, err error) {
	r.allocFailures.Add(1)
	metrics.RingAllocFailuresTotal.Inc()

	r.mu.Lock()
	r.debt = owed
	var delay time.Duration
	if !r.retryArmed && !r.closed {
		delay = r.bo.Duration()
		r.retryArmed = true
		r.retry = time.AfterFunc(delay, r.onRetry)
	}
	r.mu.Unlock()

	metrics.RingReplenishDebt.Set(float64(owed))
	slog.Warn("receive buffer allocation failed", "owed", owed, "retry_in", delay, "error", err)
}

func (r *Ring) onRetry() {
	r.mu.Lock()
	r.retryArmed = false
	closed := r.closed
	notify := r.notify
	r.mu.Unlock()

	if closed {
		return
	}
	if notify != nil {
		notify()
		return
	}
	r.Refill()
}

// Reap takes back the buffer the producer filled at addr.
func (r *Ring) Reap(addr uint64) (*Buffer, error) {
	r.mu.Lock()
	i, ok := r.index[addr]
	if !ok {
		r.mu.Unlock()
		r.unknownAddrs.Add(1)
		return nil, fmt.Errorf("reap %#x: %w", addr, core.ErrUnknownAddr)
	}
	delete(r.index, addr)
	s := &r.slots[i]
	s.state = slotHeld
	r.fill--
	r.held++
	fill := r.fill
	low := fill < r.cfg.LowWatermark
	notify := r.notify
	mem := s.mem
	r.mu.Unlock()

	r.reaped.Add(1)
	metrics.RingFill.Set(float64(fill))
	if low && notify != nil {
		notify()
	}
	return &Buffer{Addr: mem.Addr, Data: mem.Data, ring: r, slot: i}, nil
}

// Release frees a reaped buffer and recycles its slot.
func (r *Ring) Release(b *Buffer) error {
	if b == nil || b.ring != r {
		return fmt.Errorf("release foreign buffer: %w", core.ErrInvalidState)
	}
	r.mu.Lock()
	if b.slot < 0 || b.slot >= len(r.slots) {
		r.mu.Unlock()
		return fmt.Errorf("release slot %d: %w", b.slot, core.ErrInvalidState)
	}
	s := &r.slots[b.slot]
	if s.state != slotHeld || s.mem.Addr != b.Addr {
		r.mu.Unlock()
		return fmt.Errorf("release %#x: %w", b.Addr, core.ErrInvalidState)
	}
	mem := s.mem
	r.slots[b.slot] = slot{}
	r.free = append(r.free, b.slot)
	r.held--
	low := r.fill < r.cfg.LowWatermark && !r.closed
	notify := r.notify
	r.mu.Unlock()

	r.alloc.Free(mem)
	r.released.Add(1)
	// the freed slot can take a new buffer
	if low && notify != nil {
		notify()
	}
	return nil
}

// Fill returns the number of posted buffers.
func (r *Ring) Fill() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fill
}

// Posted reports whether addr is currently posted to the producer.
func (r *Ring) Posted(addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[addr]
	return ok
}

// Close stops the retry timer and frees every posted buffer. Held buffers
// are freed when released.
func (r *Ring) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.retry != nil {
		r.retry.Stop()
		r.retryArmed = false
	}
	var mems []Mem
	for addr, i := range r.index {
		mems = append(mems, r.slots[i].mem)
		r.slots[i] = slot{}
		r.free = append(r.free, i)
		delete(r.index, addr)
	}
	r.fill = 0
	r.mu.Unlock()

	for _, m := range mems {
		r.alloc.Free(m)
	}
	metrics.RingFill.Set(0)
}

// Stats returns a snapshot of ring counters.
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	s := Stats{
		Capacity:   r.cfg.Capacity,
		FillLevel:  r.cfg.FillLevel,
		Fill:       r.fill,
		Held:       r.held,
		Free:       len(r.free),
		Debt:       r.debt,
		RetryArmed: r.retryArmed,
	}
	r.mu.Unlock()

	s.Refills = r.refills.Load()
	s.Collapsed = r.collapsed.Load()
	s.Posted = r.posted.Load()
	s.Reaped = r.reaped.Load()
	s.Released = r.released.Load()
	s.AllocFailures = r.allocFailures.Load()
	s.UnknownAddrs = r.unknownAddrs.Load()
	return s
}
