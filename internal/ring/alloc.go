package ring

import (
	"sync"

	"firestige.xyz/wlanrx/internal/core"
)

// Mem is one receive buffer and the bus address the producer writes to.
type Mem struct {
	Addr uint64
	Data []byte
}

// Allocator hands out receive buffers. Alloc may fail transiently.
type Allocator interface {
	Alloc(size int) (Mem, error)
	Free(m Mem)
}

// Producer is the hardware side of the ring. Post hands it an empty buffer.
type Producer interface {
	Post(m Mem)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(m Mem)

// Post calls f(m).
func (f ProducerFunc) Post(m Mem) { f(m) }

const (
	heapAddrBase = 0x1000_0000
	heapAddrStep = 0x1000
)

// HeapAllocator allocates from the Go heap with an outstanding-buffer
// budget. Addresses are synthetic, unique for the lifetime of the allocator.
type HeapAllocator struct {
	mu          sync.Mutex
	budget      int
	outstanding int
	next        uint64
}

// NewHeapAllocator creates an allocator allowing at most budget live
// buffers. A non-positive budget is unbounded.
func NewHeapAllocator(budget int) *HeapAllocator {
	return &HeapAllocator{budget: budget, next: heapAddrBase}
}

// Alloc returns a zeroed buffer of size bytes.
func (a *HeapAllocator) Alloc(size int) (Mem, error) {
	a.mu.Lock()
	if a.budget > 0 && a.outstanding >= a.budget {
		a.mu.Unlock()
		return Mem{}, core.ErrAllocExhausted
	}
	a.outstanding++
	addr := a.next
	a.next += heapAddrStep
	a.mu.Unlock()

	return Mem{Addr: addr, Data: make([]byte, size)}, nil
}

// Free returns a buffer to the budget.
func (a *HeapAllocator) Free(Mem) {
	a.mu.Lock()
	if a.outstanding > 0 {
		a.outstanding--
	}
	a.mu.Unlock()
}

// Outstanding returns the number of live buffers.
func (a *HeapAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outstanding
}

// SetBudget changes the live-buffer limit.
func (a *HeapAllocator) SetBudget(n int) {
	a.mu.Lock()
	a.budget = n
	a.mu.Unlock()
}
