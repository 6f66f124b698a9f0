package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wlanrx/internal/core"
)

// recorder is an Ingress remembering delivered MPDU ids per ring.
type recorder struct {
	mu    sync.Mutex
	ids   map[int][]int
	segs  map[int][]int // segment sizes
	calls atomic.Int32
	block chan struct{} // when set, Deliver waits on it once
	first atomic.Bool
	inside chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ids: make(map[int][]int), segs: make(map[int][]int)}
}

func (r *recorder) Deliver(ring int, seg Segment) {
	if r.block != nil && r.first.CompareAndSwap(false, true) {
		close(r.inside)
		<-r.block
	}
	r.mu.Lock()
	for _, m := range seg.MPDUs {
		r.ids[ring] = append(r.ids[ring], int(m.MSDUs[0].Data[0]))
	}
	r.segs[ring] = append(r.segs[ring], seg.Len())
	r.mu.Unlock()
	r.calls.Add(1)
}

func (r *recorder) delivered(ring int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ids[ring]...)
}

func (r *recorder) sizes(ring int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.segs[ring]...)
}

// freeTracker counts freed MPDUs.
type freeTracker struct{ n atomic.Int32 }

func (f *freeTracker) batch(owner core.OwnerID, tid uint8, ids ...int) *core.Batch {
	b := &core.Batch{Owner: owner, Peer: core.MAC{0x02, 0, 0, 0, 0, 1}, TID: tid}
	for _, id := range ids {
		b.MPDUs = append(b.MPDUs, core.NewMPDU([]core.MSDU{{Data: []byte{byte(id)}}}, func() { f.n.Add(1) }))
	}
	return b
}

func newTestPool(t *testing.T, cfg Config, ing Ingress) *Pool {
	t.Helper()
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	p, err := New(cfg, ing)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return p
}

// flushUntil keeps requesting flushes until cond holds. A single request
// may be served before the last batch reached the coalescer.
func flushUntil(t *testing.T, p *Pool, ring int, cond func() bool) {
	t.Helper()
	assert.Eventually(t, func() bool {
		_ = p.Flush(ring, FlushPeriodic)
		return cond()
	}, time.Second, time.Millisecond)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Workers: 0}, newRecorder())
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	_, err = New(Config{Workers: 1}, nil)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

// Two rings with interleaved enqueues keep per-ring order.
func TestPerRingFIFO(t *testing.T) {
	rec := newRecorder()
	ft := &freeTracker{}
	p := newTestPool(t, Config{Workers: 2, GROMaxSegments: 1}, rec)

	require.True(t, p.Enqueue(0, ft.batch(1, 0, 1)))
	require.True(t, p.Enqueue(1, ft.batch(1, 1, 101)))
	require.True(t, p.Enqueue(0, ft.batch(1, 0, 2)))
	require.True(t, p.Enqueue(1, ft.batch(1, 1, 102)))
	require.True(t, p.Enqueue(0, ft.batch(1, 0, 3)))

	assert.Eventually(t, func() bool { return rec.calls.Load() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, rec.delivered(0))
	assert.Equal(t, []int{101, 102}, rec.delivered(1))
	assert.Eventually(t, func() bool { return ft.n.Load() == 5 }, time.Second, time.Millisecond, "delivered MPDUs are freed")
}

func TestFIFOWithCoalescing(t *testing.T) {
	rec := newRecorder()
	ft := &freeTracker{}
	p := newTestPool(t, Config{Workers: 1, GROMaxSegments: 8}, rec)

	var want []int
	id := 0
	for i := 0; i < 40; i++ {
		// alternate flows in runs so some batches merge and some do not
		tid := uint8((i / 3) % 2)
		b := ft.batch(1, tid, id, id+1)
		want = append(want, id, id+1)
		id += 2
		require.True(t, p.Enqueue(0, b))
	}
	flushUntil(t, p, 0, func() bool { return len(rec.delivered(0)) == len(want) })
	assert.Equal(t, want, rec.delivered(0))
	for _, n := range rec.sizes(0) {
		assert.LessOrEqual(t, n, 8)
	}
}

func TestGROMaxSegments(t *testing.T) {
	rec := newRecorder()
	ft := &freeTracker{}
	p := newTestPool(t, Config{Workers: 1, GROMaxSegments: 2}, rec)

	require.True(t, p.Enqueue(0, ft.batch(1, 0, 1, 2, 3, 4, 5)))
	assert.Eventually(t, func() bool { return len(rec.sizes(0)) == 2 }, time.Second, time.Millisecond)

	// fifth MPDU waits for a flush
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []int{2, 2}, rec.sizes(0))

	require.NoError(t, p.Flush(0, FlushLowThroughput))
	assert.Eventually(t, func() bool { return len(rec.sizes(0)) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.delivered(0))
	assert.Eventually(t, func() bool {
		return p.Stats().Workers[0].Flushes["low_throughput"] == 1
	}, time.Second, time.Millisecond)
}

func TestLowThroughputModeFlushesWhenIdle(t *testing.T) {
	rec := newRecorder()
	ft := &freeTracker{}
	p := newTestPool(t, Config{Workers: 2, GROMaxSegments: 64}, rec)

	require.True(t, p.Enqueue(0, ft.batch(1, 0, 1, 2)))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.sizes(0), "segment waits for the periodic flush")

	// switching on delivers the pending segment
	require.NoError(t, p.SetLowThroughput(0, true))
	assert.True(t, p.LowThroughput(0))
	assert.False(t, p.LowThroughput(1))
	assert.Eventually(t, func() bool { return len(rec.sizes(0)) == 1 }, time.Second, time.Millisecond)

	// every sparse enqueue is delivered without a flush request
	for i := 3; i <= 5; i++ {
		require.True(t, p.Enqueue(0, ft.batch(1, 0, i)))
		n := i - 1
		assert.Eventually(t, func() bool { return len(rec.sizes(0)) == n }, time.Second, time.Millisecond)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.delivered(0))
	st := p.Stats().Workers[0]
	assert.True(t, st.LowThroughput)
	assert.Equal(t, uint64(4), st.Flushes["low_throughput"])

	require.NoError(t, p.SetLowThroughput(0, false))
	require.True(t, p.Enqueue(0, ft.batch(1, 0, 6)))
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, rec.sizes(0), 4)

	assert.ErrorIs(t, p.SetLowThroughput(2, true), core.ErrInvalidRing)
}

func TestFlowChangeEmitsSegment(t *testing.T) {
	rec := newRecorder()
	ft := &freeTracker{}
	p := newTestPool(t, Config{Workers: 1, GROMaxSegments: 64}, rec)

	require.True(t, p.Enqueue(0, ft.batch(1, 0, 1, 2)))
	require.True(t, p.Enqueue(0, ft.batch(1, 5, 3)))

	assert.Eventually(t, func() bool { return len(rec.sizes(0)) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{1, 2}, rec.delivered(0))
}

func TestPeriodicFlush(t *testing.T) {
	rec := newRecorder()
	ft := &freeTracker{}
	p := newTestPool(t, Config{Workers: 1, GROMaxSegments: 64, FlushInterval: 5 * time.Millisecond}, rec)

	require.True(t, p.Enqueue(0, ft.batch(1, 0, 1)))
	assert.Eventually(t, func() bool { return len(rec.delivered(0)) == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		return p.Stats().Workers[0].Flushes["periodic"] >= 1
	}, time.Second, time.Millisecond)
}

// Owner batches are removed from the queue, others untouched.
func TestFlushByOwnerQueued(t *testing.T) {
	rec := newRecorder()
	rec.block = make(chan struct{})
	rec.inside = make(chan struct{})
	ft := &freeTracker{}
	p := newTestPool(t, Config{Workers: 1, GROMaxSegments: 1}, rec)

	const x, y core.OwnerID = 7, 8
	require.True(t, p.Enqueue(0, ft.batch(y, 0, 1))) // in flight, blocks the worker
	<-rec.inside

	require.True(t, p.Enqueue(0, ft.batch(x, 1, 10)))
	require.True(t, p.Enqueue(0, ft.batch(y, 2, 2)))
	require.True(t, p.Enqueue(0, ft.batch(x, 3, 11)))

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := p.FlushByOwner(context.Background(), x)
		done <- result{n, err}
	}()

	assert.Eventually(t, func() bool { return p.Stats().Workers[0].QueueLen == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("FlushByOwner returned before the worker acknowledged")
	case <-time.After(10 * time.Millisecond):
	}

	close(rec.block)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.n)

	assert.Eventually(t, func() bool { return len(rec.delivered(0)) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{1, 2}, rec.delivered(0))
	assert.Equal(t, uint64(2), p.Stats().Workers[0].Drops["owner_flush"])
	assert.Eventually(t, func() bool { return ft.n.Load() == 4 }, time.Second, time.Millisecond)
}

func TestFlushByOwnerPendingCoalesced(t *testing.T) {
	rec := newRecorder()
	ft := &freeTracker{}
	p := newTestPool(t, Config{Workers: 2, GROMaxSegments: 64}, rec)

	require.True(t, p.Enqueue(0, ft.batch(3, 0, 1, 2, 3)))
	require.True(t, p.Enqueue(1, ft.batch(4, 0, 9)))
	assert.Eventually(t, func() bool {
		st := p.Stats()
		return st.Workers[0].QueueLen == 0 && st.Workers[1].QueueLen == 0
	}, time.Second, time.Millisecond)
	// wait until the worker picked the batch into its coalescer
	time.Sleep(10 * time.Millisecond)

	n, err := p.FlushByOwner(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	flushUntil(t, p, 1, func() bool { return len(rec.delivered(1)) == 1 })
	require.NoError(t, p.Flush(0, FlushPeriodic))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.delivered(0))
}

func TestFlushByOwnerHonoursContext(t *testing.T) {
	rec := newRecorder()
	rec.block = make(chan struct{})
	rec.inside = make(chan struct{})
	ft := &freeTracker{}
	p := newTestPool(t, Config{Workers: 1}, rec)
	defer close(rec.block)

	require.True(t, p.Enqueue(0, ft.batch(1, 0, 1)))
	<-rec.inside

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.FlushByOwner(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSuspendSafety(t *testing.T) {
	rec := newRecorder()
	ft := &freeTracker{}
	p := newTestPool(t, Config{Workers: 2, GROMaxSegments: 64}, rec)

	require.True(t, p.Enqueue(0, ft.batch(1, 0, 1, 2)))
	assert.Eventually(t, func() bool { return p.Stats().Workers[0].QueueLen == 0 }, time.Second, time.Millisecond)

	require.NoError(t, p.Suspend(context.Background()))
	assert.Equal(t, core.StateSuspended, p.State())

	// coalesced packets were delivered on the way down
	assert.Equal(t, []int{1, 2}, rec.delivered(0))
	calls := rec.calls.Load()

	assert.False(t, p.Enqueue(0, ft.batch(1, 0, 3)))
	assert.False(t, p.Enqueue(1, ft.batch(1, 0, 4)))
	assert.ErrorIs(t, p.Flush(0, FlushPeriodic), core.ErrNotRunning)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, rec.calls.Load(), "nothing delivered while suspended")

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Workers[0].Drops["not_running"])
	assert.Equal(t, uint64(1), st.Workers[0].Flushes["suspend"])

	require.NoError(t, p.Suspend(context.Background()), "suspend is idempotent")

	require.NoError(t, p.Resume())
	assert.Equal(t, core.StateRunning, p.State())
	require.True(t, p.Enqueue(0, ft.batch(1, 0, 5)))
	flushUntil(t, p, 0, func() bool { return len(rec.delivered(0)) == 3 })
	assert.Equal(t, []int{1, 2, 5}, rec.delivered(0))
}

func TestLifecycleErrors(t *testing.T) {
	rec := newRecorder()
	ft := &freeTracker{}
	p, err := New(Config{Workers: 1}, rec)
	require.NoError(t, err)

	assert.Equal(t, core.StateInvalid, p.State())
	assert.False(t, p.Enqueue(0, ft.batch(1, 0, 1)))
	assert.Equal(t, int32(1), ft.n.Load())
	assert.ErrorIs(t, p.Suspend(context.Background()), core.ErrInvalidState)
	assert.ErrorIs(t, p.Resume(), core.ErrInvalidState)

	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), core.ErrInvalidState)
	require.NoError(t, p.Resume(), "resume while running is a no-op")

	p.Stop()
	assert.Equal(t, core.StateInvalid, p.State())
	p.Stop()

	require.NoError(t, p.Start(), "a stopped pool can be restarted")
	p.Stop()
}

func TestInvalidRing(t *testing.T) {
	rec := newRecorder()
	ft := &freeTracker{}
	p := newTestPool(t, Config{Workers: 2}, rec)

	assert.False(t, p.Enqueue(2, ft.batch(1, 0, 1)))
	assert.False(t, p.Enqueue(-1, ft.batch(1, 0, 2)))
	assert.Equal(t, uint64(2), p.Stats().InvalidRingDrops)
	assert.Equal(t, int32(2), ft.n.Load())

	assert.ErrorIs(t, p.Flush(2, FlushPeriodic), core.ErrInvalidRing)
	assert.ErrorIs(t, p.Flush(0, FlushReason("bogus")), core.ErrInvalidState)
}

func TestQueueLimitAndHighWater(t *testing.T) {
	rec := newRecorder()
	rec.block = make(chan struct{})
	rec.inside = make(chan struct{})
	ft := &freeTracker{}
	p := newTestPool(t, Config{Workers: 1, GROMaxSegments: 1, QueueLimit: 2}, rec)

	require.True(t, p.Enqueue(0, ft.batch(1, 0, 1)))
	<-rec.inside

	assert.True(t, p.Enqueue(0, ft.batch(1, 0, 2)))
	assert.True(t, p.Enqueue(0, ft.batch(1, 0, 3)))
	assert.False(t, p.Enqueue(0, ft.batch(1, 0, 4)))

	st := p.Stats().Workers[0]
	assert.Equal(t, uint64(1), st.Drops["queue_full"])
	assert.Equal(t, 2, st.MaxQueueLen)

	close(rec.block)
	assert.Eventually(t, func() bool { return len(rec.delivered(0)) == 3 }, time.Second, time.Millisecond)
}

func TestStopDropsQueued(t *testing.T) {
	rec := newRecorder()
	rec.block = make(chan struct{})
	rec.inside = make(chan struct{})
	ft := &freeTracker{}
	p, err := New(Config{Workers: 1, GROMaxSegments: 1, FlushInterval: time.Hour}, rec)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	require.True(t, p.Enqueue(0, ft.batch(1, 0, 1)))
	<-rec.inside
	require.True(t, p.Enqueue(0, ft.batch(1, 0, 2, 3)))

	w := p.workers[0]
	w.mu.Lock()
	stop := w.stop
	w.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	// the worker is still inside Deliver when stop is closed
	<-stop
	close(rec.block)
	<-stopped

	assert.Equal(t, int32(3), ft.n.Load(), "every MPDU is freed")
	assert.Equal(t, []int{1}, rec.delivered(0))
	assert.Equal(t, uint64(2), p.Stats().Workers[0].Drops["stopped"])
}

func TestIngressPanicRecovered(t *testing.T) {
	ft := &freeTracker{}
	var n atomic.Int32
	p := newTestPool(t, Config{Workers: 1, GROMaxSegments: 1}, IngressFunc(func(int, Segment) {
		if n.Add(1) == 1 {
			panic("boom")
		}
	}))

	require.True(t, p.Enqueue(0, ft.batch(1, 0, 1)))
	require.True(t, p.Enqueue(0, ft.batch(1, 0, 2)))
	assert.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return ft.n.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), p.Stats().Workers[0].IngressPanics)
}

func TestSetCPUAffinity(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2}, newRecorder())

	assert.ErrorIs(t, p.SetCPUAffinity([]int{-1}), core.ErrConfigInvalid)

	require.NoError(t, p.SetCPUAffinity([]int{0}))
	assert.Eventually(t, func() bool {
		for _, w := range p.Stats().Workers {
			if len(w.CPUs) != 1 || w.CPUs[0] != 0 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}
