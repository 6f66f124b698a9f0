package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wlanrx/internal/core"
)

func TestCoalescerMergesNeighboursOnly(t *testing.T) {
	ft := &freeTracker{}
	c := newCoalescer(16)
	var out []Segment
	emit := func(s Segment) { out = append(out, s) }

	c.add(ft.batch(1, 0, 1, 2), emit)
	c.add(ft.batch(1, 0, 3), emit)
	c.add(ft.batch(1, 4, 4), emit)
	c.add(ft.batch(1, 0, 5), emit)
	c.flush(emit)

	require.Len(t, out, 3)
	assert.Equal(t, 3, out[0].Len())
	assert.Equal(t, uint8(4), out[1].Flow.TID)
	assert.Equal(t, 1, out[2].Len())
	assert.False(t, c.flush(emit))
}

func TestCoalescerDropOwner(t *testing.T) {
	ft := &freeTracker{}
	c := newCoalescer(16)
	c.add(ft.batch(9, 0, 1, 2), func(Segment) {})

	assert.Equal(t, 0, c.dropOwner(8))
	assert.Equal(t, 2, c.pendingLen())
	assert.Equal(t, 2, c.dropOwner(9))
	assert.Equal(t, 0, c.pendingLen())
	assert.Equal(t, int32(2), ft.n.Load())
}

func TestBatchQueue(t *testing.T) {
	ft := &freeTracker{}
	var q batchQueue
	assert.Nil(t, q.pop())

	for i := 0; i < 200; i++ {
		q.push(ft.batch(core.OwnerID(i%3), 0, i))
	}
	for i := 0; i < 100; i++ {
		b := q.pop()
		require.NotNil(t, b)
		assert.Equal(t, byte(i), b.MPDUs[0].MSDUs[0].Data[0])
	}

	removed := q.removeOwner(1)
	for _, b := range removed {
		assert.Equal(t, core.OwnerID(1), b.Owner)
	}
	prev := -1
	for b := q.pop(); b != nil; b = q.pop() {
		id := int(b.MPDUs[0].MSDUs[0].Data[0])
		assert.NotEqual(t, core.OwnerID(1), b.Owner)
		assert.Greater(t, id, prev, "relative order kept")
		prev = id
	}
	assert.Equal(t, 0, q.len())
}
