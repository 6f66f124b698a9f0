package dispatch

import "firestige.xyz/wlanrx/internal/core"

// Segment is one coalesced delivery: consecutive MPDUs of a single flow.
type Segment struct {
	Flow  core.FlowKey
	MPDUs []*core.MPDU
}

// Len returns the number of MPDUs in the segment.
func (s Segment) Len() int { return len(s.MPDUs) }

// coalescer merges consecutive same-flow MPDUs into segments. Only
// neighbours are merged, so delivery order equals arrival order. Not safe
// for concurrent use.
type coalescer struct {
	limit   int
	flow    core.FlowKey
	pending []*core.MPDU
}

func newCoalescer(limit int) *coalescer {
	if limit <= 0 {
		limit = 1
	}
	return &coalescer{limit: limit}
}

// add appends the batch, emitting every segment that became complete.
func (c *coalescer) add(b *core.Batch, emit func(Segment)) {
	flow := b.Flow()
	if len(c.pending) > 0 && flow != c.flow {
		emit(c.take())
	}
	for _, m := range b.MPDUs {
		if len(c.pending) == 0 {
			c.flow = flow
		}
		c.pending = append(c.pending, m)
		if len(c.pending) >= c.limit {
			emit(c.take())
		}
	}
}

// flush emits the pending segment, if any, and reports whether it did.
func (c *coalescer) flush(emit func(Segment)) bool {
	if len(c.pending) == 0 {
		return false
	}
	emit(c.take())
	return true
}

// dropOwner frees the pending segment when it belongs to owner and returns
// the number of MPDUs freed.
func (c *coalescer) dropOwner(owner core.OwnerID) int {
	if len(c.pending) == 0 || c.flow.Owner != owner {
		return 0
	}
	seg := c.take()
	core.FreeAll(seg.MPDUs)
	return len(seg.MPDUs)
}

func (c *coalescer) pendingLen() int { return len(c.pending) }

func (c *coalescer) take() Segment {
	seg := Segment{Flow: c.flow, MPDUs: c.pending}
	c.pending = nil
	return seg
}
