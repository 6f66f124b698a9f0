package dispatch

import "firestige.xyz/wlanrx/internal/core"

// batchQueue is a FIFO of batches. It is not safe for concurrent use; the
// owning worker's mutex guards it.
type batchQueue struct {
	items []*core.Batch
	head  int
}

func (q *batchQueue) push(b *core.Batch) {
	q.items = append(q.items, b)
}

// pop returns the oldest batch, or nil when empty.
func (q *batchQueue) pop() *core.Batch {
	if q.head == len(q.items) {
		return nil
	}
	b := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return b
}

func (q *batchQueue) len() int { return len(q.items) - q.head }

// removeOwner takes every batch of owner out of the queue, keeping the
// relative order of the rest.
func (q *batchQueue) removeOwner(owner core.OwnerID) []*core.Batch {
	var removed []*core.Batch
	kept := q.items[:0]
	for _, b := range q.items[q.head:] {
		if b.Owner == owner {
			removed = append(removed, b)
			continue
		}
		kept = append(kept, b)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	q.head = 0
	return removed
}

// drain empties the queue and returns its batches in order.
func (q *batchQueue) drain() []*core.Batch {
	out := append([]*core.Batch(nil), q.items[q.head:]...)
	for i := range q.items {
		q.items[i] = nil
	}
	q.items = q.items[:0]
	q.head = 0
	return out
}
