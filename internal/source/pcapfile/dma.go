package pcapfile

import (
	"context"

	"firestige.xyz/wlanrx/internal/ring"
)

// DMA stands in for the device side of the buffer ring: it holds the
// buffers the host posted until a frame is written into one.
type DMA struct {
	posted chan ring.Mem
}

// NewDMA creates a DMA able to hold capacity posted buffers. capacity must
// be at least the ring capacity so Post never blocks.
func NewDMA(capacity int) *DMA {
	return &DMA{posted: make(chan ring.Mem, capacity)}
}

// Post implements ring.Producer.
func (d *DMA) Post(m ring.Mem) {
	select {
	case d.posted <- m:
	default:
		// unreachable while capacity covers the ring
	}
}

// Take returns the oldest posted buffer, waiting until one is available.
func (d *DMA) Take(ctx context.Context) (ring.Mem, error) {
	select {
	case m := <-d.posted:
		return m, nil
	case <-ctx.Done():
		return ring.Mem{}, ctx.Err()
	}
}

// Available returns the number of posted buffers not yet written.
func (d *DMA) Available() int { return len(d.posted) }
