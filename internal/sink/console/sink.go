// Package console is the delivery endpoint used when no network stack is
// attached: it counts delivered segments and optionally prints a summary
// line per segment.
package console

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"firestige.xyz/wlanrx/internal/dispatch"
)

const Name = "console"

// Stats is a snapshot of sink counters.
type Stats struct {
	Segments uint64 `json:"segments"`
	MPDUs    uint64 `json:"mpdus"`
	Bytes    uint64 `json:"bytes"`
}

// Sink implements dispatch.Ingress.
type Sink struct {
	mu      sync.Mutex // serializes writes from ring workers
	w       io.Writer
	verbose bool

	segments atomic.Uint64
	mpdus    atomic.Uint64
	bytes    atomic.Uint64
}

// NewSink creates a sink. With verbose unset nothing is written to w.
func NewSink(w io.Writer, verbose bool) *Sink {
	if w == nil {
		w = io.Discard
	}
	return &Sink{w: w, verbose: verbose}
}

// Deliver implements dispatch.Ingress. The segment is only read.
func (s *Sink) Deliver(ringID int, seg dispatch.Segment) {
	var n uint64
	for _, m := range seg.MPDUs {
		for _, msdu := range m.MSDUs {
			n += uint64(len(msdu.Data))
		}
	}
	s.segments.Add(1)
	s.mpdus.Add(uint64(seg.Len()))
	s.bytes.Add(n)

	if !s.verbose {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "ring=%d owner=%d peer=%s tid=%d mpdus=%d bytes=%d\n",
		ringID, seg.Flow.Owner, seg.Flow.Peer, seg.Flow.TID, seg.Len(), n)
}

// Stats returns a snapshot of the counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Segments: s.segments.Load(),
		MPDUs:    s.mpdus.Load(),
		Bytes:    s.bytes.Load(),
	}
}

// Close implements io.Closer.
func (s *Sink) Close() error { return nil }
