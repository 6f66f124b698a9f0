// Package diag holds diagnostic sinks of the receive path.
package diag

import (
	"sync"
	"time"

	"firestige.xyz/wlanrx/internal/core"
)

// Verdict is the outcome the replay guard reached for one MPDU.
type Verdict string

const (
	VerdictAccept      Verdict = "accept"
	VerdictBootstrap   Verdict = "bootstrap"
	VerdictReplay      Verdict = "replay"
	VerdictParity      Verdict = "parity"
	VerdictRekey       Verdict = "rekey"
	VerdictPassthrough Verdict = "passthrough"
)

// Record is one PN trace entry.
type Record struct {
	Time    time.Time       `json:"time"`
	Peer    core.MAC        `json:"peer"`
	TID     uint8           `json:"tid"`
	Cipher  core.CipherKind `json:"cipher"`
	Dir     core.Direction  `json:"dir"`
	PN      core.PN         `json:"pn"`
	LastPN  core.PN         `json:"last_pn"`
	Verdict Verdict         `json:"verdict"`
}

// TraceSink is a bounded ring of trace records. When full, the oldest
// record is overwritten. A nil *TraceSink discards everything.
type TraceSink struct {
	mu          sync.Mutex
	buf         []Record
	head        int // index of the oldest record
	n           int
	overwritten uint64
	closed      bool
}

// NewTraceSink creates a sink holding at most capacity records.
// A non-positive capacity returns nil, which disables tracing.
func NewTraceSink(capacity int) *TraceSink {
	if capacity <= 0 {
		return nil
	}
	return &TraceSink{buf: make([]Record, capacity)}
}

// Add appends a record. It is a no-op after Close.
func (s *TraceSink) Add(r Record) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.n < len(s.buf) {
		s.buf[(s.head+s.n)%len(s.buf)] = r
		s.n++
		return
	}
	s.buf[s.head] = r
	s.head = (s.head + 1) % len(s.buf)
	s.overwritten++
}

// Records returns a copy of the buffered records, oldest first.
func (s *TraceSink) Records() []Record {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Drain returns the buffered records and empties the sink.
func (s *TraceSink) Drain() []Record {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snapshot()
	s.head, s.n = 0, 0
	return out
}

func (s *TraceSink) snapshot() []Record {
	out := make([]Record, s.n)
	for i := 0; i < s.n; i++ {
		out[i] = s.buf[(s.head+i)%len(s.buf)]
	}
	return out
}

// Len returns the number of buffered records.
func (s *TraceSink) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Overwritten returns how many records were lost to wrap-around.
func (s *TraceSink) Overwritten() uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overwritten
}

// Close discards the buffer. Later writes are ignored.
func (s *TraceSink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buf = nil
	s.head, s.n = 0, 0
}
