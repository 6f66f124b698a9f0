// Package core defines core data structures with zero external dependencies.
package core

import (
	"sync"
	"time"
)

// MSDU is one payload fragment carried in an MPDU.
type MSDU struct {
	Data []byte // zero-copy slice into the receive buffer
}

// MPDU is one decrypted 802.11 frame as produced by the descriptor parser.
type MPDU struct {
	MSDUs     []MSDU
	Encrypted bool
	Dir       Direction
	PN        PNWords
	Timestamp time.Time

	release  func() // returns the backing receive buffers
	freeOnce sync.Once
}

// NewMPDU creates an MPDU whose backing buffers are released by release.
// release may be nil for frames that do not own ring buffers.
func NewMPDU(msdus []MSDU, release func()) *MPDU {
	return &MPDU{MSDUs: msdus, release: release}
}

// Free releases the backing buffers. It is safe to call more than once.
func (m *MPDU) Free() {
	m.freeOnce.Do(func() {
		if m.release != nil {
			m.release()
		}
	})
}

// Len returns the total payload length.
func (m *MPDU) Len() int {
	n := 0
	for _, s := range m.MSDUs {
		n += len(s.Data)
	}
	return n
}

// FreeAll frees every MPDU in the list.
func FreeAll(mpdus []*MPDU) {
	for _, m := range mpdus {
		m.Free()
	}
}

// Batch is one ring indication's worth of clean MPDUs belonging to a single
// flow. It is the unit of FIFO order in the dispatch queues.
type Batch struct {
	Owner OwnerID
	Peer  MAC
	TID   uint8
	MPDUs []*MPDU
}

// Flow returns the coalescing key of the batch.
func (b *Batch) Flow() FlowKey {
	return FlowKey{Owner: b.Owner, Peer: b.Peer, TID: b.TID}
}

// Free frees every MPDU of the batch.
func (b *Batch) Free() { FreeAll(b.MPDUs) }
