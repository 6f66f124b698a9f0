package core

import "sync/atomic"

// TidState tracks the last accepted PN of one (peer, TID).
//
// LastPN and Valid have a single writer: the dispatch worker the flow is
// pinned to. RekeyPending is set by the key-management path and consumed by
// that worker, so it is atomic.
type TidState struct {
	LastPN       PN
	Valid        bool
	RekeyPending atomic.Bool
}

// SecurityContext is the cipher installed for one direction of a peer.
type SecurityContext struct {
	kind atomic.Uint32
}

// Cipher returns the installed cipher kind.
func (s *SecurityContext) Cipher() CipherKind { return CipherKind(s.kind.Load()) }

// SetCipher installs a cipher kind.
func (s *SecurityContext) SetCipher(k CipherKind) { s.kind.Store(uint32(k)) }

// Peer is a remote station as seen by the receive path. It is owned by the
// association manager; the replay guard only holds a reference.
type Peer struct {
	MAC  MAC
	Mode OpMode // mode of the local interface the peer is attached to

	authorized atomic.Bool
	pnOffload  atomic.Bool
	security   [2]SecurityContext
	tids       [NumTIDs]TidState
}

// NewPeer creates a peer with no cipher installed on either direction.
func NewPeer(mac MAC, mode OpMode) *Peer {
	return &Peer{MAC: mac, Mode: mode}
}

// Security returns the security context for a direction.
func (p *Peer) Security(dir Direction) *SecurityContext {
	if dir == Multicast {
		return &p.security[1]
	}
	return &p.security[0]
}

// Tid returns the state of a traffic identifier, or nil when out of range.
func (p *Peer) Tid(tid uint8) *TidState {
	if int(tid) >= NumTIDs {
		return nil
	}
	return &p.tids[tid]
}

// SetAuthorized marks the peer as having completed authentication.
func (p *Peer) SetAuthorized(v bool) { p.authorized.Store(v) }

// Authorized reports whether the peer completed authentication.
func (p *Peer) Authorized() bool { return p.authorized.Load() }

// SetPNOffload marks the PN check as performed by firmware for this peer.
func (p *Peer) SetPNOffload(v bool) { p.pnOffload.Store(v) }

// PNOffload reports whether firmware already performs the PN check.
func (p *Peer) PNOffload() bool { return p.pnOffload.Load() }

// MarkRekey sets the one-shot rekey flag on every TID.
func (p *Peer) MarkRekey() {
	for i := range p.tids {
		p.tids[i].RekeyPending.Store(true)
	}
}

// Invalidate drops every TID's PN state. Called on peer teardown once the
// peer's flows have been flushed from the dispatch workers.
func (p *Peer) Invalidate() {
	for i := range p.tids {
		p.tids[i].Valid = false
		p.tids[i].LastPN = PN{}
		p.tids[i].RekeyPending.Store(false)
	}
}
