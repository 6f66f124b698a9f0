// Package peer keeps the receive path's view of associated stations.
package peer

import (
	"fmt"
	"log/slog"

	"firestige.xyz/wlanrx/internal/core"
)

// Table maps station addresses to peers. It is safe for concurrent use.
type Table struct {
	mode  core.OpMode
	peers syncMap
}

// NewTable creates an empty table whose peers attach to an interface in
// mode.
func NewTable(mode core.OpMode) *Table {
	return &Table{mode: mode}
}

// Mode returns the interface mode new peers are created with.
func (t *Table) Mode() core.OpMode { return t.mode }

// GetOrCreate returns the peer for mac, creating it when absent. The second
// result reports whether the peer was created.
func (t *Table) GetOrCreate(mac core.MAC) (*core.Peer, bool) {
	if p, ok := t.peers.Load(mac); ok {
		return p, false
	}
	p, loaded := t.peers.LoadOrStore(mac, core.NewPeer(mac, t.mode))
	if !loaded {
		slog.Debug("peer added", "peer", mac, "mode", t.mode)
	}
	return p, !loaded
}

// Get returns the peer for mac.
func (t *Table) Get(mac core.MAC) (*core.Peer, bool) {
	return t.peers.Load(mac)
}

// Remove deletes the peer and returns it so the caller can tear down its
// state.
func (t *Table) Remove(mac core.MAC) (*core.Peer, bool) {
	p, ok := t.peers.LoadAndDelete(mac)
	if ok {
		slog.Debug("peer removed", "peer", mac)
	}
	return p, ok
}

// SetKey installs a cipher for one direction of a peer. Replacing an
// installed WAPI unicast key marks every TID rekey-pending, since the new
// key restarts the packet number.
func (t *Table) SetKey(mac core.MAC, dir core.Direction, kind core.CipherKind) error {
	if !kind.Known() {
		return fmt.Errorf("install key for %s: unknown cipher %d: %w", mac, kind, core.ErrConfigInvalid)
	}
	p, ok := t.peers.Load(mac)
	if !ok {
		return fmt.Errorf("install key for %s: %w", mac, core.ErrPeerNotFound)
	}

	sec := p.Security(dir)
	prev := sec.Cipher()
	sec.SetCipher(kind)
	if dir == core.Unicast && kind == core.CipherWAPI && prev == core.CipherWAPI {
		p.MarkRekey()
		slog.Info("wapi unicast rekey", "peer", mac)
	}
	slog.Debug("peer key installed", "peer", mac, "direction", dir, "cipher", kind)
	return nil
}

// Range calls f for every peer until f returns false.
func (t *Table) Range(f func(p *core.Peer) bool) {
	t.peers.Range(func(_ core.MAC, p *core.Peer) bool { return f(p) })
}

// Count returns the number of peers. It is O(n).
func (t *Table) Count() int {
	n := 0
	t.peers.Range(func(core.MAC, *core.Peer) bool {
		n++
		return true
	})
	return n
}
