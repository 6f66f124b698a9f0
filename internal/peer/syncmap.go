package peer

import (
	"sync"

	"firestige.xyz/wlanrx/internal/core"
)

// syncMap is a typed wrapper over sync.Map keyed by station address.
type syncMap struct {
	m sync.Map // map[core.MAC]*core.Peer
}

func (s *syncMap) Load(mac core.MAC) (*core.Peer, bool) {
	v, ok := s.m.Load(mac)
	if !ok {
		return nil, false
	}
	return v.(*core.Peer), true
}

func (s *syncMap) LoadOrStore(mac core.MAC, p *core.Peer) (*core.Peer, bool) {
	v, loaded := s.m.LoadOrStore(mac, p)
	return v.(*core.Peer), loaded
}

func (s *syncMap) LoadAndDelete(mac core.MAC) (*core.Peer, bool) {
	v, ok := s.m.LoadAndDelete(mac)
	if !ok {
		return nil, false
	}
	return v.(*core.Peer), true
}

func (s *syncMap) Range(f func(mac core.MAC, p *core.Peer) bool) {
	s.m.Range(func(k, v any) bool {
		mac, ok := k.(core.MAC)
		if !ok {
			return true
		}
		return f(mac, v.(*core.Peer))
	})
}
