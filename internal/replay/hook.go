package replay

import (
	"time"

	"firestige.xyz/wlanrx/internal/core"
	"firestige.xyz/wlanrx/internal/diag"
)

// Event describes one PN violation.
type Event struct {
	Time   time.Time       `json:"time"`
	Peer   core.MAC        `json:"peer"`
	TID    uint8           `json:"tid"`
	Cipher core.CipherKind `json:"cipher"`
	Dir    string          `json:"direction"`
	PN     core.PN         `json:"pn"`
	LastPN core.PN         `json:"last_pn"`
	Reason diag.Verdict    `json:"reason"` // replay or parity
}

// Hook receives every violation, unthrottled. It runs on the dispatch path
// and must not block.
type Hook interface {
	OnReplay(ev Event)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ev Event)

// OnReplay calls f(ev).
func (f HookFunc) OnReplay(ev Event) { f(ev) }

// MultiHook fans an event out to several hooks in order.
type MultiHook []Hook

// OnReplay calls every non-nil hook.
func (m MultiHook) OnReplay(ev Event) {
	for _, h := range m {
		if h != nil {
			h.OnReplay(ev)
		}
	}
}
