// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by the receive path components.
var (
	// Dispatch errors
	ErrInvalidRing  = errors.New("wlanrx: ring id out of range")
	ErrNotRunning   = errors.New("wlanrx: worker not running")
	ErrInvalidState = errors.New("wlanrx: invalid state transition")

	// Receive buffer ring errors
	ErrUnknownAddr    = errors.New("wlanrx: buffer address not posted")
	ErrDuplicateAddr  = errors.New("wlanrx: buffer address already posted")
	ErrAllocExhausted = errors.New("wlanrx: buffer allocator exhausted")
	ErrRingClosed     = errors.New("wlanrx: ring closed")

	// Peer errors
	ErrPeerNotFound = errors.New("wlanrx: peer not found")

	// Configuration errors
	ErrConfigInvalid = errors.New("wlanrx: invalid configuration")
)
