// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net"
)

// NumTIDs is the number of traffic identifiers tracked per peer.
const NumTIDs = 16

// Direction selects the security context index of a frame.
type Direction uint8

const (
	// Unicast frames use the pairwise key context (index 0).
	Unicast Direction = 0
	// Multicast frames use the group key context (index 1).
	Multicast Direction = 1
)

func (d Direction) String() string {
	if d == Multicast {
		return "multicast"
	}
	return "unicast"
}

// OpMode is the operating mode of the local virtual interface a peer
// is attached to.
type OpMode string

const (
	OpModeAP   OpMode = "ap"
	OpModeSTA  OpMode = "sta"
	OpModeIBSS OpMode = "ibss"
)

// ThreadState is the lifecycle state of a receive worker.
type ThreadState string

const (
	// StateInvalid indicates the worker is not started; no queue operations are allowed.
	StateInvalid ThreadState = "invalid"
	// StateRunning indicates normal operation.
	StateRunning ThreadState = "running"
	// StateSuspending indicates a suspend was requested and is being drained.
	StateSuspending ThreadState = "suspending"
	// StateSuspended indicates the worker is parked until resume.
	StateSuspended ThreadState = "suspended"
)

// OwnerID identifies the upstream owner (virtual interface) of a flow.
type OwnerID uint32

// MAC is a 48-bit station address usable as a map key.
type MAC [6]byte

// ParseMAC parses a colon separated station address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("wlanrx: %q is not a 48-bit address", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// IsMulticast reports whether the group bit is set.
func (m MAC) IsMulticast() bool { return m[0]&0x01 != 0 }

func (m MAC) String() string { return net.HardwareAddr(m[:]).String() }

// MarshalText renders the colon separated form.
func (m MAC) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText parses the colon separated form.
func (m *MAC) UnmarshalText(b []byte) error {
	v, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// FlowKey identifies a coalescable flow: one owner, one peer, one TID.
type FlowKey struct {
	Owner OwnerID
	Peer  MAC
	TID   uint8
}
