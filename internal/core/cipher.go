package core

import (
	"fmt"
	"strings"
)

// CipherKind is the link-layer cipher suite of a security context.
type CipherKind uint8

const (
	CipherNone CipherKind = iota
	CipherWEP
	CipherTKIP
	CipherCCMP
	CipherCCMP256
	CipherGCMP
	CipherGCMP256
	CipherWAPI

	numCiphers
)

var cipherNames = [...]string{
	CipherNone:    "none",
	CipherWEP:     "wep",
	CipherTKIP:    "tkip",
	CipherCCMP:    "ccmp",
	CipherCCMP256: "ccmp256",
	CipherGCMP:    "gcmp",
	CipherGCMP256: "gcmp256",
	CipherWAPI:    "wapi",
}

// NumCiphers is the number of known cipher kinds, for per-cipher counters.
const NumCiphers = int(numCiphers)

func (k CipherKind) String() string {
	if int(k) < len(cipherNames) {
		return cipherNames[k]
	}
	return "unknown"
}

// Known reports whether k is a recognized cipher kind.
func (k CipherKind) Known() bool { return k < numCiphers }

// PNBits returns the width of the packet number defined by the cipher.
// Zero means the cipher carries no PN; unknown kinds also return zero.
func (k CipherKind) PNBits() int {
	switch k {
	case CipherWEP, CipherTKIP:
		return 24
	case CipherCCMP, CipherCCMP256, CipherGCMP, CipherGCMP256:
		return 48
	case CipherWAPI:
		return 128
	default:
		return 0
	}
}

// ParseCipher maps a configuration name to a cipher kind.
func ParseCipher(name string) (CipherKind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range cipherNames {
		if n == name {
			return CipherKind(i), true
		}
	}
	return CipherNone, false
}

// MarshalText renders the configuration name.
func (k CipherKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses the configuration name.
func (k *CipherKind) UnmarshalText(b []byte) error {
	v, ok := ParseCipher(string(b))
	if !ok {
		return fmt.Errorf("%w: unknown cipher %q", ErrConfigInvalid, b)
	}
	*k = v
	return nil
}
