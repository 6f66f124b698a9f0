package core

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// PN is a 128-bit packet number. Narrower ciphers use the low-order bits.
type PN struct {
	Hi uint64
	Lo uint64
}

// PNWords is the raw PN field as reported by the receive descriptor.
// Word 0 carries bits 0-31, word 3 carries bits 96-127.
type PNWords [4]uint32

// PNWordsFromBytes decodes a little-endian PN of up to 16 bytes.
func PNWordsFromBytes(b []byte) PNWords {
	var buf [16]byte
	copy(buf[:], b)
	return PNWords{
		binary.LittleEndian.Uint32(buf[0:4]),
		binary.LittleEndian.Uint32(buf[4:8]),
		binary.LittleEndian.Uint32(buf[8:12]),
		binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// Extract returns the PN zero-extended to 128 bits for the given width.
//
// 24-bit PNs live in the low 3 bytes of word 0, 48-bit PNs are word 0 plus
// the low 16 bits of word 1, and 128-bit PNs are two 64-bit halves.
func (w PNWords) Extract(bits int) PN {
	switch bits {
	case 24:
		return PN{Lo: uint64(w[0] & 0xFFFFFF)}
	case 48:
		return PN{Lo: uint64(w[0]) | uint64(w[1]&0xFFFF)<<32}
	case 128:
		return PN{
			Lo: uint64(w[0]) | uint64(w[1])<<32,
			Hi: uint64(w[2]) | uint64(w[3])<<32,
		}
	default:
		return PN{}
	}
}

// PNFromUint64 builds a PN whose high half is zero.
func PNFromUint64(v uint64) PN { return PN{Lo: v} }

// Words encodes the PN back into descriptor word layout.
func (p PN) Words() PNWords {
	return PNWords{uint32(p.Lo), uint32(p.Lo >> 32), uint32(p.Hi), uint32(p.Hi >> 32)}
}

// Mask keeps the low n bits (n <= 64) of the PN.
func (p PN) Mask(n int) PN {
	if n >= 64 {
		return p
	}
	return PN{Lo: p.Lo & (1<<uint(n) - 1)}
}

// Less reports p < q comparing the high half first.
func (p PN) Less(q PN) bool {
	if p.Hi != q.Hi {
		return p.Hi < q.Hi
	}
	return p.Lo < q.Lo
}

// LessOrEqual reports p <= q.
func (p PN) LessOrEqual(q PN) bool { return !q.Less(p) }

func (p PN) String() string {
	if p.Hi == 0 {
		return fmt.Sprintf("%#x", p.Lo)
	}
	return fmt.Sprintf("%#x%016x", p.Hi, p.Lo)
}

// MarshalText renders the hexadecimal form.
func (p PN) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// ParsePN parses the hexadecimal form produced by String.
func ParsePN(s string) (PN, error) {
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if h == "" || len(h) > 32 {
		return PN{}, fmt.Errorf("invalid packet number %q", s)
	}
	var p PN
	var err error
	if len(h) > 16 {
		if p.Hi, err = strconv.ParseUint(h[:len(h)-16], 16, 64); err != nil {
			return PN{}, fmt.Errorf("invalid packet number %q: %w", s, err)
		}
		h = h[len(h)-16:]
	}
	if p.Lo, err = strconv.ParseUint(h, 16, 64); err != nil {
		return PN{}, fmt.Errorf("invalid packet number %q: %w", s, err)
	}
	return p, nil
}

// UnmarshalText parses the hexadecimal form.
func (p *PN) UnmarshalText(b []byte) error {
	v, err := ParsePN(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
