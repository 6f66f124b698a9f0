package pcapfile

import (
	"fmt"

	"firestige.xyz/wlanrx/internal/core"
)

// Security header lengths that precede the encrypted body.
const (
	wepHeaderLen   = 4  // IV[3] + key id
	extIVHeaderLen = 8  // TKIP, CCMP and GCMP
	wapiHeaderLen  = 18 // key index + reserved + PN[16]
)

// extractPN reads the packet number from the security header at the start
// of body and returns it in descriptor word layout with the header length.
func extractPN(kind core.CipherKind, body []byte) (core.PNWords, int, error) {
	var pn []byte
	hdr := 0

	switch kind {
	case core.CipherWEP:
		hdr = wepHeaderLen
		if len(body) < hdr {
			break
		}
		pn = body[0:3]
	case core.CipherTKIP:
		hdr = extIVHeaderLen
		if len(body) < hdr {
			break
		}
		// TSC1 WEPSeed TSC0 KeyID TSC2 TSC3 TSC4 TSC5
		pn = []byte{body[2], body[0], body[4], body[5], body[6], body[7]}
	case core.CipherCCMP, core.CipherCCMP256, core.CipherGCMP, core.CipherGCMP256:
		hdr = extIVHeaderLen
		if len(body) < hdr {
			break
		}
		// PN0 PN1 rsvd KeyID PN2 PN3 PN4 PN5
		pn = []byte{body[0], body[1], body[4], body[5], body[6], body[7]}
	case core.CipherWAPI:
		hdr = wapiHeaderLen
		if len(body) < hdr {
			break
		}
		pn = body[2:18]
	default:
		return core.PNWords{}, 0, nil
	}

	if pn == nil {
		return core.PNWords{}, 0, fmt.Errorf("%s header needs %d bytes, have %d", kind, hdr, len(body))
	}
	return core.PNWordsFromBytes(pn), hdr, nil
}
