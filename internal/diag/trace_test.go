package diag

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wlanrx/internal/core"
)

func rec(pn uint64) Record {
	return Record{PN: core.PNFromUint64(pn), Verdict: VerdictAccept}
}

func TestTraceSinkWrapAround(t *testing.T) {
	s := NewTraceSink(3)
	for i := uint64(1); i <= 5; i++ {
		s.Add(rec(i))
	}

	got := s.Records()
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].PN.Lo)
	assert.Equal(t, uint64(5), got[2].PN.Lo)
	assert.Equal(t, uint64(2), s.Overwritten())
}

func TestTraceSinkDrain(t *testing.T) {
	s := NewTraceSink(4)
	s.Add(rec(1))
	s.Add(rec(2))

	assert.Len(t, s.Drain(), 2)
	assert.Equal(t, 0, s.Len())

	s.Add(rec(3))
	got := s.Records()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].PN.Lo)
}

func TestTraceSinkClose(t *testing.T) {
	s := NewTraceSink(2)
	s.Add(rec(1))
	s.Close()
	s.Add(rec(2))

	assert.Empty(t, s.Records())
	assert.Equal(t, 0, s.Len())
}

func TestNilTraceSink(t *testing.T) {
	s := NewTraceSink(0)
	assert.Nil(t, s)

	s.Add(rec(1))
	assert.Nil(t, s.Records())
	assert.Nil(t, s.Drain())
	assert.Equal(t, 0, s.Len())
	s.Close()
}

func TestRecordJSON(t *testing.T) {
	r := Record{
		Peer:    core.MAC{0x02, 0, 0, 0, 0, 0x01},
		TID:     3,
		Cipher:  core.CipherCCMP,
		PN:      core.PNFromUint64(5),
		Verdict: VerdictReplay,
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"peer":"02:00:00:00:00:01"`)
	assert.Contains(t, s, `"cipher":"ccmp"`)
	assert.Contains(t, s, `"pn":"0x5"`)
	assert.Contains(t, s, `"verdict":"replay"`)
}
