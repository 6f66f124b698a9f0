package peer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wlanrx/internal/core"
)

var (
	macA = core.MAC{0x02, 0, 0, 0, 0, 0xa}
	macB = core.MAC{0x02, 0, 0, 0, 0, 0xb}
)

func TestTableLifecycle(t *testing.T) {
	tbl := NewTable(core.OpModeAP)

	_, ok := tbl.Get(macA)
	assert.False(t, ok)

	p, created := tbl.GetOrCreate(macA)
	require.True(t, created)
	assert.Equal(t, macA, p.MAC)
	assert.Equal(t, core.OpModeAP, p.Mode)

	again, created := tbl.GetOrCreate(macA)
	assert.False(t, created)
	assert.Same(t, p, again)

	tbl.GetOrCreate(macB)
	assert.Equal(t, 2, tbl.Count())

	seen := map[core.MAC]bool{}
	tbl.Range(func(p *core.Peer) bool {
		seen[p.MAC] = true
		return true
	})
	assert.Len(t, seen, 2)

	n := 0
	tbl.Range(func(*core.Peer) bool {
		n++
		return false
	})
	assert.Equal(t, 1, n, "Range stops when f returns false")

	removed, ok := tbl.Remove(macA)
	require.True(t, ok)
	assert.Same(t, p, removed)
	_, ok = tbl.Remove(macA)
	assert.False(t, ok)
	assert.Equal(t, 1, tbl.Count())
}

func TestSetKey(t *testing.T) {
	tbl := NewTable(core.OpModeSTA)

	err := tbl.SetKey(macA, core.Unicast, core.CipherCCMP)
	assert.ErrorIs(t, err, core.ErrPeerNotFound)

	p, _ := tbl.GetOrCreate(macA)
	assert.ErrorIs(t, tbl.SetKey(macA, core.Unicast, core.CipherKind(200)), core.ErrConfigInvalid)

	require.NoError(t, tbl.SetKey(macA, core.Unicast, core.CipherCCMP))
	require.NoError(t, tbl.SetKey(macA, core.Multicast, core.CipherTKIP))
	assert.Equal(t, core.CipherCCMP, p.Security(core.Unicast).Cipher())
	assert.Equal(t, core.CipherTKIP, p.Security(core.Multicast).Cipher())
	assert.False(t, p.Tid(0).RekeyPending.Load())
}

func TestSetKeyWAPIRekey(t *testing.T) {
	tbl := NewTable(core.OpModeAP)
	p, _ := tbl.GetOrCreate(macA)

	require.NoError(t, tbl.SetKey(macA, core.Unicast, core.CipherWAPI))
	assert.False(t, p.Tid(3).RekeyPending.Load(), "first install is not a rekey")

	require.NoError(t, tbl.SetKey(macA, core.Multicast, core.CipherWAPI))
	assert.False(t, p.Tid(3).RekeyPending.Load(), "group key change does not arm")

	require.NoError(t, tbl.SetKey(macA, core.Unicast, core.CipherWAPI))
	for tid := uint8(0); tid < core.NumTIDs; tid++ {
		assert.True(t, p.Tid(tid).RekeyPending.Load(), "tid %d", tid)
	}
}

func TestConcurrentGetOrCreate(t *testing.T) {
	tbl := NewTable(core.OpModeAP)
	var wg sync.WaitGroup
	peers := make([]*core.Peer, 16)
	for i := range peers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peers[i], _ = tbl.GetOrCreate(macA)
		}(i)
	}
	wg.Wait()
	for _, p := range peers {
		assert.Same(t, peers[0], p)
	}
	assert.Equal(t, 1, tbl.Count())
}
