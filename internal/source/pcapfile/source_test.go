package pcapfile

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wlanrx/internal/config"
	"firestige.xyz/wlanrx/internal/core"
	"firestige.xyz/wlanrx/internal/dispatch"
	"firestige.xyz/wlanrx/internal/rx"
)

var (
	apMAC  = []byte{0x02, 0xaa, 0, 0, 0, 1}
	staMAC = []byte{0x02, 0xbb, 0, 0, 0, 2}
)

// qosData builds a protected QoS data frame from the AP with a CCMP header
// and a trailing FCS.
func qosData(tid uint8, pn uint64, payload []byte) []byte {
	f := []byte{0x88, 0x42, 0, 0} // QoS data, FromDS|Protected, duration
	f = append(f, staMAC...)     // addr1 (RA)
	f = append(f, apMAC...)      // addr2 (TA)
	f = append(f, apMAC...)      // addr3
	f = append(f, 0x10, 0x00)    // sequence control
	f = append(f, tid&0x0f, 0)   // QoS control
	f = append(f,
		byte(pn), byte(pn>>8), 0, 0x20,
		byte(pn>>16), byte(pn>>24), byte(pn>>32), byte(pn>>40))
	f = append(f, payload...)
	fcs := make([]byte, 4)
	binary.LittleEndian.PutUint32(fcs, crc32.ChecksumIEEE(f))
	return append(f, fcs...)
}

// beacon is a minimal management frame.
func beacon() []byte {
	f := []byte{0x80, 0x00, 0, 0}
	f = append(f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	f = append(f, apMAC...)
	f = append(f, apMAC...)
	f = append(f, 0x20, 0x00)
	f = append(f, make([]byte, 12)...) // timestamp, interval, capability
	fcs := make([]byte, 4)
	binary.LittleEndian.PutUint32(fcs, crc32.ChecksumIEEE(f))
	return append(f, fcs...)
}

func writeCapture(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rx.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeIEEE802_11))
	ts := time.Unix(1700000000, 0)
	for i, data := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

type collector struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *collector) Deliver(_ int, seg dispatch.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range seg.MPDUs {
		c.payloads = append(c.payloads, append([]byte(nil), m.MSDUs[0].Data...))
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func newPath(t *testing.T, ing dispatch.Ingress) (*rx.Orchestrator, *DMA) {
	t.Helper()
	cfg := config.RXConfig{
		Workers:        2,
		RingSize:       8,
		FillLevel:      8,
		LowWatermark:   2,
		BufferSize:     64,
		FlushInterval:  time.Millisecond,
		GROMaxSegments: 1,
	}
	require.NoError(t, cfg.Validate())

	dma := NewDMA(cfg.RingSize)
	o, err := rx.New(cfg, rx.Options{Ingress: ing, Producer: dma})
	require.NoError(t, err)
	require.NoError(t, o.Start())
	t.Cleanup(o.Stop)
	return o, dma
}

func TestSourceReplaysCapture(t *testing.T) {
	path := writeCapture(t,
		beacon(),
		qosData(5, 1, []byte("first")),
		qosData(5, 2, []byte("second")),
		qosData(5, 2, []byte("replayed")),
		qosData(6, 1, []byte("other tid")),
	)

	col := &collector{}
	o, dma := newPath(t, col)
	src, err := New(config.SourceConfig{File: path, Cipher: "ccmp", Owner: 3}, o, dma)
	require.NoError(t, err)

	require.NoError(t, src.Run(context.Background()))

	st := src.Stats()
	assert.Equal(t, uint64(5), st.Frames)
	assert.Equal(t, uint64(1), st.Skipped)
	assert.Equal(t, uint64(3), st.Indicated)
	assert.Equal(t, uint64(1), st.Passes)

	assert.Eventually(t, func() bool { return col.count() == 3 }, time.Second, time.Millisecond)
	var got []string
	col.mu.Lock()
	for _, p := range col.payloads {
		got = append(got, string(p))
	}
	col.mu.Unlock()
	assert.ElementsMatch(t, []string{"first", "second", "other tid"}, got)

	rs := o.Stats()
	assert.Equal(t, uint64(1), rs.Guard.Replays["ccmp/unicast"])
	assert.Equal(t, 1, rs.Peers)

	p, ok := o.Peers().Get(core.MAC(apMAC))
	require.True(t, ok)
	assert.Equal(t, core.PNFromUint64(2), p.Tid(5).LastPN)
	assert.Equal(t, core.PNFromUint64(1), p.Tid(6).LastPN)

	// every reaped buffer was released after delivery
	assert.Eventually(t, func() bool { return o.Stats().Ring.Released == 4 }, time.Second, time.Millisecond)
}

func TestSourceTruncatesLargeBodies(t *testing.T) {
	path := writeCapture(t, qosData(0, 1, make([]byte, 100)))
	col := &collector{}
	o, dma := newPath(t, col)
	src, err := New(config.SourceConfig{File: path, Cipher: "ccmp"}, o, dma)
	require.NoError(t, err)

	require.NoError(t, src.Run(context.Background()))
	assert.Equal(t, uint64(1), src.Stats().Truncated)
	assert.Eventually(t, func() bool { return col.count() == 1 }, time.Second, time.Millisecond)
	col.mu.Lock()
	assert.Len(t, col.payloads[0], 64)
	col.mu.Unlock()
}

func TestSourceLoopStopsOnCancel(t *testing.T) {
	path := writeCapture(t, beacon())
	o, dma := newPath(t, &collector{})
	src, err := New(config.SourceConfig{File: path, Cipher: "ccmp", Loop: true}, o, dma)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	assert.Eventually(t, func() bool { return src.Stats().Passes >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSourceRejectsBadInput(t *testing.T) {
	o, dma := newPath(t, &collector{})

	_, err := New(config.SourceConfig{Cipher: "ccmp"}, o, dma)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	_, err = New(config.SourceConfig{File: "x", Cipher: "rot13"}, o, dma)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	src, err := New(config.SourceConfig{File: filepath.Join(t.TempDir(), "missing.pcap"), Cipher: "ccmp"}, o, dma)
	require.NoError(t, err)
	assert.Error(t, src.Run(context.Background()))

	// an Ethernet capture is refused
	path := filepath.Join(t.TempDir(), "eth.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, pcapgo.NewWriter(f).WriteFileHeader(65536, layers.LinkTypeEthernet))
	require.NoError(t, f.Close())
	src, err = New(config.SourceConfig{File: path, Cipher: "ccmp"}, o, dma)
	require.NoError(t, err)
	assert.Error(t, src.Run(context.Background()))
}

func TestExtractPN(t *testing.T) {
	ccmp := []byte{0x01, 0x02, 0x00, 0x20, 0x03, 0x04, 0x05, 0x06}
	w, hdr, err := extractPN(core.CipherCCMP, ccmp)
	require.NoError(t, err)
	assert.Equal(t, 8, hdr)
	assert.Equal(t, core.PNFromUint64(0x060504030201), w.Extract(48))

	tkip := []byte{0x02, 0x22, 0x01, 0x20, 0x03, 0x04, 0x05, 0x06}
	w, _, err = extractPN(core.CipherTKIP, tkip)
	require.NoError(t, err)
	assert.Equal(t, core.PNFromUint64(0x030201), w.Extract(24))

	wapi := make([]byte, 18)
	wapi[2] = 0x01  // lowest PN byte
	wapi[17] = 0x80 // highest PN byte
	w, hdr, err = extractPN(core.CipherWAPI, wapi)
	require.NoError(t, err)
	assert.Equal(t, 18, hdr)
	assert.Equal(t, core.PN{Hi: 0x8000000000000000, Lo: 1}, w.Extract(128))

	_, _, err = extractPN(core.CipherGCMP, ccmp[:5])
	assert.Error(t, err)

	_, hdr, err = extractPN(core.CipherNone, ccmp)
	require.NoError(t, err)
	assert.Equal(t, 0, hdr)
}

// scriptedReader replays frames, reporting an empty poll before each one.
type scriptedReader struct {
	frames [][]byte
	polled bool
	closed bool
}

func (r *scriptedReader) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if len(r.frames) == 0 {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	if !r.polled {
		r.polled = true
		return nil, gopacket.CaptureInfo{}, ErrNoPacket
	}
	r.polled = false
	f := r.frames[0]
	r.frames = r.frames[1:]
	return f, gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(f), Length: len(f)}, nil
}

func (r *scriptedReader) LinkType() layers.LinkType { return layers.LinkTypeIEEE802_11 }

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

func TestStreamSkipsEmptyPolls(t *testing.T) {
	col := &collector{}
	o, dma := newPath(t, col)

	r := &scriptedReader{frames: [][]byte{qosData(1, 7, []byte("a")), qosData(1, 8, []byte("b"))}}
	opens := 0
	src, err := NewStream(config.SourceConfig{Cipher: "ccmp"}, "scripted", func() (PacketReader, io.Closer, error) {
		opens++
		return r, r, nil
	}, o, dma)
	require.NoError(t, err)

	require.NoError(t, src.Run(context.Background()))
	assert.Equal(t, 1, opens)
	assert.True(t, r.closed)
	assert.Equal(t, uint64(2), src.Stats().Indicated)
	assert.Eventually(t, func() bool { return col.count() == 2 }, time.Second, time.Millisecond)

	_, err = NewStream(config.SourceConfig{Cipher: "ccmp"}, "nil", nil, o, dma)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
