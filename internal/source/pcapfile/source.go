// Package pcapfile feeds captured 802.11 frames into the receive path as if
// the frames had been written to posted receive buffers by the device. The
// frames come from a capture file or from any other PacketReader.
package pcapfile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/wlanrx/internal/config"
	"firestige.xyz/wlanrx/internal/core"
	"firestige.xyz/wlanrx/internal/peer"
	"firestige.xyz/wlanrx/internal/ring"
)

// Target is the receive path the source indicates frames to.
type Target interface {
	Peers() *peer.Table
	RingFor(mac core.MAC, tid uint8) int
	Reap(addr uint64) (*ring.Buffer, error)
	Indicate(ringID int, owner core.OwnerID, p *core.Peer, tid uint8, mpdus []*core.MPDU) int
}

// Stats is a snapshot of source counters.
type Stats struct {
	Frames    uint64 `json:"frames"`
	Indicated uint64 `json:"indicated"`
	Skipped   uint64 `json:"skipped"`   // not a data frame
	Malformed uint64 `json:"malformed"` // undecodable or short security header
	Truncated uint64 `json:"truncated"` // body larger than a receive buffer
	Passes    uint64 `json:"passes"`
}

// Source feeds a stream of captured 802.11 frames into the receive path.
type Source struct {
	name   string
	open   OpenFunc
	cipher core.CipherKind
	owner  core.OwnerID
	loop   bool
	target Target
	dma    *DMA

	frames    atomic.Uint64
	indicated atomic.Uint64
	skipped   atomic.Uint64
	malformed atomic.Uint64
	truncated atomic.Uint64
	passes    atomic.Uint64
}

// PacketReader is a stream of link-layer frames. pcapgo.Reader and
// pcapgo.NgReader implement it.
type PacketReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// OpenFunc opens the frame stream for one pass. The closer is called when
// the pass ends.
type OpenFunc func() (PacketReader, io.Closer, error)

// ErrNoPacket is returned by live readers when a poll timed out without a
// frame. The pass keeps reading.
var ErrNoPacket = errors.New("no packet available")

// New creates a source replaying cfg.File. Peers first seen in the capture
// get cfg.Cipher installed on both directions.
func New(cfg config.SourceConfig, target Target, dma *DMA) (*Source, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("%w: capture file path is required", core.ErrConfigInvalid)
	}
	path := cfg.File
	return NewStream(cfg, path, func() (PacketReader, io.Closer, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
		}
		r, err := openReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to read capture file %s: %w", path, err)
		}
		return r, f, nil
	}, target, dma)
}

// NewStream creates a source reading frames from open. name identifies the
// stream in logs.
func NewStream(cfg config.SourceConfig, name string, open OpenFunc, target Target, dma *DMA) (*Source, error) {
	kind, ok := core.ParseCipher(cfg.Cipher)
	if !ok {
		return nil, fmt.Errorf("%w: unknown cipher %q", core.ErrConfigInvalid, cfg.Cipher)
	}
	if open == nil || target == nil || dma == nil {
		return nil, fmt.Errorf("%w: frame source needs a reader, a target and a dma", core.ErrConfigInvalid)
	}
	return &Source{
		name:   name,
		open:   open,
		cipher: kind,
		owner:  core.OwnerID(cfg.Owner),
		loop:   cfg.Loop,
		target: target,
		dma:    dma,
	}, nil
}

// Run reads the stream until it ends, or forever when looping, and
// returns when ctx is done.
func (s *Source) Run(ctx context.Context) error {
	slog.Info("frame source started", "stream", s.name, "cipher", s.cipher, "owner", s.owner, "loop", s.loop)
	for {
		if err := s.pass(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		s.passes.Add(1)
		if !s.loop {
			st := s.Stats()
			slog.Info("frame source finished", "stream", s.name, "frames", st.Frames, "indicated", st.Indicated)
			return nil
		}
	}
}

func (s *Source) pass(ctx context.Context) error {
	r, closer, err := s.open()
	if err != nil {
		return err
	}
	defer closer.Close()

	switch lt := r.LinkType(); lt {
	case layers.LinkTypeIEEE802_11, layers.LinkTypeIEEE80211Radio:
	default:
		return fmt.Errorf("stream %s has link type %s, want 802.11", s.name, lt)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, ErrNoPacket) {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}
		if err := s.handle(ctx, r.LinkType(), data, ci.Timestamp); err != nil {
			return err
		}
	}
}

// openReader accepts both pcap and pcapng files.
func openReader(f *os.File) (PacketReader, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	// pcapng section header block type
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// handle turns one captured frame into an indication. Frames that cannot
// be used are counted and skipped; only context errors are returned.
func (s *Source) handle(ctx context.Context, lt layers.LinkType, data []byte, ts time.Time) error {
	s.frames.Add(1)

	pkt := gopacket.NewPacket(data, lt, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	dot11, ok := pkt.Layer(layers.LayerTypeDot11).(*layers.Dot11)
	if !ok {
		s.malformed.Add(1)
		return nil
	}
	if dot11.Type.MainType() != layers.Dot11TypeData {
		s.skipped.Add(1)
		return nil
	}

	ta, err := toMAC(dot11.Address2)
	if err != nil {
		s.malformed.Add(1)
		return nil
	}
	var tid uint8
	if dot11.QOS != nil {
		tid = dot11.QOS.TID
	}
	dir := core.Unicast
	if len(dot11.Address1) > 0 && dot11.Address1[0]&0x01 != 0 {
		dir = core.Multicast
	}

	p, created := s.target.Peers().GetOrCreate(ta)
	if created {
		p.SetAuthorized(true)
		p.Security(core.Unicast).SetCipher(s.cipher)
		p.Security(core.Multicast).SetCipher(s.cipher)
	}

	body := dot11.Payload
	var pn core.PNWords
	encrypted := dot11.Flags.WEP()
	if encrypted {
		words, hdr, err := extractPN(p.Security(dir).Cipher(), body)
		if err != nil {
			s.malformed.Add(1)
			slog.Debug("capture frame skipped", "peer", ta, "error", err)
			return nil
		}
		pn = words
		body = body[hdr:]
	}

	buf, err := s.nextBuffer(ctx)
	if err != nil {
		return err
	}
	n := copy(buf.Data, body)
	if n < len(body) {
		s.truncated.Add(1)
	}

	m := core.NewMPDU([]core.MSDU{{Data: buf.Data[:n]}}, func() {
		if err := buf.Release(); err != nil {
			slog.Warn("receive buffer release failed", "addr", buf.Addr, "error", err)
		}
	})
	m.Encrypted = encrypted
	m.Dir = dir
	m.PN = pn
	m.Timestamp = ts

	if s.target.Indicate(s.target.RingFor(ta, tid), s.owner, p, tid, []*core.MPDU{m}) > 0 {
		s.indicated.Add(1)
	}
	return nil
}

// nextBuffer waits for a posted buffer and reaps it. Buffers freed by a
// ring close are skipped.
func (s *Source) nextBuffer(ctx context.Context) (*ring.Buffer, error) {
	for {
		mem, err := s.dma.Take(ctx)
		if err != nil {
			return nil, err
		}
		buf, err := s.target.Reap(mem.Addr)
		if err == nil {
			return buf, nil
		}
		if !errors.Is(err, core.ErrUnknownAddr) {
			return nil, err
		}
	}
}

// Stats returns a snapshot of the counters.
func (s *Source) Stats() Stats {
	return Stats{
		Frames:    s.frames.Load(),
		Indicated: s.indicated.Load(),
		Skipped:   s.skipped.Load(),
		Malformed: s.malformed.Load(),
		Truncated: s.truncated.Load(),
		Passes:    s.passes.Load(),
	}
}

func toMAC(hw net.HardwareAddr) (core.MAC, error) {
	var m core.MAC
	if len(hw) != len(m) {
		return m, fmt.Errorf("address %q is not 48 bits", hw)
	}
	copy(m[:], hw)
	return m, nil
}
