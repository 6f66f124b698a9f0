// Package afpacket captures 802.11 frames from a monitor-mode interface
// through a TPACKET_V3 ring and hands them to the frame source.
package afpacket

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/wlanrx/internal/config"
	"firestige.xyz/wlanrx/internal/core"
	"firestige.xyz/wlanrx/internal/source/pcapfile"
)

// reader adapts a TPacket handle to pcapfile.PacketReader.
type reader struct {
	device string
	tp     *afpacket.TPacket
	lt     layers.LinkType
}

// Open returns an OpenFunc that opens cfg.Device on every pass.
func Open(cfg config.SourceConfig) pcapfile.OpenFunc {
	return func() (pcapfile.PacketReader, io.Closer, error) {
		r, err := open(cfg)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	}
}

func open(cfg config.SourceConfig) (*reader, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: afpacket source needs a device", core.ErrConfigInvalid)
	}
	geo, err := ringGeometry(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Device),
		afpacket.OptFrameSize(geo.frameSize),
		afpacket.OptBlockSize(geo.blockSize),
		afpacket.OptNumBlocks(geo.numBlocks),
		afpacket.OptPollTimeout(cfg.PollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Device, err)
	}

	if cfg.FanoutID > 0 {
		if err := tp.SetFanout(afpacket.FanoutHash, cfg.FanoutID); err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to join fanout group %d on %s: %w", cfg.FanoutID, cfg.Device, err)
		}
	}

	prog, err := dataFrameFilter(cfg.Radiotap, uint32(cfg.SnapLen))
	if err != nil {
		tp.Close()
		return nil, err
	}
	if err := tp.SetBPF(prog); err != nil {
		tp.Close()
		return nil, fmt.Errorf("failed to attach filter on %s: %w", cfg.Device, err)
	}

	lt := layers.LinkTypeIEEE802_11
	if cfg.Radiotap {
		lt = layers.LinkTypeIEEE80211Radio
	}
	slog.Info("afpacket capture opened", "device", cfg.Device, "frame_size", geo.frameSize,
		"block_size", geo.blockSize, "blocks", geo.numBlocks, "fanout", cfg.FanoutID)
	return &reader{device: cfg.Device, tp: tp, lt: lt}, nil
}

// ReadPacketData returns a view into the capture ring, valid until the
// next call.
func (r *reader) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := r.tp.ZeroCopyReadPacketData()
	if errors.Is(err, afpacket.ErrTimeout) {
		return nil, ci, pcapfile.ErrNoPacket
	}
	return data, ci, err
}

func (r *reader) LinkType() layers.LinkType { return r.lt }

func (r *reader) Close() error {
	if _, v3, err := r.tp.SocketStats(); err == nil {
		slog.Info("afpacket capture closed", "device", r.device, "packets", v3.Packets(), "drops", v3.Drops())
	}
	r.tp.Close()
	return nil
}
