// Package replay implements the per-(peer, TID) packet number anti-replay guard.
package replay

import (
	"log/slog"
	"sync/atomic"
	"time"

	"firestige.xyz/wlanrx/internal/core"
	"firestige.xyz/wlanrx/internal/diag"
	"firestige.xyz/wlanrx/internal/metrics"
)

// DefaultLogInterval bounds how often a replay warning is logged.
const DefaultLogInterval = 250 * time.Millisecond

// Config configures a Guard.
type Config struct {
	// Strict requires each accepted 24/48-bit PN to be exactly last+1.
	Strict bool
	// LogInterval is the minimum gap between replay warnings.
	LogInterval time.Duration
	// Trace receives one record per decision. May be nil.
	Trace *diag.TraceSink
	// Hook is notified of every violation. May be nil.
	Hook Hook
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Guard classifies encrypted MPDUs as fresh or replayed.
//
// Check may run concurrently for different (peer, TID) pairs but must be
// called from a single goroutine for a given pair; the dispatch ring
// assignment of flows provides that.
type Guard struct {
	strict  bool
	trace   *diag.TraceSink
	hook    Hook
	now     func() time.Time
	limiter *logLimiter

	checked     [core.NumCiphers]atomic.Uint64
	replays     [core.NumCiphers][2]atomic.Uint64
	passthrough atomic.Uint64
	badTID      atomic.Uint64
}

// Stats is a snapshot of guard counters.
type Stats struct {
	Checked     map[string]uint64 `json:"checked"` // by cipher
	Replays     map[string]uint64 `json:"replays"` // by cipher/direction
	Passthrough uint64            `json:"passthrough"`
	BadTID      uint64            `json:"bad_tid"`
}

// New creates a guard.
func New(cfg Config) *Guard {
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = DefaultLogInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{
		strict:  cfg.Strict,
		trace:   cfg.Trace,
		hook:    cfg.Hook,
		now:     cfg.Now,
		limiter: newLogLimiter(cfg.LogInterval),
	}
}

// Strict reports whether strict PN sequencing is enforced.
func (g *Guard) Strict() bool { return g.strict }

// Check filters mpdus of one (peer, tid) in receive order and returns the
// accepted frames together with the number dropped. Dropped frames are
// freed. The returned slice reuses the backing array of mpdus.
func (g *Guard) Check(p *core.Peer, tid uint8, mpdus []*core.MPDU) ([]*core.MPDU, int) {
	if p == nil || len(mpdus) == 0 {
		return mpdus, 0
	}
	if passthroughPeer(p) {
		g.passthrough.Add(uint64(len(mpdus)))
		for _, m := range mpdus {
			g.tracePassthrough(p, tid, m)
		}
		return mpdus, 0
	}

	ts := p.Tid(tid)
	if ts == nil {
		g.badTID.Add(uint64(len(mpdus)))
		core.FreeAll(mpdus)
		slog.Warn("dropping frames with out of range tid", "peer", p.MAC.String(), "tid", tid, "count", len(mpdus))
		return mpdus[:0], len(mpdus)
	}

	clean := mpdus[:0]
	dropped := 0
	for _, m := range mpdus {
		if g.checkOne(p, tid, ts, m) {
			clean = append(clean, m)
			continue
		}
		m.Free()
		dropped++
	}
	// clear the tail so dropped frames are not reachable through the array
	for i := len(clean); i < len(mpdus); i++ {
		mpdus[i] = nil
	}
	return clean, dropped
}

// checkOne returns true when m is accepted.
func (g *Guard) checkOne(p *core.Peer, tid uint8, ts *core.TidState, m *core.MPDU) bool {
	kind := p.Security(m.Dir).Cipher()
	bits := kind.PNBits()
	if bits == 0 || !m.Encrypted {
		g.passthrough.Add(1)
		g.tracePassthrough(p, tid, m)
		return true
	}

	g.checked[kind].Add(1)
	metrics.ReplayCheckedTotal.WithLabelValues(kind.String()).Inc()

	pn := m.PN.Extract(bits)
	rec := diag.Record{
		Time:   g.now(),
		Peer:   p.MAC,
		TID:    tid,
		Cipher: kind,
		Dir:    m.Dir,
		PN:     pn,
		LastPN: ts.LastPN,
	}

	if !ts.Valid {
		ts.Valid = true
		ts.LastPN = pn
		ts.RekeyPending.Store(false)
		rec.Verdict = diag.VerdictBootstrap
		g.trace.Add(rec)
		return true
	}

	if verdict, replay := g.compare(kind, m.Dir, p.Mode, pn, ts.LastPN); replay {
		rec.Verdict = verdict
		g.trace.Add(rec)
		g.report(p, tid, kind, m.Dir, pn, ts.LastPN, verdict, rec.Time)
		return false
	}

	if ts.RekeyPending.CompareAndSwap(true, false) {
		rec.Verdict = diag.VerdictRekey
	} else {
		ts.LastPN = pn
		rec.Verdict = diag.VerdictAccept
	}
	g.trace.Add(rec)
	return true
}

func (g *Guard) tracePassthrough(p *core.Peer, tid uint8, m *core.MPDU) {
	if g.trace == nil {
		return
	}
	g.trace.Add(diag.Record{
		Time:    g.now(),
		Peer:    p.MAC,
		TID:     tid,
		Cipher:  p.Security(m.Dir).Cipher(),
		Dir:     m.Dir,
		Verdict: diag.VerdictPassthrough,
	})
}

// compare applies the comparator of the cipher kind. It returns the verdict
// and true when the frame must be dropped.
func (g *Guard) compare(kind core.CipherKind, dir core.Direction, mode core.OpMode, pn, last core.PN) (diag.Verdict, bool) {
	switch kind {
	case core.CipherWEP, core.CipherTKIP:
		return diag.VerdictReplay, g.narrowReplay(pn, last, 24)
	case core.CipherCCMP, core.CipherCCMP256, core.CipherGCMP, core.CipherGCMP256:
		return diag.VerdictReplay, g.narrowReplay(pn, last, 48)
	case core.CipherWAPI:
		return wapiReplay(dir, mode, pn, last)
	default:
		return "", false
	}
}

func (g *Guard) narrowReplay(pn, last core.PN, bits int) bool {
	n := pn.Mask(bits).Lo
	l := last.Mask(bits).Lo
	if g.strict {
		// no wrap: the PN space is exhausted once last reaches the mask
		mask := uint64(1)<<uint(bits) - 1
		return l >= mask || n != l+1
	}
	return n <= l
}

// wapiReplay compares full 128-bit PNs, high half first. Unicast PNs must
// be even when the local interface is an AP and odd otherwise.
func wapiReplay(dir core.Direction, mode core.OpMode, pn, last core.PN) (diag.Verdict, bool) {
	if dir == core.Unicast {
		want := uint64(1)
		if mode == core.OpModeAP {
			want = 0
		}
		if pn.Lo&1 != want {
			return diag.VerdictParity, true
		}
	}
	return diag.VerdictReplay, pn.LessOrEqual(last)
}

func (g *Guard) report(p *core.Peer, tid uint8, kind core.CipherKind, dir core.Direction, pn, last core.PN, verdict diag.Verdict, now time.Time) {
	g.replays[kind][dir&1].Add(1)
	metrics.ReplayDropsTotal.WithLabelValues(kind.String(), dir.String()).Inc()

	if g.hook != nil {
		g.hook.OnReplay(Event{
			Time:   now,
			Peer:   p.MAC,
			TID:    tid,
			Cipher: kind,
			Dir:    dir.String(),
			PN:     pn,
			LastPN: last,
			Reason: verdict,
		})
	}

	if ok, suppressed := g.limiter.Allow(now); ok {
		slog.Warn("pn replay detected",
			"peer", p.MAC.String(),
			"tid", tid,
			"cipher", kind.String(),
			"direction", dir.String(),
			"reason", string(verdict),
			"pn", pn.String(),
			"last_pn", last.String(),
			"suppressed", suppressed)
	}
}

// Rekey arms the one-shot update suppression on a TID. The next accepted
// frame leaves last_pn unchanged.
func (g *Guard) Rekey(p *core.Peer, tid uint8) error {
	ts := p.Tid(tid)
	if ts == nil {
		return core.ErrInvalidState
	}
	ts.RekeyPending.Store(true)
	return nil
}

// Replays returns the drop count of one cipher and direction.
func (g *Guard) Replays(kind core.CipherKind, dir core.Direction) uint64 {
	if !kind.Known() {
		return 0
	}
	return g.replays[kind][dir&1].Load()
}

// Stats returns a snapshot of the counters.
func (g *Guard) Stats() Stats {
	s := Stats{
		Checked:     make(map[string]uint64),
		Replays:     make(map[string]uint64),
		Passthrough: g.passthrough.Load(),
		BadTID:      g.badTID.Load(),
	}
	for k := 0; k < core.NumCiphers; k++ {
		kind := core.CipherKind(k)
		if n := g.checked[k].Load(); n > 0 {
			s.Checked[kind.String()] = n
		}
		for _, dir := range []core.Direction{core.Unicast, core.Multicast} {
			if n := g.replays[k][dir].Load(); n > 0 {
				s.Replays[kind.String()+"/"+dir.String()] = n
			}
		}
	}
	return s
}

// passthroughPeer reports whether host PN checking is skipped for p.
func passthroughPeer(p *core.Peer) bool {
	if p.PNOffload() {
		return true
	}
	return p.Mode == core.OpModeIBSS && !p.Authorized()
}
