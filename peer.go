package syncshell

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/syncshell/syncshell/internal/shellcrypto"
	"github.com/syncshell/syncshell/internal/wire"
)

// PeerState is the per-channel sub-state.
type PeerState int32

const (
	PeerDiscovering PeerState = iota
	PeerHandshaking
	PeerConnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerDiscovering:
		return "discovering"
	case PeerHandshaking:
		return "handshaking"
	case PeerConnected:
		return "connected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// PeerInfo is a read-only membership snapshot item.
type PeerInfo struct {
	ID       string
	Name     string
	State    PeerState
	LastSeen time.Time
	Hints    []string
}

// peerConn is one live channel to a remote peer. Owned and mutated by
// the shell control loop only; the reader and writer goroutines touch
// nothing but the channel and their queues.
type peerConn struct {
	id       string
	name     string
	hints    []string
	state    PeerState
	lastSeen time.Time

	ch     PeerChannel
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *peerConn) info() PeerInfo {
	return PeerInfo{
		ID:       p.id,
		Name:     p.name,
		State:    p.state,
		LastSeen: p.lastSeen,
		Hints:    append([]string(nil), p.hints...),
	}
}

// writeLoop drains the outbound queue in order so the control loop
// never blocks on transport I/O.
func (s *Shell) writeLoop(p *peerConn) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case frame := <-p.out:
			if err := p.ch.Send(p.ctx, frame); err != nil {
				s.deliver(shellCmd{kind: cmdPeerGone, peerID: p.id})
				return
			}
		}
	}
}

// readLoop processes the channel's inbound frames in delivery order. A
// frame that fails decrypt-verify is terminal for that frame only: it
// is logged and dropped, never retried. A malformed frame after a good
// decrypt is a protocol violation: dropped, channel kept.
func (s *Shell) readLoop(p *peerConn) {
	for {
		frame, err := p.ch.Recv(p.ctx)
		if err != nil {
			s.deliver(shellCmd{kind: cmdPeerGone, peerID: p.id})
			return
		}

		plain, err := shellcrypto.Open(s.frameKey, frame)
		if err != nil {
			s.log.Error("frame failed authentication", zap.String("peer", p.id))
			continue
		}
		env, err := wire.Decode(plain)
		if err != nil {
			s.log.Warn("dropping malformed frame", zap.String("peer", p.id), zap.Error(err))
			continue
		}

		s.deliver(shellCmd{kind: cmdFrame, peerID: p.id, env: env})
	}
}

// reconnect retries dial+handshake with jittered exponential backoff
// until it succeeds, the key is rejected, or the shell closes.
// Transient network errors retry; a membership rejection ends the
// attempts, since retrying with the same key cannot succeed.
func (s *Shell) reconnect(peerID string, hints []string) {
	for attempt := 0; ; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		case <-s.m.clock.After(s.backoff(attempt)):
		}

		// Prefer fresher hints from the phonebook if it has any.
		if peerID != "" {
			for _, e := range s.m.book.All(s.id) {
				if e.PeerID == peerID && len(e.Hints) > 0 {
					hints = e.Hints
				}
			}
		}
		if len(hints) == 0 {
			continue
		}

		ch, hello, err := s.dialAndHandshake(s.ctx, hints)
		if err == nil {
			s.deliver(shellCmd{kind: cmdPeerUp, peerID: hello.PeerID, name: hello.Name, hints: hints, ch: ch})
			// Clear the key this dial was registered under; for a
			// bootstrap retry it differs from the hello's peer id.
			s.deliver(shellCmd{kind: cmdDialDone, peerID: peerID})
			return
		}
		if isMembershipRejected(err) {
			s.log.Warn("reconnect rejected, giving up", zap.String("peer", peerID))
			s.deliver(shellCmd{kind: cmdDialDone, peerID: peerID})
			return
		}
		s.log.Debug("reconnect attempt failed",
			zap.String("peer", peerID), zap.Int("attempt", attempt), zap.Error(err))
	}
}

// backoff returns an equal-jitter exponential delay: half
// deterministic, half random, capped at the configured maximum.
func (s *Shell) backoff(attempt int) time.Duration {
	base := s.m.opts.BackoffBase
	max := s.m.opts.BackoffMax

	if attempt > 30 {
		attempt = 30
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		d = max
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int64N(int64(half)))
}
