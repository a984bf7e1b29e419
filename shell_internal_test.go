package syncshell

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncshell/syncshell/internal/shellcrypto"
	"github.com/syncshell/syncshell/internal/wire"
)

// scriptedChannel answers the initiator's hello with one pre-sealed
// ack, then blocks until closed.
type scriptedChannel struct {
	ack  []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	sent bool
}

func (c *scriptedChannel) Send(context.Context, []byte) error { return nil }

func (c *scriptedChannel) Recv(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	first := !c.sent
	c.sent = true
	c.mu.Unlock()
	if first {
		return c.ack, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *scriptedChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// flakyDialer refuses connections until allowed, then hands out
// channels that complete the handshake for a fixed remote peer.
type flakyDialer struct {
	frameKey []byte
	peerID   string
	shellID  string

	mu    sync.Mutex
	allow bool
}

func (d *flakyDialer) Dial(context.Context, []string) (PeerChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.allow {
		return nil, errors.New("unreachable")
	}

	plain, err := wire.Encode(wire.Envelope{Type: wire.TypeHelloAck, Hello: &wire.Hello{
		PeerID:  d.peerID,
		ShellID: d.shellID,
	}})
	if err != nil {
		return nil, err
	}
	ack, err := shellcrypto.Seal(d.frameKey, plain)
	if err != nil {
		return nil, err
	}
	return &scriptedChannel{ack: ack, done: make(chan struct{})}, nil
}

func TestBootstrapRetryClearsDialRegistration(t *testing.T) {
	key, err := shellcrypto.NewSharedKey()
	require.NoError(t, err)
	frameKey, err := shellcrypto.FrameKey(key)
	require.NoError(t, err)

	const shellID = "shell-bootstrap-retry"
	invite, err := shellcrypto.EncodeInvite(shellcrypto.Invite{
		ShellID:   shellID,
		Name:      "squad",
		SharedKey: key,
		Hints:     []string{"remote"},
	})
	require.NoError(t, err)

	dialer := &flakyDialer{frameKey: frameKey, peerID: "remote-peer", shellID: shellID}
	m, err := Open(
		WithDataDir(t.TempDir()),
		WithDialer(dialer),
		WithBackoff(5*time.Millisecond, 20*time.Millisecond),
	)
	require.NoError(t, err)
	defer m.Close()

	s, err := m.JoinSyncshell(context.Background(), invite)
	require.NoError(t, err, "unreachable bootstrap is transient")

	// The failed bootstrap leaves a background dial registered under
	// the empty key; it may only vanish once that dial concludes.
	s.mu.Lock()
	_, registered := s.dialing[""]
	s.mu.Unlock()
	require.True(t, registered)

	dialer.mu.Lock()
	dialer.allow = true
	dialer.mu.Unlock()

	require.Eventually(t, func() bool { return s.State() == StateActive },
		5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.dialing) == 0
	}, 5*time.Second, 10*time.Millisecond,
		"a successful dial must clear the key it was registered under")
}
