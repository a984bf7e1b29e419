package tcpchan

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair dials a loopback listener and returns both ends of the
// connection.
func pair(t *testing.T) (client, server *Channel) {
	t.Helper()

	accepted := make(chan *Channel, 1)
	l, err := Listen("127.0.0.1:0", func(ch *Channel) { accepted <- ch })
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	d := &Dialer{}
	peer, err := d.Dial(context.Background(), []string{l.Addr()})
	require.NoError(t, err)
	client = peer.(*Channel)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never accepted")
	}
	t.Cleanup(func() { server.Close() })
	return client, server
}

func TestRoundTrip(t *testing.T) {
	client, server := pair(t)
	ctx := context.Background()

	frames := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xab}, 1<<16),
	}
	for _, frame := range frames {
		require.NoError(t, client.Send(ctx, frame))
		got, err := server.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, frame, got)
	}

	// Both directions work on one connection.
	require.NoError(t, server.Send(ctx, []byte("ack")))
	got, err := client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ack"), got)
}

func TestFramesStayOrdered(t *testing.T) {
	client, server := pair(t)
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if err := client.Send(ctx, []byte{byte(i)}); err != nil {
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		got, err := server.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, got)
	}
	wg.Wait()
}

func TestSendRejectsOversizeFrame(t *testing.T) {
	client, _ := pair(t)

	err := client.Send(context.Background(), make([]byte, maxFrameSize+1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestCloseUnblocksRecv(t *testing.T) {
	client, server := pair(t)

	errc := make(chan error, 1)
	go func() {
		_, err := server.Recv(context.Background())
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not unblock on close")
	}

	_ = client
}

func TestRecvHonorsDeadline(t *testing.T) {
	_, server := pair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := server.Recv(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDialAllHintsUnreachable(t *testing.T) {
	d := &Dialer{Timeout: 200 * time.Millisecond}

	_, err := d.Dial(context.Background(), nil)
	require.Error(t, err)

	// A closed port fails fast on loopback.
	l, err := Listen("127.0.0.1:0", func(ch *Channel) { ch.Close() })
	require.NoError(t, err)
	addr := l.Addr()
	require.NoError(t, l.Close())

	_, err = d.Dial(context.Background(), []string{addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestDialFallsBackAcrossHints(t *testing.T) {
	accepted := make(chan *Channel, 1)
	l, err := Listen("127.0.0.1:0", func(ch *Channel) { accepted <- ch })
	require.NoError(t, err)
	defer l.Close()

	dead, err := Listen("127.0.0.1:0", func(ch *Channel) { ch.Close() })
	require.NoError(t, err)
	deadAddr := dead.Addr()
	require.NoError(t, dead.Close())

	d := &Dialer{Timeout: 200 * time.Millisecond}
	peer, err := d.Dial(context.Background(), []string{deadAddr, l.Addr()})
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, peer.Send(context.Background(), []byte("via fallback")))
	server := <-accepted
	defer server.Close()
	got, err := server.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("via fallback"), got)
}
