// Package tcpchan is a plain TCP peer-channel transport for hosting
// applications: length-prefixed frames over a net.Conn. The engine
// only sees the PeerChannel/Dialer interfaces; anything reliable,
// ordered and bidirectional could replace this.
package tcpchan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/syncshell/syncshell"
)

// maxFrameSize bounds a single frame; larger announcements should be
// chunked by the caller.
const maxFrameSize = 64 << 20

const dialTimeout = 5 * time.Second

// Channel carries frames over one TCP connection. Frame layout: 4-byte
// big-endian length prefix followed by the frame bytes.
type Channel struct {
	conn net.Conn

	wmu sync.Mutex
	rmu sync.Mutex

	closeOnce sync.Once
}

var _ syncshell.PeerChannel = (*Channel)(nil)

// New wraps an established connection.
func New(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

func (c *Channel) Send(ctx context.Context, frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(frame))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))
	if _, err := c.conn.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Recv blocks until a full frame arrives, the context deadline passes,
// or the channel is closed (which unblocks the read).
func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	var prefix [4]byte
	if _, err := io.ReadFull(c.conn, prefix[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return frame, nil
}

func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// Dialer connects to the first reachable address hint.
type Dialer struct {
	Timeout time.Duration
}

var _ syncshell.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, hints []string) (syncshell.PeerChannel, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = dialTimeout
	}

	var errs []error
	for _, hint := range hints {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", hint)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", hint, err))
			continue
		}
		return New(conn), nil
	}
	if len(errs) == 0 {
		return nil, errors.New("no address hints to dial")
	}
	return nil, fmt.Errorf("all hints unreachable: %w", errors.Join(errs...))
}

// Listener accepts inbound connections and hands each one to the
// provided handler as a Channel.
type Listener struct {
	l       net.Listener
	handler func(*Channel)
	done    chan struct{}
}

// Listen starts accepting on addr. The handler typically forwards to
// Manager.HandleInbound.
func Listen(addr string, handler func(*Channel)) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	lst := &Listener{l: l, handler: handler, done: make(chan struct{})}
	go lst.acceptLoop()
	return lst, nil
}

// Addr returns the bound address, useful with ":0" listeners.
func (l *Listener) Addr() string { return l.l.Addr().String() }

func (l *Listener) acceptLoop() {
	defer close(l.done)
	for {
		conn, err := l.l.Accept()
		if err != nil {
			return
		}
		l.handler(New(conn))
	}
}

func (l *Listener) Close() error {
	err := l.l.Close()
	<-l.done
	return err
}
