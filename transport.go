package syncshell

import "context"

// PeerChannel is the abstract transport capability the engine consumes:
// a reliable, ordered, bidirectional frame stream to one remote peer.
// Frames are opaque to the transport; the engine seals them before
// they get here.
//
// Close must unblock any in-flight Recv.
type PeerChannel interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens channels to remote peers from their address hints.
// Implementations try hints in order and return the first channel that
// connects.
type Dialer interface {
	Dial(ctx context.Context, hints []string) (PeerChannel, error)
}
