package syncshell

import (
	"errors"

	"github.com/syncshell/syncshell/internal/shellcrypto"
	"github.com/syncshell/syncshell/internal/store"
	"github.com/syncshell/syncshell/internal/wire"
)

var (
	// ErrNotFound reports content or resource absence. Returned to the
	// caller, not logged as an error.
	ErrNotFound = store.ErrNotFound

	// ErrContract indicates an internal bookkeeping bug such as a
	// refcount underflow. The operation is aborted and state left
	// unchanged.
	ErrContract = store.ErrContract

	// ErrAuthentication marks a frame that failed decrypt-verify.
	// Terminal for that frame; never retried with the same key.
	ErrAuthentication = shellcrypto.ErrAuthentication

	// ErrInvalidInvite marks a corrupted or forged invite code.
	ErrInvalidInvite = shellcrypto.ErrInvalidInvite

	// ErrProtocol marks a malformed frame: dropped, channel kept.
	ErrProtocol = wire.ErrProtocol

	// ErrMembershipRejected reports a handshake whose hello frame
	// failed decrypt-verify: the key is wrong or revoked, so retrying
	// cannot succeed.
	ErrMembershipRejected = errors.New("syncshell: membership rejected")

	// ErrClosed reports an operation against a closed shell or manager.
	ErrClosed = errors.New("syncshell: closed")

	// ErrUnknownShell reports an operation against a shell id this
	// manager does not own.
	ErrUnknownShell = errors.New("syncshell: unknown shell")

	// ErrNoDialer reports an outbound connection attempt on a manager
	// opened without WithDialer.
	ErrNoDialer = errors.New("syncshell: no dialer configured")
)
