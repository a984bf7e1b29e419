package syncshell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/syncshell/syncshell/internal/cache"
	"github.com/syncshell/syncshell/internal/compression"
	"github.com/syncshell/syncshell/internal/phonebook"
	"github.com/syncshell/syncshell/internal/shellcrypto"
	"github.com/syncshell/syncshell/internal/store"
	"github.com/syncshell/syncshell/internal/wire"
)

// CacheEntry describes a resource binding, re-exported from
// internal/cache for consumers.
type CacheEntry = cache.Entry

// Manager owns every syncshell of a process: the shared content store
// and phonebook, the shell state machines, and the event stream toward
// the hosting application.
type Manager struct {
	opts  *Options
	log   *zap.Logger
	clock clockwork.Clock

	peerID string

	store *store.Store
	cache *cache.Gateway
	book  *phonebook.Book
	comp  *compression.Compressor

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu     sync.Mutex
	shells map[string]*Shell
	closed bool

	events chan Event
}

// Open initializes the process-wide engine state: blob store, cache
// gateway, phonebook, and the background sweep loop.
func Open(opts ...Option) (*Manager, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if err := os.MkdirAll(options.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	comp, err := compression.New(options.CompressionLevel, true)
	if err != nil {
		return nil, fmt.Errorf("init compressor: %w", err)
	}

	st, err := store.New(filepath.Join(options.DataDir, "blobs"), store.Config{
		Grace:     options.SweepGrace,
		CacheSize: options.CacheSize,
		Clock:     options.Clock,
		Logger:    options.Logger,
		Comp:      comp,
	})
	if err != nil {
		return nil, err
	}

	gw, err := cache.Open(filepath.Join(options.DataDir, "cache.db"), st, options.Clock, options.Logger)
	if err != nil {
		return nil, err
	}

	book, err := phonebook.Open(filepath.Join(options.DataDir, "phonebook.db"), phonebook.Config{
		Staleness: options.Staleness,
		Retention: options.Retention,
		Clock:     options.Clock,
		Logger:    options.Logger,
	})
	if err != nil {
		gw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:   options,
		log:    options.Logger.Named("syncshell"),
		clock:  options.Clock,
		peerID: uuid.NewString(),
		store:  st,
		cache:  gw,
		book:   book,
		comp:   comp,
		ctx:    ctx,
		cancel: cancel,
		shells: make(map[string]*Shell),
		events: make(chan Event, 128),
	}

	m.wg.Go(m.sweepLoop)
	return m, nil
}

// PeerID returns this process's peer identity.
func (m *Manager) PeerID() string { return m.peerID }

// Events returns the stream of shell and peer events. Events are
// dropped, not blocked on, when the consumer falls behind.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Debug("event dropped", zap.String("type", string(ev.Type)))
	}
}

func (m *Manager) sweepLoop() {
	ticker := m.clock.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			m.store.Sweep()
			m.book.Purge()
		}
	}
}

// CreateSyncshell creates and hosts a new shell, returning it together
// with the invite code to hand to members out-of-band. The given hints
// (falling back to WithAdvertise) tell members where to dial.
func (m *Manager) CreateSyncshell(name string, hints ...string) (*Shell, string, error) {
	key, err := shellcrypto.NewSharedKey()
	if err != nil {
		return nil, "", err
	}
	if len(hints) == 0 {
		hints = m.opts.AdvertiseHints
	}

	id := uuid.NewString()
	invite, err := shellcrypto.EncodeInvite(shellcrypto.Invite{
		ShellID:   id,
		Name:      name,
		SharedKey: key,
		Hints:     hints,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode invite: %w", err)
	}

	s, err := m.addShell(id, name, RoleHost, key)
	if err != nil {
		return nil, "", err
	}
	return s, invite, nil
}

// JoinSyncshell decodes an invite and joins the shell, dialing the
// bootstrap peers from the invite. A decode failure is ErrInvalidInvite
// and never leaves a partial shell behind; a handshake rejected by the
// remote (wrong or revoked key) is ErrMembershipRejected and tears the
// shell down. Transient dial failures keep the shell in Connecting and
// retry with backoff.
func (m *Manager) JoinSyncshell(ctx context.Context, code string) (*Shell, error) {
	inv, err := shellcrypto.DecodeInvite(code)
	if err != nil {
		return nil, err
	}

	s, err := m.addShell(inv.ShellID, inv.Name, RoleMember, inv.SharedKey)
	if err != nil {
		return nil, err
	}

	if err := s.bootstrap(ctx, inv.Hints); err != nil {
		if errors.Is(err, ErrMembershipRejected) {
			m.removeShell(s.id)
			s.close()
			return nil, err
		}
		// Transient: the shell keeps retrying in the background.
		m.log.Debug("bootstrap dial failed, retrying in background",
			zap.String("shell", s.id), zap.Error(err))
	}
	return s, nil
}

func (m *Manager) addShell(id, name string, role Role, key []byte) (*Shell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.shells[id]; ok {
		return nil, fmt.Errorf("shell %s already present", id)
	}

	s, err := newShell(m, id, name, role, key)
	if err != nil {
		return nil, err
	}
	m.shells[id] = s

	m.book.Upsert(phonebook.Entry{
		PeerID:      m.peerID,
		ShellID:     id,
		Fingerprint: shellcrypto.Fingerprint(key),
		Hints:       m.opts.AdvertiseHints,
	})
	return s, nil
}

func (m *Manager) removeShell(id string) {
	m.mu.Lock()
	delete(m.shells, id)
	m.mu.Unlock()
}

// Shell returns a shell by id.
func (m *Manager) Shell(id string) (*Shell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shells[id]
	if !ok {
		return nil, ErrUnknownShell
	}
	return s, nil
}

// Shells lists all open shells.
func (m *Manager) Shells() []*Shell {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Shell, 0, len(m.shells))
	for _, s := range m.shells {
		out = append(out, s)
	}
	return out
}

// LeaveSyncshell closes a shell: tears down its channels, unbinds all
// content bound through its cache entries and drops its phonebook
// entries. Terminal for the shell.
func (m *Manager) LeaveSyncshell(id string) error {
	s, err := m.Shell(id)
	if err != nil {
		return err
	}
	m.removeShell(id)
	s.close()
	return nil
}

// Publish stores bytes under a shell-scoped resource key and announces
// the new entry to all connected peers of the shell.
func (m *Manager) Publish(shellID, key string, data []byte) (CacheEntry, error) {
	s, err := m.Shell(shellID)
	if err != nil {
		return CacheEntry{}, err
	}
	return s.publish(key, data)
}

// Resource returns the current body and entry for a shell-scoped
// resource key. ErrNotFound when nothing is published under the key.
func (m *Manager) Resource(shellID, key string) ([]byte, CacheEntry, error) {
	res, err := m.cache.Fetch(scopedKey(shellID, key), "", time.Time{})
	if err != nil {
		return nil, CacheEntry{}, err
	}
	if res.Status == cache.StatusNotFound {
		return nil, CacheEntry{}, fmt.Errorf("resource %q: %w", key, ErrNotFound)
	}
	return res.Body, res.Entry, nil
}

// ListPeers returns a snapshot of the shell's membership.
func (m *Manager) ListPeers(shellID string) ([]PeerInfo, error) {
	s, err := m.Shell(shellID)
	if err != nil {
		return nil, err
	}
	return s.Peers(), nil
}

// HandleInbound runs the responder side of the handshake for a channel
// accepted by the hosting application's transport. The shell is
// identified by which shared key verifies the hello frame; a frame no
// shell can verify is membership-rejected and the channel is closed.
func (m *Manager) HandleInbound(ch PeerChannel) {
	m.wg.Go(func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.HandshakeTimeout)
		defer cancel()

		frame, err := ch.Recv(ctx)
		if err != nil {
			ch.Close()
			return
		}

		for _, s := range m.Shells() {
			plain, err := shellcrypto.Open(s.frameKey, frame)
			if err != nil {
				continue
			}
			env, err := wire.Decode(plain)
			if err != nil || env.Type != wire.TypeHello || env.Hello.ShellID != s.id {
				continue
			}
			if env.Hello.PeerID == m.peerID {
				break
			}
			if err := s.acceptInbound(ctx, ch, env.Hello); err != nil {
				m.log.Debug("inbound accept failed", zap.String("shell", s.id), zap.Error(err))
				ch.Close()
			}
			return
		}

		m.log.Warn("inbound handshake rejected: no shell key verifies hello")
		// A plaintext frame the initiator cannot decrypt-verify tells it
		// the key is wrong; closing silently would look transient and
		// keep it retrying.
		_ = ch.Send(ctx, []byte(rejectFrame))
		ch.Close()
	})
}

// rejectFrame is sent in the clear to a peer whose hello no shell key
// verifies. It is deliberately not a valid sealed frame.
const rejectFrame = "syncshell: membership rejected"

// Stats reports content-store totals.
func (m *Manager) Stats() store.Stats { return m.store.Stats() }

// Sweep runs a content-store sweep immediately and returns the number
// of objects removed.
func (m *Manager) Sweep() int { return m.store.Sweep() }

// Close shuts everything down: all shells in parallel, the sweep loop,
// then the shared stores. In-flight operations are cancelled within a
// bounded time.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	shells := make([]*Shell, 0, len(m.shells))
	for _, s := range m.shells {
		shells = append(shells, s)
	}
	m.shells = make(map[string]*Shell)
	m.mu.Unlock()

	p := pool.New()
	for _, s := range shells {
		p.Go(s.close)
	}
	p.Wait()

	m.cancel()
	m.wg.Wait()

	var errs []error
	if err := m.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.book.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.comp.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func scopedKey(shellID, key string) string {
	return shellID + "/" + key
}
