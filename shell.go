package syncshell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/syncshell/syncshell/internal/cache"
	"github.com/syncshell/syncshell/internal/phonebook"
	"github.com/syncshell/syncshell/internal/shellcrypto"
	"github.com/syncshell/syncshell/internal/wire"
)

// ShellState is the per-shell lifecycle state.
type ShellState int32

const (
	StateCreated ShellState = iota
	StateConnecting
	StateActive
	StateDegraded
	StateClosed
)

func (s ShellState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Role of this process within a shell.
type Role int

const (
	RoleHost Role = iota
	RoleMember
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "member"
}

type cmdKind int

const (
	cmdPeerUp cmdKind = iota
	cmdPeerGone
	cmdFrame
	cmdPublish
	cmdDialDone
)

type shellCmd struct {
	kind   cmdKind
	peerID string
	name   string
	hints  []string
	ch     PeerChannel
	env    wire.Envelope
	key    string
	data   []byte
	reply  chan error
	pub    chan publishResult
}

type publishResult struct {
	entry cache.Entry
	err   error
}

// Shell is one syncshell: a named peer group sharing a symmetric key
// and a resource namespace. Membership is mutated only by the shell's
// control loop; external readers get snapshots.
type Shell struct {
	id   string
	name string
	role Role

	sharedKey []byte
	frameKey  []byte

	m   *Manager
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan shellCmd
	done   chan struct{}

	mu      sync.Mutex
	state   ShellState
	peers   map[string]*peerConn
	dialing map[string]struct{}
}

func newShell(m *Manager, id, name string, role Role, key []byte) (*Shell, error) {
	frameKey, err := shellcrypto.FrameKey(key)
	if err != nil {
		return nil, fmt.Errorf("derive frame key: %w", err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	s := &Shell{
		id:        id,
		name:      name,
		role:      role,
		sharedKey: key,
		frameKey:  frameKey,
		m:         m,
		log:       m.log.Named("shell").With(zap.String("shell", id), zap.String("role", role.String())),
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan shellCmd, 64),
		done:      make(chan struct{}),
		state:     StateCreated,
		peers:     make(map[string]*peerConn),
		dialing:   make(map[string]struct{}),
	}

	m.wg.Go(s.run)
	return s, nil
}

// ID returns the shell identifier.
func (s *Shell) ID() string { return s.id }

// Name returns the shell display name.
func (s *Shell) Name() string { return s.name }

// Role returns this process's role in the shell.
func (s *Shell) Role() Role { return s.role }

// State returns the current lifecycle state.
func (s *Shell) State() ShellState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peers returns a snapshot of the current membership.
func (s *Shell) Peers() []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.info())
	}
	return out
}

func (s *Shell) setState(st ShellState) {
	s.mu.Lock()
	if s.state == st || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	s.log.Info("state change", zap.String("state", st.String()))
	s.m.emit(Event{ShellID: s.id, Type: EventShellState, State: st})
}

// run is the control loop. It is the only goroutine that mutates
// membership, so cross-shell lock contention never happens here.
func (s *Shell) run() {
	defer close(s.done)

	// A host is trivially active alone; a member stays Created until
	// it has an invite-derived peer to dial.
	if s.role == RoleHost {
		s.setState(StateConnecting)
		s.setState(StateActive)
	}

	gossip := s.m.clock.NewTicker(s.m.opts.GossipInterval)
	defer gossip.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return
		case <-gossip.Chan():
			s.gossip()
		case cmd := <-s.cmds:
			s.handle(cmd)
		}
	}
}

func (s *Shell) handle(cmd shellCmd) {
	switch cmd.kind {
	case cmdPeerUp:
		s.registerPeer(cmd)
	case cmdPeerGone:
		s.dropPeer(cmd.peerID)
	case cmdFrame:
		s.handleFrame(cmd.peerID, cmd.env)
	case cmdPublish:
		entry, err := s.m.cache.Publish(scopedKey(s.id, cmd.key), cmd.data)
		cmd.pub <- publishResult{entry: entry, err: err}
		if err == nil {
			s.broadcastAnnounce(cmd.key, entry, "")
		}
	case cmdDialDone:
		s.mu.Lock()
		delete(s.dialing, cmd.peerID)
		s.mu.Unlock()
	}
}

func (s *Shell) registerPeer(cmd shellCmd) {
	if old, ok := s.peers[cmd.peerID]; ok {
		old.cancel()
		old.ch.Close()
	}

	pctx, pcancel := context.WithCancel(s.ctx)
	p := &peerConn{
		id:       cmd.peerID,
		name:     cmd.name,
		hints:    cmd.hints,
		state:    PeerConnected,
		lastSeen: s.m.clock.Now(),
		ch:       cmd.ch,
		out:      make(chan []byte, 64),
		ctx:      pctx,
		cancel:   pcancel,
	}

	s.mu.Lock()
	s.peers[cmd.peerID] = p
	delete(s.dialing, cmd.peerID)
	s.mu.Unlock()

	s.m.book.Upsert(phonebook.Entry{
		PeerID:      p.id,
		ShellID:     s.id,
		Fingerprint: shellcrypto.Fingerprint(s.sharedKey),
		Hints:       p.hints,
	})

	s.m.wg.Go(func() { s.writeLoop(p) })
	s.m.wg.Go(func() { s.readLoop(p) })

	s.log.Info("peer connected", zap.String("peer", p.id))
	s.m.emit(Event{ShellID: s.id, Type: EventPeerConnected, PeerID: p.id})
	if s.connectedCount() == 1 {
		s.setState(StateActive)
	}

	// Bring the new peer up to date and let it learn the membership.
	s.sendGossipTo(p)
	s.announceEntriesTo(p)

	if cmd.reply != nil {
		cmd.reply <- nil
	}
}

func (s *Shell) dropPeer(peerID string) {
	s.mu.Lock()
	p, ok := s.peers[peerID]
	if ok {
		delete(s.peers, peerID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	p.cancel()
	p.ch.Close()
	p.state = PeerFailed

	s.log.Info("peer lost", zap.String("peer", peerID))
	s.m.emit(Event{ShellID: s.id, Type: EventPeerLost, PeerID: peerID})

	if s.connectedCount() == 0 && s.State() == StateActive {
		s.setState(StateDegraded)
	}
	s.dial(peerID, p.hints)
}

// dial starts a background connect for a peer unless one is already
// running.
func (s *Shell) dial(peerID string, hints []string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if _, busy := s.dialing[peerID]; busy {
		s.mu.Unlock()
		return
	}
	if _, connected := s.peers[peerID]; connected {
		s.mu.Unlock()
		return
	}
	s.dialing[peerID] = struct{}{}
	s.mu.Unlock()

	s.m.wg.Go(func() { s.reconnect(peerID, hints) })
}

func (s *Shell) connectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.peers {
		if p.state == PeerConnected {
			n++
		}
	}
	return n
}

// bootstrap dials the invite-derived peers for a joining member. The
// first successful handshake makes the shell active; a rejected key is
// terminal.
func (s *Shell) bootstrap(ctx context.Context, hints []string) error {
	s.setState(StateConnecting)
	if len(hints) == 0 {
		return fmt.Errorf("invite carries no address hints")
	}

	ch, hello, err := s.dialAndHandshake(ctx, hints)
	if err != nil {
		if !isMembershipRejected(err) {
			s.dial("", hints)
		}
		return err
	}

	reply := make(chan error, 1)
	s.deliver(shellCmd{kind: cmdPeerUp, peerID: hello.PeerID, name: hello.Name, hints: hints, ch: ch, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dialAndHandshake opens a channel and performs the initiator side of
// the hello exchange: a mutual decrypt-verify using the shell key. A
// hello the remote cannot verify, or an ack we cannot verify, means
// the key is wrong: membership rejected, never retried.
func (s *Shell) dialAndHandshake(ctx context.Context, hints []string) (PeerChannel, *wire.Hello, error) {
	if s.m.opts.Dialer == nil {
		return nil, nil, ErrNoDialer
	}

	hctx, cancel := context.WithTimeout(ctx, s.m.opts.HandshakeTimeout)
	defer cancel()

	ch, err := s.m.opts.Dialer.Dial(hctx, hints)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	hello := wire.Envelope{Type: wire.TypeHello, Hello: &wire.Hello{
		PeerID:  s.m.peerID,
		ShellID: s.id,
		Name:    s.m.opts.PeerName,
		Hints:   s.m.opts.AdvertiseHints,
	}}
	frame, err := s.seal(hello)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	if err := ch.Send(hctx, frame); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("send hello: %w", err)
	}

	resp, err := ch.Recv(hctx)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("await hello ack: %w", err)
	}
	plain, err := shellcrypto.Open(s.frameKey, resp)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("%w: hello ack failed decrypt-verify", ErrMembershipRejected)
	}
	env, err := wire.Decode(plain)
	if err != nil || (env.Type != wire.TypeHelloAck && env.Type != wire.TypeHello) {
		ch.Close()
		return nil, nil, fmt.Errorf("%w: unexpected handshake frame", ErrProtocol)
	}
	if env.Hello.ShellID != s.id {
		ch.Close()
		return nil, nil, fmt.Errorf("%w: hello for wrong shell", ErrMembershipRejected)
	}
	return ch, env.Hello, nil
}

// acceptInbound completes the responder side of a handshake already
// verified by the manager.
func (s *Shell) acceptInbound(ctx context.Context, ch PeerChannel, hello *wire.Hello) error {
	ack := wire.Envelope{Type: wire.TypeHelloAck, Hello: &wire.Hello{
		PeerID:  s.m.peerID,
		ShellID: s.id,
		Name:    s.m.opts.PeerName,
		Hints:   s.m.opts.AdvertiseHints,
	}}
	frame, err := s.seal(ack)
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, frame); err != nil {
		return fmt.Errorf("send hello ack: %w", err)
	}

	reply := make(chan error, 1)
	s.deliver(shellCmd{kind: cmdPeerUp, peerID: hello.PeerID, name: hello.Name, hints: hello.Hints, ch: ch, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish runs the store-and-announce inside the control loop, so it
// is ordered against teardown: a publish racing a leave either lands
// before the prefix invalidation or not at all, never as a dangling
// binding under a closed shell.
func (s *Shell) publish(key string, data []byte) (cache.Entry, error) {
	pub := make(chan publishResult, 1)
	s.deliver(shellCmd{kind: cmdPublish, key: key, data: data, pub: pub})
	select {
	case res := <-pub:
		return res.entry, res.err
	case <-s.done:
		select {
		case res := <-pub:
			return res.entry, res.err
		default:
		}
		return cache.Entry{}, ErrClosed
	}
}

func (s *Shell) handleFrame(peerID string, env wire.Envelope) {
	s.mu.Lock()
	p, ok := s.peers[peerID]
	if ok {
		p.lastSeen = s.m.clock.Now()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.m.book.MarkSeen(s.id, peerID)

	switch env.Type {
	case wire.TypeGossip:
		s.handleGossip(env.Gossip)
	case wire.TypeAnnounce:
		s.handleAnnounce(p, env.Announce)
	case wire.TypeFetch:
		s.handleFetch(p, env.Fetch)
	case wire.TypeResource:
		s.handleResource(p, env.Resource)
	case wire.TypeHello, wire.TypeHelloAck:
		// Handshake already done on this channel.
		s.log.Debug("ignoring stray hello", zap.String("peer", peerID))
	}
}

func (s *Shell) handleGossip(g *wire.Gossip) {
	fingerprint := shellcrypto.Fingerprint(s.sharedKey)
	entries := make([]phonebook.Entry, 0, len(g.Entries))
	for _, e := range g.Entries {
		if e.ShellID != s.id || e.Fingerprint != fingerprint {
			continue
		}
		entries = append(entries, e)
	}

	for _, e := range s.m.book.Merge(entries) {
		if e.PeerID == s.m.peerID || len(e.Hints) == 0 {
			continue
		}
		s.dial(e.PeerID, e.Hints)
	}
}

func (s *Shell) handleAnnounce(p *peerConn, a *wire.Announce) {
	entry, ok := s.m.cache.Stat(scopedKey(s.id, a.Key))
	if ok && entry.ETag == a.ETag {
		// Wire-level dedup: we already hold this content.
		return
	}

	req := wire.Envelope{Type: wire.TypeFetch, Fetch: &wire.Fetch{Key: a.Key}}
	if ok {
		req.Fetch.IfNoneMatch = entry.ETag
		req.Fetch.IfModifiedSince = entry.LastModified
	}
	s.enqueue(p, req)
}

func (s *Shell) handleFetch(p *peerConn, f *wire.Fetch) {
	res, err := s.m.cache.Fetch(scopedKey(s.id, f.Key), f.IfNoneMatch, f.IfModifiedSince)
	if err != nil {
		s.log.Warn("fetch failed", zap.String("key", f.Key), zap.Error(err))
		res = cache.Result{Status: cache.StatusNotFound}
	}

	resp := &wire.Resource{Key: f.Key}
	switch res.Status {
	case cache.StatusFresh:
		resp.Status = wire.StatusOK
		resp.Body, resp.Compressed = s.m.comp.Compress(res.Body)
		resp.ETag = res.Entry.ETag
		resp.LastModified = res.Entry.LastModified
	case cache.StatusNotModified:
		resp.Status = wire.StatusNotModified
		resp.ETag = res.Entry.ETag
		resp.LastModified = res.Entry.LastModified
	default:
		resp.Status = wire.StatusNotFound
	}
	s.enqueue(p, wire.Envelope{Type: wire.TypeResource, Resource: resp})
}

func (s *Shell) handleResource(p *peerConn, r *wire.Resource) {
	if r.Status != wire.StatusOK {
		return
	}

	body, err := s.m.comp.Decompress(r.Body, r.Compressed)
	if err != nil {
		s.log.Warn("dropping resource with undecodable body", zap.String("key", r.Key), zap.Error(err))
		return
	}
	entry, err := s.m.cache.Publish(scopedKey(s.id, r.Key), body)
	if err != nil {
		s.log.Warn("store fetched resource", zap.String("key", r.Key), zap.Error(err))
		return
	}

	s.log.Debug("resource updated", zap.String("key", r.Key), zap.String("etag", entry.ETag))
	s.m.emit(Event{ShellID: s.id, Type: EventResourceUpdated, ResourceKey: r.Key})

	// Relay the announce so propagation reaches peers the publisher
	// cannot see; the etag check keeps it loop-free.
	s.broadcastAnnounce(r.Key, entry, p.id)
}

// broadcastAnnounce sends a compact announce for an entry to every
// connected peer except the one it came from.
func (s *Shell) broadcastAnnounce(key string, entry cache.Entry, excludePeer string) {
	env := wire.Envelope{Type: wire.TypeAnnounce, Announce: &wire.Announce{
		Key:          key,
		ETag:         entry.ETag,
		LastModified: entry.LastModified,
		Size:         entry.Size,
	}}
	for _, p := range s.connectedPeers() {
		if p.id == excludePeer {
			continue
		}
		s.enqueue(p, env)
	}
}

func (s *Shell) gossip() {
	snap := s.m.book.Snapshot(s.id)
	if len(snap) == 0 {
		return
	}
	env := wire.Envelope{Type: wire.TypeGossip, Gossip: &wire.Gossip{Entries: snap}}
	for _, p := range s.connectedPeers() {
		s.enqueue(p, env)
	}
}

func (s *Shell) sendGossipTo(p *peerConn) {
	snap := s.m.book.Snapshot(s.id)
	if len(snap) == 0 {
		return
	}
	s.enqueue(p, wire.Envelope{Type: wire.TypeGossip, Gossip: &wire.Gossip{Entries: snap}})
}

// announceEntriesTo catches a newly connected peer up on everything
// currently published in the shell.
func (s *Shell) announceEntriesTo(p *peerConn) {
	prefix := s.id + "/"
	for _, entry := range s.m.cache.Entries(prefix) {
		key := strings.TrimPrefix(entry.Key, prefix)
		s.enqueue(p, wire.Envelope{Type: wire.TypeAnnounce, Announce: &wire.Announce{
			Key:          key,
			ETag:         entry.ETag,
			LastModified: entry.LastModified,
			Size:         entry.Size,
		}})
	}
}

func (s *Shell) connectedPeers() []*peerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peerConn, 0, len(s.peers))
	for _, p := range s.peers {
		if p.state == PeerConnected {
			out = append(out, p)
		}
	}
	return out
}

// enqueue seals an envelope and queues it on the peer's ordered
// outbound queue without blocking the control loop.
func (s *Shell) enqueue(p *peerConn, env wire.Envelope) {
	frame, err := s.seal(env)
	if err != nil {
		s.log.Error("seal frame", zap.Error(err))
		return
	}
	select {
	case p.out <- frame:
	default:
		s.log.Warn("outbound queue full, dropping frame",
			zap.String("peer", p.id), zap.String("type", string(env.Type)))
	}
}

func (s *Shell) seal(env wire.Envelope) ([]byte, error) {
	plain, err := wire.Encode(env)
	if err != nil {
		return nil, err
	}
	return shellcrypto.Seal(s.frameKey, plain)
}

// deliver hands a command to the control loop, giving up if the shell
// closes first.
func (s *Shell) deliver(cmd shellCmd) {
	select {
	case s.cmds <- cmd:
	case <-s.ctx.Done():
		if cmd.reply != nil {
			cmd.reply <- ErrClosed
		}
		if cmd.pub != nil {
			cmd.pub <- publishResult{err: ErrClosed}
		}
	}
}

// close tears the shell down and waits for the control loop to exit.
func (s *Shell) close() {
	s.cancel()
	<-s.done
}

// teardown runs inside the control loop on the way out: channels are
// closed, every content object bound through this shell's cache
// entries is unbound, and the shell's phonebook entries are dropped.
func (s *Shell) teardown() {
	s.mu.Lock()
	peers := make([]*peerConn, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[string]*peerConn)
	s.state = StateClosed
	s.mu.Unlock()

	for _, p := range peers {
		p.cancel()
		p.ch.Close()
		p.state = PeerClosed
	}

	released := s.m.cache.InvalidatePrefix(s.id + "/")
	dropped := s.m.book.DropShell(s.id)
	s.log.Info("shell closed",
		zap.Int("entries_released", released), zap.Int("phonebook_dropped", dropped))
	s.m.emit(Event{ShellID: s.id, Type: EventShellState, State: StateClosed})
}

func isMembershipRejected(err error) bool {
	return errors.Is(err, ErrMembershipRejected) || errors.Is(err, ErrAuthentication)
}
