// Package phonebook keeps the eventually-consistent directory of known
// peers per shell. Entries merge last-writer-wins on version; versions
// never go backwards. Peers unseen within the staleness window drop
// out of gossip snapshots but are retained until the retention window
// expires, so a flapping peer is not re-announced as new.
package phonebook

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	shardCount       = 32
	defaultStaleness = 10 * time.Minute
	defaultRetention = 24 * time.Hour
)

var bucketPeers = []byte("peers")

// Entry is one peer's directory record within a shell.
type Entry struct {
	PeerID      string    `json:"peer_id"`
	ShellID     string    `json:"shell_id"`
	Fingerprint string    `json:"fingerprint"`
	Hints       []string  `json:"hints,omitempty"`
	Version     int64     `json:"version"`
	LastSeen    time.Time `json:"last_seen,omitzero"`
}

func (e Entry) key() string { return e.ShellID + "/" + e.PeerID }

type bshard struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// Config tunes a Book. Zero values get defaults.
type Config struct {
	Staleness time.Duration
	Retention time.Duration
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// Book is the process-wide phonebook, shared by all shells.
type Book struct {
	shards    [shardCount]bshard
	db        *bolt.DB
	clock     clockwork.Clock
	log       *zap.Logger
	staleness time.Duration
	retention time.Duration
}

// Open loads the phonebook from path (a bbolt file).
func Open(path string, cfg Config) (*Book, error) {
	if cfg.Staleness <= 0 {
		cfg.Staleness = defaultStaleness
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open phonebook db: %w", err)
	}

	b := &Book{
		db:        db,
		clock:     cfg.Clock,
		log:       cfg.Logger.Named("phonebook"),
		staleness: cfg.Staleness,
		retention: cfg.Retention,
	}
	for i := range b.shards {
		b.shards[i].entries = make(map[string]Entry)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(bucketPeers)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			sh := b.shard(e.key())
			sh.mu.Lock()
			sh.entries[e.key()] = e
			sh.mu.Unlock()
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load phonebook: %w", err)
	}
	return b, nil
}

func (b *Book) shard(key string) *bshard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &b.shards[h.Sum32()%shardCount]
}

// Upsert records a locally observed entry, bumping the version so it
// wins over whatever the rest of the shell currently carries.
func (b *Book) Upsert(e Entry) Entry {
	sh := b.shard(e.key())
	sh.mu.Lock()
	if existing, ok := sh.entries[e.key()]; ok && existing.Version >= e.Version {
		e.Version = existing.Version + 1
	}
	if e.Version == 0 {
		e.Version = 1
	}
	e.LastSeen = b.clock.Now()
	sh.entries[e.key()] = e
	sh.mu.Unlock()

	b.persist(e)
	return e
}

// Merge folds remote entries in, last-writer-wins per peer: an
// incoming entry replaces the local copy iff its version is strictly
// greater, or the peer is unknown. Local versions never decrease.
// Returns the entries that were new to this book, so the caller can
// dial freshly discovered peers.
func (b *Book) Merge(remote []Entry) []Entry {
	var added []Entry
	now := b.clock.Now()
	for _, e := range remote {
		if e.PeerID == "" || e.ShellID == "" {
			continue
		}
		sh := b.shard(e.key())
		sh.mu.Lock()
		existing, ok := sh.entries[e.key()]
		switch {
		case !ok:
			e.LastSeen = now
			sh.entries[e.key()] = e
			added = append(added, e)
		case e.Version > existing.Version:
			e.LastSeen = now
			sh.entries[e.key()] = e
		default:
			sh.mu.Unlock()
			continue
		}
		sh.mu.Unlock()
		b.persist(e)
	}
	return added
}

// MarkSeen refreshes a peer's liveness without bumping its version.
func (b *Book) MarkSeen(shellID, peerID string) {
	key := shellID + "/" + peerID
	sh := b.shard(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if ok {
		e.LastSeen = b.clock.Now()
		sh.entries[key] = e
	}
	sh.mu.Unlock()
	if ok {
		b.persist(e)
	}
}

// Snapshot returns the gossip view of a shell: every entry seen within
// the staleness window.
func (b *Book) Snapshot(shellID string) []Entry {
	cutoff := b.clock.Now().Add(-b.staleness)
	var out []Entry
	b.each(shellID, func(e Entry) {
		if e.LastSeen.After(cutoff) {
			out = append(out, e)
		}
	})
	return out
}

// All returns every retained entry for a shell, stale ones included.
// Used for reconnect discovery while a shell is degraded.
func (b *Book) All(shellID string) []Entry {
	var out []Entry
	b.each(shellID, func(e Entry) { out = append(out, e) })
	return out
}

func (b *Book) each(shellID string, fn func(Entry)) {
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.ShellID == shellID {
				fn(e)
			}
		}
		sh.mu.Unlock()
	}
}

// Purge hard-deletes entries unseen for longer than the retention
// window. Returns how many were removed.
func (b *Book) Purge() int {
	cutoff := b.clock.Now().Add(-b.retention)
	removed := 0
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.LastSeen.Before(cutoff) {
				delete(sh.entries, key)
				b.forget(key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// DropShell removes every entry belonging to a shell. Called when the
// shell is closed.
func (b *Book) DropShell(shellID string) int {
	removed := 0
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.ShellID == shellID {
				delete(sh.entries, key)
				b.forget(key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (b *Book) persist(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Put([]byte(e.key()), data)
	})
	if err != nil {
		b.log.Warn("persist entry", zap.String("peer", e.PeerID), zap.Error(err))
	}
}

func (b *Book) forget(key string) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete([]byte(key))
	})
	if err != nil {
		b.log.Warn("forget entry", zap.String("key", key), zap.Error(err))
	}
}

func (b *Book) Close() error {
	return b.db.Close()
}
