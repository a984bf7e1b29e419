// Package cache implements the conditional-fetch gateway over the
// content store: one entry per logical resource, answered with
// ETag / Last-Modified semantics so unchanged content is never
// re-transferred.
package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/syncshell/syncshell/internal/store"
)

var bucketEntries = []byte("entries")

// Entry describes the current binding of a resource key to content.
type Entry struct {
	Key          string    `json:"key"`
	Hash         string    `json:"hash"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// Status of a conditional fetch.
type Status int

const (
	StatusNotFound Status = iota
	StatusNotModified
	StatusFresh
)

// Result of a conditional fetch. Body is set only for StatusFresh.
type Result struct {
	Status Status
	Body   []byte
	Entry  Entry
}

// Gateway answers conditional fetches and keeps the store's refcounts
// in step with entry lifecycle: every bind has a matching unbind, on
// overwrite and on invalidation.
type Gateway struct {
	store *store.Store
	db    *bolt.DB
	clock clockwork.Clock
	log   *zap.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

// Open loads the gateway from path (a bbolt file) and re-binds the
// hash of every persisted entry so refcounts survive restarts. Entries
// whose content is gone are dropped.
func Open(path string, st *store.Store, clock clockwork.Clock, log *zap.Logger) (*Gateway, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	g := &Gateway{
		store:   st,
		db:      db,
		clock:   clock,
		log:     log.Named("cache"),
		entries: make(map[string]Entry),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketEntries)
		if err != nil {
			return err
		}
		var dangling [][]byte
		err = b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				dangling = append(dangling, append([]byte(nil), k...))
				return nil
			}
			if _, err := st.Bind(e.Hash); err != nil {
				g.log.Warn("dropping entry with missing content", zap.String("key", e.Key))
				dangling = append(dangling, append([]byte(nil), k...))
				return nil
			}
			g.entries[e.Key] = e
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range dangling {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load cache entries: %w", err)
	}
	return g, nil
}

// etagFor derives the entry etag from the content hash, so identical
// content yields the identical etag on every peer.
func etagFor(hash string) string {
	return `"` + hash[:16] + `"`
}

// Publish stores data, binds its hash and replaces any prior entry for
// key (unbinding its old hash). Returns the new entry.
func (g *Gateway) Publish(key string, data []byte) (Entry, error) {
	hash, err := g.store.Put(data)
	if err != nil {
		return Entry{}, fmt.Errorf("publish %q: %w", key, err)
	}
	if _, err := g.store.Bind(hash); err != nil {
		return Entry{}, fmt.Errorf("publish %q: %w", key, err)
	}

	entry := Entry{
		Key:          key,
		Hash:         hash,
		Size:         int64(len(data)),
		ETag:         etagFor(hash),
		LastModified: g.clock.Now().UTC(),
	}

	g.mu.Lock()
	old, hadOld := g.entries[key]
	g.entries[key] = entry
	g.mu.Unlock()

	if err := g.persist(entry); err != nil {
		g.log.Warn("persist entry", zap.String("key", key), zap.Error(err))
	}

	if hadOld {
		if err := g.store.Unbind(old.Hash); err != nil {
			g.log.Error("unbind replaced hash", zap.String("key", key), zap.Error(err))
		}
	}
	return entry, nil
}

// Fetch answers a conditional request. An etag match wins over the
// timestamp comparison: etags are exact, timestamps are coarse and may
// skew across peer clocks.
func (g *Gateway) Fetch(key, ifNoneMatch string, ifModifiedSince time.Time) (Result, error) {
	g.mu.RLock()
	entry, ok := g.entries[key]
	g.mu.RUnlock()
	if !ok {
		return Result{Status: StatusNotFound}, nil
	}

	if ifNoneMatch != "" {
		if ifNoneMatch == entry.ETag {
			return Result{Status: StatusNotModified, Entry: entry}, nil
		}
	} else if !ifModifiedSince.IsZero() && !entry.LastModified.After(ifModifiedSince) {
		return Result{Status: StatusNotModified, Entry: entry}, nil
	}

	body, err := g.store.Get(entry.Hash)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %q: %w", key, err)
	}
	return Result{Status: StatusFresh, Body: body, Entry: entry}, nil
}

// Stat returns the current entry for key without touching the body.
func (g *Gateway) Stat(key string) (Entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.entries[key]
	return entry, ok
}

// Invalidate unbinds and removes the entry for key.
func (g *Gateway) Invalidate(key string) error {
	g.mu.Lock()
	entry, ok := g.entries[key]
	if ok {
		delete(g.entries, key)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("invalidate %q: %w", key, store.ErrNotFound)
	}

	if err := g.forget(key); err != nil {
		g.log.Warn("forget entry", zap.String("key", key), zap.Error(err))
	}
	if err := g.store.Unbind(entry.Hash); err != nil {
		return fmt.Errorf("invalidate %q: %w", key, err)
	}
	return nil
}

// InvalidatePrefix removes every entry under prefix, unbinding each
// hash. Used when a shell closes to release all content bound through
// its entries. Returns how many entries were removed.
func (g *Gateway) InvalidatePrefix(prefix string) int {
	g.mu.Lock()
	var victims []Entry
	for key, entry := range g.entries {
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, entry)
			delete(g.entries, key)
		}
	}
	g.mu.Unlock()

	for _, entry := range victims {
		if err := g.forget(entry.Key); err != nil {
			g.log.Warn("forget entry", zap.String("key", entry.Key), zap.Error(err))
		}
		if err := g.store.Unbind(entry.Hash); err != nil {
			g.log.Error("unbind on invalidate", zap.String("key", entry.Key), zap.Error(err))
		}
	}
	return len(victims)
}

// Entries returns a snapshot of all entries under prefix.
func (g *Gateway) Entries(prefix string) []Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Entry
	for key, entry := range g.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, entry)
		}
	}
	return out
}

func (g *Gateway) persist(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(entry.Key), data)
	})
}

func (g *Gateway) forget(key string) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

func (g *Gateway) Close() error {
	return g.db.Close()
}
