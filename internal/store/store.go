// Package store implements the content-addressed, deduplicated blob
// store with per-hash reference counting.
//
// Blobs live on disk under <dir>/<hh>/<rest-of-hash>, a one-byte
// compressed/raw marker followed by the payload, zstd-compressed when
// that pays off. Reference counts are in-memory, sharded by the first
// byte of the hash so unrelated hashes never contend on one lock.
// Objects whose count has been zero for longer than a grace window are
// removed by Sweep.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/syncshell/syncshell/internal/compression"
)

const (
	shardCount       = 256
	defaultGrace     = 5 * time.Minute
	defaultCacheSize = 256
)

// Blob file markers. The stored form is self-describing so a payload
// that happens to be a zstd frame itself round-trips untouched.
const (
	blobRaw  byte = 0x00
	blobZstd byte = 0x01
)

var (
	// ErrNotFound is returned for hashes the store does not hold.
	ErrNotFound = errors.New("store: not found")

	// ErrContract signals a caller bug: unbinding a hash whose count
	// is already zero. State is left unchanged.
	ErrContract = errors.New("store: refcount underflow")
)

type object struct {
	size      int64
	refs      int
	zeroSince time.Time
}

type shard struct {
	mu      sync.Mutex
	objects map[string]*object
}

// Config tunes a Store. Zero values get defaults.
type Config struct {
	Grace     time.Duration
	CacheSize int
	Clock     clockwork.Clock
	Logger    *zap.Logger
	Comp      *compression.Compressor
}

// Store is the process-wide content-addressed blob store.
type Store struct {
	dir    string
	shards [shardCount]shard
	hot    *lru.Cache[string, []byte]
	comp   *compression.Compressor
	clock  clockwork.Clock
	grace  time.Duration
	log    *zap.Logger
}

// New opens (or creates) a store rooted at dir and rebuilds the object
// table from blobs already on disk. Recovered objects start at
// refcount zero; callers re-bind what they still reference and Sweep
// collects the rest after the grace window.
func New(dir string, cfg Config) (*Store, error) {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Comp == nil {
		var err error
		cfg.Comp, err = compression.New(2, true)
		if err != nil {
			return nil, fmt.Errorf("init compressor: %w", err)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	hot, err := lru.New[string, []byte](cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:   dir,
		hot:   hot,
		comp:  cfg.Comp,
		clock: cfg.Clock,
		grace: cfg.Grace,
		log:   cfg.Logger.Named("store"),
	}
	for i := range s.shards {
		s.shards[i].objects = make(map[string]*object)
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recover() error {
	now := s.clock.Now()
	return filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return nil
		}
		hash := filepath.Dir(rel) + filepath.Base(rel)
		if len(hash) != sha256.Size*2 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		// Age from the file mtime, so a fresh process can collect
		// objects orphaned before the previous one exited.
		zero := info.ModTime()
		if zero.After(now) {
			zero = now
		}
		sh := s.shard(hash)
		sh.mu.Lock()
		sh.objects[hash] = &object{size: info.Size(), zeroSince: zero}
		sh.mu.Unlock()
		return nil
	})
}

func (s *Store) shard(hash string) *shard {
	b, err := hex.DecodeString(hash[:2])
	if err != nil {
		return &s.shards[0]
	}
	return &s.shards[b[0]]
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.dir, hash[:2], hash[2:])
}

// Put stores data under its digest and returns the hash. Idempotent:
// identical bytes never occupy storage twice. The new object starts at
// refcount zero; callers bind explicitly.
func (s *Store) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	sh := s.shard(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.objects[hash]; ok {
		return hash, nil
	}

	payload, compressed := s.comp.Compress(data)
	marker := blobRaw
	if compressed {
		marker = blobZstd
	}
	stored := make([]byte, 0, len(payload)+1)
	stored = append(stored, marker)
	stored = append(stored, payload...)

	path := s.path(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(path, stored, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}

	sh.objects[hash] = &object{size: int64(len(stored)), zeroSince: s.clock.Now()}
	return hash, nil
}

// Bind increments the reference count for hash and returns the new
// count.
func (s *Store) Bind(hash string) (int, error) {
	sh := s.shard(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	obj, ok := sh.objects[hash]
	if !ok {
		return 0, fmt.Errorf("bind %s: %w", short(hash), ErrNotFound)
	}
	obj.refs++
	return obj.refs, nil
}

// Unbind decrements the reference count for hash. Unbinding an unknown
// hash is ErrNotFound; unbinding past zero is ErrContract and leaves
// the count untouched.
func (s *Store) Unbind(hash string) error {
	sh := s.shard(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	obj, ok := sh.objects[hash]
	if !ok {
		return fmt.Errorf("unbind %s: %w", short(hash), ErrNotFound)
	}
	if obj.refs == 0 {
		s.log.Error("unbind below zero", zap.String("hash", short(hash)))
		return fmt.Errorf("unbind %s: %w", short(hash), ErrContract)
	}
	obj.refs--
	if obj.refs == 0 {
		obj.zeroSince = s.clock.Now()
	}
	return nil
}

// Refs reports the current reference count for hash.
func (s *Store) Refs(hash string) (int, error) {
	sh := s.shard(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	obj, ok := sh.objects[hash]
	if !ok {
		return 0, fmt.Errorf("refs %s: %w", short(hash), ErrNotFound)
	}
	return obj.refs, nil
}

// Get returns the payload for hash. Unknown hashes are ErrNotFound; a
// blob that cannot be read or decoded is an I/O error, kept distinct so
// corruption never masquerades as absence.
func (s *Store) Get(hash string) ([]byte, error) {
	if data, ok := s.hot.Get(hash); ok {
		return data, nil
	}

	sh := s.shard(hash)
	sh.mu.Lock()
	_, ok := sh.objects[hash]
	sh.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("get %s: %w", short(hash), ErrNotFound)
	}

	stored, err := os.ReadFile(s.path(hash))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", short(hash), err)
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("blob %s: empty file", short(hash))
	}

	var data []byte
	switch stored[0] {
	case blobRaw:
		data = stored[1:]
	case blobZstd:
		data, err = s.comp.Decompress(stored[1:], true)
		if err != nil {
			return nil, fmt.Errorf("blob %s: %w", short(hash), err)
		}
	default:
		return nil, fmt.Errorf("blob %s: unknown marker 0x%02x", short(hash), stored[0])
	}
	s.hot.Add(hash, data)
	return data, nil
}

// Has reports whether the store holds hash.
func (s *Store) Has(hash string) bool {
	sh := s.shard(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.objects[hash]
	return ok
}

// Sweep removes objects whose refcount has been zero for longer than
// the grace window and returns how many were deleted. Safe to run
// concurrently with Put/Bind/Unbind.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for hash, obj := range sh.objects {
			if obj.refs != 0 || now.Sub(obj.zeroSince) < s.grace {
				continue
			}
			if err := os.Remove(s.path(hash)); err != nil && !os.IsNotExist(err) {
				s.log.Warn("remove blob", zap.String("hash", short(hash)), zap.Error(err))
				continue
			}
			delete(sh.objects, hash)
			s.hot.Remove(hash)
			removed++
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.log.Debug("swept blobs", zap.Int("removed", removed))
	}
	return removed
}

// Stats summarizes the store contents.
type Stats struct {
	Objects  int
	Bound    int
	DiskSize int64
}

func (s *Store) Stats() Stats {
	var st Stats
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, obj := range sh.objects {
			st.Objects++
			if obj.refs > 0 {
				st.Bound++
			}
			st.DiskSize += obj.size
		}
		sh.mu.Unlock()
	}
	return st
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
