package phonebook

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBook(t *testing.T) (*Book, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	b, err := Open(filepath.Join(t.TempDir(), "book.db"), Config{
		Staleness: 10 * time.Minute,
		Retention: time.Hour,
		Clock:     clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, clock
}

func entry(shell, peer string, version int64) Entry {
	return Entry{
		PeerID:      peer,
		ShellID:     shell,
		Fingerprint: "fp-" + peer,
		Hints:       []string{peer + ":7450"},
		Version:     version,
	}
}

func TestUpsertBumpsVersion(t *testing.T) {
	b, _ := newTestBook(t)

	first := b.Upsert(entry("s", "p", 0))
	assert.Equal(t, int64(1), first.Version)

	second := b.Upsert(entry("s", "p", 0))
	assert.Equal(t, int64(2), second.Version, "upsert wins over the existing record")
}

func TestMergeLastWriterWins(t *testing.T) {
	b, _ := newTestBook(t)

	added := b.Merge([]Entry{entry("s", "p", 3)})
	require.Len(t, added, 1, "unknown peer is new")

	// Lower and equal versions lose.
	older := entry("s", "p", 2)
	older.Hints = []string{"stale:1"}
	assert.Empty(t, b.Merge([]Entry{older}))
	same := entry("s", "p", 3)
	same.Hints = []string{"stale:2"}
	assert.Empty(t, b.Merge([]Entry{same}))

	all := b.All("s")
	require.Len(t, all, 1)
	assert.Equal(t, int64(3), all[0].Version)
	assert.Equal(t, []string{"p:7450"}, all[0].Hints, "losing merges leave the record intact")

	// Strictly greater version replaces.
	newer := entry("s", "p", 4)
	newer.Hints = []string{"moved:9"}
	assert.Empty(t, b.Merge([]Entry{newer}), "known peer is not reported as added")

	all = b.All("s")
	require.Len(t, all, 1)
	assert.Equal(t, int64(4), all[0].Version)
	assert.Equal(t, []string{"moved:9"}, all[0].Hints)
}

func TestMergeSkipsMalformedEntries(t *testing.T) {
	b, _ := newTestBook(t)

	added := b.Merge([]Entry{
		{PeerID: "p", Version: 1},
		{ShellID: "s", Version: 1},
		entry("s", "ok", 1),
	})
	require.Len(t, added, 1)
	assert.Equal(t, "ok", added[0].PeerID)
}

func TestMarkSeenKeepsVersion(t *testing.T) {
	b, clock := newTestBook(t)

	b.Upsert(entry("s", "p", 0))
	clock.Advance(5 * time.Minute)
	b.MarkSeen("s", "p")

	all := b.All("s")
	require.Len(t, all, 1)
	assert.Equal(t, int64(1), all[0].Version, "liveness refresh never bumps the version")
	assert.Equal(t, clock.Now(), all[0].LastSeen)

	b.MarkSeen("s", "ghost") // unknown peer is a no-op
	assert.Len(t, b.All("s"), 1)
}

func TestSnapshotExcludesStale(t *testing.T) {
	b, clock := newTestBook(t)

	b.Upsert(entry("s", "stale", 0))
	clock.Advance(11 * time.Minute)
	b.Upsert(entry("s", "fresh", 0))

	snap := b.Snapshot("s")
	require.Len(t, snap, 1)
	assert.Equal(t, "fresh", snap[0].PeerID)

	// Stale entries remain discoverable for reconnects.
	assert.Len(t, b.All("s"), 2)
}

func TestPurgeHonorsRetention(t *testing.T) {
	b, clock := newTestBook(t)

	b.Upsert(entry("s", "old", 0))
	clock.Advance(61 * time.Minute)
	b.Upsert(entry("s", "young", 0))

	assert.Equal(t, 1, b.Purge())
	all := b.All("s")
	require.Len(t, all, 1)
	assert.Equal(t, "young", all[0].PeerID)
}

func TestDropShell(t *testing.T) {
	b, _ := newTestBook(t)

	b.Upsert(entry("a", "p1", 0))
	b.Upsert(entry("a", "p2", 0))
	b.Upsert(entry("b", "p1", 0))

	assert.Equal(t, 2, b.DropShell("a"))
	assert.Empty(t, b.All("a"))
	assert.Len(t, b.All("b"), 1)
}

func TestReloadFromDisk(t *testing.T) {
	clock := clockwork.NewFakeClock()
	path := filepath.Join(t.TempDir(), "book.db")

	b, err := Open(path, Config{Clock: clock})
	require.NoError(t, err)
	b.Upsert(entry("s", "p", 0))
	require.NoError(t, b.Close())

	b, err = Open(path, Config{Clock: clock})
	require.NoError(t, err)
	defer b.Close()

	all := b.All("s")
	require.Len(t, all, 1)
	assert.Equal(t, "p", all[0].PeerID)
	assert.Equal(t, int64(1), all[0].Version)
}
