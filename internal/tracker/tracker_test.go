package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.py")
	content := strings.Repeat("x = 1\n", 50_000) // spans several chunks
	write(t, path, content)

	sum := sha256.Sum256([]byte(content))
	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), got)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestGetUpsertDelete(t *testing.T) {
	l := newLedger(t)
	fixed := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return fixed }

	_, ok, err := l.Get("/a.py")
	require.NoError(t, err)
	assert.False(t, ok)

	mtime := time.Unix(1_600_000_000, 5)
	require.NoError(t, l.Upsert(Entry{Path: "/a.py", Hash: "h1", ModTime: mtime, Size: 10}))
	e, ok, err := l.Get("/a.py")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h1", e.Hash)
	assert.Equal(t, int64(10), e.Size)
	assert.True(t, e.ModTime.Equal(mtime))
	assert.True(t, e.LastProcessed.Equal(fixed))

	require.NoError(t, l.Upsert(Entry{Path: "/a.py", Hash: "h2", ModTime: mtime, Size: 11}))
	e, _, err = l.Get("/a.py")
	require.NoError(t, err)
	assert.Equal(t, "h2", e.Hash)

	require.NoError(t, l.Delete("/a.py", "/never-stored.py"))
	_, ok, err = l.Get("/a.py")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPathsScopedToRoots(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.UpsertBatch([]Entry{
		{Path: "/addons/a/x.py", Hash: "1"},
		{Path: "/addons-extra/b/y.py", Hash: "2"},
		{Path: "/other/c.py", Hash: "3"},
	}))

	all, err := l.Paths()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := l.Paths("/addons/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/addons/a/x.py"}, scoped)
}

func TestDetectChanges(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.py")
	b := filepath.Join(dir, "b.py")
	c := filepath.Join(dir, "c.py")
	write(t, a, "a = 1\n")
	write(t, b, "b = 1\n")
	write(t, c, "c = 1\n")

	l := newLedger(t)
	ch, current, err := l.DetectChanges([]string{a, b, c}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b, c}, ch.New)
	assert.Empty(t, ch.Modified)
	assert.Empty(t, ch.Deleted)
	require.Len(t, current, 3)

	entries := []Entry{current[a], current[b], current[c]}
	require.NoError(t, l.UpsertBatch(entries))

	// Same content and mtime: nothing changed.
	ch, _, err = l.DetectChanges([]string{a, b, c}, dir)
	require.NoError(t, err)
	assert.True(t, ch.Empty())

	// Modify b with a new size so the memo is bypassed, delete c, add d.
	write(t, b, "b = 22\n")
	require.NoError(t, os.Remove(c))
	d := filepath.Join(dir, "d.py")
	write(t, d, "d = 1\n")

	ch, _, err = l.DetectChanges([]string{a, b, d}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{d}, ch.New)
	assert.Equal(t, []string{b}, ch.Modified)
	assert.Equal(t, []string{c}, ch.Deleted)
	assert.True(t, ch.Changed(b))
	assert.True(t, ch.Changed(d))
	assert.False(t, ch.Changed(a))
}

func TestDetectChangesTouchedButIdentical(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.py")
	write(t, a, "same\n")

	l := newLedger(t)
	_, current, err := l.DetectChanges([]string{a})
	require.NoError(t, err)
	require.NoError(t, l.Upsert(current[a]))

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(a, later, later))

	ch, fresh, err := l.DetectChanges([]string{a})
	require.NoError(t, err)
	assert.True(t, ch.Empty(), "digest decides, not mtime")
	assert.Equal(t, current[a].Hash, fresh[a].Hash)
}

func TestDetectChangesUnreadable(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.py")
	l := newLedger(t)
	require.NoError(t, l.Upsert(Entry{Path: a, Hash: "x"}))
	ch, current, err := l.DetectChanges([]string{a})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, ch.Modified, "a missing file that is still listed is reprocessed")
	assert.NotContains(t, current, a)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Upsert(Entry{Path: "/x", Hash: "h"}))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	e, ok, err := l.Get("/x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h", e.Hash)
}
