// Package tracker keeps the content-hash ledger behind incremental indexing.
// Each source file the pipeline processed has one row: path, sha256 digest,
// modification time, size and when it was last processed. Change detection
// compares digests; mtime and size are only diagnostics and memo keys.
package tracker

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
)

// chunkSize is the read size used while hashing.
const chunkSize = 64 << 10

// memoSize bounds the digest memo.
const memoSize = 8192

// Entry is one ledger row.
type Entry struct {
	Path          string
	Hash          string
	ModTime       time.Time
	Size          int64
	LastProcessed time.Time
}

// Changes partitions a file list against the ledger. The three sets are
// disjoint and sorted.
type Changes struct {
	New      []string
	Modified []string
	Deleted  []string
}

// Changed reports whether path is new or modified.
func (c *Changes) Changed(path string) bool {
	_, inNew := slices.BinarySearch(c.New, path)
	_, inMod := slices.BinarySearch(c.Modified, path)
	return inNew || inMod
}

// Empty reports whether nothing changed.
func (c *Changes) Empty() bool {
	return len(c.New) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

type memoKey struct {
	path  string
	mtime int64
	size  int64
}

// Ledger is the persistent path -> digest table.
type Ledger struct {
	db   *sql.DB
	memo *lru.Cache[memoKey, string]
	now  func() time.Time
}

// Open opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return newLedger(db)
}

// OpenMemory opens an in-memory ledger (for testing).
func OpenMemory() (*Ledger, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open memory ledger: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return newLedger(db)
}

func newLedger(db *sql.DB) (*Ledger, error) {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS file_ledger (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		mtime INTEGER NOT NULL,
		size INTEGER NOT NULL,
		last_processed INTEGER NOT NULL
	);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	memo, err := lru.New[memoKey, string](memoSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db, memo: memo, now: time.Now}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Get returns the row for path.
func (l *Ledger) Get(path string) (Entry, bool, error) {
	var e Entry
	var mtime, processed int64
	err := l.db.QueryRow(
		"SELECT path, hash, mtime, size, last_processed FROM file_ledger WHERE path=?", path,
	).Scan(&e.Path, &e.Hash, &mtime, &e.Size, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger get: %w", err)
	}
	e.ModTime = time.Unix(0, mtime)
	e.LastProcessed = time.Unix(0, processed)
	return e, true, nil
}

// Upsert stores one row. A zero LastProcessed is set to now.
func (l *Ledger) Upsert(e Entry) error {
	return l.UpsertBatch([]Entry{e})
}

// UpsertBatch stores rows in one transaction.
func (l *Ledger) UpsertBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("ledger begin: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO file_ledger (path, hash, mtime, size, last_processed) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET hash=excluded.hash, mtime=excluded.mtime,
			size=excluded.size, last_processed=excluded.last_processed`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("ledger prepare: %w", err)
	}
	defer stmt.Close()
	now := l.now()
	for _, e := range entries {
		processed := e.LastProcessed
		if processed.IsZero() {
			processed = now
		}
		if _, err := stmt.Exec(e.Path, e.Hash, e.ModTime.UnixNano(), e.Size, processed.UnixNano()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("ledger upsert %s: %w", e.Path, err)
		}
	}
	return tx.Commit()
}

// Delete removes the rows for paths.
func (l *Ledger) Delete(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("ledger begin: %w", err)
	}
	for _, p := range paths {
		if _, err := tx.Exec("DELETE FROM file_ledger WHERE path=?", p); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("ledger delete %s: %w", p, err)
		}
	}
	return tx.Commit()
}

// Clear removes every row.
func (l *Ledger) Clear() error {
	_, err := l.db.Exec("DELETE FROM file_ledger")
	return err
}

// Paths returns every ledger path under one of roots, sorted. No roots
// means every path.
func (l *Ledger) Paths(roots ...string) ([]string, error) {
	rows, err := l.db.Query("SELECT path FROM file_ledger ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("ledger paths: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		if underAny(p, roots) {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

func underAny(path string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	for _, r := range roots {
		r = filepath.Clean(r)
		if path == r || strings.HasPrefix(path, r+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Hash stats and digests path. Digests are memoized by path, mtime and
// size so a file seen twice in one process is read once.
func (l *Ledger) Hash(path string) (Entry, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}
	key := memoKey{path: path, mtime: fi.ModTime().UnixNano(), size: fi.Size()}
	e := Entry{Path: path, ModTime: fi.ModTime(), Size: fi.Size()}
	if h, ok := l.memo.Get(key); ok {
		e.Hash = h
		return e, nil
	}
	h, err := HashFile(path)
	if err != nil {
		return Entry{}, err
	}
	l.memo.Add(key, h)
	e.Hash = h
	return e, nil
}

// DetectChanges hashes every path and compares it with the ledger. Deleted
// paths are ledger rows under roots that are absent from paths. Files that
// cannot be hashed count as modified so they are reprocessed and fail
// visibly there. The returned map holds the fresh entries by path.
func (l *Ledger) DetectChanges(paths []string, roots ...string) (Changes, map[string]Entry, error) {
	var ch Changes
	current := make(map[string]Entry, len(paths))
	for _, p := range paths {
		fresh, hashErr := l.Hash(p)
		old, ok, err := l.Get(p)
		if err != nil {
			return Changes{}, nil, err
		}
		if hashErr == nil {
			current[p] = fresh
		}
		switch {
		case !ok:
			ch.New = append(ch.New, p)
		case hashErr != nil || old.Hash != fresh.Hash:
			ch.Modified = append(ch.Modified, p)
		}
	}
	known, err := l.Paths(roots...)
	if err != nil {
		return Changes{}, nil, err
	}
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		seen[p] = true
	}
	for _, p := range known {
		if !seen[p] {
			ch.Deleted = append(ch.Deleted, p)
		}
	}
	slices.Sort(ch.New)
	ch.New = slices.Compact(ch.New)
	slices.Sort(ch.Modified)
	ch.Modified = slices.Compact(ch.Modified)
	return ch, current, nil
}

// HashFile returns the hex sha256 of a file, read in fixed-size chunks.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, chunkSize)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
