// Package cache persists per-file extraction results in BadgerDB so that
// unchanged sources are not parsed again. Keys are xxh3 digests of the file
// path, owning module and content; values are msgpack encoded records.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/xxh3"

	"github.com/DeusData/odoo-graph/internal/records"
)

// formatVersion is mixed into every key; bump it when record layouts change.
const formatVersion = "v1"

const (
	kindModels = 'm'
	kindViews  = 'v'
)

// Cache implements extract.Cache. It is safe for concurrent use.
type Cache struct {
	db     *badger.DB
	hits   atomic.Int64
	misses atomic.Int64
}

// Open opens or creates a cache in dir.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
	}
	return open(badger.DefaultOptions(dir))
}

// OpenMemory opens a cache without disk persistence (for testing).
func OpenMemory() (*Cache, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Cache, error) {
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close runs one value log GC pass and closes the database.
func (c *Cache) Close() error {
	if err := c.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		slog.Debug("cache.gc", "err", err)
	}
	return c.db.Close()
}

// Stats returns the hit and miss counts since Open.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Clear drops every entry.
func (c *Cache) Clear() error {
	return c.db.DropAll()
}

func (c *Cache) GetModels(path, module string, content []byte) ([]records.Model, bool) {
	var out []records.Model
	if !c.get(key(kindModels, path, module, content), &out) {
		return nil, false
	}
	return out, true
}

func (c *Cache) PutModels(path, module string, content []byte, models []records.Model) {
	c.put(key(kindModels, path, module, content), models)
}

func (c *Cache) GetViews(path, module string, content []byte) ([]records.View, bool) {
	var out []records.View
	if !c.get(key(kindViews, path, module, content), &out) {
		return nil, false
	}
	return out, true
}

func (c *Cache) PutViews(path, module string, content []byte, views []records.View) {
	c.put(key(kindViews, path, module, content), views)
}

// get decodes the value under k into dst. Undecodable entries count as
// misses and are left to be overwritten.
func (c *Cache) get(k []byte, dst any) bool {
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, dst)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			slog.Debug("cache.get.err", "err", err)
		}
		c.misses.Add(1)
		return false
	}
	c.hits.Add(1)
	return true
}

func (c *Cache) put(k []byte, v any) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		slog.Warn("cache.encode.err", "err", err)
		return
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, data)
	}); err != nil {
		slog.Warn("cache.put.err", "err", err)
	}
}

func key(kind byte, path, module string, content []byte) []byte {
	h := xxh3.New()
	_, _ = h.WriteString(formatVersion)
	_, _ = h.Write([]byte{0, kind, 0})
	_, _ = h.WriteString(path)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(module)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(content)
	sum := h.Sum128().Bytes()
	return append([]byte{kind, ':'}, sum[:]...)
}

// badgerLogger routes badger's own messages to slog at debug level, except
// errors.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	slog.Error("cache.badger", "msg", fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...any) {
	slog.Warn("cache.badger", "msg", fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(format string, args ...any) {
	slog.Debug("cache.badger", "msg", fmt.Sprintf(format, args...))
}

func (badgerLogger) Debugf(format string, args ...any) {
	slog.Debug("cache.badger", "msg", fmt.Sprintf(format, args...))
}
