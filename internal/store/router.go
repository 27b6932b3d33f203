package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Router manages named graph databases, one SQLite file per name inside a
// data directory. It is the embedded counterpart of a Neo4j server hosting
// several databases.
type Router struct {
	dir    string
	stores map[string]*Store // name -> open Store (lazy)
	mu     sync.Mutex
}

var dbNameRe = identRe

// NewRouter creates a Router, ensuring the data directory exists.
func NewRouter(dir string) (*Router, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &Router{
		dir:    dir,
		stores: make(map[string]*Store),
	}, nil
}

func (r *Router) pathFor(name string) string {
	return filepath.Join(r.dir, name+".db")
}

// Open returns the Store for the named database, opening it lazily.
func (r *Router) Open(name string) (*Store, error) {
	if !dbNameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid database name: %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[name]; ok {
		return s, nil
	}
	s, err := OpenPath(r.pathFor(name))
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", name, err)
	}
	r.stores[name] = s
	return s, nil
}

// CloseAll closes all open Store connections.
func (r *Router) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, s := range r.stores {
		if err := s.Close(); err != nil {
			slog.Warn("router.close", "database", name, "err", err)
		}
	}
	r.stores = make(map[string]*Store)
}
