package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/DeusData/odoo-graph/internal/cypher"
	"github.com/DeusData/odoo-graph/internal/store"
)

// Embedded runs statements against a SQLite graph through the in-process
// Cypher engine. Statements are serialized; SQLite has a single writer.
type Embedded struct {
	mu     sync.Mutex
	st     *store.Store
	router *store.Router
	exec   *cypher.Executor
}

// NewEmbedded wraps an open store.
func NewEmbedded(st *store.Store) *Embedded {
	return &Embedded{st: st, exec: &cypher.Executor{Store: st}}
}

// OpenMemory returns an embedded client over a fresh in-memory graph.
func OpenMemory() (*Embedded, error) {
	st, err := store.OpenMemory()
	if err != nil {
		return nil, err
	}
	return NewEmbedded(st), nil
}

// openEmbedded resolves memory://, sqlite://<path> and file:<path>. A path
// naming a directory is a data directory holding one file per database.
func openEmbedded(_ context.Context, opts Options) (Client, error) {
	uri := opts.URI
	if strings.HasPrefix(strings.ToLower(uri), "memory://") {
		return OpenMemory()
	}
	path := uri
	if _, rest, ok := strings.Cut(uri, "://"); ok {
		path = rest
	} else {
		path = strings.TrimPrefix(uri, "file:")
	}
	if path == "" {
		return nil, fmt.Errorf("graph uri %q has no path", uri)
	}

	if fi, err := os.Stat(path); (err == nil && fi.IsDir()) || strings.HasSuffix(path, string(filepath.Separator)) {
		r, err := store.NewRouter(path)
		if err != nil {
			return nil, err
		}
		name := opts.Database
		if name == "" {
			name = "neo4j"
		}
		st, err := r.Open(name)
		if err != nil {
			r.CloseAll()
			return nil, err
		}
		e := NewEmbedded(st)
		e.router = r
		return e, nil
	}

	st, err := store.OpenPath(path)
	if err != nil {
		return nil, err
	}
	return NewEmbedded(st), nil
}

func (e *Embedded) execute(ctx context.Context, query string, params map[string]any) (*cypher.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.Execute(query, params)
}

// Read implements Client.
func (e *Embedded) Read(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	res, err := e.execute(ctx, query, params)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(res.Rows))
	for i, row := range res.Rows {
		out[i] = row
	}
	return out, nil
}

// Write implements Client.
func (e *Embedded) Write(ctx context.Context, query string, params map[string]any) (Counters, error) {
	res, err := e.execute(ctx, query, params)
	if err != nil {
		return Counters{}, err
	}
	return Counters(res.Counters), nil
}

// WriteBatch implements Client.
func (e *Embedded) WriteBatch(ctx context.Context, query, variable string, rows []map[string]any) (Counters, error) {
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = r
	}
	return e.Write(ctx, query, map[string]any{variable: list})
}

// Close implements Client.
func (e *Embedded) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.router != nil {
		e.router.CloseAll()
		return nil
	}
	return e.st.Close()
}
