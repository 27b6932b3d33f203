// Package graph is the connection layer between the indexer and a property
// graph database. Two backends implement Client: a Neo4j server reached over
// bolt, and an embedded SQLite graph driven by the in-process Cypher engine.
// Callers only ever send Cypher text and parameters.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DeusData/odoo-graph/internal/failure"
)

// Record is one result row keyed by column name. Nodes arrive as their
// property maps, paths as lists of node maps and integers as int64,
// whichever backend produced them.
type Record = map[string]any

// Counters summarize the writes of one statement.
type Counters struct {
	NodesCreated         int `json:"nodes_created"`
	NodesDeleted         int `json:"nodes_deleted"`
	RelationshipsCreated int `json:"relationships_created"`
	RelationshipsDeleted int `json:"relationships_deleted"`
	PropertiesSet        int `json:"properties_set"`
	ConstraintsAdded     int `json:"constraints_added"`
	IndexesAdded         int `json:"indexes_added"`
}

// Add accumulates o into c.
func (c *Counters) Add(o Counters) {
	c.NodesCreated += o.NodesCreated
	c.NodesDeleted += o.NodesDeleted
	c.RelationshipsCreated += o.RelationshipsCreated
	c.RelationshipsDeleted += o.RelationshipsDeleted
	c.PropertiesSet += o.PropertiesSet
	c.ConstraintsAdded += o.ConstraintsAdded
	c.IndexesAdded += o.IndexesAdded
}

// Client executes Cypher against a graph database. Every call is atomic:
// a failed Write or WriteBatch leaves no partial effects.
type Client interface {
	Read(ctx context.Context, query string, params map[string]any) ([]Record, error)
	Write(ctx context.Context, query string, params map[string]any) (Counters, error)
	// WriteBatch binds rows to $variable, for statements that UNWIND it.
	WriteBatch(ctx context.Context, query, variable string, rows []map[string]any) (Counters, error)
	Close(ctx context.Context) error
}

// Options locate and authenticate a graph database.
type Options struct {
	URI        string
	User       string
	Password   string
	Database   string
	Retries    int
	RetryDelay time.Duration
}

// ErrAuth marks credential failures. They are never retried.
var ErrAuth = errors.New("authentication failed")

// Open connects to the backend named by the URI scheme, retrying
// unavailable servers. Exhausted retries and authentication failures come
// back as *failure.Fatal.
func Open(ctx context.Context, opts Options) (Client, error) {
	open, err := opener(opts.URI)
	if err != nil {
		return nil, failure.AsFatal("graph.open", err)
	}
	attempts := max(opts.Retries, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c, err := open(ctx, opts)
		if err == nil {
			slog.Info("graph.connected", "uri", redact(opts.URI), "database", opts.Database, "attempt", attempt)
			return c, nil
		}
		lastErr = err
		if errors.Is(err, ErrAuth) {
			return nil, failure.AsFatal("graph.auth", err)
		}
		slog.Warn("graph.connect.retry", "uri", redact(opts.URI), "attempt", attempt, "of", attempts, "err", err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, failure.AsFatal("graph.connect", ctx.Err())
		case <-time.After(opts.RetryDelay):
		}
	}
	return nil, failure.AsFatal("graph.connect", fmt.Errorf("%d attempts: %w", attempts, lastErr))
}

type openFunc func(ctx context.Context, opts Options) (Client, error)

func opener(uri string) (openFunc, error) {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		if strings.HasPrefix(uri, "file:") {
			return openEmbedded, nil
		}
		return nil, fmt.Errorf("graph uri %q has no scheme", uri)
	}
	switch strings.ToLower(scheme) {
	case "bolt", "bolt+s", "bolt+ssc", "neo4j", "neo4j+s", "neo4j+ssc":
		return openNeo4j, nil
	case "sqlite", "memory", "file":
		return openEmbedded, nil
	}
	return nil, fmt.Errorf("unsupported graph uri scheme %q", scheme)
}

// IsEmbedded reports whether uri selects the in-process backend.
func IsEmbedded(uri string) bool {
	scheme, _, _ := strings.Cut(strings.ToLower(uri), "://")
	return strings.HasPrefix(uri, "file:") || scheme == "sqlite" || scheme == "memory"
}

// redact drops userinfo from a URI before it is logged.
func redact(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return scheme + "://" + rest
}
