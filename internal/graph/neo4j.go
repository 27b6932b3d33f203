package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/DeusData/odoo-graph/internal/cypher"
	"github.com/DeusData/odoo-graph/internal/failure"
)

// Neo4j talks to a Neo4j server over bolt. Writes run in managed write
// transactions, which the driver retries on transient errors.
type Neo4j struct {
	driver   neo4j.DriverWithContext
	database string
}

func openNeo4j(ctx context.Context, opts Options) (Client, error) {
	driver, err := neo4j.NewDriverWithContext(opts.URI, neo4j.BasicAuth(opts.User, opts.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Neo4j{driver: driver, database: opts.Database}, nil
}

func isAuthError(err error) bool {
	var ne *neo4j.Neo4jError
	if errors.As(err, &ne) {
		return strings.HasPrefix(ne.Code, "Neo.ClientError.Security.")
	}
	return false
}

// lostServer turns a connectivity failure that outlived the driver's own
// retries on a read into a fatal error; a vanished server ends the query.
func lostServer(err error) error {
	if neo4j.IsConnectivityError(err) {
		return failure.AsFatal("graph.connectivity", err)
	}
	return err
}

// writeErr keeps write failures recoverable, connectivity included, so the
// loader counts the batch and moves on to the next one.
func writeErr(err error) error {
	if neo4j.IsConnectivityError(err) {
		slog.Warn("graph.write.connectivity", "err", err)
		return fmt.Errorf("graph write: %w", err)
	}
	return err
}

func (n *Neo4j) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: n.database})
}

// Read implements Client.
func (n *Neo4j) Read(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	params, err := cypher.NormalizeParams(params)
	if err != nil {
		return nil, err
	}
	session := n.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Record, len(records))
		for i, rec := range records {
			row := make(Record, len(rec.Keys))
			for j, k := range rec.Keys {
				row[k] = plain(rec.Values[j])
			}
			out[i] = row
		}
		return out, nil
	})
	if err != nil {
		return nil, lostServer(err)
	}
	return result.([]Record), nil
}

// Write implements Client.
func (n *Neo4j) Write(ctx context.Context, query string, params map[string]any) (Counters, error) {
	params, err := cypher.NormalizeParams(params)
	if err != nil {
		return Counters{}, err
	}
	session := n.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return nil, err
		}
		return countersOf(summary.Counters()), nil
	})
	if err != nil {
		return Counters{}, writeErr(err)
	}
	return result.(Counters), nil
}

// WriteBatch implements Client.
func (n *Neo4j) WriteBatch(ctx context.Context, query, variable string, rows []map[string]any) (Counters, error) {
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = r
	}
	return n.Write(ctx, query, map[string]any{variable: list})
}

// Close implements Client.
func (n *Neo4j) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}

func countersOf(c neo4j.Counters) Counters {
	return Counters{
		NodesCreated:         c.NodesCreated(),
		NodesDeleted:         c.NodesDeleted(),
		RelationshipsCreated: c.RelationshipsCreated(),
		RelationshipsDeleted: c.RelationshipsDeleted(),
		PropertiesSet:        c.PropertiesSet(),
		ConstraintsAdded:     c.ConstraintsAdded(),
		IndexesAdded:         c.IndexesAdded(),
	}
}

// plain converts driver values to the shapes the embedded engine returns.
func plain(v any) any {
	switch t := v.(type) {
	case neo4j.Node:
		return plainMap(t.Props)
	case neo4j.Relationship:
		return plainMap(t.Props)
	case neo4j.Path:
		out := make([]any, len(t.Nodes))
		for i, node := range t.Nodes {
			out[i] = plainMap(node.Props)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = plain(it)
		}
		return out
	case map[string]any:
		return plainMap(t)
	case int:
		return int64(t)
	}
	return v
}

func plainMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plain(v)
	}
	return out
}
