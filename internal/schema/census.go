package schema

import (
	"context"
	"log/slog"

	"github.com/DeusData/odoo-graph/internal/graph"
	"github.com/DeusData/odoo-graph/internal/records"
)

// Census counts nodes per label and relationships per type.
type Census struct {
	Nodes         map[string]int64 `json:"nodes"`
	Relationships map[string]int64 `json:"relationships"`
}

// Node returns the count for label.
func (c Census) Node(label string) int64 { return c.Nodes[label] }

// Rel returns the count for a relationship type.
func (c Census) Rel(typ string) int64 { return c.Relationships[typ] }

// Count takes a census with one counting query per label and type. A
// failed count is logged and reported as zero.
func Count(ctx context.Context, c graph.Client) Census {
	out := Census{Nodes: map[string]int64{}, Relationships: map[string]int64{}}
	for _, label := range records.Labels {
		out.Nodes[label] = countOne(ctx, c, "MATCH (n:"+label+") RETURN count(n) AS count", label)
	}
	for _, typ := range records.RelTypes {
		out.Relationships[typ] = countOne(ctx, c, "MATCH ()-[r:"+typ+"]->() RETURN count(r) AS count", typ)
	}
	return out
}

func countOne(ctx context.Context, c graph.Client, query, what string) int64 {
	rows, err := c.Read(ctx, query, nil)
	if err != nil {
		slog.Error("schema.census.err", "of", what, "err", err)
		return 0
	}
	if len(rows) == 0 {
		return 0
	}
	return AsInt(rows[0]["count"])
}

// AsInt reads an integer column whichever numeric type the backend chose.
func AsInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
