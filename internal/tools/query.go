package tools

import (
	"context"
	"fmt"
	"slices"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/odoo-graph/internal/cypher"
	"github.com/DeusData/odoo-graph/internal/graph"
)

// maxQueryRows caps query_graph output.
const maxQueryRows = 500

func (s *Server) handleQueryGraph(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	q, bad := required(args, "query")
	if bad != nil {
		return bad, nil
	}

	stmt, err := cypher.Parse(q)
	if err != nil {
		return errResult(fmt.Sprintf("query error: %v", err)), nil
	}
	if !cypher.ReadOnly(stmt) {
		return errResult("query_graph is read-only: MERGE, CREATE, SET and DELETE are not allowed"), nil
	}

	rows, err := s.client.Read(ctx, q, nil)
	if err != nil {
		return errResult(fmt.Sprintf("query error: %v", err)), nil
	}
	total := len(rows)
	if total > maxQueryRows {
		rows = rows[:maxQueryRows]
	}

	return jsonResult(map[string]any{
		"columns":   columns(rows),
		"rows":      rows,
		"total":     total,
		"truncated": total > maxQueryRows,
	}), nil
}

// columns lists the keys of the first row in a stable order.
func columns(rows []graph.Record) []string {
	if len(rows) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
