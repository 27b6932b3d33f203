package store

import (
	"database/sql"
	"fmt"
	"strings"
)

const edgeCols = "id, source_id, target_id, type, properties"

// CreateEdge inserts a directed edge. Parallel edges are allowed here;
// find-or-create semantics live in the query engine's MERGE.
func (s *Store) CreateEdge(sourceID, targetID int64, edgeType string, props map[string]any) (*Edge, error) {
	doc, err := marshalProps(props)
	if err != nil {
		return nil, err
	}
	res, err := s.q.Exec(`INSERT INTO edges (source_id, target_id, type, properties) VALUES (?, ?, ?, ?)`,
		sourceID, targetID, edgeType, doc)
	if err != nil {
		return nil, fmt.Errorf("create edge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Edge{ID: id, SourceID: sourceID, TargetID: targetID, Type: edgeType, Properties: UnmarshalProps(doc)}, nil
}

// SetEdgeProperties replaces the property document of an edge.
func (s *Store) SetEdgeProperties(id int64, props map[string]any) error {
	doc, err := marshalProps(props)
	if err != nil {
		return err
	}
	if _, err := s.q.Exec(`UPDATE edges SET properties=? WHERE id=?`, doc, id); err != nil {
		return fmt.Errorf("set edge %d: %w", id, err)
	}
	return nil
}

// DeleteEdge removes one edge.
func (s *Store) DeleteEdge(id int64) error {
	_, err := s.q.Exec(`DELETE FROM edges WHERE id=?`, id)
	return err
}

// EdgeFilter selects edges. Zero fields match anything.
type EdgeFilter struct {
	SourceID int64
	TargetID int64
	Types    []string
	Props    map[string]any
}

// FindEdges returns edges matching f, ordered by id.
func (s *Store) FindEdges(f EdgeFilter) ([]*Edge, error) {
	var where []string
	var args []any
	if f.SourceID != 0 {
		where = append(where, "source_id=?")
		args = append(args, f.SourceID)
	}
	if f.TargetID != 0 {
		where = append(where, "target_id=?")
		args = append(args, f.TargetID)
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, t)
		}
		where = append(where, "type IN ("+strings.Join(ph, ",")+")")
	}
	for _, k := range sortedKeys(f.Props) {
		if f.Props[k] == nil {
			return nil, nil
		}
		if sv, ok := sqlValue(f.Props[k]); ok {
			where = append(where, "json_extract(properties, ?) = ?")
			args = append(args, jsonPath(k), sv)
		}
	}
	query := `SELECT ` + edgeCols + ` FROM edges`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find edges: %w", err)
	}
	defer rows.Close()
	edges, err := scanEdges(rows)
	if err != nil {
		return nil, err
	}
	out := edges[:0]
	for _, e := range edges {
		if PropsMatch(e.Properties, f.Props) {
			out = append(out, e)
		}
	}
	return out, nil
}

func scanEdges(rows *sql.Rows) ([]*Edge, error) {
	var result []*Edge
	for rows.Next() {
		var e Edge
		var props string
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Type, &props); err != nil {
			return nil, err
		}
		e.Properties = UnmarshalProps(props)
		result = append(result, &e)
	}
	return result, rows.Err()
}
