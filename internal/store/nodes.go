package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

const nodeCols = "id, label, properties"

// CreateNode inserts a node and returns its id.
func (s *Store) CreateNode(label string, props map[string]any) (*Node, error) {
	doc, err := marshalProps(props)
	if err != nil {
		return nil, err
	}
	res, err := s.q.Exec(`INSERT INTO nodes (label, properties) VALUES (?, ?)`, label, doc)
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Node{ID: id, Label: label, Properties: UnmarshalProps(doc)}, nil
}

// SetNodeProperties replaces the whole property document of a node.
func (s *Store) SetNodeProperties(id int64, props map[string]any) error {
	doc, err := marshalProps(props)
	if err != nil {
		return err
	}
	if _, err := s.q.Exec(`UPDATE nodes SET properties=? WHERE id=?`, doc, id); err != nil {
		return fmt.Errorf("set node %d: %w", id, err)
	}
	return nil
}

// FindNodeByID finds a node by its primary key ID.
func (s *Store) FindNodeByID(id int64) (*Node, error) {
	row := s.q.QueryRow(`SELECT `+nodeCols+` FROM nodes WHERE id=?`, id)
	return scanNode(row)
}

// FindNodes returns nodes carrying label (any label when empty) whose
// properties equal every entry of props. Scalar comparisons are pushed into
// SQL through json_extract; list and map values are compared afterwards.
// Results are ordered by id.
func (s *Store) FindNodes(label string, props map[string]any) ([]*Node, error) {
	var where []string
	var args []any
	if label != "" {
		where = append(where, "label=?")
		args = append(args, label)
	}
	for _, k := range sortedKeys(props) {
		v := props[k]
		if v == nil {
			// null never equals anything, including null.
			return nil, nil
		}
		sv, ok := sqlValue(v)
		if !ok {
			continue
		}
		where = append(where, "json_extract(properties, ?) = ?")
		args = append(args, jsonPath(k), sv)
	}
	query := `SELECT ` + nodeCols + ` FROM nodes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find nodes: %w", err)
	}
	defer rows.Close()
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	// json_extract folds booleans into integers, so every hit is re-checked.
	out := nodes[:0]
	for _, n := range nodes {
		if PropsMatch(n.Properties, props) {
			out = append(out, n)
		}
	}
	return out, nil
}

// FindNodesByIDs returns a map of nodeID to *Node for the given IDs.
func (s *Store) FindNodesByIDs(ids []int64) (map[int64]*Node, error) {
	result := make(map[int64]*Node, len(ids))
	const batchSize = 998 // leave room under 999 limit

	for i := 0; i < len(ids); i += batchSize {
		chunk := ids[i:min(i+batchSize, len(ids))]
		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for j, id := range chunk {
			placeholders[j] = "?"
			args[j] = id
		}
		query := fmt.Sprintf("SELECT %s FROM nodes WHERE id IN (%s)", nodeCols, strings.Join(placeholders, ","))
		if err := func() error {
			rows, err := s.q.Query(query, args...)
			if err != nil {
				return fmt.Errorf("find nodes by ids: %w", err)
			}
			defer rows.Close()
			nodes, err := scanNodes(rows)
			if err != nil {
				return err
			}
			for _, n := range nodes {
				result[n.ID] = n
			}
			return nil
		}(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// DeleteNode removes a node. With detach set its edges go first; without it
// a node that still has edges is an error.
func (s *Store) DeleteNode(id int64, detach bool) (edgesDeleted int64, err error) {
	if detach {
		res, err := s.q.Exec(`DELETE FROM edges WHERE source_id=? OR target_id=?`, id, id)
		if err != nil {
			return 0, fmt.Errorf("detach node %d: %w", id, err)
		}
		edgesDeleted, _ = res.RowsAffected()
	} else {
		var n int
		if err := s.q.QueryRow(`SELECT COUNT(*) FROM edges WHERE source_id=? OR target_id=?`, id, id).Scan(&n); err != nil {
			return 0, err
		}
		if n > 0 {
			return 0, fmt.Errorf("delete node %d: still has %d relationships", id, n)
		}
	}
	if _, err := s.q.Exec(`DELETE FROM nodes WHERE id=?`, id); err != nil {
		return edgesDeleted, fmt.Errorf("delete node %d: %w", id, err)
	}
	return edgesDeleted, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*Node, error) {
	var n Node
	var props string
	err := row.Scan(&n.ID, &n.Label, &props)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	n.Properties = UnmarshalProps(props)
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*Node, error) {
	var result []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// jsonPath quotes a property key for json_extract.
func jsonPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
