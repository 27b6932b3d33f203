package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Catalog entry kinds.
const (
	KindUniqueness = "UNIQUENESS"
	KindRange      = "RANGE"
)

// CatalogEntry is one declared constraint or index.
type CatalogEntry struct {
	Name       string
	Kind       string
	Label      string
	Properties []string
	CreatedAt  string
}

// ErrAlreadyExists is returned when a schema object name is taken and the
// statement did not say IF NOT EXISTS.
var ErrAlreadyExists = errors.New("already exists")

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CreateConstraint declares a uniqueness constraint over (label, props...).
// It is backed by a partial unique expression index, so existing duplicates
// make the call fail and later duplicate writes are rejected by SQLite.
// created is false when the name already existed and ifNotExists was set.
func (s *Store) CreateConstraint(name, label string, props []string, ifNotExists bool) (created bool, err error) {
	return s.createCatalog(name, KindUniqueness, label, props, ifNotExists)
}

// CreateIndex declares a lookup index over (label, props...).
func (s *Store) CreateIndex(name, label string, props []string, ifNotExists bool) (created bool, err error) {
	return s.createCatalog(name, KindRange, label, props, ifNotExists)
}

func (s *Store) createCatalog(name, kind, label string, props []string, ifNotExists bool) (bool, error) {
	if !identRe.MatchString(name) || !identRe.MatchString(label) || len(props) == 0 {
		return false, fmt.Errorf("schema %s %q: invalid name, label or properties", strings.ToLower(kind), name)
	}
	for _, p := range props {
		if !identRe.MatchString(p) {
			return false, fmt.Errorf("schema %q: invalid property %q", name, p)
		}
	}
	var exists int
	if err := s.q.QueryRow(`SELECT COUNT(*) FROM schema_catalog WHERE name=?`, name).Scan(&exists); err != nil {
		return false, err
	}
	if exists > 0 {
		if ifNotExists {
			return false, nil
		}
		return false, fmt.Errorf("schema %q: %w", name, ErrAlreadyExists)
	}

	exprs := make([]string, len(props))
	for i, p := range props {
		exprs[i] = fmt.Sprintf(`json_extract(properties, '$.%s')`, p)
	}
	unique := ""
	if kind == KindUniqueness {
		unique = "UNIQUE "
	}
	ddl := fmt.Sprintf(`CREATE %sINDEX "gx_%s" ON nodes(%s) WHERE label='%s'`,
		unique, name, strings.Join(exprs, ", "), label)
	if _, err := s.q.Exec(ddl); err != nil {
		return false, fmt.Errorf("schema %q: %w", name, err)
	}
	propDoc, _ := json.Marshal(props)
	if _, err := s.q.Exec(`INSERT INTO schema_catalog (name, kind, label, properties, created_at) VALUES (?, ?, ?, ?, ?)`,
		name, kind, label, string(propDoc), Now()); err != nil {
		return false, fmt.Errorf("schema %q: record: %w", name, err)
	}
	return true, nil
}

// ListCatalog returns declared schema objects of kind, all when empty,
// ordered by name.
func (s *Store) ListCatalog(kind string) ([]CatalogEntry, error) {
	query := `SELECT name, kind, label, properties, created_at FROM schema_catalog`
	var args []any
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY name`
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()
	var out []CatalogEntry
	for rows.Next() {
		var e CatalogEntry
		var props string
		if err := rows.Scan(&e.Name, &e.Kind, &e.Label, &props, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(props), &e.Properties)
		out = append(out, e)
	}
	return out, rows.Err()
}
