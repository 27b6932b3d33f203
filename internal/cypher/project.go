package cypher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DeusData/odoo-graph/internal/store"
)

// projected is one output row before conversion. b is nil for aggregated
// rows.
type projected struct {
	vals []any
	b    binding
}

func (r *run) project(rc *ReturnClause, rows []binding) (*Result, error) {
	cols := make([]string, len(rc.Items))
	colIdx := make(map[string]int, len(rc.Items))
	hasAgg := false
	for i, it := range rc.Items {
		cols[i] = it.Alias
		if cols[i] == "" {
			cols[i] = exprString(it.Expr)
		}
		colIdx[cols[i]] = i
		if aggregate(it.Expr) {
			hasAgg = true
		}
	}

	var out []projected
	var err error
	if hasAgg {
		out, err = r.aggregateRows(rc.Items, rows)
	} else {
		out = make([]projected, 0, len(rows))
		for _, b := range rows {
			vals := make([]any, len(rc.Items))
			for i, it := range rc.Items {
				if vals[i], err = r.eval(it.Expr, b); err != nil {
					return nil, err
				}
			}
			out = append(out, projected{vals: vals, b: b})
		}
	}
	if err != nil {
		return nil, err
	}

	if rc.Distinct {
		seen := make(map[string]bool, len(out))
		uniq := out[:0]
		for _, p := range out {
			k := rowKey(p.vals)
			if !seen[k] {
				seen[k] = true
				uniq = append(uniq, p)
			}
		}
		out = uniq
	}

	if len(rc.OrderBy) > 0 {
		keys := make([][]any, len(out))
		for i, p := range out {
			keys[i] = make([]any, len(rc.OrderBy))
			for j, oi := range rc.OrderBy {
				if keys[i][j], err = r.orderKey(oi.Expr, p, colIdx); err != nil {
					return nil, err
				}
			}
		}
		idx := make([]int, len(out))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			for j, oi := range rc.OrderBy {
				c := store.CompareValues(keys[idx[a]][j], keys[idx[b]][j])
				if c == 0 {
					continue
				}
				if oi.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
		sorted := make([]projected, len(out))
		for i, k := range idx {
			sorted[i] = out[k]
		}
		out = sorted
	}

	skip, err := r.count(rc.Skip, "SKIP")
	if err != nil {
		return nil, err
	}
	limit, err := r.count(rc.Limit, "LIMIT")
	if err != nil {
		return nil, err
	}
	if skip > 0 {
		if skip >= len(out) {
			out = nil
		} else {
			out = out[skip:]
		}
	}
	if rc.Limit != nil && limit < len(out) {
		out = out[:limit]
	}

	res := &Result{Columns: cols, Rows: make([]map[string]any, 0, len(out))}
	for _, p := range out {
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = output(p.vals[i])
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

// orderKey resolves an ORDER BY key: a RETURN alias or column first, then
// the expression over the row's binding.
func (r *run) orderKey(e Expr, p projected, colIdx map[string]int) (any, error) {
	if v, ok := e.(*VarRef); ok {
		if i, ok := colIdx[v.Name]; ok {
			return p.vals[i], nil
		}
	}
	if i, ok := colIdx[exprString(e)]; ok {
		return p.vals[i], nil
	}
	if p.b == nil {
		return nil, fmt.Errorf("ORDER BY %s must name a returned column after aggregation", exprString(e))
	}
	return r.eval(e, p.b)
}

func (r *run) count(e Expr, what string) (int, error) {
	if e == nil {
		return 0, nil
	}
	v, err := r.eval(e, binding{})
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok || n < 0 {
		return 0, fmt.Errorf("%s needs a non-negative integer, got %v", what, v)
	}
	return int(n), nil
}

// aggregateRows groups rows by the non-aggregate items, in order of first
// appearance, and computes the aggregates per group.
func (r *run) aggregateRows(items []ReturnItem, rows []binding) ([]projected, error) {
	type group struct {
		keyVals []any
		members []binding
	}
	var groups []*group
	index := map[string]*group{}
	for _, b := range rows {
		keyVals := make([]any, len(items))
		for i, it := range items {
			if aggregate(it.Expr) {
				continue
			}
			v, err := r.eval(it.Expr, b)
			if err != nil {
				return nil, err
			}
			keyVals[i] = v
		}
		k := rowKey(keyVals)
		g, ok := index[k]
		if !ok {
			g = &group{keyVals: keyVals}
			index[k] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, b)
	}

	grouped := false
	for _, it := range items {
		if !aggregate(it.Expr) {
			grouped = true
		}
	}
	if len(groups) == 0 && !grouped {
		groups = append(groups, &group{keyVals: make([]any, len(items))})
	}

	out := make([]projected, 0, len(groups))
	for _, g := range groups {
		vals := make([]any, len(items))
		copy(vals, g.keyVals)
		for i, it := range items {
			if !aggregate(it.Expr) {
				continue
			}
			v, err := r.fold(it.Expr.(*FuncCall), g.members)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		out = append(out, projected{vals: vals})
	}
	return out, nil
}

func (r *run) fold(f *FuncCall, members []binding) (any, error) {
	if f.Star {
		if f.Name != "count" {
			return nil, fmt.Errorf("%s(*) is not supported", f.Name)
		}
		return int64(len(members)), nil
	}
	if len(f.Args) != 1 {
		return nil, fmt.Errorf("%s() takes one argument", f.Name)
	}
	var vals []any
	seen := map[string]bool{}
	for _, b := range members {
		v, err := r.eval(f.Args[0], b)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		if f.Distinct {
			k := rowKey([]any{v})
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		vals = append(vals, v)
	}

	switch f.Name {
	case "count":
		return int64(len(vals)), nil
	case "collect":
		if vals == nil {
			return []any{}, nil
		}
		return vals, nil
	case "min", "max":
		var best any
		for _, v := range vals {
			if best == nil {
				best = v
				continue
			}
			c := store.CompareValues(v, best)
			if (f.Name == "min" && c < 0) || (f.Name == "max" && c > 0) {
				best = v
			}
		}
		return best, nil
	case "sum", "avg":
		var isum int64
		var fsum float64
		floats := false
		for _, v := range vals {
			switch n := v.(type) {
			case int64:
				isum += n
				fsum += float64(n)
			default:
				fv, ok := store.ToFloat(v)
				if !ok {
					return nil, fmt.Errorf("%s() of non-numeric %T", f.Name, v)
				}
				floats = true
				fsum += fv
			}
		}
		if f.Name == "avg" {
			if len(vals) == 0 {
				return nil, nil
			}
			return fsum / float64(len(vals)), nil
		}
		if floats {
			return fsum, nil
		}
		return isum, nil
	}
	return nil, fmt.Errorf("unknown aggregate %s()", f.Name)
}

// rowKey is an identity key for grouping and DISTINCT. Nodes and
// relationships are keyed by id.
func rowKey(vals []any) string {
	var sb strings.Builder
	for _, v := range vals {
		writeKey(&sb, v)
		sb.WriteByte(0)
	}
	return sb.String()
}

func writeKey(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case *store.Node:
		fmt.Fprintf(sb, "node:%d", t.ID)
	case *store.Edge:
		fmt.Fprintf(sb, "edge:%d", t.ID)
	case *pathValue:
		sb.WriteString("path:")
		for _, n := range t.nodes {
			fmt.Fprintf(sb, "%d,", n.ID)
		}
	case string:
		fmt.Fprintf(sb, "s:%q", t)
	case []any:
		sb.WriteString("[")
		for _, it := range t {
			writeKey(sb, it)
			sb.WriteString(",")
		}
		sb.WriteString("]")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("{")
		for _, k := range keys {
			fmt.Fprintf(sb, "%q:", k)
			writeKey(sb, t[k])
			sb.WriteString(",")
		}
		sb.WriteString("}")
	default:
		if f, ok := store.ToFloat(v); ok {
			fmt.Fprintf(sb, "n:%v", f)
			return
		}
		fmt.Fprintf(sb, "%T:%v", v, v)
	}
}

// --- schema commands ---

func (r *run) schema(c *SchemaCommand) (*Result, error) {
	var created bool
	var err error
	if c.Kind == "CONSTRAINT" {
		created, err = r.st.CreateConstraint(c.Name, c.Label, c.Properties, c.IfNotExists)
		if created {
			r.counters.ConstraintsAdded++
		}
	} else {
		created, err = r.st.CreateIndex(c.Name, c.Label, c.Properties, c.IfNotExists)
		if created {
			r.counters.IndexesAdded++
		}
	}
	if err != nil {
		return nil, err
	}
	return &Result{Columns: []string{}, Rows: []map[string]any{}, Counters: r.counters}, nil
}

var (
	indexColumns      = []string{"id", "name", "state", "type", "entityType", "labelsOrTypes", "properties", "owningConstraint"}
	constraintColumns = []string{"id", "name", "type", "entityType", "labelsOrTypes", "properties", "ownedIndex"}
)

func (r *run) show(c *ShowCommand) (*Result, error) {
	kind := ""
	cols := indexColumns
	if c.What == "CONSTRAINTS" {
		kind = store.KindUniqueness
		cols = constraintColumns
	}
	entries, err := r.st.ListCatalog(kind)
	if err != nil {
		return nil, err
	}
	if len(c.Yield) > 0 {
		known := map[string]bool{}
		for _, col := range cols {
			known[col] = true
		}
		for _, y := range c.Yield {
			if !known[y] {
				return nil, fmt.Errorf("unknown YIELD column %q", y)
			}
		}
		cols = c.Yield
	}

	res := &Result{Columns: cols, Rows: make([]map[string]any, 0, len(entries))}
	for i, en := range entries {
		props := make([]any, len(en.Properties))
		for j, p := range en.Properties {
			props[j] = p
		}
		full := map[string]any{
			"id":            int64(i + 1),
			"name":          en.Name,
			"entityType":    "NODE",
			"labelsOrTypes": []any{en.Label},
			"properties":    props,
		}
		if c.What == "CONSTRAINTS" {
			full["type"] = "UNIQUENESS"
			full["ownedIndex"] = en.Name
		} else {
			full["type"] = "RANGE"
			full["state"] = "ONLINE"
			full["owningConstraint"] = nil
			if en.Kind == store.KindUniqueness {
				full["owningConstraint"] = en.Name
			}
		}
		row := make(map[string]any, len(cols))
		for _, col := range cols {
			row[col] = full[col]
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}
