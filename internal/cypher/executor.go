package cypher

import (
	"fmt"
	"regexp"

	"github.com/DeusData/odoo-graph/internal/store"
)

const (
	defaultMaxHops  = 15
	defaultMaxPaths = 10000
)

// Executor runs Cypher statements against a store. Every statement runs in
// its own transaction, so a failed write leaves the graph untouched.
type Executor struct {
	Store *store.Store

	// MaxRows truncates RETURN output when > 0.
	MaxRows int
	// MaxPaths bounds the walks a single variable-length expansion yields.
	MaxPaths int
	// MaxHops is the depth used for unbounded '*' relationships.
	MaxHops int
}

// Counters summarize the writes a statement performed.
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

// Result holds the tabular output of a statement. Nodes and relationships
// come back as their property maps, paths as lists of node maps.
type Result struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	Counters Counters         `json:"counters"`
}

// pathValue is a bound path variable.
type pathValue struct {
	nodes []*store.Node
	edges []*store.Edge
}

func (p *pathValue) extend(nodes []*store.Node, edges []*store.Edge) *pathValue {
	out := &pathValue{
		nodes: make([]*store.Node, 0, len(p.nodes)+len(nodes)),
		edges: make([]*store.Edge, 0, len(p.edges)+len(edges)),
	}
	out.nodes = append(append(out.nodes, p.nodes...), nodes...)
	out.edges = append(append(out.edges, p.edges...), edges...)
	return out
}

// binding maps variable names to nodes, edges, paths or plain values.
type binding map[string]any

func (b binding) clone() binding {
	out := make(binding, len(b)+1)
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (b binding) with(k string, v any) binding {
	out := b.clone()
	out[k] = v
	return out
}

// run is the state of one statement execution.
type run struct {
	st       *store.Store
	params   map[string]any
	nodes    map[int64]*store.Node
	regex    map[string]*regexp.Regexp
	counters Counters
	maxPaths int
	maxHops  int
	deleted  map[int64]bool
}

// Execute parses and runs one statement.
func (e *Executor) Execute(query string, params map[string]any) (*Result, error) {
	stmt, err := Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	norm, err := NormalizeParams(params)
	if err != nil {
		return nil, err
	}
	var res *Result
	err = e.Store.WithTransaction(func(tx *store.Store) error {
		r := &run{
			st:       tx,
			params:   norm,
			nodes:    make(map[int64]*store.Node),
			regex:    make(map[string]*regexp.Regexp),
			maxPaths: e.MaxPaths,
			maxHops:  e.MaxHops,
			deleted:  make(map[int64]bool),
		}
		if r.maxPaths <= 0 {
			r.maxPaths = defaultMaxPaths
		}
		if r.maxHops <= 0 {
			r.maxHops = defaultMaxHops
		}
		var err error
		res, err = r.exec(stmt)
		return err
	})
	if err != nil {
		return nil, err
	}
	if e.MaxRows > 0 && len(res.Rows) > e.MaxRows {
		res.Rows = res.Rows[:e.MaxRows]
	}
	return res, nil
}

func (r *run) exec(stmt Statement) (*Result, error) {
	switch s := stmt.(type) {
	case *SchemaCommand:
		return r.schema(s)
	case *ShowCommand:
		return r.show(s)
	case *Query:
		return r.query(s)
	}
	return nil, fmt.Errorf("unsupported statement %T", stmt)
}

func (r *run) query(q *Query) (*Result, error) {
	rows := []binding{{}}
	bound := map[string]bool{}
	markBound := func(pats ...*Pattern) {
		for _, p := range pats {
			for _, v := range patternVars(p) {
				bound[v] = true
			}
		}
	}
	for _, c := range q.Clauses {
		var err error
		switch c := c.(type) {
		case *UnwindClause:
			rows, err = r.unwind(c, rows)
			bound[c.Variable] = true
		case *MatchClause:
			var plan *Plan
			plan, err = BuildPlan(c.Patterns, c.Where, bound)
			if err != nil {
				return nil, fmt.Errorf("plan: %w", err)
			}
			rows, err = r.runPlan(plan, rows)
			markBound(c.Patterns...)
		case *MergeClause:
			rows, err = r.merge(c.Pattern, rows)
			markBound(c.Pattern)
		case *CreateClause:
			rows, err = r.create(c.Patterns, rows)
			markBound(c.Patterns...)
		case *SetClause:
			err = r.set(c, rows)
		case *DeleteClause:
			err = r.delete(c, rows)
		default:
			err = fmt.Errorf("unsupported clause %T", c)
		}
		if err != nil {
			return nil, err
		}
	}
	if q.Return == nil {
		return &Result{Columns: []string{}, Rows: []map[string]any{}, Counters: r.counters}, nil
	}
	res, err := r.project(q.Return, rows)
	if err != nil {
		return nil, err
	}
	res.Counters = r.counters
	return res, nil
}

func (r *run) unwind(c *UnwindClause, rows []binding) ([]binding, error) {
	var out []binding
	for _, b := range rows {
		v, err := r.eval(c.Expr, b)
		if err != nil {
			return nil, err
		}
		switch list := v.(type) {
		case nil:
		case []any:
			for _, item := range list {
				out = append(out, b.with(c.Variable, item))
			}
		default:
			out = append(out, b.with(c.Variable, v))
		}
	}
	return out, nil
}

// --- matching ---

func (r *run) runPlan(plan *Plan, rows []binding) ([]binding, error) {
	var err error
	for _, step := range plan.Steps {
		switch s := step.(type) {
		case *ScanNodes:
			rows, err = r.scanNodes(s, rows)
		case *ExpandRelationship:
			rows, err = r.expand(s, rows)
		case *ScanEdges:
			rows, err = r.scanEdges(s, rows)
		case *ShortestPath:
			rows, err = r.shortest(s, rows)
		case *FilterWhere:
			rows, err = r.filter(s, rows)
		default:
			err = fmt.Errorf("unknown plan step %s", step.stepType())
		}
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
	}
	return rows, nil
}

// canon returns the one shared *Node for an id, so SET through one binding
// is seen by every other binding of the same node.
func (r *run) canon(n *store.Node) *store.Node {
	if c, ok := r.nodes[n.ID]; ok {
		return c
	}
	r.nodes[n.ID] = n
	return n
}

func (r *run) node(id int64) (*store.Node, error) {
	if n, ok := r.nodes[id]; ok {
		return n, nil
	}
	n, err := r.st.FindNodeByID(id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("node %d vanished", id)
	}
	return r.canon(n), nil
}

func (r *run) prefetch(ids []int64) error {
	var missing []int64
	for _, id := range ids {
		if _, ok := r.nodes[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	found, err := r.st.FindNodesByIDs(missing)
	if err != nil {
		return err
	}
	for _, n := range found {
		r.canon(n)
	}
	return nil
}

func (r *run) evalProps(entries []PropEntry, b binding) (map[string]any, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(entries))
	for _, en := range entries {
		v, err := r.eval(en.Value, b)
		if err != nil {
			return nil, err
		}
		out[en.Key] = v
	}
	return out, nil
}

func nodeMatches(n *store.Node, label string, props map[string]any) bool {
	if label != "" && n.Label != label {
		return false
	}
	return store.PropsMatch(n.Properties, props)
}

func (r *run) scanNodes(s *ScanNodes, rows []binding) ([]binding, error) {
	var out []binding
	for _, b := range rows {
		props, err := r.evalProps(s.Props, b)
		if err != nil {
			return nil, err
		}
		if cur, ok := b[s.Variable]; ok {
			n, isNode := cur.(*store.Node)
			if !isNode || !nodeMatches(n, s.Label, props) {
				continue
			}
			nb := b
			if s.PathVar != "" {
				nb = b.with(s.PathVar, &pathValue{nodes: []*store.Node{n}})
			}
			out = append(out, nb)
			continue
		}
		found, err := r.st.FindNodes(s.Label, props)
		if err != nil {
			return nil, err
		}
		for _, n := range found {
			if r.deleted[n.ID] {
				continue
			}
			n = r.canon(n)
			nb := b.with(s.Variable, n)
			if s.PathVar != "" {
				nb[s.PathVar] = &pathValue{nodes: []*store.Node{n}}
			}
			out = append(out, nb)
		}
	}
	return out, nil
}

func (r *run) expand(s *ExpandRelationship, rows []binding) ([]binding, error) {
	var out []binding
	for _, b := range rows {
		from, ok := b[s.FromVar].(*store.Node)
		if !ok {
			continue
		}
		relProps, err := r.evalProps(s.Rel.Props, b)
		if err != nil {
			return nil, err
		}
		toProps, err := r.evalProps(s.To.Props, b)
		if err != nil {
			return nil, err
		}
		boundTo, toBound := b[s.ToVar].(*store.Node)
		if _, clash := b[s.ToVar]; clash && !toBound {
			continue
		}
		accept := func(to *store.Node) bool {
			if toBound {
				return to.ID == boundTo.ID
			}
			return nodeMatches(to, s.To.Label, toProps)
		}

		if !s.Rel.VarLength {
			steps, err := r.st.Neighbors(from.ID, s.Rel.Direction, s.Rel.Types)
			if err != nil {
				return nil, err
			}
			for _, st := range steps {
				if !store.PropsMatch(st.Edge.Properties, relProps) {
					continue
				}
				if cur, ok := b[s.RelVar].(*store.Edge); ok && s.RelVar != "" && cur.ID != st.Edge.ID {
					continue
				}
				to, err := r.node(st.Next)
				if err != nil {
					return nil, err
				}
				if !accept(to) {
					continue
				}
				nb := b.with(s.ToVar, to)
				if s.RelVar != "" {
					nb[s.RelVar] = st.Edge
				}
				if p, ok := b[s.PathVar].(*pathValue); ok {
					nb[s.PathVar] = p.extend([]*store.Node{to}, []*store.Edge{st.Edge})
				}
				out = append(out, nb)
			}
			continue
		}

		maxHops := s.Rel.MaxHops
		if maxHops <= 0 {
			maxHops = r.maxHops
		}
		paths, err := r.st.Paths(from.ID, s.Rel.Direction, s.Rel.Types, s.Rel.MinHops, maxHops, r.maxPaths)
		if err != nil {
			return nil, err
		}
		var ids []int64
		for _, p := range paths {
			ids = append(ids, p.Nodes...)
		}
		if err := r.prefetch(ids); err != nil {
			return nil, err
		}
	walks:
		for _, p := range paths {
			for _, e := range p.Edges {
				if !store.PropsMatch(e.Properties, relProps) {
					continue walks
				}
			}
			to, err := r.node(p.Nodes[len(p.Nodes)-1])
			if err != nil {
				return nil, err
			}
			if !accept(to) {
				continue
			}
			nb := b.with(s.ToVar, to)
			if s.RelVar != "" {
				rels := make([]any, len(p.Edges))
				for i, e := range p.Edges {
					rels[i] = e
				}
				nb[s.RelVar] = rels
			}
			if pv, ok := b[s.PathVar].(*pathValue); ok {
				walked := make([]*store.Node, 0, len(p.Nodes)-1)
				for _, id := range p.Nodes[1:] {
					n, err := r.node(id)
					if err != nil {
						return nil, err
					}
					walked = append(walked, n)
				}
				nb[s.PathVar] = pv.extend(walked, p.Edges)
			}
			out = append(out, nb)
		}
	}
	return out, nil
}

func (r *run) scanEdges(s *ScanEdges, rows []binding) ([]binding, error) {
	var out []binding
	for _, b := range rows {
		relProps, err := r.evalProps(s.Rel.Props, b)
		if err != nil {
			return nil, err
		}
		toProps, err := r.evalProps(s.To.Props, b)
		if err != nil {
			return nil, err
		}
		edges, err := r.st.FindEdges(store.EdgeFilter{Types: s.Rel.Types, Props: relProps})
		if err != nil {
			return nil, err
		}
		ids := make([]int64, 0, 2*len(edges))
		for _, e := range edges {
			ids = append(ids, e.SourceID, e.TargetID)
		}
		if err := r.prefetch(ids); err != nil {
			return nil, err
		}
		boundTo, toBound := b[s.ToVar].(*store.Node)

		try := func(e *store.Edge, fromID, toID int64) error {
			from, err := r.node(fromID)
			if err != nil {
				return err
			}
			to, err := r.node(toID)
			if err != nil {
				return err
			}
			if !nodeMatches(from, s.From.Label, nil) {
				return nil
			}
			if toBound {
				if to.ID != boundTo.ID {
					return nil
				}
			} else if !nodeMatches(to, s.To.Label, toProps) {
				return nil
			}
			if s.FromVar == s.ToVar && from.ID != to.ID {
				return nil
			}
			nb := b.with(s.FromVar, from)
			nb[s.ToVar] = to
			if s.RelVar != "" {
				nb[s.RelVar] = e
			}
			if s.PathVar != "" {
				nb[s.PathVar] = &pathValue{nodes: []*store.Node{from, to}, edges: []*store.Edge{e}}
			}
			out = append(out, nb)
			return nil
		}
		for _, e := range edges {
			if r.deleted[e.SourceID] || r.deleted[e.TargetID] {
				continue
			}
			var err error
			switch s.Rel.Direction {
			case store.Outbound:
				err = try(e, e.SourceID, e.TargetID)
			case store.Inbound:
				err = try(e, e.TargetID, e.SourceID)
			default:
				err = try(e, e.SourceID, e.TargetID)
				if err == nil && e.SourceID != e.TargetID {
					err = try(e, e.TargetID, e.SourceID)
				}
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (r *run) shortest(s *ShortestPath, rows []binding) ([]binding, error) {
	var out []binding
	for _, b := range rows {
		from, ok1 := b[s.FromVar].(*store.Node)
		to, ok2 := b[s.ToVar].(*store.Node)
		if !ok1 || !ok2 {
			continue
		}
		maxHops := s.Rel.MaxHops
		if maxHops <= 0 {
			maxHops = r.maxHops
		}
		p, err := r.st.ShortestPath(from.ID, to.ID, s.Rel.Direction, s.Rel.Types, s.Rel.MinHops, maxHops)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		if err := r.prefetch(p.Nodes); err != nil {
			return nil, err
		}
		pv := &pathValue{edges: p.Edges}
		for _, id := range p.Nodes {
			n, err := r.node(id)
			if err != nil {
				return nil, err
			}
			pv.nodes = append(pv.nodes, n)
		}
		nb := b
		if s.PathVar != "" {
			nb = b.with(s.PathVar, pv)
		}
		out = append(out, nb)
	}
	return out, nil
}

func (r *run) filter(s *FilterWhere, rows []binding) ([]binding, error) {
	out := rows[:0:0]
	for _, b := range rows {
		ok, err := r.evalBool(s.Expr, b)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// --- writing ---

// merge matches pat for each row and creates the whole unbound part of it
// when nothing matches.
func (r *run) merge(pat *Pattern, rows []binding) ([]binding, error) {
	var out []binding
	for _, b := range rows {
		bound := make(map[string]bool, len(b))
		for k := range b {
			bound[k] = true
		}
		plan, err := BuildPlan([]*Pattern{pat}, nil, bound)
		if err != nil {
			return nil, fmt.Errorf("plan merge: %w", err)
		}
		matched, err := r.runPlan(plan, []binding{b})
		if err != nil {
			return nil, err
		}
		if len(matched) > 0 {
			out = append(out, matched...)
			continue
		}
		nb, err := r.createPattern(pat, b)
		if err != nil {
			return nil, err
		}
		out = append(out, nb)
	}
	return out, nil
}

func (r *run) create(pats []*Pattern, rows []binding) ([]binding, error) {
	out := make([]binding, 0, len(rows))
	for _, b := range rows {
		nb := b
		for _, pat := range pats {
			var err error
			nb, err = r.createPattern(pat, nb)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, nb)
	}
	return out, nil
}

func countSet(props map[string]any) int {
	n := 0
	for _, v := range props {
		if v != nil {
			n++
		}
	}
	return n
}

func (r *run) createPattern(pat *Pattern, b binding) (binding, error) {
	nb := b.clone()
	var nodes []*store.Node
	for _, el := range pat.Elements {
		np, ok := el.(*NodePattern)
		if !ok {
			continue
		}
		if n, ok := nb[np.Variable].(*store.Node); ok && np.Variable != "" {
			nodes = append(nodes, n)
			continue
		}
		props, err := r.evalProps(np.Props, nb)
		if err != nil {
			return nil, err
		}
		n, err := r.st.CreateNode(np.Label, props)
		if err != nil {
			return nil, err
		}
		n = r.canon(n)
		r.counters.NodesCreated++
		r.counters.PropertiesSet += countSet(props)
		if np.Variable != "" {
			nb[np.Variable] = n
		}
		nodes = append(nodes, n)
	}

	var edges []*store.Edge
	for i := 1; i < len(pat.Elements); i += 2 {
		rp := pat.Elements[i].(*RelPattern)
		if rp.VarLength {
			return nil, fmt.Errorf("cannot create a variable-length relationship")
		}
		if len(rp.Types) != 1 {
			return nil, fmt.Errorf("a created relationship needs exactly one type")
		}
		a, c := nodes[i/2], nodes[i/2+1]
		src, dst := a, c
		if rp.Direction == store.Inbound {
			src, dst = c, a
		}
		props, err := r.evalProps(rp.Props, nb)
		if err != nil {
			return nil, err
		}
		e, err := r.st.CreateEdge(src.ID, dst.ID, rp.Types[0], props)
		if err != nil {
			return nil, err
		}
		r.counters.RelationshipsCreated++
		r.counters.PropertiesSet += countSet(props)
		if rp.Variable != "" {
			nb[rp.Variable] = e
		}
		edges = append(edges, e)
	}
	if pat.PathVariable != "" {
		nb[pat.PathVariable] = &pathValue{nodes: nodes, edges: edges}
	}
	return nb, nil
}

func (r *run) set(c *SetClause, rows []binding) error {
	for _, b := range rows {
		for _, it := range c.Items {
			val, err := r.eval(it.Value, b)
			if err != nil {
				return err
			}
			var current map[string]any
			target := b[it.Variable]
			switch t := target.(type) {
			case nil:
				continue
			case *store.Node:
				current = t.Properties
			case *store.Edge:
				current = t.Properties
			default:
				return fmt.Errorf("SET target %s is not a node or relationship", it.Variable)
			}

			next := make(map[string]any, len(current))
			switch {
			case it.Property != "":
				for k, v := range current {
					next[k] = v
				}
				if val == nil {
					delete(next, it.Property)
				} else {
					next[it.Property] = val
				}
				r.counters.PropertiesSet++
			default:
				m, err := propertyMap(val)
				if err != nil {
					return fmt.Errorf("SET %s %s: %w", it.Variable, it.Op, err)
				}
				if it.Op == "+=" {
					for k, v := range current {
						next[k] = v
					}
				}
				for k, v := range m {
					if v == nil {
						delete(next, k)
					} else {
						next[k] = v
					}
				}
				r.counters.PropertiesSet += len(m)
			}

			switch t := target.(type) {
			case *store.Node:
				if err := r.st.SetNodeProperties(t.ID, next); err != nil {
					return err
				}
				t.Properties = next
			case *store.Edge:
				if err := r.st.SetEdgeProperties(t.ID, next); err != nil {
					return err
				}
				t.Properties = next
			}
		}
	}
	return nil
}

// propertyMap accepts a map, a node or a relationship as the right side of
// a whole-map SET.
func propertyMap(v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return t, nil
	case *store.Node:
		return t.Properties, nil
	case *store.Edge:
		return t.Properties, nil
	}
	return nil, fmt.Errorf("expected a map, got %T", v)
}

func (r *run) delete(c *DeleteClause, rows []binding) error {
	deletedEdges := map[int64]bool{}
	for _, b := range rows {
		for _, v := range c.Variables {
			switch t := b[v].(type) {
			case nil:
			case *store.Edge:
				if deletedEdges[t.ID] {
					continue
				}
				if err := r.st.DeleteEdge(t.ID); err != nil {
					return err
				}
				deletedEdges[t.ID] = true
				r.counters.RelationshipsDeleted++
			case *store.Node:
				if r.deleted[t.ID] {
					continue
				}
				n, err := r.st.DeleteNode(t.ID, c.Detach)
				if err != nil {
					return err
				}
				r.deleted[t.ID] = true
				delete(r.nodes, t.ID)
				r.counters.NodesDeleted++
				r.counters.RelationshipsDeleted += int(n)
			default:
				return fmt.Errorf("cannot delete %s of type %T", v, t)
			}
		}
	}
	return nil
}
