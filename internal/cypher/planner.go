package cypher

import "fmt"

// Plan is the step list for one MATCH (or the MERGE lookup) clause.
type Plan struct {
	Steps []PlanStep
}

// PlanStep is a single step in the execution plan.
type PlanStep interface {
	stepType() string
}

// ScanNodes binds Variable to every node matching label and inline
// properties. When Variable is already bound the step only checks it.
type ScanNodes struct {
	Variable string
	Label    string
	Props    []PropEntry
	PathVar  string // starts a path when set
}

func (*ScanNodes) stepType() string { return "scan" }

// ExpandRelationship follows edges from a bound node to match target nodes.
type ExpandRelationship struct {
	FromVar string
	ToVar   string
	RelVar  string
	Rel     *RelPattern
	To      *NodePattern
	PathVar string // extends a path when set
}

func (*ExpandRelationship) stepType() string { return "expand" }

// ScanEdges binds a single-hop pattern by scanning edges of the given
// types, then checking both endpoints. Used when the start node is
// unconstrained so the scan does not visit every node.
type ScanEdges struct {
	FromVar string
	ToVar   string
	RelVar  string
	Rel     *RelPattern
	From    *NodePattern
	To      *NodePattern
	PathVar string
}

func (*ScanEdges) stepType() string { return "scan_edges" }

// ShortestPath connects two bound nodes by one shortest walk.
type ShortestPath struct {
	FromVar string
	ToVar   string
	Rel     *RelPattern
	PathVar string
}

func (*ShortestPath) stepType() string { return "shortest" }

// FilterWhere keeps the bindings for which Expr holds.
type FilterWhere struct {
	Expr Expr
}

func (*FilterWhere) stepType() string { return "filter" }

// anonymous variable names cannot collide with user names: users cannot
// write a leading space.
func anonVar(n int) string { return fmt.Sprintf(" anon%d", n) }

// BuildPlan turns the patterns and WHERE of a MATCH into steps. bound holds
// the variables bound by earlier clauses. WHERE conjuncts are pushed right
// behind the first step that binds all their variables, so bindings are
// filtered before they are expanded.
func BuildPlan(patterns []*Pattern, where Expr, bound map[string]bool) (*Plan, error) {
	plan := &Plan{}
	known := make(map[string]bool, len(bound))
	for v := range bound {
		known[v] = true
	}
	anon := 0
	nameOf := func(v string) string {
		if v != "" {
			return v
		}
		for {
			anon++
			if name := anonVar(anon); !known[name] {
				return name
			}
		}
	}

	pending := splitConjuncts(where)
	flush := func() {
		rest := pending[:0]
		for _, c := range pending {
			if coveredBy(c, known) {
				plan.Steps = append(plan.Steps, &FilterWhere{Expr: c})
			} else {
				rest = append(rest, c)
			}
		}
		pending = rest
	}
	flush()

	for _, pat := range patterns {
		if len(pat.Elements) == 0 {
			continue
		}
		if _, ok := pat.Elements[0].(*NodePattern); !ok {
			return nil, fmt.Errorf("pattern must start with a node")
		}
		orient(pat, known)
		first := pat.Elements[0].(*NodePattern)
		firstVar := nameOf(first.Variable)
		first.Variable = firstVar
		if pat.Shortest {
			rel := pat.Elements[1].(*RelPattern)
			last := pat.Elements[2].(*NodePattern)
			last.Variable = nameOf(last.Variable)
			plan.Steps = append(plan.Steps, &ScanNodes{Variable: firstVar, Label: first.Label, Props: first.Props})
			known[firstVar] = true
			flush()
			plan.Steps = append(plan.Steps, &ScanNodes{Variable: last.Variable, Label: last.Label, Props: last.Props})
			known[last.Variable] = true
			flush()
			plan.Steps = append(plan.Steps, &ShortestPath{FromVar: firstVar, ToVar: last.Variable, Rel: rel, PathVar: pat.PathVariable})
			if pat.PathVariable != "" {
				known[pat.PathVariable] = true
			}
			flush()
			continue
		}

		if edgeScannable(pat, known) {
			rel := pat.Elements[1].(*RelPattern)
			to := pat.Elements[2].(*NodePattern)
			to.Variable = nameOf(to.Variable)
			plan.Steps = append(plan.Steps, &ScanEdges{
				FromVar: firstVar, ToVar: to.Variable, RelVar: rel.Variable,
				Rel: rel, From: first, To: to, PathVar: pat.PathVariable,
			})
			for _, v := range []string{firstVar, to.Variable, rel.Variable, pat.PathVariable} {
				if v != "" {
					known[v] = true
				}
			}
			flush()
			continue
		}

		plan.Steps = append(plan.Steps, &ScanNodes{Variable: firstVar, Label: first.Label, Props: first.Props, PathVar: pat.PathVariable})
		known[firstVar] = true
		flush()

		for i := 1; i+1 < len(pat.Elements); i += 2 {
			rel, ok1 := pat.Elements[i].(*RelPattern)
			to, ok2 := pat.Elements[i+1].(*NodePattern)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("malformed pattern")
			}
			to.Variable = nameOf(to.Variable)
			plan.Steps = append(plan.Steps, &ExpandRelationship{
				FromVar: pat.Elements[i-1].(*NodePattern).Variable,
				ToVar:   to.Variable,
				RelVar:  rel.Variable,
				Rel:     rel,
				To:      to,
				PathVar: pat.PathVariable,
			})
			known[to.Variable] = true
			if rel.Variable != "" {
				known[rel.Variable] = true
			}
			flush()
		}
		if pat.PathVariable != "" {
			known[pat.PathVariable] = true
			flush()
		}
	}

	// Conjuncts over unknown variables still run, and fail on evaluation.
	for _, c := range pending {
		plan.Steps = append(plan.Steps, &FilterWhere{Expr: c})
	}
	return plan, nil
}

// edgeScannable reports whether a pattern is one typed, fixed-length hop
// whose start node has no inline properties and is not bound yet.
func edgeScannable(pat *Pattern, known map[string]bool) bool {
	if len(pat.Elements) != 3 {
		return false
	}
	first := pat.Elements[0].(*NodePattern)
	rel, ok := pat.Elements[1].(*RelPattern)
	if !ok || rel.VarLength || len(rel.Types) == 0 || len(first.Props) > 0 || known[first.Variable] {
		return false
	}
	_, ok = pat.Elements[2].(*NodePattern)
	return ok
}

// orient reverses a pattern without a path variable when its start node is
// unconstrained but its end node is bound or has inline properties, so the
// scan starts from the selective end.
func orient(pat *Pattern, known map[string]bool) {
	n := len(pat.Elements)
	if pat.PathVariable != "" || pat.Shortest || n < 3 {
		return
	}
	first := pat.Elements[0].(*NodePattern)
	last := pat.Elements[n-1].(*NodePattern)
	if len(first.Props) > 0 || (first.Variable != "" && known[first.Variable]) {
		return
	}
	if len(last.Props) == 0 && (last.Variable == "" || !known[last.Variable]) {
		return
	}
	rev := make([]PatternElement, n)
	for i, el := range pat.Elements {
		if rel, ok := el.(*RelPattern); ok {
			flipped := *rel
			switch rel.Direction {
			case "outbound":
				flipped.Direction = "inbound"
			case "inbound":
				flipped.Direction = "outbound"
			}
			el = &flipped
		}
		rev[n-1-i] = el
	}
	pat.Elements = rev
}

// splitConjuncts flattens top-level ANDs.
func splitConjuncts(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if l, ok := e.(*Logical); ok && l.Op == "AND" {
		return append(splitConjuncts(l.Left), splitConjuncts(l.Right)...)
	}
	return []Expr{e}
}

func coveredBy(e Expr, known map[string]bool) bool {
	for _, v := range exprVars(e, nil) {
		if !known[v] {
			return false
		}
	}
	return true
}

// exprVars collects the variables an expression reads.
func exprVars(e Expr, acc []string) []string {
	switch x := e.(type) {
	case *VarRef:
		acc = append(acc, x.Name)
	case *PropertyRef:
		acc = append(acc, x.Variable)
	case *FuncCall:
		for _, a := range x.Args {
			acc = exprVars(a, acc)
		}
	case *Comparison:
		acc = exprVars(x.Right, exprVars(x.Left, acc))
	case *NullCheck:
		acc = exprVars(x.Expr, acc)
	case *Logical:
		acc = exprVars(x.Right, exprVars(x.Left, acc))
	case *Not:
		acc = exprVars(x.Expr, acc)
	case *ListExpr:
		for _, it := range x.Items {
			acc = exprVars(it, acc)
		}
	case *MapExpr:
		for _, en := range x.Entries {
			acc = exprVars(en.Value, acc)
		}
	}
	return acc
}

// patternVars lists the variables a pattern binds.
func patternVars(p *Pattern) []string {
	var out []string
	if p.PathVariable != "" {
		out = append(out, p.PathVariable)
	}
	for _, el := range p.Elements {
		switch x := el.(type) {
		case *NodePattern:
			if x.Variable != "" {
				out = append(out, x.Variable)
			}
		case *RelPattern:
			if x.Variable != "" {
				out = append(out, x.Variable)
			}
		}
	}
	return out
}
