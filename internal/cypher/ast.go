package cypher

// Statement is a parsed Cypher statement: a clause pipeline or a schema
// command.
type Statement interface{ statement() }

// Query is a pipeline of reading and writing clauses with an optional
// RETURN at the end.
type Query struct {
	Clauses []Clause
	Return  *ReturnClause
}

// SchemaCommand is CREATE CONSTRAINT or CREATE INDEX.
type SchemaCommand struct {
	Kind        string // "CONSTRAINT" or "INDEX"
	Name        string
	IfNotExists bool
	Variable    string
	Label       string
	Properties  []string
}

// ShowCommand is SHOW INDEXES or SHOW CONSTRAINTS with an optional YIELD.
type ShowCommand struct {
	What  string // "INDEXES" or "CONSTRAINTS"
	Yield []string
}

func (*Query) statement()         {}
func (*SchemaCommand) statement() {}
func (*ShowCommand) statement()   {}

// Clause is one step of a query pipeline.
type Clause interface{ clause() }

// UnwindClause expands a list into one row per element.
type UnwindClause struct {
	Expr     Expr
	Variable string
}

// MatchClause holds one or more comma separated patterns and a WHERE.
type MatchClause struct {
	Patterns []*Pattern
	Where    Expr
}

// MergeClause finds or creates a single pattern.
type MergeClause struct {
	Pattern *Pattern
}

// CreateClause creates every element of its patterns.
type CreateClause struct {
	Patterns []*Pattern
}

// SetClause assigns properties.
type SetClause struct {
	Items []SetItem
}

// SetItem is v = expr, v += expr or v.prop = expr.
type SetItem struct {
	Variable string
	Property string // empty for whole-map assignments
	Op       string // "=" or "+="
	Value    Expr
}

// DeleteClause removes bound nodes and relationships.
type DeleteClause struct {
	Variables []string
	Detach    bool
}

func (*UnwindClause) clause() {}
func (*MatchClause) clause()  {}
func (*MergeClause) clause()  {}
func (*CreateClause) clause() {}
func (*SetClause) clause()    {}
func (*DeleteClause) clause() {}

// Pattern is a sequence of alternating node and relationship elements,
// optionally bound to a path variable or wrapped in shortestPath().
type Pattern struct {
	PathVariable string
	Shortest     bool
	Elements     []PatternElement
}

// PatternElement is either *NodePattern or *RelPattern.
type PatternElement interface {
	patternElement()
}

// NodePattern represents (variable:Label {props}).
type NodePattern struct {
	Variable string
	Label    string
	Props    []PropEntry
}

// RelPattern represents -[variable:TYPE1|TYPE2*min..max {props}]->.
type RelPattern struct {
	Variable  string
	Types     []string
	Direction string // "outbound", "inbound", "any"
	MinHops   int    // 1 for a fixed single hop
	MaxHops   int    // 1 for a fixed single hop
	VarLength bool
	Props     []PropEntry
}

// PropEntry is one key: expr pair of an inline property map.
type PropEntry struct {
	Key   string
	Value Expr
}

func (*NodePattern) patternElement() {}
func (*RelPattern) patternElement()  {}

// ReturnClause is the projection at the end of a query.
type ReturnClause struct {
	Items    []ReturnItem
	Distinct bool
	OrderBy  []OrderItem
	Skip     Expr
	Limit    Expr
}

// ReturnItem is expr [AS alias].
type ReturnItem struct {
	Expr  Expr
	Alias string
}

// OrderItem is one ORDER BY key.
type OrderItem struct {
	Expr Expr
	Desc bool
}

// Expr is an expression node.
type Expr interface{ expr() }

// Literal is a constant: string, int64, float64, bool or nil.
type Literal struct{ Value any }

// Param is $name.
type Param struct{ Name string }

// VarRef is a bare variable.
type VarRef struct{ Name string }

// PropertyRef is variable.property.
type PropertyRef struct {
	Variable string
	Property string
}

// FuncCall is name([DISTINCT] args...). count(*) has Star set.
type FuncCall struct {
	Name     string // lower case
	Args     []Expr
	Distinct bool
	Star     bool
}

// Comparison is a binary predicate: = <> < > <= >= =~ CONTAINS
// STARTS WITH, ENDS WITH, IN.
type Comparison struct {
	Left  Expr
	Op    string
	Right Expr
}

// NullCheck is expr IS [NOT] NULL.
type NullCheck struct {
	Expr    Expr
	Negated bool
}

// Logical is AND / OR.
type Logical struct {
	Op    string
	Left  Expr
	Right Expr
}

// Not negates a predicate.
type Not struct{ Expr Expr }

// ListExpr is [a, b, ...].
type ListExpr struct{ Items []Expr }

// MapExpr is {k: v, ...}.
type MapExpr struct{ Entries []PropEntry }

func (*Literal) expr()     {}
func (*Param) expr()       {}
func (*VarRef) expr()      {}
func (*PropertyRef) expr() {}
func (*FuncCall) expr()    {}
func (*Comparison) expr()  {}
func (*NullCheck) expr()   {}
func (*Logical) expr()     {}
func (*Not) expr()         {}
func (*ListExpr) expr()    {}
func (*MapExpr) expr()     {}

// aggregate reports whether e is an aggregating function call.
func aggregate(e Expr) bool {
	f, ok := e.(*FuncCall)
	if !ok {
		return false
	}
	switch f.Name {
	case "count", "collect", "sum", "min", "max", "avg":
		return true
	}
	return false
}

// ReadOnly reports whether a statement only reads: a query without MERGE,
// CREATE, SET or DELETE clauses, or a SHOW command.
func ReadOnly(s Statement) bool {
	switch st := s.(type) {
	case *ShowCommand:
		return true
	case *Query:
		for _, c := range st.Clauses {
			switch c.(type) {
			case *MergeClause, *CreateClause, *SetClause, *DeleteClause:
				return false
			}
		}
		return true
	}
	return false
}
