// Package query holds the read-only lookups over an indexed graph. Each
// returns typed rows ready for display. Traversal depths are validated and
// written into the statement text, since variable-length bounds cannot be
// parameters.
package query

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/DeusData/odoo-graph/internal/graph"
	"github.com/DeusData/odoo-graph/internal/schema"
)

// MaxTraversalDepth caps every variable-length pattern.
const MaxTraversalDepth = 20

// FindModelLimit caps find-model results.
const FindModelLimit = 5

// DefaultTreeLimit caps inheritance-tree rows when no limit is given.
const DefaultTreeLimit = 100

// CoreModules rank first when a model name has several definitions.
var CoreModules = []string{"stock", "sale", "account", "purchase", "mrp", "project"}

// Querier runs lookups through a graph client.
type Querier struct {
	client   graph.Client
	maxDepth int
}

// New returns a Querier. defaultDepth applies when a call passes 0.
func New(c graph.Client, defaultDepth int) *Querier {
	if defaultDepth < 1 {
		defaultDepth = 3
	}
	return &Querier{client: c, maxDepth: min(defaultDepth, MaxTraversalDepth)}
}

func (q *Querier) depth(d int) (int, error) {
	if d == 0 {
		return q.maxDepth, nil
	}
	if d < 1 || d > MaxTraversalDepth {
		return 0, fmt.Errorf("max depth %d out of range 1..%d", d, MaxTraversalDepth)
	}
	return d, nil
}

// Dependency is a module one hop away.
type Dependency struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Category string `json:"category,omitempty"`
}

// Dependencies lists the modules module depends on directly.
func (q *Querier) Dependencies(ctx context.Context, module string) ([]Dependency, error) {
	return q.deps(ctx, `MATCH (m:Module {name: $name})-[:DEPENDS_ON]->(d:Module)
RETURN d.name AS name, d.version AS version, d.category AS category
ORDER BY name`, module)
}

// Dependents lists the modules depending directly on module.
func (q *Querier) Dependents(ctx context.Context, module string) ([]Dependency, error) {
	return q.deps(ctx, `MATCH (d:Module)-[:DEPENDS_ON]->(m:Module {name: $name})
RETURN d.name AS name, d.version AS version, d.category AS category
ORDER BY name`, module)
}

func (q *Querier) deps(ctx context.Context, stmt, module string) ([]Dependency, error) {
	rows, err := q.client.Read(ctx, stmt, map[string]any{"name": module})
	if err != nil {
		return nil, err
	}
	out := make([]Dependency, 0, len(rows))
	for _, r := range rows {
		out = append(out, Dependency{Name: str(r["name"]), Version: str(r["version"]), Category: str(r["category"])})
	}
	return out, nil
}

// Path is a dependency chain from its first to its last module.
type Path struct {
	Modules []string `json:"modules"`
	Depth   int      `json:"depth"`
}

// DependencyPath finds the shortest DEPENDS_ON chain from one module to
// another within maxDepth hops. It returns nil when there is none.
func (q *Querier) DependencyPath(ctx context.Context, from, to string, maxDepth int) (*Path, error) {
	d, err := q.depth(maxDepth)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`MATCH p = shortestPath((a:Module {name: $from})-[:DEPENDS_ON*1..%d]->(b:Module {name: $to}))
RETURN nodes(p) AS nodes, length(p) AS depth`, d)
	rows, err := q.client.Read(ctx, stmt, map[string]any{"from": from, "to": to})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &Path{Modules: names(rows[0]["nodes"]), Depth: int(schema.AsInt(rows[0]["depth"]))}, nil
}

// TreeRow is one ancestor of a model.
type TreeRow struct {
	Model  string `json:"model"`
	Parent string `json:"parent"`
	Depth  int    `json:"depth"`
}

// InheritanceTree walks INHERITS_FROM upward from model. Depth 0 is the
// model itself. Rows are ordered by depth then parent name and capped at
// limit.
func (q *Querier) InheritanceTree(ctx context.Context, model string, maxDepth, limit int) ([]TreeRow, error) {
	d, err := q.depth(maxDepth)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = DefaultTreeLimit
	}
	stmt := fmt.Sprintf(`MATCH p = (m:Model {name: $name})-[:INHERITS_FROM*0..%d]->(parent:Model)
RETURN DISTINCT m.name AS model, parent.name AS parent, length(p) AS depth
ORDER BY depth, parent
LIMIT %d`, d, limit)
	rows, err := q.client.Read(ctx, stmt, map[string]any{"name": model})
	if err != nil {
		return nil, err
	}
	out := make([]TreeRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, TreeRow{Model: str(r["model"]), Parent: str(r["parent"]), Depth: int(schema.AsInt(r["depth"]))})
	}
	return out, nil
}

// Cycle is a dependency loop through Module.
type Cycle struct {
	Module string   `json:"module"`
	Length int      `json:"length"`
	Path   []string `json:"path"`
}

// Cycles finds DEPENDS_ON loops of at most maxDepth hops. A loop is
// reported once per member module.
func (q *Querier) Cycles(ctx context.Context, maxDepth int) ([]Cycle, error) {
	d, err := q.depth(maxDepth)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`MATCH p = (m:Module)-[:DEPENDS_ON*1..%d]->(m)
RETURN m.name AS module, length(p) AS length, nodes(p) AS nodes
ORDER BY length, module`, d)
	rows, err := q.client.Read(ctx, stmt, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Cycle, 0, len(rows))
	for _, r := range rows {
		out = append(out, Cycle{Module: str(r["module"]), Length: int(schema.AsInt(r["length"])), Path: names(r["nodes"])})
	}
	return out, nil
}

// FieldHit is a field found by name.
type FieldHit struct {
	Name     string `json:"name"`
	Model    string `json:"model"`
	Type     string `json:"type"`
	String   string `json:"string,omitempty"`
	Required *bool  `json:"required,omitempty"`
	Comodel  string `json:"comodel,omitempty"`
	Module   string `json:"module,omitempty"`
}

// FindField finds fields named name, optionally on one model.
func (q *Querier) FindField(ctx context.Context, name, model string) ([]FieldHit, error) {
	where := "f.name = $name"
	params := map[string]any{"name": name}
	if model != "" {
		where += " AND f.model_name = $model"
		params["model"] = model
	}
	stmt := `MATCH (f:Field)-[:BELONGS_TO]->(m:Model)
WHERE ` + where + `
RETURN f.name AS name, m.name AS model, f.field_type AS type, f.string AS string,
       f.required AS required, f.comodel_name AS comodel, f.module AS module
ORDER BY model, module`
	rows, err := q.client.Read(ctx, stmt, params)
	if err != nil {
		return nil, err
	}
	out := make([]FieldHit, 0, len(rows))
	for _, r := range rows {
		out = append(out, FieldHit{
			Name: str(r["name"]), Model: str(r["model"]), Type: str(r["type"]), String: str(r["string"]),
			Required: boolp(r["required"]), Comodel: str(r["comodel"]), Module: str(r["module"]),
		})
	}
	return out, nil
}

// ModelFields lists every field attached to model.
func (q *Querier) ModelFields(ctx context.Context, model string) ([]FieldHit, error) {
	rows, err := q.client.Read(ctx, `MATCH (f:Field)-[:BELONGS_TO]->(m:Model {name: $model})
RETURN f.name AS name, m.name AS model, f.field_type AS type, f.string AS string,
       f.required AS required, f.comodel_name AS comodel, f.module AS module
ORDER BY name`, map[string]any{"model": model})
	if err != nil {
		return nil, err
	}
	out := make([]FieldHit, 0, len(rows))
	for _, r := range rows {
		out = append(out, FieldHit{
			Name: str(r["name"]), Model: str(r["model"]), Type: str(r["type"]), String: str(r["string"]),
			Required: boolp(r["required"]), Comodel: str(r["comodel"]), Module: str(r["module"]),
		})
	}
	return out, nil
}

// RelationalField is a field with a REFERENCES edge.
type RelationalField struct {
	Field  string `json:"field"`
	Source string `json:"source_model"`
	Type   string `json:"field_type"`
	Target string `json:"target_model"`
}

// RelationalFields lists relational fields, optionally of one model.
func (q *Querier) RelationalFields(ctx context.Context, model string) ([]RelationalField, error) {
	where, params := modelFilter(model)
	rows, err := q.client.Read(ctx, `MATCH (f:Field)-[:REFERENCES]->(t:Model)`+where+`
RETURN f.name AS field, f.model_name AS source, f.field_type AS type, t.name AS target
ORDER BY source, field`, params)
	if err != nil {
		return nil, err
	}
	out := make([]RelationalField, 0, len(rows))
	for _, r := range rows {
		out = append(out, RelationalField{Field: str(r["field"]), Source: str(r["source"]), Type: str(r["type"]), Target: str(r["target"])})
	}
	return out, nil
}

// ComputedField is a field with a compute method.
type ComputedField struct {
	Field   string `json:"field"`
	Model   string `json:"model"`
	Type    string `json:"type"`
	Compute string `json:"compute"`
	Stored  *bool  `json:"stored,omitempty"`
}

// ComputedFields lists computed fields, optionally of one model.
func (q *Querier) ComputedFields(ctx context.Context, model string) ([]ComputedField, error) {
	where, params := modelFilter(model)
	if where == "" {
		where = "\nWHERE f.compute IS NOT NULL"
	} else {
		where += " AND f.compute IS NOT NULL"
	}
	rows, err := q.client.Read(ctx, `MATCH (f:Field)-[:BELONGS_TO]->(m:Model)`+where+`
RETURN f.name AS field, m.name AS model, f.field_type AS type, f.compute AS compute, f.store AS stored
ORDER BY model, field`, params)
	if err != nil {
		return nil, err
	}
	out := make([]ComputedField, 0, len(rows))
	for _, r := range rows {
		out = append(out, ComputedField{
			Field: str(r["field"]), Model: str(r["model"]), Type: str(r["type"]),
			Compute: str(r["compute"]), Stored: boolp(r["stored"]),
		})
	}
	return out, nil
}

func modelFilter(model string) (string, map[string]any) {
	if model == "" {
		return "", nil
	}
	return "\nWHERE f.model_name = $model", map[string]any{"model": model}
}

// Delegation is one _inherits edge of a model.
type Delegation struct {
	Model string `json:"model"`
	Field string `json:"field"`
}

// Delegations lists the models model delegates to.
func (q *Querier) Delegations(ctx context.Context, model string) ([]Delegation, error) {
	rows, err := q.client.Read(ctx, `MATCH (m:Model {name: $name})-[r:DELEGATES_TO]->(d:Model)
RETURN d.name AS model, r.field AS field
ORDER BY model, field`, map[string]any{"name": model})
	if err != nil {
		return nil, err
	}
	out := make([]Delegation, 0, len(rows))
	for _, r := range rows {
		out = append(out, Delegation{Model: str(r["model"]), Field: str(r["field"])})
	}
	return out, nil
}

// Overview is the aggregate size of the graph.
type Overview struct {
	Modules      int64         `json:"module_count"`
	Models       int64         `json:"model_count"`
	Fields       int64         `json:"field_count"`
	Views        int64         `json:"view_count"`
	Dependencies int64         `json:"dependency_count"`
	Inheritance  int64         `json:"inheritance_count"`
	Census       schema.Census `json:"census"`
}

// Overview counts nodes and relationships.
func (q *Querier) Overview(ctx context.Context) (Overview, error) {
	// Count logs and zeroes failures, so check reachability first.
	if _, err := q.client.Read(ctx, "MATCH (n:Module) RETURN count(n) AS count", nil); err != nil {
		return Overview{}, err
	}
	c := schema.Count(ctx, q.client)
	return Overview{
		Modules:      c.Node("Module"),
		Models:       c.Node("Model"),
		Fields:       c.Node("Field"),
		Views:        c.Node("View"),
		Dependencies: c.Rel("DEPENDS_ON"),
		Inheritance:  c.Rel("INHERITS_FROM"),
		Census:       c,
	}, nil
}

// ModelHit is one definition of a model name.
type ModelHit struct {
	Name     string `json:"name"`
	Module   string `json:"module"`
	FilePath string `json:"file_path"`
	Line     int    `json:"line_number"`
	Type     string `json:"model_type"`
	Priority int    `json:"priority"`
}

// FindModel returns the definitions of a model name, the primary one
// first. The name is matched as given and in its dotted form, so table
// names such as res_partner find res.partner.
func (q *Querier) FindModel(ctx context.Context, name string) ([]ModelHit, error) {
	rows, err := q.client.Read(ctx, `MATCH (m:Model)
WHERE m.name IN $names
RETURN m.name AS name, m.module AS module, m.file_path AS file_path, m.line_number AS line, m.model_type AS type`,
		map[string]any{"names": Aliases(name)})
	if err != nil {
		return nil, err
	}
	out := make([]ModelHit, 0, len(rows))
	for _, r := range rows {
		fp := str(r["file_path"])
		out = append(out, ModelHit{
			Name: str(r["name"]), Module: str(r["module"]), FilePath: fp,
			Line: int(schema.AsInt(r["line"])), Type: str(r["type"]), Priority: Priority(fp),
		})
	}
	RankModels(out)
	if len(out) > FindModelLimit {
		out = out[:FindModelLimit]
	}
	return out, nil
}

// Aliases normalizes a model name and adds its dotted spelling.
func Aliases(name string) []any {
	n := strings.ToLower(strings.TrimSpace(name))
	out := []any{n}
	if dotted := strings.ReplaceAll(n, "_", "."); dotted != n {
		out = append(out, dotted)
	}
	return out
}

// Priority ranks a definition by its file path: 1 for core modules, 2 for
// other modules, 3 for localization modules.
func Priority(filePath string) int {
	p := filepath.ToSlash(filePath)
	for _, m := range CoreModules {
		if strings.Contains(p, "/addons/"+m+"/") {
			return 1
		}
	}
	if strings.Contains(p, "/l10n_") {
		return 3
	}
	return 2
}

// RankModels orders hits by priority, then file path.
func RankModels(hits []ModelHit) {
	slices.SortStableFunc(hits, func(a, b ModelHit) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.FilePath, b.FilePath)
	})
}

// ViewRow is one view of a model.
type ViewRow struct {
	XMLID     string `json:"xml_id"`
	Name      string `json:"name,omitempty"`
	ViewType  string `json:"view_type"`
	Mode      string `json:"mode"`
	Priority  int    `json:"priority"`
	Module    string `json:"module"`
	InheritID string `json:"inherit_id,omitempty"`
}

// Views lists the views declared for model.
func (q *Querier) Views(ctx context.Context, model string) ([]ViewRow, error) {
	rows, err := q.client.Read(ctx, `MATCH (v:View)
WHERE v.model = $model
RETURN v.xml_id AS xml_id, v.name AS name, v.view_type AS view_type, v.mode AS mode,
       v.priority AS priority, v.module AS module, v.inherit_id AS inherit_id
ORDER BY view_type, priority, xml_id`, map[string]any{"model": model})
	if err != nil {
		return nil, err
	}
	out := make([]ViewRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, viewRow(r))
	}
	return out, nil
}

func viewRow(r graph.Record) ViewRow {
	return ViewRow{
		XMLID: str(r["xml_id"]), Name: str(r["name"]), ViewType: str(r["view_type"]), Mode: str(r["mode"]),
		Priority: int(schema.AsInt(r["priority"])), Module: str(r["module"]), InheritID: str(r["inherit_id"]),
	}
}

// ViewNode is a view at some distance from the root of a view tree.
type ViewNode struct {
	ViewRow
	Depth int `json:"depth"`
}

// ViewTree is the extension tree around one view.
type ViewTree struct {
	// Ancestors runs from the direct parent to the primary view.
	Ancestors []ViewNode `json:"ancestors"`
	// Extensions are the views extending the root, nearest first.
	Extensions []ViewNode `json:"extensions"`
}

// ViewTree walks EXTENDS in both directions from xmlID.
func (q *Querier) ViewTree(ctx context.Context, xmlID string, maxDepth int) (*ViewTree, error) {
	d, err := q.depth(maxDepth)
	if err != nil {
		return nil, err
	}
	params := map[string]any{"id": xmlID}
	cols := `v.xml_id AS xml_id, v.name AS name, v.view_type AS view_type, v.mode AS mode,
       v.priority AS priority, v.module AS module, v.inherit_id AS inherit_id, length(p) AS depth`

	up, err := q.client.Read(ctx, fmt.Sprintf(`MATCH p = (root:View {xml_id: $id})-[:EXTENDS*1..%d]->(v:View)
RETURN DISTINCT %s
ORDER BY depth, xml_id`, d, cols), params)
	if err != nil {
		return nil, err
	}
	down, err := q.client.Read(ctx, fmt.Sprintf(`MATCH p = (v:View)-[:EXTENDS*1..%d]->(root:View {xml_id: $id})
RETURN DISTINCT %s
ORDER BY depth, xml_id`, d, cols), params)
	if err != nil {
		return nil, err
	}
	t := &ViewTree{Ancestors: []ViewNode{}, Extensions: []ViewNode{}}
	for _, r := range up {
		t.Ancestors = append(t.Ancestors, ViewNode{ViewRow: viewRow(r), Depth: int(schema.AsInt(r["depth"]))})
	}
	for _, r := range down {
		t.Extensions = append(t.Extensions, ViewNode{ViewRow: viewRow(r), Depth: int(schema.AsInt(r["depth"]))})
	}
	return t, nil
}

func str(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	}
	return fmt.Sprint(v)
}

func boolp(v any) *bool {
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return &b
}

// names pulls the name property out of a list of nodes.
func names(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch n := it.(type) {
		case map[string]any:
			out = append(out, str(n["name"]))
		case string:
			out = append(out, n)
		}
	}
	return out
}
