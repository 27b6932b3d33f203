// Package schema declares the uniqueness constraints and lookup indexes of
// the Odoo graph and applies them idempotently. Failures are reported per
// item and never abort; a partial schema does not block loading.
package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DeusData/odoo-graph/internal/graph"
	"github.com/DeusData/odoo-graph/internal/records"
)

// Item kinds.
const (
	KindConstraint = "constraint"
	KindIndex      = "index"
)

// Item is one schema element.
type Item struct {
	Name       string
	Kind       string
	Label      string
	Properties []string
}

// Statement renders the idempotent creation statement.
func (it Item) Statement() string {
	refs := make([]string, len(it.Properties))
	for i, p := range it.Properties {
		refs[i] = "n." + p
	}
	target := refs[0]
	if len(refs) > 1 || it.Kind == KindIndex {
		target = "(" + strings.Join(refs, ", ") + ")"
	}
	if it.Kind == KindConstraint {
		return fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE %s IS UNIQUE", it.Name, it.Label, target)
	}
	return fmt.Sprintf("CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON %s", it.Name, it.Label, target)
}

// Constraints are the node keys the loader merges on.
var Constraints = []Item{
	{Name: "module_name_unique", Kind: KindConstraint, Label: records.LabelModule, Properties: []string{"name"}},
	{Name: "model_name_unique", Kind: KindConstraint, Label: records.LabelModel, Properties: []string{"name"}},
	{Name: "field_composite_unique", Kind: KindConstraint, Label: records.LabelField, Properties: []string{"name", "model_name"}},
	{Name: "view_xml_id_unique", Kind: KindConstraint, Label: records.LabelView, Properties: []string{"xml_id"}},
}

// Indexes cover the commonly filtered properties.
var Indexes = []Item{
	{Name: "module_category_idx", Kind: KindIndex, Label: records.LabelModule, Properties: []string{"category"}},
	{Name: "module_installable_idx", Kind: KindIndex, Label: records.LabelModule, Properties: []string{"installable"}},
	{Name: "module_application_idx", Kind: KindIndex, Label: records.LabelModule, Properties: []string{"application"}},
	{Name: "model_module_idx", Kind: KindIndex, Label: records.LabelModel, Properties: []string{"module"}},
	{Name: "field_type_idx", Kind: KindIndex, Label: records.LabelField, Properties: []string{"field_type"}},
	{Name: "field_model_name_idx", Kind: KindIndex, Label: records.LabelField, Properties: []string{"model_name"}},
	{Name: "field_comodel_idx", Kind: KindIndex, Label: records.LabelField, Properties: []string{"comodel_name"}},
	{Name: "field_required_idx", Kind: KindIndex, Label: records.LabelField, Properties: []string{"required"}},
	{Name: "view_model_idx", Kind: KindIndex, Label: records.LabelView, Properties: []string{"model"}},
}

// Outcome is the result of applying one item.
type Outcome struct {
	Item    Item
	Created bool // false when it already existed
	Err     error
}

// Report collects the outcome of every item.
type Report struct {
	Outcomes []Outcome
}

// Failed returns the items that could not be applied.
func (r *Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// OK reports whether every item was applied.
func (r *Report) OK() bool { return len(r.Failed()) == 0 }

// Counts returns constraints and indexes applied, and failures.
func (r *Report) Counts() (constraints, indexes, failed int) {
	for _, o := range r.Outcomes {
		switch {
		case o.Err != nil:
			failed++
		case o.Item.Kind == KindConstraint:
			constraints++
		default:
			indexes++
		}
	}
	return constraints, indexes, failed
}

// Verification is the state of the index catalog.
type Verification struct {
	Indexes []string
	Healthy bool
	Err     error
}

// Manager applies the schema through a graph client.
type Manager struct {
	client graph.Client
}

// New returns a Manager writing through c.
func New(c graph.Client) *Manager {
	return &Manager{client: c}
}

// Ensure applies every constraint, then every index. "Already exists"
// counts as success.
func (m *Manager) Ensure(ctx context.Context) *Report {
	rep := &Report{}
	for _, it := range append(append([]Item(nil), Constraints...), Indexes...) {
		c, err := m.client.Write(ctx, it.Statement(), nil)
		if err != nil && alreadyExists(err) {
			err = nil
		}
		out := Outcome{Item: it, Err: err, Created: err == nil && c.ConstraintsAdded+c.IndexesAdded > 0}
		if err != nil {
			slog.Warn("schema.item.err", "kind", it.Kind, "name", it.Name, "err", err)
		} else {
			slog.Debug("schema.item", "kind", it.Kind, "name", it.Name, "created", out.Created)
		}
		rep.Outcomes = append(rep.Outcomes, out)
	}
	cons, idx, failed := rep.Counts()
	slog.Info("schema.ensure", "constraints", cons, "indexes", idx, "failed", failed)
	return rep
}

// Verify reads the index catalog back. A non-empty catalog is healthy.
func (m *Manager) Verify(ctx context.Context) Verification {
	rows, err := m.client.Read(ctx, "SHOW INDEXES YIELD name", nil)
	if err != nil {
		slog.Error("schema.verify.err", "err", err)
		return Verification{Err: err}
	}
	v := Verification{}
	for _, r := range rows {
		if name, ok := r["name"].(string); ok {
			v.Indexes = append(v.Indexes, name)
		}
	}
	v.Healthy = len(v.Indexes) > 0
	slog.Info("schema.verify", "indexes", len(v.Indexes), "healthy", v.Healthy)
	return v
}

func alreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "equivalentschemarulealreadyexists")
}
