// Package records holds the typed entity and relationship records that flow
// from the extractors through the batch loader. Records are independent of
// the graph backend; Props renders the property map a node is stored with.
package records

import (
	"github.com/DeusData/odoo-graph/internal/literal"
)

// Node labels.
const (
	LabelModule = "Module"
	LabelModel  = "Model"
	LabelField  = "Field"
	LabelView   = "View"
)

// Relationship types.
const (
	RelDependsOn    = "DEPENDS_ON"    // Module -> Module
	RelDefinedIn    = "DEFINED_IN"    // Model -> Module, View -> Module
	RelInheritsFrom = "INHERITS_FROM" // Model -> Model (_inherit)
	RelDelegatesTo  = "DELEGATES_TO"  // Model -> Model (_inherits), keyed by field
	RelBelongsTo    = "BELONGS_TO"    // Field -> Model, View -> Model
	RelReferences   = "REFERENCES"    // Field -> Model (comodel)
	RelExtends      = "EXTENDS"       // View -> View
)

// Labels lists every node label in load order.
var Labels = []string{LabelModule, LabelModel, LabelField, LabelView}

// RelTypes lists every relationship type.
var RelTypes = []string{
	RelDependsOn, RelDefinedIn, RelInheritsFrom, RelDelegatesTo,
	RelBelongsTo, RelReferences, RelExtends,
}

// Module is one addon directory with a manifest.
type Module struct {
	Name        string // technical name, the directory name
	DisplayName string
	Version     string
	Category    string
	Summary     string
	Description string
	Author      string
	Website     string
	License     string
	Maintainers []string

	Installable bool
	AutoInstall bool
	Application bool

	Depends        []string
	Data           []string
	ExternalPython []string
	ExternalBin    []string

	Path         string // module directory
	ManifestPath string
	Hash         string // manifest content digest
}

// Props renders the Module node properties. The key is included.
func (m *Module) Props() map[string]any {
	return map[string]any{
		"name":            m.Name,
		"display_name":    m.DisplayName,
		"version":         m.Version,
		"category":        m.Category,
		"summary":         emptyNil(m.Summary),
		"description":     emptyNil(m.Description),
		"author":          emptyNil(m.Author),
		"website":         emptyNil(m.Website),
		"license":         emptyNil(m.License),
		"maintainers":     stringsOrNil(m.Maintainers),
		"installable":     m.Installable,
		"auto_install":    m.AutoInstall,
		"application":     m.Application,
		"depends":         stringsOrNil(m.Depends),
		"data":            stringsOrNil(m.Data),
		"external_python": stringsOrNil(m.ExternalPython),
		"external_bin":    stringsOrNil(m.ExternalBin),
		"file_path":       m.ManifestPath,
		"path":            m.Path,
		"file_hash":       m.Hash,
	}
}

// ModelType classifies a model class by its _name and _inherit attributes.
type ModelType string

const (
	ModelParent    ModelType = "parent"    // _name only
	ModelChild     ModelType = "child"     // _inherit only, or _name listed in _inherit
	ModelRedefined ModelType = "redefined" // _name and a different _inherit
	ModelMixin     ModelType = "mixin"     // neither
)

// Classify applies the inheritance rules. A class whose _name also appears
// in its _inherit list extends that model rather than defining a new one.
func Classify(name string, inherit []string) ModelType {
	switch {
	case name == "" && len(inherit) == 0:
		return ModelMixin
	case name == "":
		return ModelChild
	case len(inherit) == 0:
		return ModelParent
	}
	for _, p := range inherit {
		if p == name {
			return ModelChild
		}
	}
	return ModelRedefined
}

// CreatesNode reports whether a model of this type gets its own Model node.
func (t ModelType) CreatesNode() bool {
	return t == ModelParent || t == ModelRedefined
}

// Delegation is one _inherits entry.
type Delegation struct {
	Model string
	Field string
}

// Model is one Odoo model class.
type Model struct {
	Name        string
	Description string
	Module      string
	FilePath    string
	LineNumber  int
	ClassName   string
	Hash        string // source file digest

	Type ModelType
	Kind string // Model, TransientModel or AbstractModel

	Inherit     []string
	Delegations []Delegation // declaration order
	RecName     string
	Order       string
	Table       string

	Fields []Field
}

// Identity is the model name the class contributes to: _name, or the first
// _inherit entry for pure extensions. Mixins have no identity.
func (m *Model) Identity() string {
	if m.Name != "" && m.Type != ModelChild {
		return m.Name
	}
	if len(m.Inherit) > 0 {
		return m.Inherit[0]
	}
	return m.Name
}

// Parents returns the INHERITS_FROM targets: every _inherit entry other
// than the model itself.
func (m *Model) Parents() []string {
	self := m.Identity()
	var out []string
	for _, p := range m.Inherit {
		if p != self {
			out = append(out, p)
		}
	}
	return out
}

// Props renders the Model node properties.
func (m *Model) Props() map[string]any {
	return map[string]any{
		"name":        m.Name,
		"description": emptyNil(m.Description),
		"module":      m.Module,
		"file_path":   m.FilePath,
		"line_number": int64(m.LineNumber),
		"class_name":  m.ClassName,
		"file_hash":   m.Hash,
		"model_type":  string(m.Type),
		"model_kind":  emptyNil(m.Kind),
		"inherit":     stringsOrNil(m.Inherit),
		"rec_name":    emptyNil(m.RecName),
		"order":       emptyNil(m.Order),
		"table":       emptyNil(m.Table),
	}
}

// Field is one fields.<Type>(...) declaration.
type Field struct {
	Name      string
	ModelName string
	Module    string
	FieldType string
	FilePath  string
	Line      int

	String      string
	Help        string
	Compute     string
	Related     string
	InverseName string
	ComodelName string

	Required   *bool
	Readonly   *bool
	Copy       *bool
	Index      *bool
	Translate  *bool
	Sanitize   *bool
	Store      *bool
	StripStyle *bool

	Default   literal.Value
	Depends   literal.Value
	Domain    literal.Value
	Selection literal.Value
	States    literal.Value
	Digits    literal.Value

	// Extra keeps every keyword argument without a typed slot, plus typed
	// flags whose value was not a plain boolean (index='btree_not_null').
	Extra map[string]literal.Value
}

// SetExtra records a keyword argument that has no typed slot.
func (f *Field) SetExtra(key string, v literal.Value) {
	if f.Extra == nil {
		f.Extra = make(map[string]literal.Value)
	}
	f.Extra[key] = v
}

// Relational reports whether the field type points at another model.
func (f *Field) Relational() bool {
	switch f.FieldType {
	case "Many2one", "One2many", "Many2many":
		return true
	}
	return false
}

// Props renders the Field node properties. Every known attribute is present,
// nil when the source did not set it. Literal values stay as literal.Value so
// the loader decides how nested values travel.
func (f *Field) Props() map[string]any {
	p := map[string]any{
		"name":         f.Name,
		"model_name":   f.ModelName,
		"module":       emptyNil(f.Module),
		"field_type":   f.FieldType,
		"file_path":    emptyNil(f.FilePath),
		"line_number":  int64(f.Line),
		"string":       emptyNil(f.String),
		"help":         emptyNil(f.Help),
		"compute":      emptyNil(f.Compute),
		"related":      emptyNil(f.Related),
		"inverse_name": emptyNil(f.InverseName),
		"comodel_name": emptyNil(f.ComodelName),
		"required":     boolOrNil(f.Required),
		"readonly":     boolOrNil(f.Readonly),
		"copy":         boolOrNil(f.Copy),
		"index":        boolOrNil(f.Index),
		"translate":    boolOrNil(f.Translate),
		"sanitize":     boolOrNil(f.Sanitize),
		"store":        boolOrNil(f.Store),
		"strip_style":  boolOrNil(f.StripStyle),
		"default":      valueOrNil(f.Default),
		"depends":      valueOrNil(f.Depends),
		"domain":       valueOrNil(f.Domain),
		"selection":    valueOrNil(f.Selection),
		"states":       valueOrNil(f.States),
		"digits":       valueOrNil(f.Digits),
	}
	for k, v := range f.Extra {
		if cur, ok := p[k]; ok && cur != nil {
			continue
		}
		p[k] = valueOrNil(v)
	}
	return p
}

// View is one ir.ui.view record.
type View struct {
	XMLID      string // module-qualified
	Name       string
	Model      string
	ViewType   string
	Module     string
	InheritID  string // module-qualified parent view id
	Priority   int
	Mode       string // primary or extension
	FilePath   string
	LineNumber int
}

// Props renders the View node properties.
func (v *View) Props() map[string]any {
	return map[string]any{
		"xml_id":      v.XMLID,
		"name":        emptyNil(v.Name),
		"model":       emptyNil(v.Model),
		"view_type":   v.ViewType,
		"module":      v.Module,
		"inherit_id":  emptyNil(v.InheritID),
		"priority":    int64(v.Priority),
		"mode":        v.Mode,
		"file_path":   v.FilePath,
		"line_number": int64(v.LineNumber),
	}
}

func emptyNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolOrNil(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func valueOrNil(v literal.Value) any {
	if v.IsNone() {
		return nil
	}
	return v
}

func stringsOrNil(s []string) any {
	if len(s) == 0 {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
