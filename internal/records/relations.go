package records

// ModuleDependency is Module -DEPENDS_ON-> Module.
type ModuleDependency struct {
	From string
	To   string
}

// ModelModule is Model -DEFINED_IN-> Module.
type ModelModule struct {
	Model  string
	Module string
}

// ModelInheritance is Model -INHERITS_FROM-> Model.
type ModelInheritance struct {
	From string
	To   string
}

// ModelDelegation is Model -DELEGATES_TO {field}-> Model.
type ModelDelegation struct {
	From  string
	To    string
	Field string
}

// FieldModel is Field -BELONGS_TO-> Model.
type FieldModel struct {
	Field string
	Model string
}

// FieldReference is Field -REFERENCES-> Model for relational fields.
type FieldReference struct {
	Field   string
	Model   string
	Comodel string
}

// ViewModel is View -BELONGS_TO-> Model.
type ViewModel struct {
	XMLID string
	Model string
}

// ViewModule is View -DEFINED_IN-> Module.
type ViewModule struct {
	XMLID  string
	Module string
}

// ViewInheritance is View -EXTENDS-> View.
type ViewInheritance struct {
	XMLID  string
	Parent string
}

// Batch accumulates everything one run extracts, in load order.
type Batch struct {
	Modules          []Module
	ModuleDeps       []ModuleDependency
	Models           []Model
	ModelModules     []ModelModule
	ModelInheritance []ModelInheritance
	ModelDelegations []ModelDelegation
	Fields           []Field
	FieldModels      []FieldModel
	FieldReferences  []FieldReference
	Views            []View
	ViewModels       []ViewModel
	ViewModules      []ViewModule
	ViewInheritance  []ViewInheritance
}

// AddModule records a module and its dependency edges.
func (b *Batch) AddModule(m Module) {
	b.Modules = append(b.Modules, m)
	for _, dep := range m.Depends {
		b.ModuleDeps = append(b.ModuleDeps, ModuleDependency{From: m.Name, To: dep})
	}
}

// AddModel records a classified model with its fields and derived edges.
// Mixins without identity are dropped; the caller reports them. Pure
// extensions create no Model node but their fields attach to the extended
// model and extra _inherit entries become inheritance edges on it.
func (b *Batch) AddModel(m Model) bool {
	id := m.Identity()
	if id == "" {
		return false
	}
	if m.Type.CreatesNode() {
		b.Models = append(b.Models, m)
		b.ModelModules = append(b.ModelModules, ModelModule{Model: id, Module: m.Module})
	}
	for _, p := range m.Parents() {
		b.ModelInheritance = append(b.ModelInheritance, ModelInheritance{From: id, To: p})
	}
	for _, d := range m.Delegations {
		b.ModelDelegations = append(b.ModelDelegations, ModelDelegation{From: id, To: d.Model, Field: d.Field})
	}
	for _, f := range m.Fields {
		f.ModelName = id
		if f.Module == "" {
			f.Module = m.Module
		}
		b.Fields = append(b.Fields, f)
		b.FieldModels = append(b.FieldModels, FieldModel{Field: f.Name, Model: id})
		if f.ComodelName != "" {
			b.FieldReferences = append(b.FieldReferences, FieldReference{Field: f.Name, Model: id, Comodel: f.ComodelName})
		}
	}
	return true
}

// AddView records a view with its model, module and parent edges.
func (b *Batch) AddView(v View) {
	b.Views = append(b.Views, v)
	if v.Model != "" {
		b.ViewModels = append(b.ViewModels, ViewModel{XMLID: v.XMLID, Model: v.Model})
	}
	b.ViewModules = append(b.ViewModules, ViewModule{XMLID: v.XMLID, Module: v.Module})
	if v.InheritID != "" {
		b.ViewInheritance = append(b.ViewInheritance, ViewInheritance{XMLID: v.XMLID, Parent: v.InheritID})
	}
}

// Merge appends o after b, keeping o's order.
func (b *Batch) Merge(o *Batch) {
	b.Modules = append(b.Modules, o.Modules...)
	b.ModuleDeps = append(b.ModuleDeps, o.ModuleDeps...)
	b.Models = append(b.Models, o.Models...)
	b.ModelModules = append(b.ModelModules, o.ModelModules...)
	b.ModelInheritance = append(b.ModelInheritance, o.ModelInheritance...)
	b.ModelDelegations = append(b.ModelDelegations, o.ModelDelegations...)
	b.Fields = append(b.Fields, o.Fields...)
	b.FieldModels = append(b.FieldModels, o.FieldModels...)
	b.FieldReferences = append(b.FieldReferences, o.FieldReferences...)
	b.Views = append(b.Views, o.Views...)
	b.ViewModels = append(b.ViewModels, o.ViewModels...)
	b.ViewModules = append(b.ViewModules, o.ViewModules...)
	b.ViewInheritance = append(b.ViewInheritance, o.ViewInheritance...)
}

// Empty reports whether nothing was accumulated.
func (b *Batch) Empty() bool {
	return len(b.Modules) == 0 && len(b.Models) == 0 && len(b.Fields) == 0 && len(b.Views) == 0 &&
		len(b.ModelInheritance) == 0 && len(b.ModelDelegations) == 0
}
