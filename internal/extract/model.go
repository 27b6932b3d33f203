package extract

import (
	"log/slog"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/DeusData/odoo-graph/internal/discover"
	"github.com/DeusData/odoo-graph/internal/failure"
	"github.com/DeusData/odoo-graph/internal/literal"
	"github.com/DeusData/odoo-graph/internal/parser"
	"github.com/DeusData/odoo-graph/internal/records"
)

// ModelBases are the base class names that mark an Odoo model class.
var ModelBases = map[string]bool{"Model": true, "TransientModel": true, "AbstractModel": true}

// FieldTypes is the recognized field constructor vocabulary.
var FieldTypes = map[string]bool{
	"Char": true, "Text": true, "Integer": true, "Float": true, "Boolean": true,
	"Date": true, "Datetime": true, "Binary": true, "Image": true, "Selection": true,
	"Html": true, "Monetary": true, "Many2one": true, "One2many": true,
	"Many2many": true, "Many2oneReference": true, "Reference": true,
	"Json": true, "Properties": true, "PropertiesDefinition": true, "Id": true,
}

// positional maps each field type to the meaning of its positional
// arguments, following the field constructors' signatures.
var positional = map[string][]string{
	"Many2one":  {"comodel_name", "string"},
	"One2many":  {"comodel_name", "inverse_name", "string"},
	"Many2many": {"comodel_name", "relation", "column1", "column2", "string"},
	"Selection": {"selection", "string"},
	"Reference": {"selection", "string"},
	"Monetary":  {"string", "currency_field"},
	"Float":     {"string", "digits"},
}

// ExtractModels parses one Python source and returns its model classes in
// source order. A read or syntax failure is a *failure.Recoverable and no
// models are returned for the file.
func ExtractModels(path, module string) ([]records.Model, error) {
	src, err := readSource(path, discover.MaxSourceSize)
	if err != nil {
		return nil, err
	}
	return ExtractModelsSource(src, path, module)
}

// ExtractModelsSource is ExtractModels over already decoded source.
func ExtractModelsSource(src []byte, path, module string) ([]records.Model, error) {
	tree, err := parser.ParseStrict(src)
	if err != nil {
		return nil, failure.Recover(failure.KindSyntax, path, err)
	}
	defer tree.Close()

	var models []records.Model
	parser.Walk(tree.RootNode(), func(n *tree_sitter.Node) bool {
		if n.Kind() != "class_definition" {
			return true
		}
		kind := modelBase(n, src)
		if kind == "" {
			return true
		}
		models = append(models, extractClass(n, src, path, module, kind))
		return true
	})
	return models, nil
}

// modelBase returns the model base marker a class derives from, matched as
// a bare name or the last component of a dotted name.
func modelBase(class *tree_sitter.Node, src []byte) string {
	supers := class.ChildByFieldName("superclasses")
	if supers == nil {
		return ""
	}
	for _, b := range parser.NamedChildren(supers) {
		var name string
		switch b.Kind() {
		case "identifier":
			name = parser.NodeText(b, src)
		case "attribute":
			if attr := b.ChildByFieldName("attribute"); attr != nil {
				name = parser.NodeText(attr, src)
			}
		}
		if ModelBases[name] {
			return name
		}
	}
	return ""
}

// assignment is one `target = value` statement of a class body. Chained
// assignments yield one entry per target.
type assignment struct {
	target string
	value  *tree_sitter.Node
	line   int
}

func classAssignments(body *tree_sitter.Node, src []byte) []assignment {
	var out []assignment
	for _, stmt := range parser.NamedChildren(body) {
		if stmt.Kind() != "expression_statement" {
			continue
		}
		for _, e := range parser.NamedChildren(stmt) {
			if e.Kind() != "assignment" {
				continue
			}
			var targets []string
			cur := e
			for cur != nil && cur.Kind() == "assignment" {
				if left := cur.ChildByFieldName("left"); left != nil && left.Kind() == "identifier" {
					targets = append(targets, parser.NodeText(left, src))
				}
				cur = cur.ChildByFieldName("right")
			}
			if cur == nil {
				continue
			}
			for _, t := range targets {
				out = append(out, assignment{target: t, value: cur, line: int(e.StartPosition().Row) + 1})
			}
		}
	}
	return out
}

func extractClass(class *tree_sitter.Node, src []byte, path, module, kind string) records.Model {
	m := records.Model{
		Module:     module,
		FilePath:   path,
		LineNumber: int(class.StartPosition().Row) + 1,
		Kind:       kind,
	}
	if nameNode := class.ChildByFieldName("name"); nameNode != nil {
		m.ClassName = parser.NodeText(nameNode, src)
	}

	fieldIdx := map[string]int{}
	for _, a := range classAssignments(class.ChildByFieldName("body"), src) {
		if strings.HasPrefix(a.target, "_") {
			applyModelAttr(&m, a, src)
			continue
		}
		f, ok := extractField(a, src)
		if !ok {
			continue
		}
		f.Module = module
		f.FilePath = path
		if i, dup := fieldIdx[f.Name]; dup {
			m.Fields[i] = f
			continue
		}
		fieldIdx[f.Name] = len(m.Fields)
		m.Fields = append(m.Fields, f)
	}
	m.Type = records.Classify(m.Name, m.Inherit)
	return m
}

func applyModelAttr(m *records.Model, a assignment, src []byte) {
	v, ok := toLiteral(a.value, src)
	if !ok {
		return
	}
	str, _ := v.Str()
	switch a.target {
	case "_name":
		m.Name = str
	case "_description":
		m.Description = str
	case "_rec_name":
		m.RecName = str
	case "_order":
		m.Order = str
	case "_table":
		m.Table = str
	case "_inherit":
		if str != "" {
			m.Inherit = []string{str}
			return
		}
		m.Inherit, _ = literal.StringList(v)
	case "_inherits":
		m.Delegations = nil
		for _, e := range v.MapValue().Entries() {
			model, mok := e.Key.Str()
			field, fok := e.Value.Str()
			if mok && fok && model != "" && field != "" {
				m.Delegations = append(m.Delegations, records.Delegation{Model: model, Field: field})
			}
		}
	}
}

// fieldCall recognizes `<namespace>.<FieldType>(...)` and returns the type
// and argument list.
func fieldCall(n *tree_sitter.Node, src []byte) (string, *tree_sitter.Node) {
	if n.Kind() != "call" {
		return "", nil
	}
	fn := n.ChildByFieldName("function")
	if fn == nil || fn.Kind() != "attribute" {
		return "", nil
	}
	obj := fn.ChildByFieldName("object")
	attr := fn.ChildByFieldName("attribute")
	if obj == nil || attr == nil || obj.Kind() != "identifier" {
		return "", nil
	}
	typ := parser.NodeText(attr, src)
	if !FieldTypes[typ] {
		return "", nil
	}
	return typ, n.ChildByFieldName("arguments")
}

func extractField(a assignment, src []byte) (records.Field, bool) {
	typ, args := fieldCall(a.value, src)
	if typ == "" {
		return records.Field{}, false
	}
	f := records.Field{Name: a.target, FieldType: typ, Line: a.line}
	if args == nil {
		return f, true
	}

	slots := positional[typ]
	if slots == nil {
		slots = []string{"string"}
	}
	pos := 0
	for _, arg := range parser.NamedChildren(args) {
		switch arg.Kind() {
		case "comment", "list_splat", "dictionary_splat":
			continue
		case "keyword_argument":
			name := arg.ChildByFieldName("name")
			if name == nil {
				continue
			}
			setAttr(&f, parser.NodeText(name, src), arg.ChildByFieldName("value"), src)
		default:
			if pos < len(slots) {
				setPositional(&f, slots[pos], arg, src)
			}
			pos++
		}
	}
	return f, true
}

// setPositional interprets a positional argument. A list in the selection
// slot becomes the option set; a string there is the label, as for every
// other field type.
func setPositional(f *records.Field, slot string, arg *tree_sitter.Node, src []byte) {
	v, ok := toLiteral(arg, src)
	if !ok {
		return
	}
	if slot == "selection" {
		if v.Kind() == literal.List {
			f.Selection = v
			return
		}
		if s, isStr := v.Str(); isStr {
			f.String = s
		}
		return
	}
	setValue(f, slot, v)
}

// setAttr captures a keyword argument. Method references such as
// compute=_compute_total keep the method name.
func setAttr(f *records.Field, key string, value *tree_sitter.Node, src []byte) {
	v, ok := toLiteral(value, src)
	if !ok && value != nil && value.Kind() == "identifier" {
		switch key {
		case "compute", "inverse", "search", "default", "selection", "currency_field":
			v = literal.NewString(parser.NodeText(value, src))
		}
	}
	setValue(f, key, v)
}

func setValue(f *records.Field, key string, v literal.Value) {
	str, isStr := v.Str()
	b, isBool := v.Bool()
	flag := func(dst **bool) {
		if isBool {
			*dst = &b
			return
		}
		f.SetExtra(key, v)
	}
	text := func(dst *string) {
		if isStr {
			*dst = str
			return
		}
		f.SetExtra(key, v)
	}

	switch key {
	case "string":
		text(&f.String)
	case "help":
		text(&f.Help)
	case "compute":
		text(&f.Compute)
	case "related":
		text(&f.Related)
	case "inverse_name":
		text(&f.InverseName)
	case "comodel_name":
		text(&f.ComodelName)
	case "required":
		flag(&f.Required)
	case "readonly":
		flag(&f.Readonly)
	case "copy":
		flag(&f.Copy)
	case "index":
		flag(&f.Index)
	case "translate":
		flag(&f.Translate)
	case "sanitize":
		flag(&f.Sanitize)
	case "store":
		flag(&f.Store)
	case "strip_style":
		flag(&f.StripStyle)
	case "default":
		f.Default = v
	case "depends":
		f.Depends = v
	case "domain":
		f.Domain = v
	case "selection":
		f.Selection = v
	case "states":
		f.States = v
	case "digits":
		f.Digits = v
	default:
		f.SetExtra(key, v)
	}
}

// logClass reports a class the loader will not see.
func logClass(m *records.Model, reason string) {
	slog.Debug("extract.model.skip", "class", m.ClassName, "path", m.FilePath, "line", m.LineNumber, "reason", reason)
}
