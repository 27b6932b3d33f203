package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/DeusData/odoo-graph/internal/discover"
	"github.com/DeusData/odoo-graph/internal/failure"
	"github.com/DeusData/odoo-graph/internal/literal"
	"github.com/DeusData/odoo-graph/internal/parser"
	"github.com/DeusData/odoo-graph/internal/records"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// exprLiteral parses `v = <expr>` and converts the right-hand side.
func exprLiteral(t *testing.T, expr string) (literal.Value, bool) {
	t.Helper()
	src := []byte("v = " + expr + "\n")
	tree, err := parser.Parse(src)
	require.NoError(t, err)
	defer tree.Close()
	var rhs *tree_sitter.Node
	parser.Walk(tree.RootNode(), func(n *tree_sitter.Node) bool {
		if rhs == nil && n.Kind() == "assignment" {
			rhs = n.ChildByFieldName("right")
			return false
		}
		return true
	})
	require.NotNil(t, rhs)
	return toLiteral(rhs, src)
}

func TestToLiteral(t *testing.T) {
	tests := []struct {
		expr string
		want string // literal.Value.String()
		ok   bool
	}{
		{`'plain'`, `"plain"`, true},
		{`"tab\tnew\nline"`, `"tab\tnew\nline"`, true},
		{`r'\d+'`, `"\\d+"`, true},
		{`u'caf\xe9'`, `"café"`, true},
		{`'a' 'b'`, `"ab"`, true},
		{`"""doc"""`, `"doc"`, true},
		{`42`, `42`, true},
		{`1_000`, `1000`, true},
		{`0x1F`, `31`, true},
		{`-3`, `-3`, true},
		{`2.5`, `2.5`, true},
		{`True`, `True`, true},
		{`None`, `None`, true},
		{`[1, 'two', None]`, `[1, "two", None]`, true},
		{`('a', 'b')`, `["a", "b"]`, true},
		{`{'x': 1, 'y': [True]}`, `{"x": 1, "y": [True]}`, true},
		{`[('draft', 'Draft'), ('done', 'Done')]`, `[["draft", "Draft"], ["done", "Done"]]`, true},
		{`[lambda self: 1, 2]`, `[None, 2]`, true},
		{`f'{x}'`, ``, false},
		{`some_name`, ``, false},
		{`call()`, ``, false},
		{`1j`, ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			v, ok := exprLiteral(t, tt.expr)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, v.String())
			}
		})
	}
}

func TestUnescapePy(t *testing.T) {
	assert.Equal(t, "a'b", unescapePy(`a\'b`))
	assert.Equal(t, "\x00A", unescapePy(`\0\101`))
	assert.Equal(t, `\q`, unescapePy(`\q`))
	assert.Equal(t, "é", unescapePy(`é`))
	assert.Equal(t, `\x4`, unescapePy(`\x4`))
}

func TestParseManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sale", "__manifest__.py")
	writeFile(t, path, `# -*- coding: utf-8 -*-
{
    'name': 'Sales',
    'version': '17.0.1.2',
    'category': 'Sales/Sales',
    'summary': 'From quotations to invoices',
    'author': ['Odoo S.A.', 'Community'],
    'depends': ['base', 'mail', 42, None],
    'data': ['views/sale_views.xml'],
    'external_dependencies': {'python': ['num2words'], 'bin': []},
    'application': True,
    'auto_install': ['base', 'mail'],
    'license': 'LGPL-3',
    'unknown_key': object(),
}
`)
	m, err := ParseManifest(path)
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, "sale", m.Name)
	assert.Equal(t, "Sales", m.DisplayName)
	assert.Equal(t, "17.0.1.2", m.Version)
	assert.Equal(t, "Sales/Sales", m.Category)
	assert.Equal(t, "Odoo S.A., Community", m.Author)
	assert.Equal(t, []string{"base", "mail"}, m.Depends)
	assert.Equal(t, []string{"views/sale_views.xml"}, m.Data)
	assert.Equal(t, []string{"num2words"}, m.ExternalPython)
	assert.Empty(t, m.ExternalBin)
	assert.True(t, m.Installable)
	assert.True(t, m.Application)
	assert.True(t, m.AutoInstall)
	assert.Equal(t, "LGPL-3", m.License)
	assert.Equal(t, filepath.Join(dir, "sale"), m.Path)
}

func TestParseManifestDefaultsAndAssignment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny", "__openerp__.py")
	writeFile(t, path, "manifest = {'depends': 'base', 'version': 3}\n")

	m, err := ParseManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "tiny", m.DisplayName)
	assert.Equal(t, DefaultVersion, m.Version)
	assert.Equal(t, DefaultCategory, m.Category)
	assert.True(t, m.Installable)
	assert.False(t, m.Application)
	assert.Nil(t, m.Depends, "a non-list depends is dropped")
}

func TestParseManifestFailures(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		kind    failure.Kind
	}{
		{"syntax", "{'name': 'Broken',\n", failure.KindSyntax},
		{"nodict", "x = 1\n", failure.KindInvalid},
		{"binary", "{'name': '\x00'}", failure.KindEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name, "__manifest__.py")
			writeFile(t, path, tt.content)
			m, err := ParseManifest(path)
			assert.Nil(t, m)
			var rec *failure.Recoverable
			require.ErrorAs(t, err, &rec)
			assert.Equal(t, tt.kind, rec.Kind)
			assert.Equal(t, path, rec.Path)
		})
	}

	m, err := ParseManifest(filepath.Join(dir, "missing", "__manifest__.py"))
	assert.Nil(t, m)
	assert.True(t, failure.IsRecoverable(err))
}

func TestParseManifestLatin1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "l10n_fr", "__manifest__.py")
	writeFile(t, path, "{'name': 'France - Comptabilit\xe9'}\n")

	m, err := ParseManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "France - Comptabilité", m.DisplayName)
}

func TestDecodeText(t *testing.T) {
	out, enc, err := decodeText([]byte("\xef\xbb\xbfcafé"))
	require.NoError(t, err)
	assert.Equal(t, "utf-8", enc)
	assert.Equal(t, "café", string(out))

	_, _, err = decodeText([]byte{'a', 0, 'b'})
	assert.ErrorIs(t, err, ErrUndecodable)
}

const modelSource = `from odoo import api, fields, models
from odoo.models import AbstractModel


class Partner(models.Model):
    _name = 'res.partner'
    _description = 'Contact'
    _order = 'name'
    _rec_name = 'display_name'

    name = fields.Char('Name', required=True, index='trigram')
    state = fields.Selection([('draft', 'Draft'), ('done', 'Done')], 'Status', default='draft')
    parent_id = fields.Many2one('res.partner', string='Parent', ondelete='cascade')
    child_ids = fields.One2many('res.partner', 'parent_id', 'Contacts')
    total = fields.Float(compute=_compute_total, store=True, digits=(16, 2))
    note = fields.Html(translate=html_translate, sanitize=False)
    helper = api.model


class PartnerExtension(models.Model):
    _inherit = 'res.partner'

    vat = fields.Char()


class SelfExtension(models.Model):
    _name = 'res.partner'
    _inherit = ['res.partner', 'mail.thread']


class Wizard(models.TransientModel):
    _name = 'partner.wizard'
    _inherit = ['mail.thread']


class Users(models.Model):
    _name = 'res.users'
    _inherits = {'res.partner': 'partner_id', 'res.company': 'company_id'}


class Mixin(AbstractModel):
    counter = fields.Integer()


class NotAModel(object):
    _name = 'ignored'
`

func TestExtractModelsSource(t *testing.T) {
	models, err := ExtractModelsSource([]byte(modelSource), "/addons/base/models/res_partner.py", "base")
	require.NoError(t, err)
	require.Len(t, models, 6)

	want := []struct {
		class string
		typ   records.ModelType
		kind  string
		id    string
	}{
		{"Partner", records.ModelParent, "Model", "res.partner"},
		{"PartnerExtension", records.ModelChild, "Model", "res.partner"},
		{"SelfExtension", records.ModelChild, "Model", "res.partner"},
		{"Wizard", records.ModelRedefined, "TransientModel", "partner.wizard"},
		{"Users", records.ModelParent, "Model", "res.users"},
		{"Mixin", records.ModelMixin, "AbstractModel", ""},
	}
	for i, w := range want {
		assert.Equal(t, w.class, models[i].ClassName)
		assert.Equal(t, w.typ, models[i].Type, w.class)
		assert.Equal(t, w.kind, models[i].Kind, w.class)
		assert.Equal(t, w.id, models[i].Identity(), w.class)
	}

	p := models[0]
	assert.Equal(t, "Contact", p.Description)
	assert.Equal(t, "name", p.Order)
	assert.Equal(t, "display_name", p.RecName)
	assert.Equal(t, 5, p.LineNumber)
	require.Len(t, p.Fields, 6, "api.model is not a field")

	name := p.Fields[0]
	assert.Equal(t, "name", name.Name)
	assert.Equal(t, "Char", name.FieldType)
	assert.Equal(t, "Name", name.String)
	require.NotNil(t, name.Required)
	assert.True(t, *name.Required)
	assert.Nil(t, name.Index, "a non-boolean index goes to Extra")
	assert.Equal(t, `"trigram"`, name.Extra["index"].String())
	assert.Equal(t, 11, name.Line)

	state := p.Fields[1]
	assert.Equal(t, `[["draft", "Draft"], ["done", "Done"]]`, state.Selection.String())
	assert.Equal(t, "Status", state.String)
	assert.Equal(t, `"draft"`, state.Default.String())

	parent := p.Fields[2]
	assert.Equal(t, "res.partner", parent.ComodelName)
	assert.Equal(t, "Parent", parent.String)
	assert.Equal(t, `"cascade"`, parent.Extra["ondelete"].String())
	assert.True(t, parent.Relational())

	children := p.Fields[3]
	assert.Equal(t, "res.partner", children.ComodelName)
	assert.Equal(t, "parent_id", children.InverseName)
	assert.Equal(t, "Contacts", children.String)

	total := p.Fields[4]
	assert.Equal(t, "_compute_total", total.Compute)
	require.NotNil(t, total.Store)
	assert.True(t, *total.Store)
	assert.Equal(t, "[16, 2]", total.Digits.String())

	note := p.Fields[5]
	assert.Nil(t, note.Translate)
	require.NotNil(t, note.Sanitize)
	assert.False(t, *note.Sanitize)

	assert.Equal(t, []string{"res.partner", "mail.thread"}, models[2].Inherit)
	assert.Equal(t, []string{"mail.thread"}, models[2].Parents())

	assert.Equal(t, []records.Delegation{
		{Model: "res.partner", Field: "partner_id"},
		{Model: "res.company", Field: "company_id"},
	}, models[4].Delegations)
}

func TestExtractModelsSyntaxError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.py")
	writeFile(t, path, "class A(models.Model:\n    _name = 'a'\n")
	models, err := ExtractModels(path, "m")
	assert.Nil(t, models)
	var rec *failure.Recoverable
	require.ErrorAs(t, err, &rec)
	assert.Equal(t, failure.KindSyntax, rec.Kind)
}

func TestExtractModelsOversize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.py")
	writeFile(t, path, "x = 1\n"+strings.Repeat("#", discover.MaxSourceSize))
	_, err := ExtractModels(path, "m")
	var rec *failure.Recoverable
	require.ErrorAs(t, err, &rec)
	assert.Equal(t, failure.KindOversize, rec.Kind)
}

const viewXML = `<?xml version="1.0" encoding="utf-8"?>
<odoo>
    <data>
        <record id="view_partner_form" model="ir.ui.view">
            <field name="name">res.partner.form</field>
            <field name="model">res.partner</field>
            <field name="arch" type="xml">
                <form string="Partner"><field name="name"/></form>
            </field>
        </record>
        <record id="view_partner_tree_ext" model="ir.ui.view">
            <field name="inherit_id" ref="base.view_partner_tree"/>
            <field name="priority">twenty</field>
            <field name="arch" type="xml">
                <xpath expr="//field[@name='name']" position="after"/>
            </field>
        </record>
        <record id="view_partner_kanban_typed" model="ir.ui.view">
            <field name="model">res.partner</field>
            <field name="type">kanban</field>
            <field name="priority" eval="5"/>
            <field name="inherit_id">view_partner_form</field>
        </record>
        <record id="opaque" model="ir.ui.view">
            <field name="model">res.partner</field>
        </record>
        <record id="orphan_view" model="ir.ui.view">
            <field name="name">no model</field>
        </record>
        <record id="action_partner" model="ir.actions.act_window">
            <field name="res_model">res.partner</field>
        </record>
    </data>
</odoo>
`

func TestExtractViews(t *testing.T) {
	views, errs := ExtractViewsReader(strings.NewReader(viewXML), "/addons/contacts/views/partner.xml", "contacts")
	require.Len(t, views, 4)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrViewWithoutModel)

	form := views[0]
	assert.Equal(t, "contacts.view_partner_form", form.XMLID)
	assert.Equal(t, "res.partner.form", form.Name)
	assert.Equal(t, "res.partner", form.Model)
	assert.Equal(t, "form", form.ViewType)
	assert.Equal(t, "primary", form.Mode)
	assert.Equal(t, DefaultViewPriority, form.Priority)
	assert.Equal(t, 4, form.LineNumber)

	ext := views[1]
	assert.Equal(t, "base.view_partner_tree", ext.InheritID)
	assert.Equal(t, "extension", ext.Mode)
	assert.Equal(t, "tree", ext.ViewType, "falls back to the id keyword")
	assert.Equal(t, DefaultViewPriority, ext.Priority)
	assert.Empty(t, ext.Model)

	typed := views[2]
	assert.Equal(t, "kanban", typed.ViewType)
	assert.Equal(t, 5, typed.Priority)
	assert.Equal(t, "contacts.view_partner_form", typed.InheritID)

	assert.Equal(t, "unknown", views[3].ViewType)
}

func TestExtractViewsListIsTree(t *testing.T) {
	const src = `<odoo>
    <record id="view_order_list" model="ir.ui.view">
        <field name="model">sale.order</field>
        <field name="arch" type="xml"><list/></field>
    </record>
    <record id="view_order_list_compact" model="ir.ui.view">
        <field name="model">sale.order</field>
        <field name="arch" type="xml"><xpath expr="//field" position="after"/></field>
    </record>
    <record id="view_order_lines" model="ir.ui.view">
        <field name="model">sale.order</field>
        <field name="type">list</field>
        <field name="arch" type="xml"><form/></field>
    </record>
</odoo>`
	views, errs := ExtractViewsReader(strings.NewReader(src), "/addons/sale/views/order.xml", "sale")
	require.Empty(t, errs)
	require.Len(t, views, 3)
	for _, v := range views {
		assert.Equal(t, "tree", v.ViewType, v.XMLID)
	}
}

func TestExtractViewsMalformed(t *testing.T) {
	views, errs := ExtractViewsReader(strings.NewReader("<odoo><record model='ir.ui.view'>"), "bad.xml", "m")
	assert.Empty(t, views)
	require.Len(t, errs, 1)
	assert.True(t, failure.IsRecoverable(errs[0]))
}

func TestExtractViewsLatin1Declared(t *testing.T) {
	doc := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n<odoo><record id=\"v\" model=\"ir.ui.view\">" +
		"<field name=\"name\">caf\xe9</field><field name=\"model\">x</field></record></odoo>"
	views, errs := ExtractViewsReader(strings.NewReader(doc), "l.xml", "m")
	require.Empty(t, errs)
	require.Len(t, views, 1)
	assert.Equal(t, "café", views[0].Name)
}

type memCache struct {
	models map[string][]records.Model
	views  map[string][]records.View
	hits   int
}

func newMemCache() *memCache {
	return &memCache{models: map[string][]records.Model{}, views: map[string][]records.View{}}
}

func (c *memCache) key(path, module string, content []byte) string {
	return path + "|" + module + "|" + string(content)
}

func (c *memCache) GetModels(path, module string, content []byte) ([]records.Model, bool) {
	m, ok := c.models[c.key(path, module, content)]
	if ok {
		c.hits++
	}
	return m, ok
}

func (c *memCache) PutModels(path, module string, content []byte, models []records.Model) {
	c.models[c.key(path, module, content)] = models
}

func (c *memCache) GetViews(path, module string, content []byte) ([]records.View, bool) {
	v, ok := c.views[c.key(path, module, content)]
	if ok {
		c.hits++
	}
	return v, ok
}

func (c *memCache) PutViews(path, module string, content []byte, views []records.View) {
	c.views[c.key(path, module, content)] = views
}

func TestExtractModule(t *testing.T) {
	root := t.TempDir()
	mod := filepath.Join(root, "contacts")
	writeFile(t, filepath.Join(mod, "__manifest__.py"), "{'name': 'Contacts', 'depends': ['base']}")
	writeFile(t, filepath.Join(mod, "models", "partner.py"), modelSource)
	writeFile(t, filepath.Join(mod, "models", "broken.py"), "class (:\n")
	writeFile(t, filepath.Join(mod, "models", "test_partner.py"), "class T(models.Model):\n    _name = 't'\n")
	writeFile(t, filepath.Join(mod, "views", "partner.xml"), viewXML)

	mods, err := discover.All(context.Background(), root, nil)
	require.NoError(t, err)
	require.Len(t, mods, 1)

	cache := newMemCache()
	opts := Options{SkipTests: true, Views: true, Cache: cache}
	res, err := ExtractModule(context.Background(), mods[0], opts)
	require.NoError(t, err)
	assert.Equal(t, "contacts", res.Module.Name)
	assert.Len(t, res.Models, 6)
	assert.Len(t, res.Views, 4)
	assert.Len(t, res.Errors, 2, "one broken source, one invalid view record")

	var b records.Batch
	dropped := Accumulate(&b, res)
	assert.Equal(t, 1, dropped)
	assert.Len(t, b.Models, 3, "parent, redefined and delegating classes create nodes")
	assert.Len(t, b.ModuleDeps, 1)

	// The partner source hits the cache; the view file had a record error
	// and was not cached.
	_, err = ExtractModule(context.Background(), mods[0], opts)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
}

func TestExtractModuleBadManifest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bad", "__manifest__.py"), "{'name': \n")
	mods, err := discover.All(context.Background(), root, nil)
	require.NoError(t, err)

	res, err := ExtractModule(context.Background(), mods[0], Options{})
	assert.Nil(t, res)
	assert.True(t, failure.IsRecoverable(err))
}

func TestExtractModuleUninstallable(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "old", "__manifest__.py"), "{'name': 'Old', 'installable': False}")
	writeFile(t, filepath.Join(root, "old", "models", "thing.py"), "class T(models.Model):\n    _name = 'old.thing'\n")
	mods, err := discover.All(context.Background(), root, nil)
	require.NoError(t, err)

	res, err := ExtractModule(context.Background(), mods[0], Options{})
	require.NoError(t, err)
	assert.True(t, res.Excluded)
	assert.Empty(t, res.Models)

	res, err = ExtractModule(context.Background(), mods[0], Options{IncludeUninstallable: true})
	require.NoError(t, err)
	assert.False(t, res.Excluded)
	assert.Len(t, res.Models, 1)
}
