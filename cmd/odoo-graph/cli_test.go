package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// env is a process environment pointing at a scratch embedded graph.
type env map[string]string

func newEnv(t *testing.T) env {
	dir := t.TempDir()
	return env{
		"GRAPH_URI":       "sqlite://" + filepath.Join(dir, "graph.db"),
		"CACHE_DIR":       filepath.Join(dir, "cache"),
		"LOG_FILE":        "",
		"LOG_LEVEL":       "ERROR",
		"CONNECT_RETRIES": "1",
	}
}

func (e env) lookup(k string) (string, bool) {
	v, ok := e[k]
	return v, ok
}

// run executes one command line and returns its exit code and output.
func (e env) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...)
	code := execute(context.Background(), args, &stdout, &stderr, e.lookup)
	return code, stdout.String(), stderr.String()
}

func addons(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "base", "__manifest__.py"), `{'name': 'Base', 'version': '1.0'}`)
	writeFile(t, filepath.Join(root, "base", "models", "res_partner.py"), `from odoo import fields, models


class Partner(models.Model):
    _name = 'res.partner'

    name = fields.Char(required=True)
`)
	writeFile(t, filepath.Join(root, "sale", "__manifest__.py"), `{'name': 'Sales', 'depends': ['base'], 'data': ['views/partner.xml']}`)
	writeFile(t, filepath.Join(root, "sale", "models", "sale_order.py"), `from odoo import fields, models


class SaleOrder(models.Model):
    _name = 'sale.order'

    partner_id = fields.Many2one('res.partner')
    amount = fields.Float(compute='_compute_amount', store=True)
`)
	writeFile(t, filepath.Join(root, "sale", "views", "partner.xml"), `<odoo>
    <record id="view_order_form" model="ir.ui.view">
        <field name="name">sale.order.form</field>
        <field name="model">sale.order</field>
        <field name="arch" type="xml"><form/></field>
    </record>
</odoo>
`)
	return root
}

func TestCLI_Version(t *testing.T) {
	code, out, _ := newEnv(t).run(t, "--version")
	require.Equal(t, exitOK, code)
	assert.True(t, strings.HasPrefix(out, "odoo-graph version"), out)
}

func TestCLI_IndexAndQuery(t *testing.T) {
	e := newEnv(t)
	root := addons(t)

	code, out, errOut := e.run(t, "index", root, "--json")
	require.Equal(t, exitOK, code, errOut)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.EqualValues(t, 2, stats["modules_indexed"])
	assert.EqualValues(t, 3, stats["fields_indexed"])
	assert.EqualValues(t, 0, stats["errors"])

	code, out, _ = e.run(t, "deps", "sale")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "MODULE")
	assert.Contains(t, out, "base")

	code, out, _ = e.run(t, "path", "sale", "base")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "sale -> base (depth 1)")

	code, out, _ = e.run(t, "find-model", "sale_order", "--json")
	require.Equal(t, exitOK, code)
	var hits []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, "sale", hits[0]["module"])

	code, out, _ = e.run(t, "relational")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "partner_id")

	code, out, _ = e.run(t, "computed", "--model", "sale.order")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "_compute_amount")

	code, out, _ = e.run(t, "views", "sale.order")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "sale.view_order_form")

	code, out, _ = e.run(t, "overview", "--json")
	require.Equal(t, exitOK, code)
	var o map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &o))
	assert.EqualValues(t, 2, o["module_count"])
	assert.EqualValues(t, 1, o["view_count"])

	code, out, _ = e.run(t, "cycles")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "no dependency cycles")
}

func TestCLI_IncrementalSecondRun(t *testing.T) {
	e := newEnv(t)
	root := addons(t)

	code, _, errOut := e.run(t, "index", root)
	require.Equal(t, exitOK, code, errOut)
	code, out, _ := e.run(t, "index", root, "--json")
	require.Equal(t, exitOK, code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.EqualValues(t, 0, stats["modules_indexed"])
	assert.EqualValues(t, 2, stats["modules_skipped"])

	code, out, _ = e.run(t, "index", root, "--incremental=false", "--json")
	require.Equal(t, exitOK, code)
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.EqualValues(t, 2, stats["modules_indexed"])
}

func TestCLI_ClearNeedsConfirmation(t *testing.T) {
	e := newEnv(t)
	root := addons(t)

	code, _, errOut := e.run(t, "clear")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "--yes")

	code, _, _ = e.run(t, "index", root, "--clear")
	assert.Equal(t, exitUsage, code)

	code, _, _ = e.run(t, "index", root)
	require.Equal(t, exitOK, code)
	code, out, _ := e.run(t, "clear", "--yes", "--json")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"nodes_deleted"`)

	code, out, _ = e.run(t, "overview", "--json")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"module_count": 0`)
}

func TestCLI_Schema(t *testing.T) {
	code, out, errOut := newEnv(t).run(t, "schema")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "module_name")
	assert.Contains(t, out, "healthy")
}

func TestCLI_UsageErrors(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		args []string
	}{
		{"no paths", []string{"index"}},
		{"missing argument", []string{"deps"}},
		{"unknown flag", []string{"overview", "--bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := e.run(t, tt.args...)
			assert.Equal(t, exitUsage, code)
		})
	}
}

func TestCLI_InvalidConfig(t *testing.T) {
	e := newEnv(t)
	e["BATCH_SIZE"] = "0"
	code, _, errOut := e.run(t, "overview")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "BatchSize")
}

func TestCLI_FlagOverridesEnv(t *testing.T) {
	e := newEnv(t)
	e["MAX_DEPTH"] = "0"
	code, _, errOut := e.run(t, "cycles", "--max-depth", "4")
	assert.Equal(t, exitOK, code, errOut)
}

func TestCLI_ConnectionFailure(t *testing.T) {
	e := newEnv(t)
	e["GRAPH_URI"] = "bolt://127.0.0.1:1"
	e["CONNECT_RETRY_DELAY"] = "0s"
	code, _, errOut := e.run(t, "overview")
	assert.Equal(t, exitFatal, code)
	assert.Contains(t, errOut, "fatal")
}
