package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeusData/odoo-graph/internal/failure"
	"github.com/DeusData/odoo-graph/internal/graph"
	"github.com/DeusData/odoo-graph/internal/monitor"
	"github.com/DeusData/odoo-graph/internal/tracker"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

const partnerSource = `from odoo import fields, models


class Partner(models.Model):
    _name = 'res.partner'
    _description = 'Contact'

    name = fields.Char(string='Name', required=True)
    state = fields.Selection([('draft', 'Draft'), ('done', 'Done')], default='draft')
`

const orderSource = `from odoo import fields, models


class SaleOrder(models.Model):
    _name = 'sale.order'

    partner_id = fields.Many2one('res.partner', string='Customer')
`

// setupAddons writes the two-module scenario: base defines res.partner
// with two fields, sale depends on base and references res.partner.
func setupAddons(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "base", "__manifest__.py"), `{'name': 'Base', 'version': '1.0', 'depends': []}`)
	writeFile(t, filepath.Join(root, "base", "models", "res_partner.py"), partnerSource)
	writeFile(t, filepath.Join(root, "sale", "__manifest__.py"), `{'name': 'Sales', 'depends': ['base'], 'application': True}`)
	writeFile(t, filepath.Join(root, "sale", "models", "sale_order.py"), orderSource)
	return root
}

type fixture struct {
	client *graph.Embedded
	ledger *tracker.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := graph.OpenMemory()
	require.NoError(t, err)
	l, err := tracker.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close(context.Background())
		l.Close()
	})
	return &fixture{client: c, ledger: l}
}

func (f *fixture) pipeline(opts Options) *Pipeline {
	quiet := monitor.WithSampler(70, func() (monitor.Sample, error) {
		return monitor.Sample{}, errors.New("disabled in tests")
	})
	return New(f.client, opts, Deps{Ledger: f.ledger, Monitor: quiet})
}

func TestRunScenario(t *testing.T) {
	root := setupAddons(t)
	f := newFixture(t)

	stats, err := f.pipeline(Options{Roots: []string{root}}).Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, stats.RunID)
	assert.Equal(t, 2, stats.ModulesFound)
	assert.Equal(t, 2, stats.ModulesIndexed)
	assert.Equal(t, 2, stats.ModelsIndexed)
	assert.Equal(t, 3, stats.FieldsIndexed)
	assert.Zero(t, stats.Errors)

	c := stats.Census
	assert.EqualValues(t, 2, c.Node("Module"))
	assert.EqualValues(t, 2, c.Node("Model"))
	assert.EqualValues(t, 3, c.Node("Field"))
	assert.EqualValues(t, 1, c.Rel("DEPENDS_ON"))
	assert.EqualValues(t, 1, c.Rel("REFERENCES"))
	assert.EqualValues(t, 3, c.Rel("BELONGS_TO"))
	assert.EqualValues(t, 2, c.Rel("DEFINED_IN"))
}

func TestRunIdempotent(t *testing.T) {
	root := setupAddons(t)
	f := newFixture(t)
	p := f.pipeline(Options{Roots: []string{root}})

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	second, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, second.ModulesIndexed)
	assert.Equal(t, first.Census, second.Census)
	assert.Zero(t, second.RelationshipsCreated)
}

func TestRunIncrementalSkip(t *testing.T) {
	root := setupAddons(t)
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline(Options{Roots: []string{root}, Incremental: true}).Run(ctx)
	require.NoError(t, err)

	props := func() map[string]any {
		rows, err := f.client.Read(ctx, "MATCH (m:Module {name: 'sale'}) RETURN properties(m) AS props", nil)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		return rows[0]["props"].(map[string]any)
	}
	before := props()
	assert.NotEmpty(t, before["file_hash"])

	stats, err := f.pipeline(Options{Roots: []string{root}, Incremental: true}).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.ModulesIndexed)
	assert.Equal(t, 2, stats.ModulesSkipped)
	assert.Equal(t, before, props())
	assert.EqualValues(t, 3, stats.Census.Node("Field"))

	// Touching one model file reindexes only its module.
	writeFile(t, filepath.Join(root, "sale", "models", "sale_order.py"), orderSource+
		"    note = fields.Text()\n")
	stats, err = f.pipeline(Options{Roots: []string{root}, Incremental: true}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ModulesIndexed)
	assert.Equal(t, 1, stats.ModulesSkipped)
	assert.EqualValues(t, 4, stats.Census.Node("Field"))
}

// flakyClient fails the first n field upserts with a recoverable error.
type flakyClient struct {
	graph.Client
	n int
}

func (c *flakyClient) WriteBatch(ctx context.Context, query, variable string, rows []map[string]any) (graph.Counters, error) {
	if c.n > 0 && strings.Contains(query, "MERGE (n:Field") {
		c.n--
		return graph.Counters{}, errors.New("connection reset by peer")
	}
	return c.Client.WriteBatch(ctx, query, variable, rows)
}

func TestRunIncrementalRetriesFailedLoad(t *testing.T) {
	root := setupAddons(t)
	f := newFixture(t)
	ctx := context.Background()
	opts := Options{Roots: []string{root}, Incremental: true}
	quiet := monitor.WithSampler(70, func() (monitor.Sample, error) {
		return monitor.Sample{}, errors.New("disabled in tests")
	})

	flaky := &flakyClient{Client: f.client, n: 1}
	stats, err := New(flaky, opts, Deps{Ledger: f.ledger, Monitor: quiet}).Run(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.Errors)
	assert.Zero(t, stats.FieldsIndexed)

	tracked, err := f.ledger.Paths(root)
	require.NoError(t, err)
	assert.Empty(t, tracked)

	stats, err = f.pipeline(opts).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ModulesIndexed)
	assert.Zero(t, stats.ModulesSkipped)
	assert.Zero(t, stats.Errors)
	assert.EqualValues(t, 3, stats.Census.Node("Field"))

	stats, err = f.pipeline(opts).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ModulesSkipped)
}

func TestRunIncrementalDeletion(t *testing.T) {
	root := setupAddons(t)
	f := newFixture(t)
	ctx := context.Background()
	extra := filepath.Join(root, "sale", "models", "extra.py")
	writeFile(t, extra, "class Extra(models.Model):\n    _name = 'sale.extra'\n")

	_, err := f.pipeline(Options{Roots: []string{root}, Incremental: true}).Run(ctx)
	require.NoError(t, err)
	require.NoError(t, os.Remove(extra))

	stats, err := f.pipeline(Options{Roots: []string{root}, Incremental: true}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{extra}, stats.FilesDeleted)
	assert.Equal(t, 1, stats.ModulesIndexed, "the module that lost a file is reread")

	_, ok, err := f.ledger.Get(extra)
	require.NoError(t, err)
	assert.False(t, ok)
	// Deletions never cascade into the graph.
	assert.EqualValues(t, 3, stats.Census.Node("Model"))
}

func TestRunMalformedManifest(t *testing.T) {
	root := setupAddons(t)
	writeFile(t, filepath.Join(root, "broken", "__manifest__.py"), "{'name': 'Broken',\n 'depends': [\n")
	f := newFixture(t)

	stats, err := f.pipeline(Options{Roots: []string{root}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ModulesFound)
	assert.Equal(t, 2, stats.ModulesIndexed)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.ErrorsByKind[string(failure.KindSyntax)])
	assert.EqualValues(t, 2, stats.Census.Node("Module"))

	_, ok, err := f.ledger.Get(filepath.Join(root, "broken", "__manifest__.py"))
	require.NoError(t, err)
	assert.False(t, ok, "failed modules are retried next run")
}

func TestRunDependencyChain(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "__manifest__.py"), `{'name': 'A', 'depends': ['b']}`)
	writeFile(t, filepath.Join(root, "b", "__manifest__.py"), `{'name': 'B', 'depends': ['c']}`)
	writeFile(t, filepath.Join(root, "c", "__manifest__.py"), `{'name': 'C'}`)
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline(Options{Roots: []string{root}}).Run(ctx)
	require.NoError(t, err)

	rows, err := f.client.Read(ctx,
		"MATCH (:Module {name: 'a'})-[:DEPENDS_ON]->(d:Module) RETURN d.name AS name", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0]["name"])

	rows, err = f.client.Read(ctx,
		"MATCH p = shortestPath((:Module {name: 'a'})-[:DEPENDS_ON*1..5]->(:Module {name: 'c'})) RETURN length(p) AS depth", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0]["depth"])
}

func TestRunClear(t *testing.T) {
	root := setupAddons(t)
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client.Write(ctx, "CREATE (:Module {name: 'stale'})", nil)
	require.NoError(t, err)

	stats, err := f.pipeline(Options{Roots: []string{root}, Clear: true, Incremental: true}).Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Census.Node("Module"))
	assert.Equal(t, 2, stats.ModulesIndexed)
}

func TestRunParallelMatchesSequential(t *testing.T) {
	root := setupAddons(t)
	for _, name := range []string{"crm", "stock", "account"} {
		writeFile(t, filepath.Join(root, name, "__manifest__.py"), `{'name': '`+name+`', 'depends': ['base']}`)
	}
	seq := newFixture(t)
	par := newFixture(t)

	s1, err := seq.pipeline(Options{Roots: []string{root}}).Run(context.Background())
	require.NoError(t, err)
	s2, err := par.pipeline(Options{Roots: []string{root}, Parallel: true, Workers: 3}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, s1.Census, s2.Census)
	assert.Equal(t, s1.ModulesIndexed, s2.ModulesIndexed)
}

func TestRunUninstallableExcluded(t *testing.T) {
	root := setupAddons(t)
	writeFile(t, filepath.Join(root, "legacy", "__manifest__.py"), `{'name': 'Legacy', 'installable': False}`)
	f := newFixture(t)

	stats, err := f.pipeline(Options{Roots: []string{root}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ModulesExcluded)
	assert.EqualValues(t, 2, stats.Census.Node("Module"))
}

func TestRunDuplicateModuleAcrossRoots(t *testing.T) {
	first := setupAddons(t)
	second := t.TempDir()
	writeFile(t, filepath.Join(second, "base", "__manifest__.py"), `{'name': 'Shadowed base'}`)
	f := newFixture(t)

	stats, err := f.pipeline(Options{Roots: []string{first, second}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ModulesFound)

	rows, err := f.client.Read(context.Background(), "MATCH (m:Module {name: 'base'}) RETURN m.display_name AS name", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Base", rows[0]["name"])
}

func TestRunNoRoots(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline(Options{}).Run(context.Background())
	assert.Error(t, err)
}

func TestRunCancelled(t *testing.T) {
	root := setupAddons(t)
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.pipeline(Options{Roots: []string{root}}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatsString(t *testing.T) {
	s := Stats{RunID: "r1", ModulesIndexed: 2, Errors: 1, Duration: 1500 * time.Millisecond}
	out := s.String()
	assert.Contains(t, out, "run r1 in 1.5s")
	assert.Contains(t, out, "errors: 1")
}
