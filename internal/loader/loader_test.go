package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeusData/odoo-graph/internal/failure"
	"github.com/DeusData/odoo-graph/internal/graph"
	"github.com/DeusData/odoo-graph/internal/literal"
	"github.com/DeusData/odoo-graph/internal/records"
)

func openGraph(t *testing.T) *graph.Embedded {
	t.Helper()
	c, err := graph.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func count(t *testing.T, c graph.Client, query string) int64 {
	t.Helper()
	rows, err := c.Read(context.Background(), query, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	n, ok := rows[0]["count"].(int64)
	require.True(t, ok, "count is %T", rows[0]["count"])
	return n
}

func selection() literal.Value {
	return literal.NewList(
		literal.NewList(literal.NewString("draft"), literal.NewString("Draft")),
		literal.NewList(literal.NewString("done"), literal.NewString("Done")),
	)
}

// scenario builds base and sale: res.partner with two fields, sale.order
// with a Many2one to res.partner.
func scenario() *records.Batch {
	b := &records.Batch{}
	b.AddModule(records.Module{Name: "base", DisplayName: "Base", Version: "1.0", Installable: true})
	b.AddModule(records.Module{Name: "sale", DisplayName: "Sales", Depends: []string{"base"}, Installable: true, Application: true})

	b.AddModel(records.Model{
		Name: "res.partner", Module: "base", Type: records.ModelParent, Kind: "Model",
		Fields: []records.Field{
			{Name: "name", FieldType: "Char"},
			{Name: "state", FieldType: "Selection", Selection: selection()},
		},
	})
	b.AddModel(records.Model{
		Name: "sale.order", Module: "sale", Type: records.ModelParent, Kind: "Model",
		Fields: []records.Field{
			{Name: "partner_id", FieldType: "Many2one", ComodelName: "res.partner"},
		},
	})
	return b
}

func TestLoadAllScenario(t *testing.T) {
	ctx := context.Background()
	c := openGraph(t)
	l := New(c, 0)
	assert.Equal(t, DefaultBatchSize, l.BatchSize())

	rep, err := l.LoadAll(ctx, scenario())
	require.NoError(t, err)
	assert.Zero(t, rep.Errors())
	assert.Equal(t, 2, rep.Get(KindModule).Loaded)
	assert.Equal(t, 3, rep.Get(KindField).Loaded)

	assert.EqualValues(t, 2, count(t, c, "MATCH (n:Module) RETURN count(n) AS count"))
	assert.EqualValues(t, 2, count(t, c, "MATCH (n:Model) RETURN count(n) AS count"))
	assert.EqualValues(t, 3, count(t, c, "MATCH (n:Field) RETURN count(n) AS count"))
	assert.EqualValues(t, 1, count(t, c, "MATCH ()-[r:DEPENDS_ON]->() RETURN count(r) AS count"))
	assert.EqualValues(t, 1, count(t, c, "MATCH ()-[r:REFERENCES]->() RETURN count(r) AS count"))
	assert.EqualValues(t, 3, count(t, c, "MATCH ()-[r:BELONGS_TO]->() RETURN count(r) AS count"))
	assert.EqualValues(t, 2, count(t, c, "MATCH ()-[r:DEFINED_IN]->() RETURN count(r) AS count"))
}

func TestLoadAllIdempotent(t *testing.T) {
	ctx := context.Background()
	c := openGraph(t)
	l := New(c, 2)

	_, err := l.LoadAll(ctx, scenario())
	require.NoError(t, err)
	rep, err := l.LoadAll(ctx, scenario())
	require.NoError(t, err)

	assert.Zero(t, rep.Counters().NodesCreated)
	assert.Zero(t, rep.Counters().RelationshipsCreated)
	assert.EqualValues(t, 3, count(t, c, "MATCH (n:Field) RETURN count(n) AS count"))
	assert.EqualValues(t, 3, count(t, c, "MATCH ()-[r:BELONGS_TO]->() RETURN count(r) AS count"))
}

func TestSelectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := openGraph(t)
	_, err := New(c, 0).LoadAll(ctx, scenario())
	require.NoError(t, err)

	rows, err := c.Read(ctx, "MATCH (f:Field {name: 'state'}) RETURN f.selection AS selection, f.required AS required", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	text, ok := rows[0]["selection"].(string)
	require.True(t, ok)
	got, err := literal.ParseJSON(text)
	require.NoError(t, err)
	assert.True(t, selection().Equal(got), "got %s", got)
	assert.Nil(t, rows[0]["required"])
}

func TestLoadUpdatesProperties(t *testing.T) {
	ctx := context.Background()
	c := openGraph(t)
	l := New(c, 0)
	_, err := l.UpsertModules(ctx, []records.Module{{Name: "base", Version: "1.0"}})
	require.NoError(t, err)
	_, err = l.UpsertModules(ctx, []records.Module{{Name: "base", Version: "2.0"}})
	require.NoError(t, err)

	rows, err := c.Read(ctx, "MATCH (m:Module) RETURN m.version AS version", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2.0", rows[0]["version"])
}

func TestDelegationsKeyedByField(t *testing.T) {
	ctx := context.Background()
	c := openGraph(t)
	l := New(c, 0)
	_, err := l.UpsertModels(ctx, []records.Model{{Name: "res.users"}, {Name: "res.partner"}})
	require.NoError(t, err)

	rels := []records.ModelDelegation{
		{From: "res.users", To: "res.partner", Field: "partner_id"},
		{From: "res.users", To: "res.partner", Field: "commercial_id"},
	}
	_, err = l.UpsertModelDelegations(ctx, rels)
	require.NoError(t, err)
	_, err = l.UpsertModelDelegations(ctx, rels)
	require.NoError(t, err)

	assert.EqualValues(t, 2, count(t, c, "MATCH ()-[r:DELEGATES_TO]->() RETURN count(r) AS count"))
}

func TestEdgesNeedBothEnds(t *testing.T) {
	ctx := context.Background()
	c := openGraph(t)
	l := New(c, 0)
	_, err := l.UpsertModules(ctx, []records.Module{{Name: "sale"}})
	require.NoError(t, err)
	_, err = l.UpsertModuleDependencies(ctx, []records.ModuleDependency{{From: "sale", To: "missing"}})
	require.NoError(t, err)

	assert.EqualValues(t, 1, count(t, c, "MATCH (n:Module) RETURN count(n) AS count"))
	assert.EqualValues(t, 0, count(t, c, "MATCH ()-[r:DEPENDS_ON]->() RETURN count(r) AS count"))
}

func TestViewsLoad(t *testing.T) {
	ctx := context.Background()
	c := openGraph(t)
	b := scenario()
	b.AddView(records.View{XMLID: "sale.view_order_form", Model: "sale.order", ViewType: "form", Module: "sale", Mode: "primary", Priority: 16})
	b.AddView(records.View{XMLID: "sale.view_order_form_ext", Model: "sale.order", ViewType: "form", Module: "sale",
		Mode: "extension", InheritID: "sale.view_order_form", Priority: 16})

	_, err := New(c, 0).LoadAll(ctx, b)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count(t, c, "MATCH (n:View) RETURN count(n) AS count"))
	assert.EqualValues(t, 1, count(t, c, "MATCH ()-[r:EXTENDS]->() RETURN count(r) AS count"))
	assert.EqualValues(t, 2, count(t, c, "MATCH (:View)-[r:BELONGS_TO]->(:Model) RETURN count(r) AS count"))
	assert.EqualValues(t, 2, count(t, c, "MATCH (:View)-[r:DEFINED_IN]->(:Module) RETURN count(r) AS count"))
}

func TestChunkedCountsFailedChunks(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	var seen [][]int
	res, err := Chunked(context.Background(), "test", items, 3, func(_ context.Context, chunk []int) (graph.Counters, error) {
		seen = append(seen, chunk)
		if chunk[0] == 4 {
			return graph.Counters{}, errors.New("boom")
		}
		return graph.Counters{NodesCreated: len(chunk)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, seen)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 3, res.Errors)
	assert.Equal(t, 4, res.Loaded)
	assert.Equal(t, 4, res.Counters.NodesCreated)
}

func TestChunkedStopsOnFatal(t *testing.T) {
	calls := 0
	res, err := Chunked(context.Background(), "test", []int{1, 2, 3}, 1, func(context.Context, []int) (graph.Counters, error) {
		calls++
		return graph.Counters{}, failure.AsFatal("graph.connectivity", errors.New("gone"))
	})
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))
	assert.Equal(t, 1, calls)
	assert.Zero(t, res.Errors)
}

func TestChunkedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Chunked(ctx, "test", []int{1}, 1, func(context.Context, []int) (graph.Counters, error) {
		t.Fatal("op must not run")
		return graph.Counters{}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFlatten(t *testing.T) {
	m := literal.OrderedMap{}
	m.Set(literal.NewString("digits"), literal.NewNumber("2"))
	out := Flatten(map[string]any{
		"plain":  "x",
		"none":   literal.Value{},
		"flag":   literal.NewBool(true),
		"num":    literal.NewNumber("7"),
		"list":   literal.NewList(literal.NewString("a")),
		"map":    literal.NewMap(&m),
		"tagged": []any{"a", "b"},
	})
	assert.Equal(t, "x", out["plain"])
	assert.Nil(t, out["none"])
	assert.Equal(t, true, out["flag"])
	assert.EqualValues(t, 7, out["num"])
	assert.Equal(t, `["a"]`, out["list"])
	assert.Equal(t, `{"digits":2}`, out["map"])
	assert.Equal(t, []any{"a", "b"}, out["tagged"])
}
