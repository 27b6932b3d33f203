package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeusData/odoo-graph/internal/graph"
)

func TestStatement(t *testing.T) {
	assert.Equal(t,
		"CREATE CONSTRAINT module_name_unique IF NOT EXISTS FOR (n:Module) REQUIRE n.name IS UNIQUE",
		Constraints[0].Statement())
	assert.Equal(t,
		"CREATE CONSTRAINT field_composite_unique IF NOT EXISTS FOR (n:Field) REQUIRE (n.name, n.model_name) IS UNIQUE",
		Constraints[2].Statement())
	assert.Equal(t,
		"CREATE INDEX module_category_idx IF NOT EXISTS FOR (n:Module) ON (n.category)",
		Indexes[0].Statement())
}

func TestEnsureIdempotent(t *testing.T) {
	ctx := context.Background()
	c, err := graph.OpenMemory()
	require.NoError(t, err)
	defer c.Close(ctx)
	m := New(c)

	first := m.Ensure(ctx)
	require.True(t, first.OK())
	cons, idx, failed := first.Counts()
	assert.Equal(t, len(Constraints), cons)
	assert.Equal(t, len(Indexes), idx)
	assert.Zero(t, failed)
	for _, o := range first.Outcomes {
		assert.True(t, o.Created, o.Item.Name)
	}

	second := m.Ensure(ctx)
	require.True(t, second.OK())
	for _, o := range second.Outcomes {
		assert.False(t, o.Created, o.Item.Name)
	}

	v := m.Verify(ctx)
	require.NoError(t, v.Err)
	assert.True(t, v.Healthy)
	assert.Len(t, v.Indexes, len(Constraints)+len(Indexes))
	assert.Contains(t, v.Indexes, "field_composite_unique")
	assert.Contains(t, v.Indexes, "field_required_idx")
}

func TestEnsureReportsPartialFailure(t *testing.T) {
	ctx := context.Background()
	c, err := graph.OpenMemory()
	require.NoError(t, err)
	defer c.Close(ctx)

	_, err = c.Write(ctx, "CREATE (:Module {name: 'dup'}), (:Module {name: 'dup'})", nil)
	require.NoError(t, err)

	rep := New(c).Ensure(ctx)
	failed := rep.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "module_name_unique", failed[0].Item.Name)
	_, idx, _ := rep.Counts()
	assert.Equal(t, len(Indexes), idx, "the remaining items are still applied")
}

func TestVerifyEmptyCatalog(t *testing.T) {
	ctx := context.Background()
	c, err := graph.OpenMemory()
	require.NoError(t, err)
	defer c.Close(ctx)

	v := New(c).Verify(ctx)
	require.NoError(t, v.Err)
	assert.False(t, v.Healthy)
}

func TestCount(t *testing.T) {
	ctx := context.Background()
	c, err := graph.OpenMemory()
	require.NoError(t, err)
	defer c.Close(ctx)

	_, err = c.Write(ctx, "CREATE (a:Module {name: 'sale'}), (b:Module {name: 'base'}), (a)-[:DEPENDS_ON]->(b)", nil)
	require.NoError(t, err)

	census := Count(ctx, c)
	assert.EqualValues(t, 2, census.Node("Module"))
	assert.EqualValues(t, 0, census.Node("Field"))
	assert.EqualValues(t, 1, census.Rel("DEPENDS_ON"))
	assert.Len(t, census.Relationships, 7)
}
