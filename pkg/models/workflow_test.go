package models_test

import (
	"testing"

	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestWorkflowGraph(t *testing.T) {
	wf := models.Workflow{
		ID: "wf",
		Nodes: []models.Node{
			{ID: "a", Type: "trigger"},
			{ID: "b", Type: "action"},
			{ID: "c", Type: "action"},
		},
		Edges: []models.Edge{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
			{Source: "b", Target: "c"},
		},
	}

	t.Run("Node lookup", func(t *testing.T) {
		n, ok := wf.Node("b")
		assert.True(t, ok)
		assert.Equal(t, "action", n.Type)

		_, ok = wf.Node("missing")
		assert.False(t, ok)
	})

	t.Run("Successors", func(t *testing.T) {
		assert.Equal(t, []string{"b", "c"}, wf.Successors("a"))
		assert.Equal(t, []string{"c"}, wf.Successors("b"))
		assert.Empty(t, wf.Successors("c"))
	})
}

func TestJSONMapScan(t *testing.T) {
	var m models.JSONMap
	assert.NoError(t, m.Scan([]byte(`{"x":1}`)))
	assert.Equal(t, float64(1), m["x"])

	assert.NoError(t, m.Scan(nil))
	assert.Nil(t, m)

	assert.Error(t, m.Scan(42))

	v, err := models.JSONMap(nil).Value()
	assert.NoError(t, err)
	assert.Equal(t, "{}", v)
}
