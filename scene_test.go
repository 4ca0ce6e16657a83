package cadview

import (
	"testing"

	"github.com/soypat/geometry/ms3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoBoxes(t *testing.T) *Node {
	t.Helper()
	var bld Builder
	root := bld.Build([]ComponentDescriptor{
		{ID: "A", Name: "left", Kind: KindBox, Position: ms3.Vec{X: -1.5}},
		{ID: "B", Name: "right", Kind: KindBox, Position: ms3.Vec{X: 1.5}},
	})
	require.NoError(t, bld.Err())
	return root
}

func TestReplaceModelDisposesPrevious(t *testing.T) {
	scene := NewSceneManager(DefaultViewerConfig())
	var order []string
	var gotBounds ms3.Box
	scene.OnModelChange(func(model *Node, bb ms3.Box) {
		order = append(order, "notify")
		gotBounds = bb
		if model != nil {
			assert.Same(t, scene.Root(), model.Parent(), "model must be attached before notify")
		}
	})

	var previous []*Node
	for i := 0; i < 5; i++ {
		model := twoBoxes(t)
		scene.ReplaceModel(model)
		assert.Same(t, model, scene.Model())
		for _, old := range previous {
			assert.Nil(t, old.Parent())
			old.Walk(func(n *Node) bool {
				if n.Geometry != nil {
					assert.True(t, n.Geometry.Disposed())
					assert.True(t, n.Material.Disposed())
				}
				return true
			})
		}
		model.Walk(func(n *Node) bool {
			if n.Geometry != nil {
				assert.False(t, n.Geometry.Disposed())
			}
			return true
		})
		previous = append(previous, model)
	}
	assert.Len(t, order, 5)
	assert.InDelta(t, -2, gotBounds.Min.X, 1e-5)
	assert.InDelta(t, 2, gotBounds.Max.X, 1e-5)

	// Exactly one model attached under the root besides the furniture.
	var models int
	for _, c := range scene.Root().Children() {
		if !c.Helper {
			models++
		}
	}
	assert.Equal(t, 1, models)

	scene.Clear()
	assert.Nil(t, scene.Model())
	assert.True(t, previous[len(previous)-1].Children()[0].Geometry.Disposed())
}

func TestSceneFurniture(t *testing.T) {
	cfg := DefaultViewerConfig()
	scene := NewSceneManager(cfg)
	assert.Len(t, scene.Helpers(), 2)
	assert.Len(t, scene.Lights(), 3)

	cfg.ShowGrid = false
	cfg.ShowWireframe = true
	scene.ReplaceModel(twoBoxes(t))
	scene.SetViewerConfig(cfg)
	require.Len(t, scene.Helpers(), 1)
	assert.Equal(t, "axes", scene.Helpers()[0].Name)
	assert.True(t, scene.Model().Children()[0].Material.Wireframe)

	scene.SetShadows(false)
	for _, l := range scene.Lights() {
		assert.False(t, l.CastShadow)
	}

	// Helpers do not contribute to bounds.
	bb := scene.Bounds()
	assert.InDelta(t, 1, bb.Size().Y, 1e-5)

	scene.Dispose()
	assert.Empty(t, scene.Helpers())
}
