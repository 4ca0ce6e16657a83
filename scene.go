package cadview

import (
	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
)

// ViewerConfig holds the host supplied scene options. It is replaced wholesale on change.
type ViewerConfig struct {
	ShowGrid        bool  `toml:"show_grid"`
	ShowAxes        bool  `toml:"show_axes"`
	BackgroundColor Color `toml:"background_color"`
	MaterialColor   Color `toml:"material_color"`
	EnableZoom      bool  `toml:"enable_zoom"`
	EnablePan       bool  `toml:"enable_pan"`
	EnableRotation  bool  `toml:"enable_rotation"`
	ShowWireframe   bool  `toml:"show_wireframe"`
}

// DefaultViewerConfig returns the viewer defaults.
func DefaultViewerConfig() ViewerConfig {
	return ViewerConfig{
		ShowGrid:        true,
		ShowAxes:        true,
		BackgroundColor: 0xf0f0f0,
		MaterialColor:   0x8c9aa8,
		EnableZoom:      true,
		EnablePan:       true,
		EnableRotation:  true,
	}
}

// LightKind enumerates scene light types.
type LightKind uint8

const (
	LightAmbient LightKind = iota
	LightDirectional
	LightHemisphere
)

// Light is a scene light. Position is the light direction source for
// directional lights and ignored otherwise.
type Light struct {
	Kind       LightKind
	Color      Color
	Intensity  float32
	Position   ms3.Vec
	CastShadow bool
	// GroundColor is the lower hemisphere color of hemisphere lights.
	GroundColor Color
}

// ModelListener is notified after the active model changes.
type ModelListener func(model *Node, bounds ms3.Box)

// SceneManager owns the render graph: lights, helper furniture and exactly
// one active model root. SceneManager is not safe for concurrent use; callers
// serialize scene mutation.
type SceneManager struct {
	root      *Node
	furniture *Node
	model     *Node
	grid      *Node
	axes      *Node
	lights    []Light
	cfg       ViewerConfig
	bounds    ms3.Box
	listeners []ModelListener
}

// NewSceneManager creates a scene with the default light rig and no model.
func NewSceneManager(cfg ViewerConfig) *SceneManager {
	s := &SceneManager{
		root:      NewGroup("scene"),
		furniture: NewGroup("furniture"),
		cfg:       cfg,
		bounds:    defaultBounds(),
		lights: []Light{
			{Kind: LightAmbient, Color: 0xffffff, Intensity: 0.4},
			{Kind: LightDirectional, Color: 0xffffff, Intensity: 0.8, Position: ms3.Vec{X: 10, Y: 10, Z: 5}, CastShadow: true},
			{Kind: LightHemisphere, Color: 0xffffff, GroundColor: 0x444444, Intensity: 0.3, Position: ms3.Vec{Y: 20}},
		},
	}
	s.furniture.Helper = true
	s.root.Add(s.furniture)
	s.updateFurniture()
	return s
}

// Root returns the root of the render graph.
func (s *SceneManager) Root() *Node { return s.root }

// Model returns the active model root or nil.
func (s *SceneManager) Model() *Node { return s.model }

// Bounds returns the world bounding box of the active model. With no model
// or an empty one a unit box at the origin is returned.
func (s *SceneManager) Bounds() ms3.Box { return s.bounds }

// Lights returns the scene lights. The slice must not be modified.
func (s *SceneManager) Lights() []Light { return s.lights }

// ViewerConfig returns the active viewer configuration.
func (s *SceneManager) ViewerConfig() ViewerConfig { return s.cfg }

// OnModelChange registers fn to be called after every model replacement.
// Listeners run in registration order.
func (s *SceneManager) OnModelChange(fn ModelListener) {
	s.listeners = append(s.listeners, fn)
}

// ReplaceModel removes the previous model from the graph, releases all of its
// geometry and material buffers, attaches root, recomputes bounds and
// notifies listeners, in that order. A nil root leaves the scene empty.
func (s *SceneManager) ReplaceModel(root *Node) {
	if old := s.model; old != nil {
		s.root.Remove(old)
		old.Dispose()
		s.model = nil
	}
	if root != nil {
		root.Detach()
		s.root.Add(root)
		s.model = root
		s.applyWireframe()
	}
	s.bounds = defaultBounds()
	if root != nil {
		if bb, ok := root.WorldBounds(); ok {
			s.bounds = bb
		}
	}
	s.updateFurniture()
	for _, fn := range s.listeners {
		fn(s.model, s.bounds)
	}
}

// Clear releases the active model.
func (s *SceneManager) Clear() { s.ReplaceModel(nil) }

// SetViewerConfig replaces the viewer configuration and updates furniture and materials.
func (s *SceneManager) SetViewerConfig(cfg ViewerConfig) {
	s.cfg = cfg
	s.applyWireframe()
	s.updateFurniture()
}

// SetShadows toggles shadow casting of directional lights.
func (s *SceneManager) SetShadows(enabled bool) {
	for i := range s.lights {
		if s.lights[i].Kind == LightDirectional {
			s.lights[i].CastShadow = enabled
		}
	}
}

// AddHelper attaches n to the scene furniture. Helpers are excluded from picking, bounds and clipping.
func (s *SceneManager) AddHelper(n *Node) {
	n.Helper = true
	s.furniture.Add(n)
}

// RemoveHelper detaches n from the furniture and disposes it.
func (s *SceneManager) RemoveHelper(n *Node) {
	if s.furniture.Remove(n) {
		n.Dispose()
	}
}

// Helpers returns the furniture nodes, grid and axes included.
func (s *SceneManager) Helpers() []*Node { return s.furniture.Children() }

// Dispose releases the model and every helper.
func (s *SceneManager) Dispose() {
	s.Clear()
	for len(s.furniture.children) > 0 {
		s.RemoveHelper(s.furniture.children[0])
	}
	s.grid, s.axes = nil, nil
}

func (s *SceneManager) applyWireframe() {
	if s.model == nil {
		return
	}
	s.model.Walk(func(n *Node) bool {
		if n.Material != nil {
			n.Material.Wireframe = s.cfg.ShowWireframe
		}
		return true
	})
}

// updateFurniture sizes the grid and axes to the model and toggles them.
func (s *SceneManager) updateFurniture() {
	size := s.bounds.Size()
	extent := 2 * math32.Max(size.X, math32.Max(size.Y, size.Z))
	extent = math32.Max(math32.Ceil(extent), 1)
	floor := s.bounds.Min.Y

	if s.grid != nil {
		s.RemoveHelper(s.grid)
		s.grid = nil
	}
	if s.axes != nil {
		s.RemoveHelper(s.axes)
		s.axes = nil
	}
	if s.cfg.ShowGrid {
		s.grid = NewMesh("grid", NewGridGeometry(extent, 20), NewStandardMaterial(0xcccccc))
		s.grid.Transform.Position = ms3.Vec{Y: floor}
		s.AddHelper(s.grid)
	}
	if s.cfg.ShowAxes {
		s.axes = NewMesh("axes", NewAxesGeometry(extent/2), NewStandardMaterial(0x888888))
		s.AddHelper(s.axes)
	}
}

func defaultBounds() ms3.Box {
	return ms3.NewCenteredBox(ms3.Vec{}, ms3.Vec{X: 1, Y: 1, Z: 1})
}
