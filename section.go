package cadview

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
)

// Orientation names a section plane orientation.
type Orientation string

const (
	OrientationXY     Orientation = "xy"
	OrientationXZ     Orientation = "xz"
	OrientationYZ     Orientation = "yz"
	OrientationCustom Orientation = "custom"
)

// UnmarshalText implements [encoding.TextUnmarshaler]. Matching is case insensitive.
func (o *Orientation) UnmarshalText(text []byte) error {
	v := Orientation(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case OrientationXY, OrientationXZ, OrientationYZ, OrientationCustom:
		*o = v
		return nil
	}
	return fmt.Errorf("invalid section orientation %q", text)
}

// SectionConfig defines a clipping half-space.
type SectionConfig struct {
	Enabled     bool        `toml:"enabled"`
	Orientation Orientation `toml:"orientation"`
	// CustomNormal is used when Orientation is custom. Nil or zero means +Z.
	CustomNormal *ms3.Vec `toml:"custom_normal,omitempty"`
	// CustomPosition is a point on the plane. Nil means the model bounds center.
	CustomPosition   *ms3.Vec `toml:"custom_position,omitempty"`
	ShowIntersection bool     `toml:"show_intersection"`
	ClipModel        bool     `toml:"clip_model"`
}

// DefaultSectionConfig returns the section defaults: disabled, XY plane, clipping on.
func DefaultSectionConfig() SectionConfig {
	return SectionConfig{
		Orientation:      OrientationXY,
		ShowIntersection: true,
		ClipModel:        true,
	}
}

// Normal returns the unit plane normal of the configured orientation.
func (cfg SectionConfig) Normal() ms3.Vec {
	switch cfg.Orientation {
	case OrientationXZ:
		return ms3.Vec{Y: 1}
	case OrientationYZ:
		return ms3.Vec{X: 1}
	case OrientationCustom:
		if cfg.CustomNormal != nil {
			if n := *cfg.CustomNormal; ms3.Norm(n) > epstol {
				return ms3.Unit(n)
			}
		}
	}
	return ms3.Vec{Z: 1}
}

// Plane returns the section plane for a model with bounds bb.
func (cfg SectionConfig) Plane(bb ms3.Box) Plane {
	p := bb.Center()
	if cfg.CustomPosition != nil {
		p = *cfg.CustomPosition
	}
	return PlaneFromPoint(cfg.Normal(), p)
}

// Section maintains the section plane of a scene: the clip plane on every
// model material and a visual indicator in the scene furniture. Either all
// model materials carry the plane or none does.
type Section struct {
	scene     *SceneManager
	cfg       SectionConfig
	plane     Plane
	indicator *Node
}

// NewSection creates a disabled section bound to scene. It re-applies itself
// whenever the scene's model is replaced.
func NewSection(scene *SceneManager) *Section {
	s := &Section{scene: scene, cfg: DefaultSectionConfig()}
	scene.OnModelChange(func(*Node, ms3.Box) { s.update() })
	return s
}

// Config returns the active configuration.
func (s *Section) Config() SectionConfig { return s.cfg }

// SetConfig replaces the configuration. The previous plane is swapped for the
// new one on each material in a single assignment and the indicator is recreated.
func (s *Section) SetConfig(cfg SectionConfig) {
	s.cfg = cfg
	s.update()
}

// Plane returns the current plane and whether the section is enabled.
func (s *Section) Plane() (Plane, bool) { return s.plane, s.cfg.Enabled }

// GlobalClipping reports whether renderers must enable clip plane support.
func (s *Section) GlobalClipping() bool { return s.cfg.Enabled && s.cfg.ClipModel }

// Indicator returns the plane indicator node or nil when the section is disabled.
func (s *Section) Indicator() *Node { return s.indicator }

// ApplyTo installs or removes the clip plane on every material of root according to the configuration.
func (s *Section) ApplyTo(root *Node) {
	if root == nil {
		return
	}
	var planes []Plane
	if s.GlobalClipping() {
		planes = []Plane{s.plane}
	}
	root.Walk(func(n *Node) bool {
		if n.Helper {
			return false
		}
		if n.Material != nil {
			n.Material.SetClipPlanes(planes)
		}
		return true
	})
}

func (s *Section) update() {
	s.plane = s.cfg.Plane(s.scene.Bounds())
	s.ApplyTo(s.scene.Model())
	if s.indicator != nil {
		s.scene.RemoveHelper(s.indicator)
		s.indicator = nil
	}
	if s.cfg.Enabled {
		s.indicator = s.newIndicator()
		s.scene.AddHelper(s.indicator)
	}
}

// newIndicator builds a translucent square on the plane sized to the model
// diagonal and, if configured, the outline where the plane cuts the model.
func (s *Section) newIndicator() *Node {
	bb := s.scene.Bounds()
	size := math32.Max(bb.Diagonal(), 1)
	n := s.plane.Normal
	center := ms3.Sub(bb.Center(), ms3.Scale(s.plane.Distance(bb.Center()), n))
	u, v := planeBasis(n)
	u, v = ms3.Scale(size/2, u), ms3.Scale(size/2, v)
	corners := [4]ms3.Vec{
		ms3.Sub(ms3.Sub(center, u), v),
		ms3.Sub(ms3.Add(center, u), v),
		ms3.Add(ms3.Add(center, u), v),
		ms3.Add(ms3.Sub(center, u), v),
	}
	g := &Geometry{Indices: []uint32{0, 1, 2, 0, 2, 3}}
	for _, c := range corners {
		g.Positions = append(g.Positions, c.X, c.Y, c.Z)
		g.Normals = append(g.Normals, n.X, n.Y, n.Z)
	}
	mat := NewStandardMaterial(0x4488ff)
	mat.Opacity = 0.2
	mat.DoubleSided = true
	indicator := NewMesh("section-plane", g, mat)

	if s.cfg.ShowIntersection && s.scene.Model() != nil {
		lines := IntersectionLines(s.scene.Model(), s.plane)
		if lines.VertexCount() > 0 {
			indicator.Add(NewMesh("section-outline", lines, NewStandardMaterial(0xff4400)))
		}
	}
	return indicator
}

// IntersectionLines returns the segments where the plane cuts the world space triangles of root.
func IntersectionLines(root *Node, pl Plane) *Geometry {
	g := &Geometry{Mode: DrawLines}
	for _, t := range root.AppendTriangles(nil) {
		var pts [2]ms3.Vec
		n := 0
		for i := 0; i < 3 && n < 2; i++ {
			a, b := t[i], t[(i+1)%3]
			da, db := pl.Distance(a), pl.Distance(b)
			if (da < 0) == (db < 0) || da == db {
				continue
			}
			pts[n] = ms3.Add(a, ms3.Scale(da/(da-db), ms3.Sub(b, a)))
			n++
		}
		if n == 2 {
			g.Positions = append(g.Positions, pts[0].X, pts[0].Y, pts[0].Z, pts[1].X, pts[1].Y, pts[1].Z)
		}
	}
	return g
}

// planeBasis returns two unit vectors orthogonal to n and each other.
func planeBasis(n ms3.Vec) (u, v ms3.Vec) {
	ref := ms3.Vec{Y: 1}
	if math32.Abs(n.Y) > 0.9 {
		ref = ms3.Vec{X: 1}
	}
	u = ms3.Unit(ms3.Cross(ref, n))
	v = ms3.Cross(n, u)
	return u, v
}
