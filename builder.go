package cadview

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/soypat/geometry/ms3"
)

// ComponentKind is the primitive type tag of a [ComponentDescriptor].
type ComponentKind string

const (
	KindGeometry ComponentKind = "geometry"
	KindBox      ComponentKind = "box"
	KindSphere   ComponentKind = "sphere"
	KindCylinder ComponentKind = "cylinder"
)

// MaterialOverride carries per-component visual overrides. Nil fields keep the default.
type MaterialOverride struct {
	Color       *Color   `json:"color,omitempty" toml:"color,omitempty"`
	Roughness   *float32 `json:"roughness,omitempty" toml:"roughness,omitempty"`
	Metalness   *float32 `json:"metalness,omitempty" toml:"metalness,omitempty"`
	FlatShading *bool    `json:"flatShading,omitempty" toml:"flat_shading,omitempty"`
}

// ComponentDescriptor is a raw description of one model component.
//
// Params holds numeric shape parameters: "width", "height", "depth" for
// boxes, "radius", "widthSegments", "heightSegments" for spheres and
// "radius", "radiusTop", "radiusBottom", "height", "radialSegments" for
// cylinders. Explicit geometry uses Vertices, Indices and Normals.
type ComponentDescriptor struct {
	ID       string             `json:"id" toml:"id"`
	Name     string             `json:"name" toml:"name"`
	Kind     ComponentKind      `json:"type" toml:"type"`
	Params   map[string]float64 `json:"params,omitempty" toml:"params,omitempty"`
	Vertices []float64          `json:"vertices,omitempty" toml:"vertices,omitempty"`
	Indices  []int              `json:"indices,omitempty" toml:"indices,omitempty"`
	Normals  []float64          `json:"normals,omitempty" toml:"normals,omitempty"`
	Position ms3.Vec            `json:"position" toml:"position"`
	// Rotation is in radians.
	Rotation ms3.Vec          `json:"rotation" toml:"rotation"`
	Scale    ms3.Vec          `json:"scale" toml:"scale"`
	Material *MaterialOverride `json:"material,omitempty" toml:"material,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty" toml:"metadata,omitempty"`
}

// Builder converts component descriptors into scene nodes. A failure on one
// descriptor never aborts the batch: the descriptor is skipped, a warning is
// logged and the error is accumulated for [Builder.Err].
type Builder struct {
	// DefaultColor is the color of the shared default material.
	DefaultColor Color
	// Logger receives warnings for skipped descriptors. Uses [slog.Default] if nil.
	Logger    *slog.Logger
	accumErrs []error
}

// Err returns the joined errors of all descriptors skipped since the last [Builder.Reset].
func (bld *Builder) Err() error {
	if len(bld.accumErrs) == 0 {
		return nil
	}
	return errors.Join(bld.accumErrs...)
}

// Reset clears accumulated errors.
func (bld *Builder) Reset() { bld.accumErrs = bld.accumErrs[:0] }

// Build creates a group node holding one mesh node per valid descriptor.
// Mesh nodes share a freshly created default material unless their descriptor
// overrides visual properties.
func (bld *Builder) Build(descs []ComponentDescriptor) *Node {
	root := NewGroup("components")
	defaultMat := NewStandardMaterial(bld.DefaultColor)
	for i := range descs {
		d := &descs[i]
		g, err := bld.geometry(d)
		if err != nil {
			bld.skipf(i, d, err)
			continue
		}
		mat := defaultMat
		if d.Material != nil {
			mat = overrideMaterial(defaultMat, d.Material)
		}
		name := d.Name
		if name == "" {
			name = d.ID
		}
		n := NewMesh(name, g, mat)
		n.UserData = UserData{ID: d.ID, Name: d.Name, Type: string(d.Kind), Metadata: d.Metadata}
		n.Transform = Transform{Position: d.Position, Rotation: d.Rotation, Scale: d.Scale}
		if d.Scale == (ms3.Vec{}) {
			n.Transform.Scale = ms3.Vec{X: 1, Y: 1, Z: 1}
		}
		root.Add(n)
	}
	return root
}

func (bld *Builder) skipf(i int, d *ComponentDescriptor, err error) {
	err = fmt.Errorf("component %d (%q): %w: %w", i, d.ID, ErrMalformedComponent, err)
	bld.accumErrs = append(bld.accumErrs, err)
	log := bld.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Warn("skipping component", "index", i, "id", d.ID, "type", d.Kind, "err", err)
}

func (bld *Builder) geometry(d *ComponentDescriptor) (*Geometry, error) {
	var g *Geometry
	switch ComponentKind(strings.ToLower(string(d.Kind))) {
	case KindGeometry, "":
		var err error
		g, err = explicitGeometry(d)
		if err != nil {
			return nil, err
		}
	case KindBox:
		g = NewBoxGeometry(
			param(d.Params, DefaultBoxSize, "width"),
			param(d.Params, DefaultBoxSize, "height"),
			param(d.Params, DefaultBoxSize, "depth"),
		)
	case KindSphere:
		ws, err := segments(d.Params, DefaultSphereWidth, "widthSegments")
		if err != nil {
			return nil, err
		}
		hs, err := segments(d.Params, DefaultSphereHeight, "heightSegments")
		if err != nil {
			return nil, err
		}
		g = NewSphereGeometry(param(d.Params, DefaultSphereRadius, "radius"), ws, hs)
	case KindCylinder:
		segs, err := segments(d.Params, DefaultCylinderSegs, "radialSegments")
		if err != nil {
			return nil, err
		}
		r := param(d.Params, DefaultCylinderRadius, "radius")
		g = NewCylinderGeometry(
			param(d.Params, r, "radiusTop"),
			param(d.Params, r, "radiusBottom"),
			param(d.Params, DefaultCylinderHeight, "height"),
			segs,
		)
	default:
		return nil, fmt.Errorf("unknown component type %q", d.Kind)
	}
	return g, nil
}

// explicitGeometry copies the descriptor's numeric buffers verbatim.
func explicitGeometry(d *ComponentDescriptor) (*Geometry, error) {
	g := &Geometry{
		Positions: make([]float32, len(d.Vertices)),
		Indices:   make([]uint32, len(d.Indices)),
	}
	for i, v := range d.Vertices {
		g.Positions[i] = float32(v)
	}
	for i, idx := range d.Indices {
		if idx < 0 || int64(idx) > math.MaxUint32 {
			return nil, fmt.Errorf("invalid index %d at %d", idx, i)
		}
		g.Indices[i] = uint32(idx)
	}
	if len(d.Normals) > 0 {
		g.Normals = make([]float32, len(d.Normals))
		for i, v := range d.Normals {
			g.Normals[i] = float32(v)
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(g.Normals) == 0 {
		g.ComputeNormals()
	}
	return g, nil
}

// param returns the first present and positive parameter of names, or def.
func param(params map[string]float64, def float32, names ...string) float32 {
	for _, name := range names {
		v, ok := params[name]
		if ok && v > 0 && !math.IsInf(v, 0) {
			return float32(v)
		}
	}
	return def
}

// segments returns the named segment count parameter or def. Counts above
// [MaxSegments] are rejected.
func segments(params map[string]float64, def int, name string) (int, error) {
	v := param(params, float32(def), name)
	if v > MaxSegments {
		return 0, fmt.Errorf("%s %g exceeds maximum of %d", name, v, MaxSegments)
	}
	return int(v), nil
}

func overrideMaterial(base *Material, o *MaterialOverride) *Material {
	m := NewStandardMaterial(base.Color)
	m.Roughness, m.Metalness = base.Roughness, base.Metalness
	if o.Color != nil {
		m.Color = *o.Color
	}
	if o.Roughness != nil {
		m.Roughness = *o.Roughness
	}
	if o.Metalness != nil {
		m.Metalness = *o.Metalness
	}
	if o.FlatShading != nil {
		m.FlatShading = *o.FlatShading
	}
	return m
}
