package cadview

import (
	"errors"
	"fmt"

	"github.com/soypat/geometry/ms3"
)

// DrawMode selects how a [Geometry]'s vertices are assembled.
type DrawMode uint8

const (
	// DrawTriangles assembles every three vertices (or indices) into a triangle.
	DrawTriangles DrawMode = iota
	// DrawLines assembles every two vertices (or indices) into a line segment.
	DrawLines
)

// resource tracks disposal of GPU-backed data. Renderers register hooks with
// OnDispose when they upload the data and release their buffers when it fires.
type resource struct {
	disposed  bool
	onDispose []func()
}

// OnDispose registers fn to be called once when the resource is disposed.
// If the resource is already disposed fn is called immediately.
func (r *resource) OnDispose(fn func()) {
	if r.disposed {
		fn()
		return
	}
	r.onDispose = append(r.onDispose, fn)
}

// Disposed reports whether Dispose has been called.
func (r *resource) Disposed() bool { return r.disposed }

func (r *resource) dispose() {
	if r.disposed {
		return
	}
	r.disposed = true
	hooks := r.onDispose
	r.onDispose = nil
	for _, fn := range hooks {
		fn()
	}
}

// Geometry holds vertex data in flat buffers ready for upload.
// Positions and Normals are xyz triplets. An empty Indices means the
// geometry is not indexed.
type Geometry struct {
	Positions []float32
	Normals   []float32
	Indices   []uint32
	Mode      DrawMode

	bb      ms3.Box
	bbValid bool
	resource
}

// NewGeometry creates a triangle geometry from positions and optional indices.
// The buffers are used as is, not copied.
func NewGeometry(positions []float32, indices []uint32) *Geometry {
	return &Geometry{Positions: positions, Indices: indices}
}

// Validate checks buffer consistency.
func (g *Geometry) Validate() error {
	switch {
	case len(g.Positions) == 0:
		return errors.New("empty position buffer")
	case len(g.Positions)%3 != 0:
		return fmt.Errorf("position buffer length %d not a multiple of 3", len(g.Positions))
	case len(g.Normals) != 0 && len(g.Normals) != len(g.Positions):
		return fmt.Errorf("normal buffer length %d mismatches position length %d", len(g.Normals), len(g.Positions))
	}
	for i, f := range g.Positions {
		if !finite(f) {
			return fmt.Errorf("non-finite position component at %d", i)
		}
	}
	nv := uint32(g.VertexCount())
	for i, idx := range g.Indices {
		if idx >= nv {
			return fmt.Errorf("index %d at %d out of range of %d vertices", idx, i, nv)
		}
	}
	per := g.primitiveSize()
	if n := g.elementCount(); n%per != 0 {
		return fmt.Errorf("element count %d not a multiple of %d", n, per)
	}
	return nil
}

// VertexCount returns the number of vertices in the position buffer.
func (g *Geometry) VertexCount() int { return len(g.Positions) / 3 }

// TriangleCount returns the number of triangles. Always zero for line geometries.
func (g *Geometry) TriangleCount() int {
	if g.Mode != DrawTriangles {
		return 0
	}
	return g.elementCount() / 3
}

// Vertex returns the i'th vertex position.
func (g *Geometry) Vertex(i int) ms3.Vec {
	return ms3.Vec{X: g.Positions[3*i], Y: g.Positions[3*i+1], Z: g.Positions[3*i+2]}
}

// Triangle returns the i'th triangle in local coordinates.
func (g *Geometry) Triangle(i int) ms3.Triangle {
	var t ms3.Triangle
	for k := 0; k < 3; k++ {
		t[k] = g.Vertex(g.element(3*i + k))
	}
	return t
}

// Bounds returns the local bounding box of the geometry. It is cached until
// [Geometry.Invalidate] is called.
func (g *Geometry) Bounds() ms3.Box {
	if g.bbValid {
		return g.bb
	}
	n := g.VertexCount()
	if n == 0 {
		return ms3.Box{}
	}
	bb := ms3.Box{Min: g.Vertex(0), Max: g.Vertex(0)}
	for i := 1; i < n; i++ {
		bb = includePoint(bb, g.Vertex(i))
	}
	g.bb, g.bbValid = bb, true
	return bb
}

// Invalidate drops cached derived data after buffers are modified.
func (g *Geometry) Invalidate() { g.bbValid = false }

// ComputeNormals replaces the normal buffer with area weighted vertex normals.
func (g *Geometry) ComputeNormals() {
	if g.Mode != DrawTriangles {
		return
	}
	normals := make([]float32, len(g.Positions))
	nt := g.TriangleCount()
	for i := 0; i < nt; i++ {
		a, b, c := g.element(3*i), g.element(3*i+1), g.element(3*i+2)
		va, vb, vc := g.Vertex(a), g.Vertex(b), g.Vertex(c)
		n := ms3.Cross(ms3.Sub(vb, va), ms3.Sub(vc, va))
		for _, idx := range [3]int{a, b, c} {
			normals[3*idx] += n.X
			normals[3*idx+1] += n.Y
			normals[3*idx+2] += n.Z
		}
	}
	for i := 0; i < len(normals); i += 3 {
		n := ms3.Vec{X: normals[i], Y: normals[i+1], Z: normals[i+2]}
		if l := ms3.Norm(n); l > epstol {
			n = ms3.Scale(1/l, n)
		}
		normals[i], normals[i+1], normals[i+2] = n.X, n.Y, n.Z
	}
	g.Normals = normals
}

// Dispose releases the geometry's GPU buffers. It is idempotent.
func (g *Geometry) Dispose() { g.dispose() }

func (g *Geometry) element(i int) int {
	if len(g.Indices) == 0 {
		return i
	}
	return int(g.Indices[i])
}

func (g *Geometry) elementCount() int {
	if len(g.Indices) == 0 {
		return g.VertexCount()
	}
	return len(g.Indices)
}

func (g *Geometry) primitiveSize() int {
	if g.Mode == DrawLines {
		return 2
	}
	return 3
}

// LineCount returns the number of segments of a line geometry.
func (g *Geometry) LineCount() int {
	if g.Mode != DrawLines {
		return 0
	}
	return g.elementCount() / 2
}

// Line returns the i'th segment of a line geometry.
func (g *Geometry) Line(i int) [2]ms3.Vec {
	return [2]ms3.Vec{g.Vertex(g.element(2 * i)), g.Vertex(g.element(2*i + 1))}
}
