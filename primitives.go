package cadview

import (
	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
)

// Default primitive parameters used when a descriptor omits them.
const (
	DefaultBoxSize        = 1
	DefaultSphereRadius   = 0.5
	DefaultSphereWidth    = 32
	DefaultSphereHeight   = 16
	DefaultCylinderRadius = 0.5
	DefaultCylinderHeight = 1
	DefaultCylinderSegs   = 32
	// MaxSegments bounds the tessellation of curved primitives.
	MaxSegments = 512
)

// NewBoxGeometry creates a box centered at the origin with width (x), height (y) and depth (z).
// Each face has its own vertices so normals are flat.
func NewBoxGeometry(w, h, d float32) *Geometry {
	hw, hh, hd := w/2, h/2, d/2
	// Each face: normal, then u and v axes spanning it.
	faces := [6][3]ms3.Vec{
		{{X: 1}, {Z: -1}, {Y: 1}},
		{{X: -1}, {Z: 1}, {Y: 1}},
		{{Y: 1}, {X: 1}, {Z: -1}},
		{{Y: -1}, {X: 1}, {Z: 1}},
		{{Z: 1}, {X: 1}, {Y: 1}},
		{{Z: -1}, {X: -1}, {Y: 1}},
	}
	half := ms3.Vec{X: hw, Y: hh, Z: hd}
	g := &Geometry{
		Positions: make([]float32, 0, 6*4*3),
		Normals:   make([]float32, 0, 6*4*3),
		Indices:   make([]uint32, 0, 6*6),
	}
	for _, f := range faces {
		n, u, v := f[0], f[1], f[2]
		center := ms3.MulElem(n, half)
		du := ms3.MulElem(u, half)
		dv := ms3.MulElem(v, half)
		base := uint32(g.VertexCount())
		corners := [4]ms3.Vec{
			ms3.Sub(ms3.Sub(center, du), dv),
			ms3.Sub(ms3.Add(center, du), dv),
			ms3.Add(ms3.Add(center, du), dv),
			ms3.Add(ms3.Sub(center, du), dv),
		}
		for _, c := range corners {
			g.Positions = append(g.Positions, c.X, c.Y, c.Z)
			g.Normals = append(g.Normals, n.X, n.Y, n.Z)
		}
		g.Indices = append(g.Indices, base, base+1, base+2, base, base+2, base+3)
	}
	return g
}

// NewSphereGeometry creates a UV sphere of radius r centered at the origin.
func NewSphereGeometry(r float32, widthSegs, heightSegs int) *Geometry {
	widthSegs = min(max(widthSegs, 3), MaxSegments)
	heightSegs = min(max(heightSegs, 2), MaxSegments)
	nv := (widthSegs + 1) * (heightSegs + 1)
	g := &Geometry{
		Positions: make([]float32, 0, 3*nv),
		Normals:   make([]float32, 0, 3*nv),
	}
	for y := 0; y <= heightSegs; y++ {
		v := float32(y) / float32(heightSegs)
		sinElev, cosElev := math32.Sincos(v * math32.Pi)
		for x := 0; x <= widthSegs; x++ {
			u := float32(x) / float32(widthSegs)
			sinAz, cosAz := math32.Sincos(u * 2 * math32.Pi)
			n := ms3.Vec{X: -cosAz * sinElev, Y: cosElev, Z: sinAz * sinElev}
			p := ms3.Scale(r, n)
			g.Positions = append(g.Positions, p.X, p.Y, p.Z)
			g.Normals = append(g.Normals, n.X, n.Y, n.Z)
		}
	}
	row := uint32(widthSegs + 1)
	for y := 0; y < heightSegs; y++ {
		for x := 0; x < widthSegs; x++ {
			v1 := uint32(y)*row + uint32(x) + 1
			v2 := uint32(y)*row + uint32(x)
			v3 := uint32(y+1)*row + uint32(x)
			v4 := uint32(y+1)*row + uint32(x) + 1
			if y != 0 {
				g.Indices = append(g.Indices, v1, v2, v4)
			}
			if y != heightSegs-1 {
				g.Indices = append(g.Indices, v2, v3, v4)
			}
		}
	}
	return g
}

// NewCylinderGeometry creates a capped cylinder centered at the origin with its axis along Y.
func NewCylinderGeometry(radiusTop, radiusBottom, height float32, radialSegs int) *Geometry {
	radialSegs = min(max(radialSegs, 3), MaxSegments)
	g := &Geometry{}
	hh := height / 2
	slope := (radiusBottom - radiusTop) / height
	// Side wall.
	for i := 0; i <= radialSegs; i++ {
		sin, cos := math32.Sincos(float32(i) / float32(radialSegs) * 2 * math32.Pi)
		n := ms3.Unit(ms3.Vec{X: sin, Y: slope, Z: cos})
		g.Positions = append(g.Positions,
			radiusTop*sin, hh, radiusTop*cos,
			radiusBottom*sin, -hh, radiusBottom*cos,
		)
		g.Normals = append(g.Normals, n.X, n.Y, n.Z, n.X, n.Y, n.Z)
	}
	for i := 0; i < radialSegs; i++ {
		a := uint32(2 * i)
		g.Indices = append(g.Indices, a, a+1, a+3, a, a+3, a+2)
	}
	g.addCap(radiusTop, hh, radialSegs, true)
	g.addCap(radiusBottom, -hh, radialSegs, false)
	return g
}

func (g *Geometry) addCap(radius, y float32, segs int, top bool) {
	if radius <= 0 {
		return
	}
	ny := float32(-1)
	if top {
		ny = 1
	}
	center := uint32(g.VertexCount())
	g.Positions = append(g.Positions, 0, y, 0)
	g.Normals = append(g.Normals, 0, ny, 0)
	for i := 0; i <= segs; i++ {
		sin, cos := math32.Sincos(float32(i) / float32(segs) * 2 * math32.Pi)
		g.Positions = append(g.Positions, radius*sin, y, radius*cos)
		g.Normals = append(g.Normals, 0, ny, 0)
	}
	for i := uint32(1); i <= uint32(segs); i++ {
		if top {
			g.Indices = append(g.Indices, center, center+i, center+i+1)
		} else {
			g.Indices = append(g.Indices, center, center+i+1, center+i)
		}
	}
}

// NewPlaneGeometry creates a w by h quad in the XY plane facing +Z.
func NewPlaneGeometry(w, h float32) *Geometry {
	hw, hh := w/2, h/2
	return &Geometry{
		Positions: []float32{-hw, -hh, 0, hw, -hh, 0, hw, hh, 0, -hw, hh, 0},
		Normals:   []float32{0, 0, 1, 0, 0, 1, 0, 0, 1, 0, 0, 1},
		Indices:   []uint32{0, 1, 2, 0, 2, 3},
	}
}

// NewGridGeometry creates a line grid on the XZ plane of the given size with divisions cells per side.
func NewGridGeometry(size float32, divisions int) *Geometry {
	divisions = max(divisions, 1)
	half := size / 2
	step := size / float32(divisions)
	g := &Geometry{Mode: DrawLines}
	for i := 0; i <= divisions; i++ {
		k := -half + float32(i)*step
		g.Positions = append(g.Positions,
			-half, 0, k, half, 0, k,
			k, 0, -half, k, 0, half,
		)
	}
	return g
}

// NewAxesGeometry creates three line segments of the given length along +X, +Y and +Z.
func NewAxesGeometry(length float32) *Geometry {
	return &Geometry{
		Mode: DrawLines,
		Positions: []float32{
			0, 0, 0, length, 0, 0,
			0, 0, 0, 0, length, 0,
			0, 0, 0, 0, 0, length,
		},
	}
}
