package glrender

import (
	"image"
	"image/color"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/cadview"
	"github.com/soypat/geometry/ms3"
)

// noID marks pixels not covered by a pickable object.
const noID = -1

// raster holds the software framebuffer: linear color, NDC depth and object ids.
type raster struct {
	w, h  int
	col   []ms3.Vec
	depth []float32
	ids   []int32
}

func newRaster(w, h int) raster {
	n := w * h
	return raster{
		w:     w,
		h:     h,
		col:   make([]ms3.Vec, n),
		depth: make([]float32, n),
		ids:   make([]int32, n),
	}
}

func (r *raster) clear(bg ms3.Vec) {
	n := len(r.col)
	if n == 0 {
		return
	}
	r.col[0], r.depth[0], r.ids[0] = bg, math32.Inf(1), noID
	// Copy doubling fill.
	for i := 1; i < n; i *= 2 {
		copy(r.col[i:], r.col[:i])
		copy(r.depth[i:], r.depth[:i])
		copy(r.ids[i:], r.ids[:i])
	}
}

func (r *raster) at(x, y int) int { return y*r.w + x }

// clampedAt returns the index of (x,y) clamped to the framebuffer edges.
func (r *raster) clampedAt(x, y int) int {
	return r.at(min(max(x, 0), r.w-1), min(max(y, 0), r.h-1))
}

// rgba converts the color buffer to an 8 bit image.
func (r *raster) rgba() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, r.w, r.h))
	for y := 0; y < r.h; y++ {
		for x := 0; x < r.w; x++ {
			c := r.col[r.at(x, y)]
			img.SetRGBA(x, y, color.RGBA{R: unorm8(c.X), G: unorm8(c.Y), B: unorm8(c.Z), A: 255})
		}
	}
	return img
}

func unorm8(f float32) uint8 {
	if !(f > 0) {
		return 0
	} else if f >= 1 {
		return 255
	}
	return uint8(f*255 + 0.5)
}

// screenVertex is a vertex after projection.
type screenVertex struct {
	x, y, z float32 // Pixel coordinates and NDC depth.
	invW    float32
	world   ms3.Vec
}

// project transforms a world point to the screen. ok is false for points
// on or behind the camera plane.
func (r *raster) project(vp mgl32.Mat4, p ms3.Vec) (sv screenVertex, ok bool) {
	clip := vp.Mul4x1(mgl32.Vec4{p.X, p.Y, p.Z, 1})
	w := clip.W()
	if w <= 1e-6 {
		return sv, false
	}
	inv := 1 / w
	sv.x = (clip.X()*inv + 1) * 0.5 * float32(r.w)
	sv.y = (1 - clip.Y()*inv) * 0.5 * float32(r.h)
	sv.z = clip.Z() * inv
	sv.invW = inv
	sv.world = p
	return sv, true
}

// fragmentFunc returns the color of a fragment at world position p, or
// discard=true to drop the fragment.
type fragmentFunc func(p ms3.Vec) (c ms3.Vec, discard bool)

// triangle rasterizes a world space triangle using barycentric coordinates
// with perspective correct world position interpolation.
func (r *raster) triangle(vp mgl32.Mat4, t ms3.Triangle, id int32, opacity float32, frag fragmentFunc) {
	var sv [3]screenVertex
	for i := range sv {
		var ok bool
		sv[i], ok = r.project(vp, t[i])
		if !ok {
			return
		}
	}
	area := edgeFn(sv[0].x, sv[0].y, sv[1].x, sv[1].y, sv[2].x, sv[2].y)
	if math32.Abs(area) < 1e-9 {
		return
	}
	minX := max(0, int(math32.Floor(min(sv[0].x, sv[1].x, sv[2].x))))
	maxX := min(r.w-1, int(math32.Ceil(max(sv[0].x, sv[1].x, sv[2].x))))
	minY := max(0, int(math32.Floor(min(sv[0].y, sv[1].y, sv[2].y))))
	maxY := min(r.h-1, int(math32.Ceil(max(sv[0].y, sv[1].y, sv[2].y))))
	invArea := 1 / area
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			px, py := float32(x)+0.5, float32(y)+0.5
			b0 := edgeFn(sv[1].x, sv[1].y, sv[2].x, sv[2].y, px, py) * invArea
			b1 := edgeFn(sv[2].x, sv[2].y, sv[0].x, sv[0].y, px, py) * invArea
			b2 := 1 - b0 - b1
			if b0 < 0 || b1 < 0 || b2 < 0 {
				continue
			}
			z := b0*sv[0].z + b1*sv[1].z + b2*sv[2].z
			idx := r.at(x, y)
			if z < -1 || z > 1 || z >= r.depth[idx] {
				continue
			}
			w0, w1, w2 := b0*sv[0].invW, b1*sv[1].invW, b2*sv[2].invW
			norm := 1 / (w0 + w1 + w2)
			p := ms3.Add(ms3.Add(ms3.Scale(w0*norm, sv[0].world), ms3.Scale(w1*norm, sv[1].world)), ms3.Scale(w2*norm, sv[2].world))
			c, discard := frag(p)
			if discard {
				continue
			}
			r.blend(idx, z, id, c, opacity)
		}
	}
}

// line draws a depth tested segment with a DDA walk.
func (r *raster) line(vp mgl32.Mat4, a, b ms3.Vec, id int32, frag fragmentFunc) {
	sa, ok := r.project(vp, a)
	if !ok {
		return
	}
	sb, ok := r.project(vp, b)
	if !ok {
		return
	}
	dx, dy := sb.x-sa.x, sb.y-sa.y
	steps := int(math32.Ceil(math32.Max(math32.Abs(dx), math32.Abs(dy))))
	steps = max(steps, 1)
	const bias = 1e-4
	for i := 0; i <= steps; i++ {
		t := float32(i) / float32(steps)
		x := int(sa.x + t*dx)
		y := int(sa.y + t*dy)
		if x < 0 || y < 0 || x >= r.w || y >= r.h {
			continue
		}
		z := sa.z + t*(sb.z-sa.z)
		idx := r.at(x, y)
		if z < -1 || z > 1 || z-bias >= r.depth[idx] {
			continue
		}
		// Perspective correct world position for clipping.
		wa, wb := (1-t)*sa.invW, t*sb.invW
		p := ms3.Scale(1/(wa+wb), ms3.Add(ms3.Scale(wa, a), ms3.Scale(wb, b)))
		c, discard := frag(p)
		if discard {
			continue
		}
		r.blend(idx, z, id, c, 1)
	}
}

// blend writes a fragment. Translucent fragments blend over the existing
// color and do not write depth or ids.
func (r *raster) blend(idx int, z float32, id int32, c ms3.Vec, opacity float32) {
	if opacity >= 1 {
		r.col[idx] = c
		r.depth[idx] = z
		r.ids[idx] = id
		return
	}
	r.col[idx] = ms3.Add(ms3.Scale(opacity, c), ms3.Scale(1-opacity, r.col[idx]))
}

func edgeFn(ax, ay, bx, by, px, py float32) float32 {
	return (bx-ax)*(py-ay) - (by-ay)*(px-ax)
}

// shader computes fragment colors for one material.
type shader struct {
	mat       *cadview.Material
	normal    ms3.Vec
	lightDir  ms3.Vec
	ambient   ms3.Vec
	diffuse   ms3.Vec
	sky       ms3.Vec
	ground    ms3.Vec
	reflect   bool
	clipPlane []cadview.Plane
}

func (s *shader) shade(p ms3.Vec) (ms3.Vec, bool) {
	for _, pl := range s.clipPlane {
		if pl.Clipped(p) {
			return ms3.Vec{}, true
		}
	}
	base := s.mat.Color.Vec()
	n := s.normal
	dif := math32.Abs(ms3.Dot(n, s.lightDir))
	hemi := 0.5 + 0.5*n.Y
	light := ms3.Add(s.ambient, ms3.Scale(dif, s.diffuse))
	light = ms3.Add(light, ms3.Add(ms3.Scale(hemi, s.sky), ms3.Scale(1-hemi, s.ground)))
	c := ms3.MulElem(base, light)
	if s.reflect {
		c = ms3.Add(c, ms3.Scale(s.mat.Metalness*(1-s.mat.Roughness)*0.25*hemi, ms3.Vec{X: 1, Y: 1, Z: 1}))
	}
	return ms3.Add(c, s.mat.Emissive.Vec()), false
}
