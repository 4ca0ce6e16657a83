package cadview

import (
	"math"
	"sort"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
)

// DefaultHighlight is the emissive color of the highlight material.
const DefaultHighlight Color = 0x4488ff

// Ray is a half-line with unit direction Dir.
type Ray struct {
	Origin ms3.Vec
	Dir    ms3.Vec
}

// At returns the point at distance t along the ray.
func (r Ray) At(t float32) ms3.Vec { return ms3.Add(r.Origin, ms3.Scale(t, r.Dir)) }

// IntersectBox returns the entry distance of the ray into bb using the slab method.
func (r Ray) IntersectBox(bb ms3.Box) (t float32, ok bool) {
	tmin, tmax := float32(0), math32.Inf(1)
	o, d := vecArray(r.Origin), vecArray(r.Dir)
	lo, hi := vecArray(bb.Min), vecArray(bb.Max)
	for i := 0; i < 3; i++ {
		if math32.Abs(d[i]) < epstol {
			if o[i] < lo[i] || o[i] > hi[i] {
				return 0, false
			}
			continue
		}
		inv := 1 / d[i]
		t0, t1 := (lo[i]-o[i])*inv, (hi[i]-o[i])*inv
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tmin = math32.Max(tmin, t0)
		tmax = math32.Min(tmax, t1)
		if tmin > tmax {
			return 0, false
		}
	}
	return tmin, true
}

// IntersectTriangle returns the distance at which the ray hits t using the
// Möller-Trumbore algorithm. Both faces are hit.
func (r Ray) IntersectTriangle(t ms3.Triangle) (dist float32, ok bool) {
	e1 := ms3.Sub(t[1], t[0])
	e2 := ms3.Sub(t[2], t[0])
	p := ms3.Cross(r.Dir, e2)
	det := ms3.Dot(e1, p)
	if math32.Abs(det) < epstol {
		return 0, false
	}
	inv := 1 / det
	s := ms3.Sub(r.Origin, t[0])
	u := ms3.Dot(s, p) * inv
	if u < 0 || u > 1 {
		return 0, false
	}
	q := ms3.Cross(s, e1)
	v := ms3.Dot(r.Dir, q) * inv
	if v < 0 || u+v > 1 {
		return 0, false
	}
	dist = ms3.Dot(e2, q) * inv
	return dist, dist > epstol
}

// Hit is a ray intersection with a mesh node.
type Hit struct {
	Node     *Node
	Distance float32
	Point    ms3.Vec
}

// Raycast returns the nearest hit of each visible non-helper mesh in root
// sorted by increasing distance.
func Raycast(root *Node, ray Ray) []Hit {
	var hits []Hit
	root.walkWorld(root.parentMatrix(), func(n *Node, world mgl32.Mat4) {
		g := n.Geometry
		if g == nil || g.TriangleCount() == 0 {
			return
		}
		var wb ms3.Box
		for i, v := range boxVertices(g.Bounds()) {
			p := transformPoint(world, v)
			if i == 0 {
				wb = ms3.Box{Min: p, Max: p}
			} else {
				wb = includePoint(wb, p)
			}
		}
		if _, ok := ray.IntersectBox(wb); !ok {
			return
		}
		best := float32(math.MaxFloat32)
		for i := 0; i < g.TriangleCount(); i++ {
			t := g.Triangle(i)
			for k := range t {
				t[k] = transformPoint(world, t[k])
			}
			if d, ok := ray.IntersectTriangle(t); ok && d < best {
				best = d
			}
		}
		if best < math.MaxFloat32 {
			hits = append(hits, Hit{Node: n, Distance: best, Point: ray.At(best)})
		}
	})
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits
}

// Picker selects model objects under the pointer and highlights them.
// Selection states are Idle and Selected(id); at most one object is
// highlighted. The selected object is looked up by id so no node reference
// survives a model replacement.
type Picker struct {
	Camera    *Camera
	Scene     *SceneManager
	Highlight Color
	// OnSelect is called with the new selection id on every selection change.
	// The id is empty when returning to Idle.
	OnSelect func(id string)

	selected  string
	original  *Material
	highlight *Material
}

// NewPicker returns a picker over scene's model as seen from cam. The
// selection is reset whenever the model is replaced.
func NewPicker(cam *Camera, scene *SceneManager) *Picker {
	p := &Picker{Camera: cam, Scene: scene, Highlight: DefaultHighlight}
	scene.OnModelChange(func(*Node, ms3.Box) { p.Reset() })
	return p
}

// Selected returns the selected object id or the empty string when Idle.
func (p *Picker) Selected() string { return p.selected }

// Click picks at pixel (x,y) of a width by height viewport with a top left
// origin and returns the new selection id.
func (p *Picker) Click(x, y, width, height float32) (string, error) {
	model := p.Scene.Model()
	if model == nil || width <= 0 || height <= 0 {
		return p.selected, nil
	}
	ray, err := p.Camera.Ray(x, y, width, height)
	if err != nil {
		return p.selected, err
	}
	var id string
	for _, h := range Raycast(model, ray) {
		if h.Node.UserData.ID != "" {
			id = h.Node.UserData.ID
			break
		}
	}
	if id == p.selected {
		// Same object toggles back to Idle.
		id = ""
	}
	p.Select(id)
	return p.selected, nil
}

// Select moves the selection to the object with the given id. An empty or
// unknown id returns to Idle. The previous object's original material is
// restored before the new object is highlighted.
func (p *Picker) Select(id string) {
	model := p.Scene.Model()
	var target *Node
	if id != "" && model != nil {
		target = model.Find(id)
		if target != nil && target.Material == nil {
			target = nil
		}
	}
	if target == nil {
		id = ""
	}
	if id == p.selected {
		return
	}
	p.restore()
	if target != nil {
		p.original = target.Material
		p.highlight = p.highlightFor(p.original)
		target.Material = p.highlight
		p.selected = id
	}
	if p.OnSelect != nil {
		p.OnSelect(p.selected)
	}
}

// Reset drops the selection without restoring materials. It is called after
// the model the selection referred to was replaced, so the detached original
// material is released along with the highlight.
func (p *Picker) Reset() {
	if p.highlight != nil {
		p.highlight.Dispose()
		p.original.Dispose()
	}
	p.selected, p.original, p.highlight = "", nil, nil
}

// Refresh copies the selected node's original color onto its highlight
// after the original was recolored.
func (p *Picker) Refresh() {
	if p.highlight != nil {
		p.highlight.Color = p.original.Color
	}
}

// restore puts the exact original material reference back on the selected node.
func (p *Picker) restore() {
	if p.selected == "" {
		return
	}
	if model := p.Scene.Model(); model != nil {
		if n := model.Find(p.selected); n != nil && n.Material == p.highlight {
			// Clip planes and wireframe may have changed while highlighted.
			p.original.SetClipPlanes(p.highlight.ClipPlanes())
			p.original.Wireframe = p.highlight.Wireframe
			n.Material = p.original
		}
	}
	p.highlight.Dispose()
	p.selected, p.original, p.highlight = "", nil, nil
}

func (p *Picker) highlightFor(orig *Material) *Material {
	h := NewStandardMaterial(orig.Color)
	h.Roughness, h.Metalness = orig.Roughness, orig.Metalness
	h.FlatShading, h.Wireframe, h.DoubleSided = orig.FlatShading, orig.Wireframe, orig.DoubleSided
	h.Emissive = p.Highlight
	h.SetClipPlanes(orig.ClipPlanes())
	return h
}

func vecArray(v ms3.Vec) [3]float32 { return [3]float32{v.X, v.Y, v.Z} }
