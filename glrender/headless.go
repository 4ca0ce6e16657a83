package glrender

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/cadview"
	"github.com/soypat/cadview/glbuild"
	"github.com/soypat/geometry/ms3"
	"golang.org/x/image/draw"
)

var errBackendClosed = errors.New("glrender: backend closed")

// Stats counts the work done by the last frame of a [Headless] backend.
type Stats struct {
	Meshes    int
	Triangles int
	Lines     int
	Passes    []PassKind
}

// Headless is a software [Backend]. It rasterizes scenes on the CPU and keeps
// the last presented frame in memory. It tracks the geometries and materials
// it has drawn until they are disposed, mirroring GPU buffer ownership.
type Headless struct {
	geoms     map[*cadview.Geometry]struct{}
	materials map[*cadview.Material]struct{}
	targets   map[*headlessTarget]struct{}
	// resolution holds the last resolution uniform applied per pass kind.
	resolution map[PassKind][2]float32
	stats      Stats
	kernel     []ms3.Vec
	gammaLUT   [256]float32
	lutGamma   float32
	closed     bool

	mu    sync.Mutex // guards frame.
	frame *image.RGBA
}

// NewHeadless returns a ready software backend.
func NewHeadless() *Headless {
	return &Headless{
		geoms:      make(map[*cadview.Geometry]struct{}),
		materials:  make(map[*cadview.Material]struct{}),
		targets:    make(map[*headlessTarget]struct{}),
		resolution: make(map[PassKind][2]float32),
	}
}

type headlessTarget struct {
	raster
	owner *Headless
}

func (t *headlessTarget) Size() (int, int) { return t.w, t.h }

func (t *headlessTarget) Dispose() {
	if t.owner != nil {
		delete(t.owner.targets, t)
		t.owner = nil
	}
	t.raster = raster{}
}

// NewTarget implements [Backend].
func (h *Headless) NewTarget(width, height int) (Target, error) {
	if h.closed {
		return nil, errBackendClosed
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	t := &headlessTarget{raster: newRaster(width, height), owner: h}
	h.targets[t] = struct{}{}
	return t, nil
}

func (h *Headless) target(t Target) (*headlessTarget, error) {
	ht, ok := t.(*headlessTarget)
	if !ok || ht.owner != h {
		return nil, errors.New("target not owned by backend")
	}
	return ht, nil
}

// DrawScene implements [Backend].
func (h *Headless) DrawScene(dst Target, scene *FrameScene) error {
	if h.closed {
		return errBackendClosed
	}
	t, err := h.target(dst)
	if err != nil {
		return err
	}
	if scene.Camera == nil {
		return errors.New("nil camera")
	}
	h.stats = Stats{Passes: append(h.stats.Passes[:0], PassRender)}
	t.clear(scene.Background.Vec())
	if scene.Root == nil {
		return nil
	}
	cam := *scene.Camera
	cam.Aspect = float32(t.w) / float32(t.h)
	vp := cam.ViewProjection()
	base := shader{reflect: scene.Reflections}
	setupLights(&base, scene.Lights)

	walkScene(scene.Root, func(n *cadview.Node, world mgl32.Mat4, id int32) {
		h.track(n.Geometry, n.Material)
		h.drawMesh(&t.raster, vp, world, n, id, base, scene)
	})
	return nil
}

func (h *Headless) track(g *cadview.Geometry, m *cadview.Material) {
	if _, ok := h.geoms[g]; !ok {
		h.geoms[g] = struct{}{}
		g.OnDispose(func() { delete(h.geoms, g) })
	}
	if _, ok := h.materials[m]; !ok {
		h.materials[m] = struct{}{}
		m.OnDispose(func() { delete(h.materials, m) })
	}
}

func setupLights(s *shader, lights []cadview.Light) {
	s.lightDir = ms3.Vec{Y: 1}
	haveDir := false
	for _, l := range lights {
		c := ms3.Scale(l.Intensity, l.Color.Vec())
		switch l.Kind {
		case cadview.LightAmbient:
			s.ambient = ms3.Add(s.ambient, c)
		case cadview.LightDirectional:
			s.diffuse = ms3.Add(s.diffuse, c)
			if !haveDir && ms3.Norm(l.Position) > 0 {
				s.lightDir = ms3.Unit(l.Position)
				haveDir = true
			}
		case cadview.LightHemisphere:
			s.sky = ms3.Add(s.sky, c)
			s.ground = ms3.Add(s.ground, ms3.Scale(l.Intensity, l.GroundColor.Vec()))
		}
	}
}

func (h *Headless) drawMesh(r *raster, vp, world mgl32.Mat4, n *cadview.Node, id int32, base shader, scene *FrameScene) {
	g, mat := n.Geometry, n.Material
	s := base
	s.mat = mat
	s.reflect = s.reflect && mat.EnvIntensity > 0
	if scene.Clipping {
		s.clipPlane = mat.ClipPlanes()
	}
	opacity := mat.Opacity
	if opacity <= 0 {
		return
	}
	h.stats.Meshes++
	if g.Mode == cadview.DrawLines {
		flat := func(p ms3.Vec) (ms3.Vec, bool) {
			for _, pl := range s.clipPlane {
				if pl.Clipped(p) {
					return ms3.Vec{}, true
				}
			}
			return mat.Color.Vec(), false
		}
		for i := 0; i < g.LineCount(); i++ {
			l := g.Line(i)
			r.line(vp, worldPoint(world, l[0]), worldPoint(world, l[1]), id, flat)
			h.stats.Lines++
		}
		return
	}
	wire := scene.Wireframe || mat.Wireframe
	for i := 0; i < g.TriangleCount(); i++ {
		t := g.Triangle(i)
		for k := range t {
			t[k] = worldPoint(world, t[k])
		}
		s.normal = ms3.Unit(ms3.Cross(ms3.Sub(t[1], t[0]), ms3.Sub(t[2], t[0])))
		if wire {
			for k := range t {
				r.line(vp, t[k], t[(k+1)%3], id, s.shade)
			}
			h.stats.Lines += 3
			continue
		}
		r.triangle(vp, t, id, opacity, s.shade)
		h.stats.Triangles++
	}
}

func worldPoint(m mgl32.Mat4, p ms3.Vec) ms3.Vec {
	v := mgl32.TransformCoordinate(mgl32.Vec3{p.X, p.Y, p.Z}, m)
	return ms3.Vec{X: v[0], Y: v[1], Z: v[2]}
}

// ApplyPass implements [Backend]. The depth and id buffers of src are carried over to dst.
func (h *Headless) ApplyPass(pass Pass, src, dst Target) error {
	if h.closed {
		return errBackendClosed
	}
	s, err := h.target(src)
	if err != nil {
		return err
	}
	d, err := h.target(dst)
	if err != nil {
		return err
	}
	if s.w != d.w || s.h != d.h {
		return fmt.Errorf("pass %s: target size mismatch %dx%d != %dx%d", pass.Kind(), s.w, s.h, d.w, d.h)
	}
	copy(d.depth, s.depth)
	copy(d.ids, s.ids)
	h.stats.Passes = append(h.stats.Passes, pass.Kind())
	switch p := pass.(type) {
	case *SSAOPass:
		h.resolution[PassSSAO] = p.Resolution
		h.ssao(p, &s.raster, &d.raster)
	case *OutlinePass:
		h.resolution[PassOutline] = p.Resolution
		outline(p, &s.raster, &d.raster)
	case *FXAAPass:
		h.resolution[PassFXAA] = p.Resolution
		fxaa(p, &s.raster, &d.raster)
	case *GammaCorrectionPass:
		h.gamma(p, &s.raster, &d.raster)
	default:
		copy(d.col, s.col)
	}
	return nil
}

// Present implements [Backend]. The frame is scaled bilinearly to the output size.
func (h *Headless) Present(src Target, width, height int) error {
	if h.closed {
		return errBackendClosed
	}
	t, err := h.target(src)
	if err != nil {
		return err
	}
	img := t.rgba()
	if t.w != width || t.h != height {
		scaled := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.BiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = scaled
	}
	h.mu.Lock()
	h.frame = img
	h.mu.Unlock()
	return nil
}

// Frame returns the last presented frame or nil if none was presented.
// Frame is safe to call from any goroutine.
func (h *Headless) Frame() *image.RGBA {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frame == nil {
		return nil
	}
	cp := *h.frame
	cp.Pix = append([]uint8(nil), h.frame.Pix...)
	return &cp
}

// Live returns the number of tracked geometries, materials and render
// targets that have not been disposed.
func (h *Headless) Live() (geometries, materials, targets int) {
	return len(h.geoms), len(h.materials), len(h.targets)
}

// Resolution returns the last resolution uniform applied by a pass of kind k.
func (h *Headless) Resolution(k PassKind) [2]float32 { return h.resolution[k] }

// Stats returns counters for the last drawn frame.
func (h *Headless) Stats() Stats {
	st := h.stats
	st.Passes = append([]PassKind(nil), st.Passes...)
	return st
}

// Close implements [Backend]. Tracked resources are forgotten, not disposed.
func (h *Headless) Close() error {
	if h.closed {
		return errBackendClosed
	}
	for t := range h.targets {
		t.Dispose()
	}
	clear(h.geoms)
	clear(h.materials)
	h.closed = true
	return nil
}

func (h *Headless) ssao(p *SSAOPass, src, dst *raster) {
	if len(h.kernel) != p.KernelSize {
		h.kernel = glbuild.SSAOKernel(p.KernelSize)
	}
	// Radius in pixels from the normalized radius and target resolution.
	rx := p.Radius / max(p.Resolution[0], 1e-6)
	ry := p.Radius / max(p.Resolution[1], 1e-6)
	const bias = 1e-4
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			idx := src.at(x, y)
			c := src.col[idx]
			z := src.depth[idx]
			if math32.IsInf(z, 1) || len(h.kernel) == 0 {
				dst.col[idx] = c
				continue
			}
			occluded := 0
			for _, k := range h.kernel {
				sx := x + int(k.X*k.Z*rx)
				sy := y + int(k.Y*k.Z*ry)
				if src.depth[src.clampedAt(sx, sy)] < z-bias {
					occluded++
				}
			}
			ao := 1 - 0.5*float32(occluded)/float32(len(h.kernel))
			dst.col[idx] = ms3.Scale(ao, c)
		}
	}
}

func outline(p *OutlinePass, src, dst *raster) {
	copy(dst.col, src.col)
	thick := max(1, int(p.EdgeThickness))
	strength := math32.Min(1, p.EdgeStrength*0.5+p.EdgeGlow)
	visible, hidden := p.VisibleEdgeColor.Vec(), p.HiddenEdgeColor.Vec()
	offsets := [4][2]int{{thick, 0}, {-thick, 0}, {0, thick}, {0, -thick}}
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			idx := src.at(x, y)
			id := src.ids[idx]
			edge, behind := false, true
			for _, o := range offsets {
				n := src.clampedAt(x+o[0], y+o[1])
				if src.ids[n] == id {
					continue
				}
				edge = true
				// The edge is visible when the nearer side of it is this pixel.
				if id != noID && src.depth[idx] <= src.depth[n] {
					behind = false
				}
			}
			if !edge || id == noID {
				continue
			}
			c := visible
			if behind {
				c = hidden
			}
			dst.col[idx] = ms3.Add(ms3.Scale(strength, c), ms3.Scale(1-strength, src.col[idx]))
		}
	}
}

func luma(c ms3.Vec) float32 { return 0.299*c.X + 0.587*c.Y + 0.114*c.Z }

func fxaa(p *FXAAPass, src, dst *raster) {
	// Resolution is per target pixel; a stale uniform samples the wrong texels.
	sx := max(1, int(math32.Round(p.Resolution[0]*float32(src.w))))
	sy := max(1, int(math32.Round(p.Resolution[1]*float32(src.h))))
	const (
		edgeThreshold    = 0.125
		edgeThresholdMin = 1. / 16
	)
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			idx := src.at(x, y)
			c := src.col[idx]
			nw := src.col[src.clampedAt(x-sx, y-sy)]
			ne := src.col[src.clampedAt(x+sx, y-sy)]
			sw := src.col[src.clampedAt(x-sx, y+sy)]
			se := src.col[src.clampedAt(x+sx, y+sy)]
			lm := luma(c)
			lmin := min(lm, luma(nw), luma(ne), luma(sw), luma(se))
			lmax := max(lm, luma(nw), luma(ne), luma(sw), luma(se))
			if lmax-lmin < max(edgeThresholdMin, lmax*edgeThreshold) {
				dst.col[idx] = c
				continue
			}
			avg := ms3.Scale(0.25, ms3.Add(ms3.Add(nw, ne), ms3.Add(sw, se)))
			dst.col[idx] = ms3.Scale(0.5, ms3.Add(c, avg))
		}
	}
}

func (h *Headless) gamma(p *GammaCorrectionPass, src, dst *raster) {
	g := p.Gamma
	if g <= 0 {
		g = 2.2
	}
	if h.lutGamma != g {
		for i := range h.gammaLUT {
			h.gammaLUT[i] = math32.Pow(float32(i)/255, 1/g)
		}
		h.lutGamma = g
	}
	for i, c := range src.col {
		dst.col[i] = ms3.Vec{X: h.lut(c.X), Y: h.lut(c.Y), Z: h.lut(c.Z)}
	}
}

func (h *Headless) lut(v float32) float32 {
	return h.gammaLUT[unorm8(v)]
}
