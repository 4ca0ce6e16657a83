// Package viewer runs an interactive CAD model viewer: it loads models
// through a [glload.Registry] or a [cadview.Builder], frames them, applies
// section and picking interaction and renders through a [glrender.Pipeline].
//
// All scene mutation happens on the render thread of the viewer's
// [glrender.Loop]. Models are decoded on their own goroutine and handed to
// the render thread; a generation counter discards results of loads that
// were superseded while in flight.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"

	"github.com/soypat/cadview"
	"github.com/soypat/cadview/glload"
	"github.com/soypat/cadview/glrender"
	"github.com/soypat/geometry/ms3"
	"golang.org/x/image/draw"
)

var (
	// ErrClosed is returned by every method called after [Viewer.Close].
	ErrClosed = errors.New("viewer closed")
	// ErrEmptySource is returned for a [ModelSource] with neither URL nor components.
	ErrEmptySource = errors.New("model source has no URL and no components")
	// ErrAmbiguousSource is returned for a [ModelSource] with both URL and components.
	ErrAmbiguousSource = errors.New("model source has both URL and components")
	// ErrNoModel is returned by operations that need a loaded model.
	ErrNoModel = errors.New("no model loaded")
	// ErrNoFrame is returned by [Viewer.Snapshot] when the backend cannot read back frames.
	ErrNoFrame = errors.New("backend does not support frame readback")
	// ErrDecodePanic is wrapped by the [LoadError] of a load whose decoder panicked.
	ErrDecodePanic = errors.New("model decoder panicked")
)

// ModelSource names the model to show: a file or URL with an optional format
// token, or a list of raw component descriptions. Exactly one must be set.
type ModelSource struct {
	URL string `toml:"url"`
	// Format overrides the format token taken from the URL extension.
	Format     string                        `toml:"format"`
	Components []cadview.ComponentDescriptor `toml:"components"`
}

// Validate checks that exactly one of URL and Components is set.
func (src ModelSource) Validate() error {
	hasURL, hasComps := src.URL != "", len(src.Components) > 0
	switch {
	case hasURL && hasComps:
		return ErrAmbiguousSource
	case !hasURL && !hasComps:
		return ErrEmptySource
	}
	return nil
}

func (src ModelSource) String() string {
	if src.URL != "" {
		return src.URL
	}
	return fmt.Sprintf("%d components", len(src.Components))
}

// LoadError reports a failed model load. The previously shown model stays in place.
type LoadError struct {
	Source string
	Format string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("load %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("load %s (%s): %v", e.Source, e.Format, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ModelInfo summarizes a model that was attached to the scene.
type ModelInfo struct {
	Source      string
	Format      string
	Generation  uint64
	Meshes      int
	Triangles   int
	Bounds      ms3.Box
	Placeholder bool
}

// Callbacks receive viewer events. Any field may be nil. OnLoadStart runs on
// the caller of [Viewer.LoadModel]; the others run on the render thread
// outside the viewer lock, so they may call back into the viewer only
// through methods that do not wait on the render thread.
type Callbacks struct {
	OnLoadStart    func(src ModelSource, generation uint64)
	OnLoadProgress func(read, total int64)
	OnLoadComplete func(info ModelInfo)
	OnLoadError    func(err *LoadError)
	OnSelect       func(id string)
}

// Viewer is an interactive model viewer bound to a rendering backend.
type Viewer struct {
	mu       sync.Mutex
	cfg      Config
	scene    *cadview.SceneManager
	camera   *cadview.Camera
	controls *cadview.OrbitControls
	section  *cadview.Section
	picker   *cadview.Picker
	pipeline *glrender.Pipeline
	backend  glrender.Backend
	info     ModelInfo
	// tinted holds the attached model's materials colored by MaterialColor.
	tinted []*cadview.Material
	// events are callbacks queued under mu and fired after unlocking.
	events []func()
	closed bool

	loop     *glrender.Loop
	registry *glload.Registry
	cb       Callbacks
	log      *slog.Logger

	gen        atomic.Uint64
	loads      sync.WaitGroup
	loadMu     sync.Mutex
	cancelLoad context.CancelFunc
}

// New creates a viewer drawing through backend. The backend is owned by the
// viewer and closed by [Viewer.Close]. log may be nil.
func New(backend glrender.Backend, cfg Config, cb Callbacks, log *slog.Logger) (*Viewer, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid viewport size %dx%d", cfg.Width, cfg.Height)
	}
	v := &Viewer{
		cfg:     cfg,
		backend: backend,
		cb:      cb,
		log:     log,
	}
	loaderCfg := cfg.Loader
	if loaderCfg.Logger == nil {
		loaderCfg.Logger = log
	}
	v.registry = glload.NewRegistry(loaderCfg)
	v.scene = cadview.NewSceneManager(cfg.Viewer)
	v.scene.SetShadows(cfg.Render.Shadows)
	v.camera = cadview.NewCamera(1)
	v.camera.SetAspect(cfg.Width, cfg.Height)
	v.controls = cadview.NewOrbitControls(v.camera, cfg.Viewer)
	v.section = cadview.NewSection(v.scene)
	v.section.SetConfig(cfg.Section)
	v.picker = cadview.NewPicker(v.camera, v.scene)
	v.picker.OnSelect = func(id string) {
		if v.cb.OnSelect != nil {
			v.events = append(v.events, func() { v.cb.OnSelect(id) })
		}
	}
	v.scene.OnModelChange(func(model *cadview.Node, bb ms3.Box) {
		if model != nil {
			v.camera.FrameBox(bb)
			v.controls.Sync()
		}
	})
	v.pipeline = glrender.NewPipeline(backend, log)
	if err := v.pipeline.Build(cfg.Render, cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	v.loop = glrender.NewLoop(v.frame, log)
	return v, nil
}

// Loop returns the render loop. Drive it with Run or Start, or call
// [Viewer.Step] from a single goroutine.
func (v *Viewer) Loop() *glrender.Loop { return v.loop }

// Registry returns the format registry used for URL sources.
func (v *Viewer) Registry() *glload.Registry { return v.registry }

// Generation returns the token of the most recent [Viewer.LoadModel] call.
func (v *Viewer) Generation() uint64 { return v.gen.Load() }

// Step runs posted work and draws one frame on the calling goroutine.
func (v *Viewer) Step() error { return v.loop.Step() }

// Wait blocks until every in-flight load has decoded and handed its result
// to the render loop. The result is attached on the next loop step.
func (v *Viewer) Wait() { v.loads.Wait() }

// locked runs fn under the viewer lock and then fires queued callbacks.
func (v *Viewer) locked(fn func() error) error {
	v.mu.Lock()
	var err error
	if v.closed {
		err = ErrClosed
	} else {
		err = fn()
	}
	events := v.events
	v.events = nil
	v.mu.Unlock()
	for _, ev := range events {
		ev()
	}
	return err
}

// render runs fn on the render thread under the viewer lock.
func (v *Viewer) render(fn func() error) error {
	return v.loop.Do(func() error { return v.locked(fn) })
}

func (v *Viewer) frame() error {
	return v.locked(v.draw)
}

func (v *Viewer) draw() error {
	v.controls.Update()
	vcfg := v.scene.ViewerConfig()
	rcfg := v.pipeline.Config()
	return v.pipeline.Render(&glrender.FrameScene{
		Root:        v.scene.Root(),
		Camera:      v.camera,
		Lights:      v.scene.Lights(),
		Background:  vcfg.BackgroundColor,
		Clipping:    v.section.GlobalClipping(),
		Wireframe:   rcfg.WireframeMode || vcfg.ShowWireframe,
		Shadows:     rcfg.Shadows,
		Reflections: rcfg.Reflections,
	})
}

// LoadModel starts loading src and returns its generation token. A load in
// flight is canceled and its result discarded: only the most recently
// requested model is ever attached. Validation errors are returned directly;
// decode errors are reported through Callbacks.OnLoadError.
func (v *Viewer) LoadModel(ctx context.Context, src ModelSource) (uint64, error) {
	if err := src.Validate(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	lctx, cancel := context.WithCancel(ctx)
	// The generation and the cancel func of the newest load change together.
	v.loadMu.Lock()
	gen := v.gen.Add(1)
	if v.cancelLoad != nil {
		v.cancelLoad()
	}
	v.cancelLoad = cancel
	v.loadMu.Unlock()
	v.log.Info("loading model", "source", src.String(), "generation", gen)
	if v.cb.OnLoadStart != nil {
		v.cb.OnLoadStart(src, gen)
	}
	v.loads.Add(1)
	go func() {
		defer v.loads.Done()
		defer cancel()
		root, info, err := v.safeDecode(lctx, src)
		info.Generation = gen
		if v.gen.Load() != gen {
			v.log.Debug("discarding superseded load", "source", src.String(), "generation", gen)
			if root != nil {
				root.Dispose()
			}
			return
		}
		v.loop.Post(func() { v.attach(root, info, err) })
	}()
	return gen, nil
}

// safeDecode calls decode, reporting a panic as a [*LoadError].
func (v *Viewer) safeDecode(ctx context.Context, src ModelSource) (root *cadview.Node, info ModelInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error("model decoder panicked", "source", src.String(), "panic", r)
			info = ModelInfo{Source: src.String(), Format: src.Format}
			root, err = nil, &LoadError{Source: src.String(), Format: src.Format, Err: fmt.Errorf("%w: %v", ErrDecodePanic, r)}
		}
	}()
	return v.decode(ctx, src)
}

// decode produces the model tree for src. It runs on the load goroutine and
// touches no viewer state besides the registry. Materials without color
// information carry [glload.DefaultColor] and are tinted on attach.
func (v *Viewer) decode(ctx context.Context, src ModelSource) (*cadview.Node, ModelInfo, error) {
	info := ModelInfo{Source: src.String(), Format: src.Format}
	if len(src.Components) > 0 {
		bld := cadview.Builder{DefaultColor: glload.DefaultColor, Logger: v.log}
		root := bld.Build(src.Components)
		if err := bld.Err(); err != nil {
			v.log.Warn("skipped malformed components", "err", err)
		}
		info.Format = "components"
		return root, info, nil
	}
	if info.Format == "" {
		info.Format = glload.TokenFromURL(src.URL)
	}
	res, err := v.registry.LoadURL(ctx, src.URL, info.Format, v.cb.OnLoadProgress)
	if err != nil {
		return nil, info, &LoadError{Source: src.URL, Format: info.Format, Err: err}
	}
	info.Format = res.Format
	info.Placeholder = res.Placeholder
	var mat *cadview.Material
	if res.Node == nil {
		mat = cadview.NewStandardMaterial(glload.DefaultColor)
	}
	root := res.Root(path.Base(src.URL), mat)
	if root == nil {
		return nil, info, &LoadError{Source: src.URL, Format: info.Format, Err: glload.ErrMalformed}
	}
	return root, info, nil
}

// tint recolors materials that loaders created without color information
// and returns them without duplicates.
func tint(root *cadview.Node, color cadview.Color) []*cadview.Material {
	var tinted []*cadview.Material
	seen := make(map[*cadview.Material]bool)
	root.Walk(func(n *cadview.Node) bool {
		m := n.Material
		if m != nil && !seen[m] && m.Color == glload.DefaultColor {
			seen[m] = true
			m.Color = color
			tinted = append(tinted, m)
		}
		return true
	})
	return tinted
}

// attach runs on the render thread and installs a decoded model unless a
// newer load was requested meanwhile.
func (v *Viewer) attach(root *cadview.Node, info ModelInfo, loadErr error) {
	err := v.locked(func() error {
		if info.Generation != v.gen.Load() {
			v.log.Debug("discarding superseded model", "source", info.Source, "generation", info.Generation)
			if root != nil {
				root.Dispose()
			}
			return nil
		}
		if loadErr != nil {
			var le *LoadError
			if !errors.As(loadErr, &le) {
				le = &LoadError{Source: info.Source, Format: info.Format, Err: loadErr}
			}
			v.log.Warn("model load failed, keeping previous model", "err", le)
			if v.cb.OnLoadError != nil {
				v.events = append(v.events, func() { v.cb.OnLoadError(le) })
			}
			return nil
		}
		v.tinted = tint(root, v.cfg.Viewer.MaterialColor)
		v.scene.ReplaceModel(root)
		root.Walk(func(n *cadview.Node) bool {
			if n.IsMesh() {
				info.Meshes++
				info.Triangles += n.Geometry.TriangleCount()
			}
			return true
		})
		info.Bounds = v.scene.Bounds()
		v.info = info
		v.log.Info("model attached", "source", info.Source, "format", info.Format, "meshes", info.Meshes, "triangles", info.Triangles)
		if v.cb.OnLoadComplete != nil {
			v.events = append(v.events, func() { v.cb.OnLoadComplete(info) })
		}
		return nil
	})
	if errors.Is(err, ErrClosed) && root != nil {
		root.Dispose()
	}
}

// Model returns the summary of the attached model and false when none is attached.
func (v *Viewer) Model() (ModelInfo, bool) {
	var info ModelInfo
	var ok bool
	err := v.render(func() error {
		info, ok = v.info, v.scene.Model() != nil
		return nil
	})
	return info, ok && err == nil
}

// SetViewerConfig replaces the viewer configuration. A new MaterialColor
// recolors the attached model's materials that had no color of their own.
func (v *Viewer) SetViewerConfig(cfg cadview.ViewerConfig) error {
	return v.render(func() error {
		if cfg.MaterialColor != v.cfg.Viewer.MaterialColor {
			for _, m := range v.tinted {
				m.Color = cfg.MaterialColor
			}
			v.picker.Refresh()
		}
		v.scene.SetViewerConfig(cfg)
		v.controls.Configure(cfg)
		v.cfg.Viewer = cfg
		return nil
	})
}

// SetRenderConfig replaces the render configuration and rebuilds the pipeline.
func (v *Viewer) SetRenderConfig(cfg glrender.RenderConfig) error {
	return v.render(func() error {
		if err := v.pipeline.Build(cfg, v.cfg.Width, v.cfg.Height); err != nil {
			return v.restorePipeline(err)
		}
		v.scene.SetShadows(cfg.Shadows)
		v.cfg.Render = cfg
		return nil
	})
}

// SetSectionConfig replaces the section configuration.
func (v *Viewer) SetSectionConfig(cfg cadview.SectionConfig) error {
	return v.render(func() error {
		v.section.SetConfig(cfg)
		v.cfg.Section = cfg
		return nil
	})
}

// Config returns the active configuration.
func (v *Viewer) Config() Config {
	var cfg Config
	_ = v.render(func() error {
		cfg = v.cfg
		return nil
	})
	return cfg
}

// Click picks the object at pixel (x,y) of a width by height viewport with a
// top left origin and returns the resulting selection id.
func (v *Viewer) Click(x, y, width, height float32) (string, error) {
	var id string
	err := v.render(func() error {
		var err error
		id, err = v.picker.Click(x, y, width, height)
		return err
	})
	return id, err
}

// Select selects the object with the given id; an empty id clears the selection.
func (v *Viewer) Select(id string) error {
	return v.render(func() error {
		v.picker.Select(id)
		return nil
	})
}

// Resize changes the viewport size, updating the camera aspect and every
// resolution dependent pass.
func (v *Viewer) Resize(width, height int) error {
	return v.render(func() error { return v.resize(width, height) })
}

func (v *Viewer) resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid viewport size %dx%d", width, height)
	}
	if err := v.pipeline.Resize(width, height); err != nil {
		return v.restorePipeline(err)
	}
	v.camera.SetAspect(width, height)
	v.cfg.Width, v.cfg.Height = width, height
	return nil
}

// restorePipeline rebuilds the pipeline with the last working configuration
// and size after a failed rebuild, and returns err.
func (v *Viewer) restorePipeline(err error) error {
	if rerr := v.pipeline.Build(v.cfg.Render, v.cfg.Width, v.cfg.Height); rerr != nil {
		v.log.Error("restoring render pipeline failed", "err", rerr)
		return errors.Join(err, rerr)
	}
	v.log.Warn("render pipeline change failed, kept previous configuration", "err", err)
	return err
}

// Orbit forwards pointer motion to the orbit controls: rotate with dx,dy,
// pan with px,py and zoom with scroll.
func (v *Viewer) Orbit(dx, dy, px, py, scroll float32) error {
	return v.render(func() error {
		v.orbit(dx, dy, px, py, scroll)
		return nil
	})
}

func (v *Viewer) orbit(dx, dy, px, py, scroll float32) {
	if dx != 0 || dy != 0 {
		v.controls.Rotate(dx, dy)
	}
	if px != 0 || py != 0 {
		v.controls.Pan(px, py)
	}
	if scroll != 0 {
		v.controls.Zoom(scroll)
	}
}

// Camera returns a copy of the camera state.
func (v *Viewer) Camera() cadview.Camera {
	var cam cadview.Camera
	_ = v.render(func() error {
		cam = *v.camera
		return nil
	})
	return cam
}

// frameReader is implemented by backends that can read back the presented frame.
type frameReader interface {
	Frame() *image.RGBA
}

// Snapshot draws a frame and writes it to w as PNG, scaled to width by height
// when both are positive.
func (v *Viewer) Snapshot(w io.Writer, width, height int) error {
	fr, ok := v.backend.(frameReader)
	if !ok {
		return ErrNoFrame
	}
	var img *image.RGBA
	err := v.render(func() error {
		if err := v.draw(); err != nil {
			return err
		}
		img = fr.Frame()
		return nil
	})
	if err != nil {
		return err
	}
	if img == nil {
		return ErrNoFrame
	}
	var out image.Image = img
	if width > 0 && height > 0 && img.Bounds().Size() != image.Pt(width, height) {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		out = dst
	}
	return png.Encode(w, out)
}

// ExportSTL writes the world space triangles of the attached model to w as
// binary STL and returns the number of triangles written.
func (v *Viewer) ExportSTL(w io.Writer) (int, error) {
	var tris []ms3.Triangle
	err := v.render(func() error {
		model := v.scene.Model()
		if model == nil {
			return ErrNoModel
		}
		var err error
		tris, err = glrender.RenderAll(glrender.NewNodeRenderer(model), nil)
		return err
	})
	if err != nil {
		return 0, err
	}
	return glrender.WriteBinarySTL(w, tris)
}

// Close stops the render loop, cancels in-flight loads and releases the
// model, the pipeline and the backend. It must not be called from the render
// thread while the loop runs.
func (v *Viewer) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	v.closed = true
	v.mu.Unlock()
	v.gen.Add(1) // Invalidate in-flight loads.
	v.loadMu.Lock()
	if v.cancelLoad != nil {
		v.cancelLoad()
	}
	v.loadMu.Unlock()
	v.loads.Wait()
	v.loop.Stop()
	return v.loop.Do(func() error {
		v.loop.Drain()
		v.mu.Lock()
		defer v.mu.Unlock()
		v.events = nil
		v.scene.Dispose()
		v.pipeline.Dispose()
		return v.backend.Close()
	})
}
