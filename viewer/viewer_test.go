package viewer

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soypat/cadview"
	"github.com/soypat/cadview/glload"
	"github.com/soypat/cadview/glrender"
	"github.com/soypat/geometry/ms3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const triangleSTL = `solid tri
facet normal 0 0 1
 outer loop
  vertex 0 0 0
  vertex 4 0 0
  vertex 0 2 0
 endloop
endfacet
endsolid tri
`

const quadOBJ = `o quad
v -1 -1 0
v 1 -1 0
v 1 1 0
v -1 1 0
f 1 2 3 4
`

type events struct {
	mu       sync.Mutex
	started  []uint64
	complete []ModelInfo
	errs     []*LoadError
	selected []string
}

func (ev *events) callbacks() Callbacks {
	return Callbacks{
		OnLoadStart: func(_ ModelSource, gen uint64) {
			ev.mu.Lock()
			ev.started = append(ev.started, gen)
			ev.mu.Unlock()
		},
		OnLoadComplete: func(info ModelInfo) {
			ev.mu.Lock()
			ev.complete = append(ev.complete, info)
			ev.mu.Unlock()
		},
		OnLoadError: func(err *LoadError) {
			ev.mu.Lock()
			ev.errs = append(ev.errs, err)
			ev.mu.Unlock()
		},
		OnSelect: func(id string) {
			ev.mu.Lock()
			ev.selected = append(ev.selected, id)
			ev.mu.Unlock()
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 160, 120
	cfg.Render.Shadows = false
	return cfg
}

func newTestViewer(t *testing.T, cb Callbacks) (*Viewer, *glrender.Headless) {
	t.Helper()
	h := glrender.NewHeadless()
	v, err := New(h, testConfig(), cb, nil)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v, h
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// settle waits for in-flight loads and attaches their results.
func settle(t *testing.T, v *Viewer) {
	t.Helper()
	v.Wait()
	require.NoError(t, v.Step())
}

func TestModelSourceValidate(t *testing.T) {
	assert.ErrorIs(t, ModelSource{}.Validate(), ErrEmptySource)
	both := ModelSource{URL: "a.stl", Components: []cadview.ComponentDescriptor{{Kind: cadview.KindBox}}}
	assert.ErrorIs(t, both.Validate(), ErrAmbiguousSource)
	assert.NoError(t, ModelSource{URL: "a.stl"}.Validate())

	v, _ := newTestViewer(t, Callbacks{})
	_, err := v.LoadModel(context.Background(), ModelSource{})
	assert.ErrorIs(t, err, ErrEmptySource)
	assert.Zero(t, v.Generation())
}

func TestLoadModelFramesCamera(t *testing.T) {
	var ev events
	v, _ := newTestViewer(t, ev.callbacks())
	gen, err := v.LoadModel(context.Background(), ModelSource{URL: writeFile(t, "tri.stl", triangleSTL)})
	require.NoError(t, err)
	settle(t, v)

	info, ok := v.Model()
	require.True(t, ok)
	assert.Equal(t, gen, info.Generation)
	assert.Equal(t, "stl", info.Format)
	assert.Equal(t, 1, info.Meshes)
	assert.Equal(t, 1, info.Triangles)
	assert.False(t, info.Placeholder)

	cam := v.Camera()
	center := info.Bounds.Center()
	assert.InDelta(t, center.X, cam.Target.X, 1e-5)
	assert.InDelta(t, center.Y, cam.Target.Y, 1e-5)
	assert.Equal(t, []uint64{gen}, ev.started)
	require.Len(t, ev.complete, 1)
	assert.Equal(t, info, ev.complete[0])
}

func TestDefaultMaterialTinted(t *testing.T) {
	v, _ := newTestViewer(t, Callbacks{})
	vcfg := cadview.DefaultViewerConfig()
	vcfg.MaterialColor = 0x112233
	require.NoError(t, v.SetViewerConfig(vcfg))
	_, err := v.LoadModel(context.Background(), ModelSource{URL: writeFile(t, "quad.obj", quadOBJ)})
	require.NoError(t, err)
	settle(t, v)
	var colors []cadview.Color
	v.scene.Model().Walk(func(n *cadview.Node) bool {
		if n.IsMesh() {
			colors = append(colors, n.Material.Color)
		}
		return true
	})
	require.NotEmpty(t, colors)
	for _, c := range colors {
		assert.Equal(t, cadview.Color(0x112233), c)
	}
}

// blockingStrategy decodes an STL payload once released, ignoring cancellation.
type blockingStrategy struct {
	release chan struct{}
	decoded chan *cadview.Geometry
}

func (b blockingStrategy) Load(ctx context.Context, r io.Reader) (glload.Result, error) {
	<-b.release
	res, err := glload.LoadSTL(context.Background(), r)
	b.decoded <- res.Geometry
	return res, err
}

func TestSupersededLoadDiscarded(t *testing.T) {
	for _, slowFinishesFirst := range []bool{true, false} {
		var ev events
		v, _ := newTestViewer(t, ev.callbacks())
		release := make(chan struct{})
		decoded := make(chan *cadview.Geometry, 1)
		v.Registry().Register("slow", blockingStrategy{release: release, decoded: decoded})
		ctx := context.Background()
		_, err := v.LoadModel(ctx, ModelSource{URL: writeFile(t, "a.slow", triangleSTL)})
		require.NoError(t, err)
		if slowFinishesFirst {
			close(release)
		}
		fast, err := v.LoadModel(ctx, ModelSource{URL: writeFile(t, "quad.obj", quadOBJ)})
		require.NoError(t, err)
		if !slowFinishesFirst {
			close(release)
		}
		settle(t, v)

		info, ok := v.Model()
		require.True(t, ok)
		assert.Equal(t, fast, info.Generation)
		assert.Equal(t, "obj", info.Format)
		require.Len(t, ev.complete, 1, "only the latest load may complete")
		assert.Equal(t, fast, ev.complete[0].Generation)
		assert.Empty(t, ev.errs)
		slow := <-decoded
		require.NotNil(t, slow)
		assert.True(t, slow.Disposed(), "discarded model must be released")
	}
}

func TestCanceledLoadDiscarded(t *testing.T) {
	var ev events
	v, _ := newTestViewer(t, ev.callbacks())
	started := make(chan struct{})
	v.Registry().Register("wait", glload.StrategyFunc(func(ctx context.Context, r io.Reader) (glload.Result, error) {
		close(started)
		<-ctx.Done()
		return glload.Result{}, ctx.Err()
	}))
	_, err := v.LoadModel(context.Background(), ModelSource{URL: writeFile(t, "a.wait", "x")})
	require.NoError(t, err)
	<-started
	latest, err := v.LoadModel(context.Background(), ModelSource{URL: writeFile(t, "tri.stl", triangleSTL)})
	require.NoError(t, err)
	settle(t, v)
	info, ok := v.Model()
	require.True(t, ok)
	assert.Equal(t, latest, info.Generation)
	assert.Empty(t, ev.errs, "canceled load is superseded, not failed")
}

func TestLoadErrorKeepsPreviousModel(t *testing.T) {
	var ev events
	v, _ := newTestViewer(t, ev.callbacks())
	ctx := context.Background()
	first, err := v.LoadModel(ctx, ModelSource{URL: writeFile(t, "tri.stl", triangleSTL)})
	require.NoError(t, err)
	settle(t, v)

	missing := filepath.Join(t.TempDir(), "missing.obj")
	_, err = v.LoadModel(ctx, ModelSource{URL: missing})
	require.NoError(t, err)
	settle(t, v)

	info, ok := v.Model()
	require.True(t, ok)
	assert.Equal(t, first, info.Generation)
	require.Len(t, ev.errs, 1)
	assert.Equal(t, missing, ev.errs[0].Source)
	assert.Equal(t, "obj", ev.errs[0].Format)
	assert.ErrorIs(t, ev.errs[0], os.ErrNotExist)
}

func TestStrictFallbackReportsError(t *testing.T) {
	var ev events
	cfg := testConfig()
	cfg.Loader.Fallback = glload.FallbackStrict
	v, err := New(glrender.NewHeadless(), cfg, ev.callbacks(), nil)
	require.NoError(t, err)
	defer v.Close()
	_, err = v.LoadModel(context.Background(), ModelSource{URL: writeFile(t, "junk.xyz", "\x00\x01\x02 not a model")})
	require.NoError(t, err)
	settle(t, v)
	_, ok := v.Model()
	assert.False(t, ok)
	require.Len(t, ev.errs, 1)
	assert.ErrorIs(t, ev.errs[0], glload.ErrUnsupportedFormat)
}

func TestPlaceholderModel(t *testing.T) {
	var ev events
	v, _ := newTestViewer(t, ev.callbacks())
	_, err := v.LoadModel(context.Background(), ModelSource{URL: writeFile(t, "junk.xyz", "\x00\x01\x02 not a model")})
	require.NoError(t, err)
	settle(t, v)
	info, ok := v.Model()
	require.True(t, ok)
	assert.True(t, info.Placeholder)
	assert.Equal(t, 12, info.Triangles)
}

func TestComponentsAndPicking(t *testing.T) {
	var ev events
	v, _ := newTestViewer(t, ev.callbacks())
	src := ModelSource{Components: []cadview.ComponentDescriptor{
		{ID: "box-1", Name: "Box", Kind: cadview.KindBox, Params: map[string]float64{"width": 2, "height": 2, "depth": 2}},
		{ID: "bad", Kind: "torus"},
	}}
	_, err := v.LoadModel(context.Background(), src)
	require.NoError(t, err)
	settle(t, v)
	info, ok := v.Model()
	require.True(t, ok)
	assert.Equal(t, "components", info.Format)
	assert.Equal(t, 1, info.Meshes)

	cfg := v.Config()
	w, h := float32(cfg.Width), float32(cfg.Height)
	id, err := v.Click(w/2, h/2, w, h)
	require.NoError(t, err)
	assert.Equal(t, "box-1", id)
	id, err = v.Click(w/2, h/2, w, h)
	require.NoError(t, err)
	assert.Empty(t, id, "second click on the same object deselects")
	id, err = v.Click(1, 1, w, h)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, []string{"box-1", ""}, ev.selected)
}

func TestResizeUpdatesCameraAndPasses(t *testing.T) {
	v, h := newTestViewer(t, Callbacks{})
	require.NoError(t, v.Resize(200, 100))
	require.NoError(t, v.Step())
	cam := v.Camera()
	assert.InDelta(t, 2, cam.Aspect, 1e-6)
	assert.Equal(t, [2]float32{1. / 200, 1. / 100}, h.Resolution(glrender.PassFXAA))
	cfg := v.Config()
	assert.Equal(t, 200, cfg.Width)
	assert.Error(t, v.Resize(0, 10))
}

func TestSetRenderConfigRebuilds(t *testing.T) {
	v, h := newTestViewer(t, Callbacks{})
	rcfg := glrender.DefaultRenderConfig()
	rcfg.EdgeHighlight = true
	rcfg.Antialiasing = false
	require.NoError(t, v.SetRenderConfig(rcfg))
	require.NoError(t, v.Step())
	passes := h.Stats().Passes
	assert.Contains(t, passes, glrender.PassOutline)
	assert.NotContains(t, passes, glrender.PassFXAA)
	for _, l := range v.scene.Lights() {
		if l.Kind == cadview.LightDirectional {
			assert.True(t, l.CastShadow)
		}
	}
}

// scarceBackend fails the next fail render target allocations.
type scarceBackend struct {
	*glrender.Headless
	fail int
}

var errOutOfMemory = errors.New("out of memory")

func (b *scarceBackend) NewTarget(width, height int) (glrender.Target, error) {
	if b.fail > 0 {
		b.fail--
		return nil, errOutOfMemory
	}
	return b.Headless.NewTarget(width, height)
}

func TestFailedRebuildKeepsRendering(t *testing.T) {
	b := &scarceBackend{Headless: glrender.NewHeadless()}
	v, err := New(b, testConfig(), Callbacks{}, nil)
	require.NoError(t, err)
	defer v.Close()
	prev := v.Config().Render

	rcfg := prev
	rcfg.EdgeHighlight = true
	b.fail = 1
	assert.ErrorIs(t, v.SetRenderConfig(rcfg), errOutOfMemory)
	assert.Equal(t, prev, v.Config().Render)
	require.NoError(t, v.Step())
	assert.NotContains(t, b.Stats().Passes, glrender.PassOutline)

	b.fail = 1
	assert.ErrorIs(t, v.Resize(320, 240), errOutOfMemory)
	assert.Equal(t, 160, v.Config().Width)
	require.NoError(t, v.Step())

	// Restoring fails too: frames report an error instead of crashing.
	b.fail = 10
	assert.ErrorIs(t, v.SetRenderConfig(rcfg), errOutOfMemory)
	assert.ErrorIs(t, v.Step(), glrender.ErrNotBuilt)
}

func TestSectionConfigClips(t *testing.T) {
	v, _ := newTestViewer(t, Callbacks{})
	_, err := v.LoadModel(context.Background(), ModelSource{URL: writeFile(t, "quad.obj", quadOBJ)})
	require.NoError(t, err)
	settle(t, v)
	sec := cadview.DefaultSectionConfig()
	sec.Enabled = true
	sec.Orientation = cadview.OrientationYZ
	require.NoError(t, v.SetSectionConfig(sec))
	assert.True(t, v.section.GlobalClipping())
	assert.Equal(t, sec, v.Config().Section)
}

func TestMaterialColorRetints(t *testing.T) {
	v, _ := newTestViewer(t, Callbacks{})
	red := cadview.RGB(255, 0, 0)
	_, err := v.LoadModel(context.Background(), ModelSource{Components: []cadview.ComponentDescriptor{
		{ID: "plain", Kind: cadview.KindBox},
		{ID: "red", Kind: cadview.KindBox, Position: ms3.Vec{X: 2}, Material: &cadview.MaterialOverride{Color: &red}},
		{ID: "plain2", Kind: cadview.KindBox, Position: ms3.Vec{X: -2}},
	}})
	require.NoError(t, err)
	settle(t, v)
	require.NoError(t, v.Select("plain2"))

	vcfg := v.Config().Viewer
	vcfg.MaterialColor = 0x336699
	require.NoError(t, v.SetViewerConfig(vcfg))
	model := v.scene.Model()
	assert.Equal(t, cadview.Color(0x336699), model.Find("plain").Material.Color)
	assert.Equal(t, red, model.Find("red").Material.Color)
	assert.Equal(t, cadview.Color(0x336699), model.Find("plain2").Material.Color, "highlight follows the new color")
	require.NoError(t, v.Select(""))
	assert.Equal(t, cadview.Color(0x336699), model.Find("plain2").Material.Color)
}

func TestDecoderPanicReported(t *testing.T) {
	var ev events
	v, _ := newTestViewer(t, ev.callbacks())
	v.Registry().Register("boom", glload.StrategyFunc(func(ctx context.Context, r io.Reader) (glload.Result, error) {
		panic("corrupt buffer")
	}))
	_, err := v.LoadModel(context.Background(), ModelSource{URL: writeFile(t, "a.boom", "x")})
	require.NoError(t, err)
	settle(t, v)
	_, ok := v.Model()
	assert.False(t, ok)
	require.Len(t, ev.errs, 1)
	assert.ErrorIs(t, ev.errs[0], ErrDecodePanic)
	assert.Contains(t, ev.errs[0].Error(), "corrupt buffer")
}

func TestHugeComponentSkipped(t *testing.T) {
	var ev events
	v, _ := newTestViewer(t, ev.callbacks())
	_, err := v.LoadModel(context.Background(), ModelSource{Components: []cadview.ComponentDescriptor{
		{ID: "box", Kind: cadview.KindBox},
		{ID: "sphere", Kind: cadview.KindSphere, Params: map[string]float64{"widthSegments": 1e9, "heightSegments": 1e9}},
	}})
	require.NoError(t, err)
	settle(t, v)
	info, ok := v.Model()
	require.True(t, ok)
	assert.Equal(t, 1, info.Meshes)
	assert.Empty(t, ev.errs)
}

func TestConcurrentLoadsAttachNewest(t *testing.T) {
	for i := 0; i < 20; i++ {
		var ev events
		v, _ := newTestViewer(t, ev.callbacks())
		tri := writeFile(t, "tri.stl", triangleSTL)
		quad := writeFile(t, "quad.obj", quadOBJ)
		var wg sync.WaitGroup
		for _, url := range []string{tri, quad} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v.LoadModel(context.Background(), ModelSource{URL: url})
			}()
		}
		wg.Wait()
		settle(t, v)
		info, ok := v.Model()
		require.True(t, ok)
		assert.Equal(t, v.Generation(), info.Generation)
		assert.Empty(t, ev.errs, "a superseded load must not be reported as failed")
	}
}

func TestSnapshotPNG(t *testing.T) {
	v, _ := newTestViewer(t, Callbacks{})
	_, err := v.LoadModel(context.Background(), ModelSource{URL: writeFile(t, "tri.stl", triangleSTL)})
	require.NoError(t, err)
	settle(t, v)

	var buf bytes.Buffer
	require.NoError(t, v.Snapshot(&buf, 0, 0))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 160, img.Bounds().Dx())
	assert.Equal(t, 120, img.Bounds().Dy())

	buf.Reset()
	require.NoError(t, v.Snapshot(&buf, 64, 32))
	img, err = png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())
}

func TestExportSTL(t *testing.T) {
	v, _ := newTestViewer(t, Callbacks{})
	var buf bytes.Buffer
	_, err := v.ExportSTL(&buf)
	assert.ErrorIs(t, err, ErrNoModel)

	_, err = v.LoadModel(context.Background(), ModelSource{URL: writeFile(t, "quad.obj", quadOBJ)})
	require.NoError(t, err)
	settle(t, v)
	n, err := v.ExportSTL(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 84+2*50, buf.Len())

	// The export decodes back to the same triangle count.
	res, err := glload.LoadSTL(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Geometry.TriangleCount())
}

func TestCloseReleasesEverything(t *testing.T) {
	h := glrender.NewHeadless()
	v, err := New(h, testConfig(), Callbacks{}, nil)
	require.NoError(t, err)
	_, err = v.LoadModel(context.Background(), ModelSource{URL: writeFile(t, "tri.stl", triangleSTL)})
	require.NoError(t, err)
	settle(t, v)

	require.NoError(t, v.Close())
	geoms, mats, targets := h.Live()
	assert.Zero(t, geoms)
	assert.Zero(t, mats)
	assert.Zero(t, targets)
	assert.ErrorIs(t, v.Close(), ErrClosed)
	_, err = v.LoadModel(context.Background(), ModelSource{URL: "a.stl"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, v.Resize(10, 10), ErrClosed)
	_, ok := v.Model()
	assert.False(t, ok)
}

func TestRunningLoop(t *testing.T) {
	completed := make(chan ModelInfo, 1)
	v, _ := newTestViewer(t, Callbacks{OnLoadComplete: func(info ModelInfo) { completed <- info }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, v.Loop().Start(ctx))
	_, err := v.LoadModel(ctx, ModelSource{URL: writeFile(t, "tri.stl", triangleSTL)})
	require.NoError(t, err)
	select {
	case info := <-completed:
		assert.Equal(t, 1, info.Triangles)
	case <-time.After(5 * time.Second):
		t.Fatal("model never attached")
	}
	require.NoError(t, v.Orbit(10, 0, 0, 0, 1))
	assert.Eventually(t, func() bool { return v.Loop().Frames() > 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, v.Close())
	assert.Eventually(t, func() bool { return !v.Loop().Running() }, time.Second, time.Millisecond)
}

func TestWatchReloads(t *testing.T) {
	completed := make(chan ModelInfo, 4)
	v, _ := newTestViewer(t, Callbacks{OnLoadComplete: func(info ModelInfo) { completed <- info }})
	defer func(d time.Duration) { WatchDebounce = d }(WatchDebounce)
	WatchDebounce = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, v.Loop().Start(ctx))
	name := writeFile(t, "model.obj", quadOBJ)

	watchErr := make(chan error, 1)
	go func() { watchErr <- v.Watch(ctx, ModelSource{URL: name}) }()
	wait := func() ModelInfo {
		select {
		case info := <-completed:
			return info
		case err := <-watchErr:
			t.Fatalf("watch exited: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for load")
		}
		return ModelInfo{}
	}
	first := wait()
	assert.Equal(t, 2, first.Triangles)

	more := quadOBJ + "o second\nv 0 0 1\nv 1 0 1\nv 0 1 1\nf 5 6 7\n"
	require.NoError(t, os.WriteFile(name, []byte(more), 0o644))
	second := wait()
	assert.Greater(t, second.Generation, first.Generation)
	assert.Equal(t, 3, second.Triangles)

	cancel()
	select {
	case err := <-watchErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchRejectsRemote(t *testing.T) {
	v, _ := newTestViewer(t, Callbacks{})
	err := v.Watch(context.Background(), ModelSource{URL: "https://example.com/a.stl"})
	assert.ErrorIs(t, err, ErrNotLocal)
	err = v.Watch(context.Background(), ModelSource{Components: []cadview.ComponentDescriptor{{Kind: cadview.KindBox}}})
	assert.ErrorIs(t, err, ErrNotLocal)
}

func TestLoadConfig(t *testing.T) {
	const doc = `
width = 800
height = 600

[viewer]
background_color = "#000000"
show_grid = false

[render]
texture_quality = "Low"
edge_highlight = true

[section]
enabled = true
orientation = "custom"
custom_normal = { X = 1, Y = 0, Z = 0 }

[loader]
fallback = "strict"

[model]
url = "part.glb"
`
	cfg, err := LoadConfig(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Width)
	assert.Equal(t, cadview.Color(0), cfg.Viewer.BackgroundColor)
	assert.False(t, cfg.Viewer.ShowGrid)
	assert.True(t, cfg.Viewer.EnableZoom, "unset keys keep defaults")
	assert.Equal(t, glrender.QualityLow, cfg.Render.TextureQuality)
	assert.True(t, cfg.Render.EdgeHighlight)
	assert.Equal(t, cadview.OrientationCustom, cfg.Section.Orientation)
	require.NotNil(t, cfg.Section.CustomNormal)
	assert.Equal(t, float32(1), cfg.Section.CustomNormal.X)
	assert.Equal(t, glload.FallbackStrict, cfg.Loader.Fallback)
	assert.Equal(t, "part.glb", cfg.Model.URL)

	_, err = LoadConfig(strings.NewReader("widht = 3\n"))
	assert.Error(t, err, "unknown keys are rejected")
	_, err = LoadConfig(strings.NewReader("[render]\ntexture_quality = \"ultra\"\n"))
	assert.Error(t, err)
	_, err = LoadConfig(strings.NewReader("width = -1\n"))
	assert.Error(t, err)
}

func TestWriteConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Viewer.MaterialColor = 0xabcdef
	cfg.Render.PerformanceTier = glrender.QualityMedium
	var buf bytes.Buffer
	require.NoError(t, WriteConfig(&buf, cfg))
	got, err := LoadConfig(&buf)
	require.NoError(t, err)
	assert.Equal(t, cfg.Viewer, got.Viewer)
	assert.Equal(t, cfg.Render, got.Render)
	assert.Equal(t, cfg.Loader.Fallback, got.Loader.Fallback)

	p := filepath.Join(t.TempDir(), "cadview.toml")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	_, err = LoadConfigFile(p)
	require.NoError(t, err)
	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadErrorMessage(t *testing.T) {
	err := &LoadError{Source: "a.fbx", Format: "fbx", Err: glload.ErrMalformed}
	assert.Equal(t, "load a.fbx (fbx): malformed model data", err.Error())
	assert.ErrorIs(t, err, glload.ErrMalformed)
}
