package glrender

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/soypat/cadview"
	"github.com/soypat/geometry/ms3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passKinds(passes []Pass) []PassKind {
	kinds := make([]PassKind, len(passes))
	for i, p := range passes {
		kinds[i] = p.Kind()
	}
	return kinds
}

func TestPipelineOrder(t *testing.T) {
	tests := []struct {
		name string
		cfg  RenderConfig
		want []PassKind
	}{
		{name: "bare", cfg: RenderConfig{}, want: []PassKind{PassRender, PassGamma}},
		{name: "default", cfg: DefaultRenderConfig(), want: []PassKind{PassRender, PassFXAA, PassGamma}},
		{
			name: "all",
			cfg:  RenderConfig{AmbientOcclusion: true, EdgeHighlight: true, Antialiasing: true},
			want: []PassKind{PassRender, PassSSAO, PassOutline, PassFXAA, PassGamma},
		},
		{name: "edges", cfg: RenderConfig{EdgeHighlight: true}, want: []PassKind{PassRender, PassOutline, PassGamma}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := NewPipeline(NewHeadless(), nil)
			require.NoError(t, p.Build(test.cfg, 64, 32))
			assert.Equal(t, test.want, passKinds(p.Passes()))
		})
	}
}

func TestOutlineDefaults(t *testing.T) {
	p := NewPipeline(NewHeadless(), nil)
	require.NoError(t, p.Build(RenderConfig{EdgeHighlight: true}, 64, 32))
	outline := p.Passes()[1].(*OutlinePass)
	assert.EqualValues(t, 3, outline.EdgeStrength)
	assert.EqualValues(t, 0, outline.EdgeGlow)
	assert.EqualValues(t, 1, outline.EdgeThickness)
	assert.Equal(t, cadview.Color(0xffffff), outline.VisibleEdgeColor)
	assert.Equal(t, cadview.Color(0x190a05), outline.HiddenEdgeColor)
}

func TestQualitySettings(t *testing.T) {
	tests := []struct {
		q      Quality
		ratio  float32
		kernel int
	}{
		{q: QualityLow, ratio: 0.5, kernel: 8},
		{q: QualityMedium, ratio: 0.75, kernel: 16},
		{q: QualityHigh, ratio: 1, kernel: 32},
	}
	for _, test := range tests {
		cfg := RenderConfig{PerformanceTier: test.q, TextureQuality: test.q, AmbientOcclusion: true}
		assert.Equal(t, test.ratio, cfg.PixelRatio(), test.q)
		assert.Equal(t, test.kernel, cfg.SSAOKernelSize(), test.q)
		p := NewPipeline(NewHeadless(), nil)
		require.NoError(t, p.Build(cfg, 200, 100))
		assert.Equal(t, test.kernel, p.Passes()[1].(*SSAOPass).KernelSize)
	}
	var q Quality
	require.NoError(t, q.UnmarshalText([]byte("Medium")))
	assert.Equal(t, QualityMedium, q)
	assert.Error(t, q.UnmarshalText([]byte("ultra")))
}

func TestRebuildDisposesTargets(t *testing.T) {
	h := NewHeadless()
	p := NewPipeline(h, nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Build(DefaultRenderConfig(), 80+i, 60))
		_, _, targets := h.Live()
		assert.Equal(t, 2, targets, "build %d", i)
	}
	require.NoError(t, p.Resize(120, 90))
	_, _, targets := h.Live()
	assert.Equal(t, 2, targets)
	p.Dispose()
	_, _, targets = h.Live()
	assert.Zero(t, targets)
	assert.Panics(t, func() { p.Build(DefaultRenderConfig(), 0, 10) })
}

type failingTargets struct {
	*Headless
	fail bool
}

func (b *failingTargets) NewTarget(width, height int) (Target, error) {
	if b.fail {
		return nil, errors.New("out of memory")
	}
	return b.Headless.NewTarget(width, height)
}

func TestFailedAllocationUnbuilds(t *testing.T) {
	b := &failingTargets{Headless: NewHeadless()}
	p := NewPipeline(b, nil)
	require.NoError(t, p.Build(DefaultRenderConfig(), 64, 32))
	root := cadview.NewGroup("model")
	root.Add(cadview.NewMesh("box", cadview.NewBoxGeometry(1, 1, 1), cadview.NewStandardMaterial(0x8c9aa8)))
	scene := testScene(t, root, 64, 32)

	b.fail = true
	assert.Error(t, p.Resize(128, 64))
	assert.ErrorIs(t, p.Render(scene), ErrNotBuilt)
	assert.ErrorIs(t, p.Resize(64, 32), ErrNotBuilt)

	b.fail = false
	require.NoError(t, p.Build(DefaultRenderConfig(), 64, 32))
	require.NoError(t, p.Render(scene))

	b.fail = true
	assert.Error(t, p.Build(RenderConfig{EdgeHighlight: true}, 64, 32))
	assert.ErrorIs(t, p.Render(scene), ErrNotBuilt)
	_, _, targets := b.Live()
	assert.Zero(t, targets)
}

func testScene(t *testing.T, root *cadview.Node, w, h int) *FrameScene {
	t.Helper()
	cam := cadview.NewCamera(float32(w) / float32(h))
	bb, ok := root.WorldBounds()
	require.True(t, ok)
	cam.FrameBox(bb)
	return &FrameScene{
		Root:   root,
		Camera: cam,
		Lights: []cadview.Light{
			{Kind: cadview.LightAmbient, Color: 0xffffff, Intensity: 0.4},
			{Kind: cadview.LightDirectional, Color: 0xffffff, Intensity: 0.8, Position: ms3.Vec{X: 10, Y: 10, Z: 5}},
		},
		Clipping: true,
	}
}

func TestResizeUpdatesFXAA(t *testing.T) {
	h := NewHeadless()
	p := NewPipeline(h, nil)
	require.NoError(t, p.Build(DefaultRenderConfig(), 200, 100))
	root := cadview.NewGroup("model")
	root.Add(cadview.NewMesh("box", cadview.NewBoxGeometry(1, 1, 1), cadview.NewStandardMaterial(0x8c9aa8)))
	scene := testScene(t, root, 200, 100)

	require.NoError(t, p.Render(scene))
	assert.Equal(t, [2]float32{1. / 200, 1. / 100}, h.Resolution(PassFXAA))

	require.NoError(t, p.Resize(400, 300))
	scene.Camera.SetAspect(400, 300)
	require.NoError(t, p.Render(scene))
	assert.Equal(t, [2]float32{1. / 400, 1. / 300}, h.Resolution(PassFXAA))
	frame := h.Frame()
	require.NotNil(t, frame)
	assert.Equal(t, 400, frame.Bounds().Dx())
	assert.Equal(t, 300, frame.Bounds().Dy())
	assert.Equal(t, []PassKind{PassRender, PassFXAA, PassGamma}, h.Stats().Passes)
}

func TestPixelRatioPresentsFullSize(t *testing.T) {
	h := NewHeadless()
	p := NewPipeline(h, nil)
	cfg := DefaultRenderConfig()
	cfg.PerformanceTier = QualityLow
	require.NoError(t, p.Build(cfg, 200, 100))
	tw, th := p.TargetSize()
	assert.Equal(t, 100, tw)
	assert.Equal(t, 50, th)
	root := cadview.NewGroup("model")
	root.Add(cadview.NewMesh("sphere", cadview.NewSphereGeometry(0.5, 16, 8), cadview.NewStandardMaterial(0xff0000)))
	require.NoError(t, p.Render(testScene(t, root, 200, 100)))
	assert.Equal(t, [2]float32{1. / 100, 1. / 50}, h.Resolution(PassFXAA))
	frame := h.Frame()
	require.NotNil(t, frame)
	assert.Equal(t, 200, frame.Bounds().Dx())
	assert.Equal(t, 100, frame.Bounds().Dy())
}

func TestHeadlessDrawsAndClips(t *testing.T) {
	const w, hgt = 64, 48
	h := NewHeadless()
	p := NewPipeline(h, nil)
	require.NoError(t, p.Build(RenderConfig{}, w, hgt))
	mat := cadview.NewStandardMaterial(0xffffff)
	root := cadview.NewGroup("model")
	root.Add(cadview.NewMesh("box", cadview.NewBoxGeometry(1, 1, 1), mat))
	scene := testScene(t, root, w, hgt)

	require.NoError(t, p.Render(scene))
	frame := h.Frame()
	assert.NotEqual(t, frame.RGBAAt(0, 0), frame.RGBAAt(w/2, hgt/2), "box not drawn at center")
	background := frame.RGBAAt(0, 0)
	assert.Equal(t, uint8(0), background.R)
	assert.Equal(t, 12, h.Stats().Triangles)

	// A plane clipping everything.
	mat.SetClipPlanes([]cadview.Plane{{Normal: ms3.Vec{X: 1}, Constant: -10}})
	require.NoError(t, p.Render(scene))
	assert.Equal(t, background, h.Frame().RGBAAt(w/2, hgt/2), "clipped box drawn")

	scene.Clipping = false
	require.NoError(t, p.Render(scene))
	assert.NotEqual(t, background, h.Frame().RGBAAt(w/2, hgt/2), "clip planes applied with global clipping off")
}

func TestReloadsKeepOneModelLive(t *testing.T) {
	h := NewHeadless()
	p := NewPipeline(h, nil)
	require.NoError(t, p.Build(DefaultRenderConfig(), 48, 32))
	sm := cadview.NewSceneManager(cadview.DefaultViewerConfig())
	cam := cadview.NewCamera(1.5)
	render := func() {
		t.Helper()
		require.NoError(t, p.Render(&FrameScene{Root: sm.Root(), Camera: cam, Lights: sm.Lights()}))
	}
	newModel := func() *cadview.Node {
		root := cadview.NewGroup("model")
		root.Add(cadview.NewMesh("a", cadview.NewBoxGeometry(1, 2, 1), cadview.NewStandardMaterial(0x8c9aa8)))
		root.Add(cadview.NewMesh("b", cadview.NewCylinderGeometry(0.5, 0.5, 1, 12), cadview.NewStandardMaterial(0x336699)))
		return root
	}
	sm.ReplaceModel(newModel())
	render()
	geoms, mats, _ := h.Live()
	require.NotZero(t, geoms)
	for i := 0; i < 5; i++ {
		prev := sm.Model()
		sm.ReplaceModel(newModel())
		render()
		prev.Walk(func(n *cadview.Node) bool {
			if n.IsMesh() {
				assert.True(t, n.Geometry.Disposed())
				assert.True(t, n.Material.Disposed())
			}
			return true
		})
		g, m, _ := h.Live()
		assert.Equal(t, geoms, g, "reload %d", i)
		assert.Equal(t, mats, m, "reload %d", i)
	}
	sm.Dispose()
	g, m, _ := h.Live()
	assert.Zero(t, g)
	assert.Zero(t, m)
	p.Dispose()
	require.NoError(t, h.Close())
	assert.Error(t, h.Close())
}

func TestWriteBinarySTL(t *testing.T) {
	tris := []ms3.Triangle{
		{{}, {X: 1}, {Y: 1}},
		{{Z: 1}, {X: 1, Z: 1}, {Y: 1, Z: 1}},
	}
	var buf bytes.Buffer
	n, err := WriteBinarySTL(&buf, tris)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Equal(t, 84+2*stlTriangleSize, buf.Len())
	data := buf.Bytes()
	assert.EqualValues(t, 2, binary.LittleEndian.Uint32(data[80:]))
	var normal [3]float32
	require.NoError(t, binary.Read(bytes.NewReader(data[84:]), binary.LittleEndian, &normal))
	assert.Equal(t, [3]float32{0, 0, 1}, normal)
}

func TestNodeRendererReadsAll(t *testing.T) {
	root := cadview.NewGroup("model")
	root.Add(cadview.NewMesh("box", cadview.NewBoxGeometry(1, 1, 1), cadview.NewStandardMaterial(0)))
	tris, err := RenderAll(NewNodeRenderer(root), nil)
	require.NoError(t, err)
	assert.Len(t, tris, 12)
	nr := NewNodeRenderer(root)
	buf := make([]ms3.Triangle, 5)
	n, err := nr.ReadTriangles(buf, nil)
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	_, _ = nr.ReadTriangles(buf, nil)
	n, err = nr.ReadTriangles(buf, nil)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 2, n)
}

func TestLoopPostRunsBeforeFrame(t *testing.T) {
	var order []string
	loop := NewLoop(func() error {
		order = append(order, "frame")
		return nil
	}, nil)
	loop.Post(func() { order = append(order, "a") })
	loop.Post(func() { order = append(order, "b") })
	assert.Equal(t, 2, loop.Pending())
	require.NoError(t, loop.Step())
	assert.Equal(t, []string{"a", "b", "frame"}, order)
	assert.EqualValues(t, 1, loop.Frames())
	assert.Zero(t, loop.Pending())
}

func TestLoopStartStop(t *testing.T) {
	loop := NewLoop(func() error { return nil }, nil)
	loop.Interval = time.Millisecond
	require.NoError(t, loop.Start(context.Background()))
	assert.True(t, loop.Running())
	assert.ErrorIs(t, loop.Start(context.Background()), ErrLoopRunning)
	done := make(chan struct{})
	loop.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted function did not run")
	}
	loop.Stop()
	assert.Eventually(t, func() bool { return !loop.Running() }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, loop.Run(ctx), context.Canceled)
}

func TestLoopDo(t *testing.T) {
	loop := NewLoop(func() error { return nil }, nil)
	loop.Interval = time.Millisecond
	errBoom := errors.New("boom")
	// Stopped: runs on the caller.
	assert.ErrorIs(t, loop.Do(func() error { return errBoom }), errBoom)

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop()
	ran := false
	require.NoError(t, loop.Do(func() error { ran = true; return nil }))
	assert.True(t, ran)
}
