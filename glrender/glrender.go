// Package glrender draws cadview scenes through a configurable chain of
// post-processing passes. Drawing is delegated to a [Backend]: an OpenGL
// backend when built with cgo and a software rasterizer that runs anywhere.
package glrender

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/cadview"
	"github.com/soypat/geometry/ms3"
)

// Quality is a coarse quality level used by [RenderConfig].
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// UnmarshalText implements [encoding.TextUnmarshaler]. Matching is case insensitive.
func (q *Quality) UnmarshalText(text []byte) error {
	v := Quality(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case QualityLow, QualityMedium, QualityHigh:
		*q = v
		return nil
	}
	return fmt.Errorf("invalid quality %q", text)
}

// RenderConfig selects the passes of a [Pipeline]. Changing it requires a rebuild.
type RenderConfig struct {
	Shadows          bool    `toml:"shadows"`
	AmbientOcclusion bool    `toml:"ambient_occlusion"`
	Reflections      bool    `toml:"reflections"`
	Antialiasing     bool    `toml:"antialiasing"`
	TextureQuality   Quality `toml:"texture_quality"`
	PerformanceTier  Quality `toml:"performance_tier"`
	WireframeMode    bool    `toml:"wireframe_mode"`
	EdgeHighlight    bool    `toml:"edge_highlight"`
}

// DefaultRenderConfig returns the render defaults: shadows and antialiasing at high quality.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		Shadows:         true,
		Antialiasing:    true,
		TextureQuality:  QualityHigh,
		PerformanceTier: QualityHigh,
	}
}

// PixelRatio returns the render target scale for the performance tier.
func (cfg RenderConfig) PixelRatio() float32 {
	switch cfg.PerformanceTier {
	case QualityLow:
		return 0.5
	case QualityMedium:
		return 0.75
	}
	return 1
}

// SSAOKernelSize returns the number of ambient occlusion samples for the texture quality.
func (cfg RenderConfig) SSAOKernelSize() int {
	switch cfg.TextureQuality {
	case QualityLow:
		return 8
	case QualityMedium:
		return 16
	}
	return 32
}

// FrameScene is everything a backend needs to draw one frame.
type FrameScene struct {
	Root       *cadview.Node
	Camera     *cadview.Camera
	Lights     []cadview.Light
	Background cadview.Color
	// Clipping enables material clip planes globally.
	Clipping    bool
	Wireframe   bool
	Shadows     bool
	Reflections bool
}

// Target is a backend render target.
type Target interface {
	Size() (width, height int)
	Dispose()
}

// Backend executes draw calls for a [Pipeline]. Methods are called from the
// render thread only.
type Backend interface {
	// NewTarget allocates a color+depth+id render target.
	NewTarget(width, height int) (Target, error)
	// DrawScene clears dst to the scene background and draws the scene into it.
	DrawScene(dst Target, scene *FrameScene) error
	// ApplyPass runs a full screen post-processing pass reading src and writing dst.
	ApplyPass(pass Pass, src, dst Target) error
	// Present shows src scaled to a width by height output.
	Present(src Target, width, height int) error
	// Close releases every resource held by the backend.
	Close() error
}

// Renderer streams triangles.
type Renderer interface {
	ReadTriangles(dst []ms3.Triangle, userData any) (n int, err error)
}

// RenderAll reads the full contents of a Renderer and returns the slice read.
// It does not return error on io.EOF, like the io.RenderAll implementation.
func RenderAll(r Renderer, userData any) ([]ms3.Triangle, error) {
	const startSize = 4096
	var err error
	var nt int
	result := make([]ms3.Triangle, 0, startSize)
	buf := make([]ms3.Triangle, startSize)
	for {
		nt, err = r.ReadTriangles(buf, userData)
		if err == nil || err == io.EOF {
			result = append(result, buf[:nt]...)
		}
		if err != nil {
			break
		}
	}
	if err == io.EOF {
		return result, nil
	}
	return result, err
}

// NodeRenderer is a [Renderer] over the world space triangles of a node tree.
type NodeRenderer struct {
	tris []ms3.Triangle
	off  int
}

// NewNodeRenderer snapshots the visible non-helper triangles of root.
func NewNodeRenderer(root *cadview.Node) *NodeRenderer {
	return &NodeRenderer{tris: root.AppendTriangles(nil)}
}

// ReadTriangles implements [Renderer]. userData is unused.
func (nr *NodeRenderer) ReadTriangles(dst []ms3.Triangle, userData any) (int, error) {
	n := copy(dst, nr.tris[nr.off:])
	nr.off += n
	if nr.off >= len(nr.tris) {
		return n, io.EOF
	}
	return n, nil
}

// walkScene calls fn for every visible, live mesh under root with its world
// matrix. Meshes outside helper subtrees get consecutive object ids starting
// at zero; helper meshes get noID.
func walkScene(root *cadview.Node, fn func(n *cadview.Node, world mgl32.Mat4, id int32)) {
	var nextID int32
	var visit func(n *cadview.Node, parent mgl32.Mat4, helper bool)
	visit = func(n *cadview.Node, parent mgl32.Mat4, helper bool) {
		if !n.Visible {
			return
		}
		helper = helper || n.Helper
		world := parent.Mul4(n.Transform.Matrix())
		if n.IsMesh() && !n.Geometry.Disposed() && !n.Material.Disposed() {
			id := int32(noID)
			if !helper {
				id = nextID
				nextID++
			}
			fn(n, world, id)
		}
		for _, c := range n.Children() {
			visit(c, world, helper)
		}
	}
	visit(root, mgl32.Ident4(), false)
}
