package glrender

import (
	"strconv"

	"github.com/soypat/cadview"
	"github.com/soypat/cadview/glbuild"
)

// PassKind identifies a pass of the pipeline.
type PassKind uint8

const (
	PassRender PassKind = iota
	PassSSAO
	PassOutline
	PassFXAA
	PassGamma
)

func (k PassKind) String() string {
	switch k {
	case PassRender:
		return "render"
	case PassSSAO:
		return "ssao"
	case PassOutline:
		return "outline"
	case PassFXAA:
		return "fxaa"
	case PassGamma:
		return "gamma"
	}
	return "PassKind(" + strconv.Itoa(int(k)) + ")"
}

// Program returns the GLSL program that implements a post-processing pass.
func (k PassKind) Program() glbuild.Program {
	switch k {
	case PassSSAO:
		return glbuild.ProgramSSAO
	case PassOutline:
		return glbuild.ProgramOutline
	case PassFXAA:
		return glbuild.ProgramFXAA
	case PassGamma:
		return glbuild.ProgramGamma
	}
	return glbuild.ProgramCopy
}

// Pass is an element of a [Pipeline].
type Pass interface {
	Kind() PassKind
}

// Resizer is implemented by passes holding resolution dependent uniforms.
// SetSize receives the render target size in pixels.
type Resizer interface {
	SetSize(width, height int)
}

// RenderPass draws the scene. It is always the first pass.
type RenderPass struct{}

func (RenderPass) Kind() PassKind { return PassRender }

// SSAOPass darkens creases using the depth buffer.
type SSAOPass struct {
	KernelSize int
	// Radius is the sampling radius as a fraction of view depth.
	Radius float32
	// Resolution is (1/width, 1/height).
	Resolution [2]float32
}

func (*SSAOPass) Kind() PassKind { return PassSSAO }

func (p *SSAOPass) SetSize(width, height int) { p.Resolution = invResolution(width, height) }

// OutlinePass draws silhouettes of objects from the id buffer. Edges behind
// other geometry use HiddenEdgeColor.
type OutlinePass struct {
	EdgeStrength     float32
	EdgeGlow         float32
	EdgeThickness    float32
	VisibleEdgeColor cadview.Color
	HiddenEdgeColor  cadview.Color
	// Resolution is (1/width, 1/height).
	Resolution [2]float32
}

// NewOutlinePass returns an outline pass with the default edge parameters.
func NewOutlinePass() *OutlinePass {
	return &OutlinePass{
		EdgeStrength:     3,
		EdgeGlow:         0,
		EdgeThickness:    1,
		VisibleEdgeColor: 0xffffff,
		HiddenEdgeColor:  0x190a05,
	}
}

func (*OutlinePass) Kind() PassKind { return PassOutline }

func (p *OutlinePass) SetSize(width, height int) { p.Resolution = invResolution(width, height) }

// FXAAPass is a fast approximate antialiasing pass.
type FXAAPass struct {
	// Resolution is (1/width, 1/height).
	Resolution [2]float32
}

func (*FXAAPass) Kind() PassKind { return PassFXAA }

func (p *FXAAPass) SetSize(width, height int) { p.Resolution = invResolution(width, height) }

// GammaCorrectionPass converts linear color to sRGB. It is always the last pass.
type GammaCorrectionPass struct {
	Gamma float32
}

func (*GammaCorrectionPass) Kind() PassKind { return PassGamma }

func invResolution(width, height int) [2]float32 {
	return [2]float32{1 / float32(width), 1 / float32(height)}
}
