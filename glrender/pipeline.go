package glrender

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chewxy/math32"
)

// ErrNotBuilt is returned when a pipeline without render targets is used.
var ErrNotBuilt = errors.New("glrender: pipeline not built")

// Pipeline is an ordered chain of passes over a pair of ping-pong render targets.
// The chain always starts with a [RenderPass] and ends with a [GammaCorrectionPass].
type Pipeline struct {
	backend Backend
	cfg     RenderConfig
	passes  []Pass
	targets []Target
	// output size in pixels. Targets are scaled by the config's pixel ratio.
	width, height int
	built         bool
	log           *slog.Logger
}

// NewPipeline returns an unbuilt pipeline drawing through b.
func NewPipeline(b Backend, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{backend: b, log: log}
}

// Build constructs the pass chain for cfg at an output size of width by
// height. The previous chain's render targets are disposed before new ones
// are allocated; if allocation fails the pipeline is left unbuilt. Build
// panics on a non-positive size.
func (p *Pipeline) Build(cfg RenderConfig, width, height int) error {
	if width <= 0 || height <= 0 {
		panic(fmt.Sprintf("glrender: invalid pipeline size %dx%d", width, height))
	}
	p.disposeTargets()
	p.cfg = cfg
	p.width, p.height = width, height
	p.passes = p.passes[:0]
	p.passes = append(p.passes, RenderPass{})
	if cfg.AmbientOcclusion {
		p.passes = append(p.passes, &SSAOPass{KernelSize: cfg.SSAOKernelSize(), Radius: 0.02})
	}
	if cfg.EdgeHighlight {
		p.passes = append(p.passes, NewOutlinePass())
	}
	if cfg.Antialiasing {
		p.passes = append(p.passes, &FXAAPass{})
	}
	p.passes = append(p.passes, &GammaCorrectionPass{Gamma: 2.2})
	p.built = false
	if err := p.allocate(); err != nil {
		return err
	}
	p.built = true
	p.log.Debug("pipeline built", "passes", len(p.passes), "width", width, "height", height, "pixelRatio", cfg.PixelRatio())
	return nil
}

// Resize reallocates the render targets for a new output size and updates
// every pass holding resolution dependent uniforms in the same call. The
// pipeline is left unbuilt if the new targets can not be allocated.
func (p *Pipeline) Resize(width, height int) error {
	if !p.built {
		return ErrNotBuilt
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid size %dx%d", width, height)
	}
	if width == p.width && height == p.height {
		return nil
	}
	p.disposeTargets()
	p.width, p.height = width, height
	if err := p.allocate(); err != nil {
		p.built = false
		return err
	}
	return nil
}

// Render draws scene and runs every pass, presenting the result.
func (p *Pipeline) Render(scene *FrameScene) error {
	if !p.built || len(p.targets) < 2 {
		return ErrNotBuilt
	}
	src, dst := p.targets[0], p.targets[1]
	for _, pass := range p.passes {
		var err error
		if pass.Kind() == PassRender {
			err = p.backend.DrawScene(src, scene)
		} else {
			err = p.backend.ApplyPass(pass, src, dst)
			src, dst = dst, src
		}
		if err != nil {
			return fmt.Errorf("%s pass: %w", pass.Kind(), err)
		}
	}
	return p.backend.Present(src, p.width, p.height)
}

// Passes returns the pass chain. The slice must not be modified.
func (p *Pipeline) Passes() []Pass { return p.passes }

// Config returns the configuration of the last build.
func (p *Pipeline) Config() RenderConfig { return p.cfg }

// Size returns the output size.
func (p *Pipeline) Size() (width, height int) { return p.width, p.height }

// TargetSize returns the render target size after applying the pixel ratio.
func (p *Pipeline) TargetSize() (width, height int) {
	ratio := p.cfg.PixelRatio()
	width = max(1, int(math32.Round(float32(p.width)*ratio)))
	height = max(1, int(math32.Round(float32(p.height)*ratio)))
	return width, height
}

// Dispose releases the render targets. The pipeline must be built again before use.
func (p *Pipeline) Dispose() {
	p.disposeTargets()
	p.passes = p.passes[:0]
	p.built = false
}

func (p *Pipeline) allocate() error {
	tw, th := p.TargetSize()
	for i := 0; i < 2; i++ {
		t, err := p.backend.NewTarget(tw, th)
		if err != nil {
			p.disposeTargets()
			return err
		}
		p.targets = append(p.targets, t)
	}
	for _, pass := range p.passes {
		if r, ok := pass.(Resizer); ok {
			r.SetSize(tw, th)
		}
	}
	return nil
}

func (p *Pipeline) disposeTargets() {
	for _, t := range p.targets {
		t.Dispose()
	}
	p.targets = p.targets[:0]
}
