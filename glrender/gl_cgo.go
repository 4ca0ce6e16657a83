//go:build !tinygo && cgo

package glrender

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/cadview"
	"github.com/soypat/cadview/glbuild"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/glgl/v4.6-core/glgl"
)

// GL is an OpenGL 4.6 [Backend]. It must be created and used on the thread
// owning the current GL context.
type GL struct {
	programmer *glbuild.Programmer
	materials  map[glbuild.MaterialFeatures]glgl.Program
	passes     map[passKey]glgl.Program
	lines      glgl.Program
	meshes     map[*cadview.Geometry]*glMesh
	targets    map[*glTarget]struct{}
	quadVAO    uint32
	quadVBO    uint32
	proj       mgl32.Mat4
	closed     bool
	log        *slog.Logger
}

type passKey struct {
	prog   glbuild.Program
	kernel int
	radius float32
}

type glMesh struct {
	vao, vbo, nbo, ebo uint32
	count              int32
	indexed            bool
}

type glTarget struct {
	fbo, color, ids, depth uint32
	w, h                   int
	owner                  *GL
}

func (t *glTarget) Size() (int, int) { return t.w, t.h }

func (t *glTarget) Dispose() {
	if t.owner == nil {
		return
	}
	delete(t.owner.targets, t)
	t.owner = nil
	gl.DeleteFramebuffers(1, &t.fbo)
	tex := [3]uint32{t.color, t.ids, t.depth}
	gl.DeleteTextures(3, &tex[0])
}

// NewGL initializes OpenGL on the current context and returns a backend.
func NewGL(log *slog.Logger) (*GL, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := gl.Init(); err != nil {
		return nil, fmt.Errorf("init OpenGL: %w", err)
	}
	b := &GL{
		programmer: glbuild.NewDefaultProgrammer(),
		materials:  make(map[glbuild.MaterialFeatures]glgl.Program),
		passes:     make(map[passKey]glgl.Program),
		meshes:     make(map[*cadview.Geometry]*glMesh),
		targets:    make(map[*glTarget]struct{}),
		log:        log,
	}
	lines, err := b.compile(func(w io.Writer) (int, error) {
		return b.programmer.WriteProgram(w, glbuild.ProgramLines)
	})
	if err != nil {
		return nil, err
	}
	b.lines = lines
	quad := []float32{-1, -1, 1, -1, -1, 1, -1, 1, 1, -1, 1, 1}
	gl.GenVertexArrays(1, &b.quadVAO)
	gl.BindVertexArray(b.quadVAO)
	gl.GenBuffers(1, &b.quadVBO)
	gl.BindBuffer(gl.ARRAY_BUFFER, b.quadVBO)
	gl.BufferData(gl.ARRAY_BUFFER, 4*len(quad), gl.Ptr(quad), gl.STATIC_DRAW)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointer(0, 2, gl.FLOAT, false, 0, gl.PtrOffset(0))
	gl.BindVertexArray(0)
	log.Debug("gl backend ready", "renderer", gl.GoStr(gl.GetString(gl.RENDERER)))
	return b, nil
}

func (b *GL) compile(write func(w io.Writer) (int, error)) (prog glgl.Program, err error) {
	var buf bytes.Buffer
	if _, err = write(&buf); err != nil {
		return prog, err
	}
	source := buf.String()
	combined, err := glgl.ParseCombined(&buf)
	if err != nil {
		return prog, err
	}
	prog, err = glgl.CompileProgram(combined)
	if err != nil {
		return prog, fmt.Errorf("%s\n\n%w", source, err)
	}
	return prog, nil
}

func (b *GL) materialProgram(f glbuild.MaterialFeatures) (glgl.Program, error) {
	if prog, ok := b.materials[f]; ok {
		return prog, nil
	}
	prog, err := b.compile(func(w io.Writer) (int, error) {
		return b.programmer.WriteMaterialProgram(w, f)
	})
	if err != nil {
		return prog, err
	}
	b.log.Debug("compiled material program", "clip", f.ClipPlanes, "flat", f.FlatShading, "reflections", f.Reflections)
	b.materials[f] = prog
	return prog, nil
}

func (b *GL) passProgram(key passKey) (glgl.Program, error) {
	if prog, ok := b.passes[key]; ok {
		return prog, nil
	}
	b.programmer.SSAOKernelSize = max(key.kernel, 1)
	if key.radius > 0 {
		b.programmer.SSAORadius = key.radius
	}
	prog, err := b.compile(func(w io.Writer) (int, error) {
		return b.programmer.WriteProgram(w, key.prog)
	})
	if err != nil {
		return prog, err
	}
	b.passes[key] = prog
	return prog, nil
}

func loc(prog glgl.Program, name string) int32 {
	l, err := prog.UniformLocation(name + "\x00")
	if err != nil {
		return -1 // Optimized out by the driver.
	}
	return l
}

// NewTarget implements [Backend].
func (b *GL) NewTarget(width, height int) (Target, error) {
	if b.closed {
		return nil, errBackendClosed
	}
	t := &glTarget{w: width, h: height, owner: b}
	gl.GenFramebuffers(1, &t.fbo)
	gl.BindFramebuffer(gl.FRAMEBUFFER, t.fbo)
	t.color = newTexture(width, height, gl.RGBA16F, gl.RGBA, gl.FLOAT)
	t.ids = newTexture(width, height, gl.R32F, gl.RED, gl.FLOAT)
	t.depth = newTexture(width, height, gl.DEPTH_COMPONENT32F, gl.DEPTH_COMPONENT, gl.FLOAT)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, t.color, 0)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT1, gl.TEXTURE_2D, t.ids, 0)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.DEPTH_ATTACHMENT, gl.TEXTURE_2D, t.depth, 0)
	status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	if status != gl.FRAMEBUFFER_COMPLETE {
		t.Dispose()
		return nil, fmt.Errorf("incomplete framebuffer 0x%x", status)
	}
	b.targets[t] = struct{}{}
	return t, nil
}

func newTexture(w, h int, internal int32, format, xtype uint32) uint32 {
	var tex uint32
	gl.GenTextures(1, &tex)
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.TexImage2D(gl.TEXTURE_2D, 0, internal, int32(w), int32(h), 0, format, xtype, nil)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	return tex
}

func (b *GL) target(t Target) (*glTarget, error) {
	gt, ok := t.(*glTarget)
	if !ok || gt.owner != b {
		return nil, errors.New("target not owned by backend")
	}
	return gt, nil
}

var drawBuffers = [2]uint32{gl.COLOR_ATTACHMENT0, gl.COLOR_ATTACHMENT1}

// DrawScene implements [Backend].
func (b *GL) DrawScene(dst Target, scene *FrameScene) error {
	if b.closed {
		return errBackendClosed
	}
	t, err := b.target(dst)
	if err != nil {
		return err
	}
	if scene.Camera == nil {
		return errors.New("nil camera")
	}
	gl.BindFramebuffer(gl.FRAMEBUFFER, t.fbo)
	gl.DrawBuffers(2, &drawBuffers[0])
	gl.Viewport(0, 0, int32(t.w), int32(t.h))
	bg := scene.Background.Vec()
	clearColor := [4]float32{bg.X, bg.Y, bg.Z, 1}
	clearID := [4]float32{noID, 0, 0, 0}
	gl.ClearBufferfv(gl.COLOR, 0, &clearColor[0])
	gl.ClearBufferfv(gl.COLOR, 1, &clearID[0])
	gl.Clear(gl.DEPTH_BUFFER_BIT)
	if scene.Root == nil {
		return nil
	}
	gl.Enable(gl.DEPTH_TEST)
	cam := *scene.Camera
	cam.Aspect = float32(t.w) / float32(t.h)
	vp := cam.ViewProjection()
	b.proj = cam.Projection()
	var lights shader
	setupLights(&lights, scene.Lights)
	ambient := ms3.Add(lights.ambient, ms3.Scale(0.5, ms3.Add(lights.sky, lights.ground)))

	walkScene(scene.Root, func(n *cadview.Node, world mgl32.Mat4, id int32) {
		if err != nil {
			return
		}
		mesh := b.upload(n.Geometry)
		mat := n.Material
		if n.Geometry.Mode == cadview.DrawLines {
			b.lines.Bind()
			setMat4(loc(b.lines, glbuild.UniformModel), world)
			setMat4(loc(b.lines, glbuild.UniformViewProj), vp)
			setColor(loc(b.lines, glbuild.UniformColor), mat.Color)
			mesh.draw(gl.LINES)
			return
		}
		var planes []cadview.Plane
		if scene.Clipping {
			planes = mat.ClipPlanes()
		}
		f := glbuild.MaterialFeatures{
			ClipPlanes:  len(planes),
			FlatShading: mat.FlatShading,
			Reflections: scene.Reflections && mat.EnvIntensity > 0,
		}
		var prog glgl.Program
		prog, err = b.materialProgram(f)
		if err != nil {
			return
		}
		prog.Bind()
		setMat4(loc(prog, glbuild.UniformModel), world)
		setMat4(loc(prog, glbuild.UniformViewProj), vp)
		normalMat := world.Mat3().Inv().Transpose()
		gl.UniformMatrix3fv(loc(prog, glbuild.UniformNormalMat), 1, false, &normalMat[0])
		setColor(loc(prog, glbuild.UniformColor), mat.Color)
		setColor(loc(prog, glbuild.UniformEmissive), mat.Emissive)
		gl.Uniform1f(loc(prog, glbuild.UniformRoughness), mat.Roughness)
		gl.Uniform1f(loc(prog, glbuild.UniformMetalness), mat.Metalness)
		gl.Uniform1f(loc(prog, glbuild.UniformOpacity), mat.Opacity)
		gl.Uniform3f(loc(prog, glbuild.UniformLightDir), lights.lightDir.X, lights.lightDir.Y, lights.lightDir.Z)
		gl.Uniform3f(loc(prog, glbuild.UniformAmbient), ambient.X, ambient.Y, ambient.Z)
		gl.Uniform1f(loc(prog, glbuild.UniformObjectID), float32(id))
		if len(planes) > 0 {
			eq := make([]float32, 0, 4*len(planes))
			for _, pl := range planes {
				eq = append(eq, pl.Normal.X, pl.Normal.Y, pl.Normal.Z, pl.Constant)
			}
			gl.Uniform4fv(loc(prog, glbuild.UniformClipPlanes), int32(len(planes)), &eq[0])
		}
		for i := 0; i < glbuild.MaxClipPlanes; i++ {
			if i < len(planes) {
				gl.Enable(gl.CLIP_DISTANCE0 + uint32(i))
			} else {
				gl.Disable(gl.CLIP_DISTANCE0 + uint32(i))
			}
		}
		if !mat.DoubleSided && len(planes) == 0 {
			gl.Enable(gl.CULL_FACE)
		} else {
			gl.Disable(gl.CULL_FACE)
		}
		translucent := mat.Opacity < 1
		if translucent {
			gl.Enable(gl.BLEND)
			gl.BlendFunc(gl.SRC_ALPHA, gl.ONE_MINUS_SRC_ALPHA)
			gl.DepthMask(false)
		}
		if scene.Wireframe || mat.Wireframe {
			gl.PolygonMode(gl.FRONT_AND_BACK, gl.LINE)
		}
		mesh.draw(gl.TRIANGLES)
		gl.PolygonMode(gl.FRONT_AND_BACK, gl.FILL)
		if translucent {
			gl.Disable(gl.BLEND)
			gl.DepthMask(true)
		}
	})
	gl.BindVertexArray(0)
	return err
}

func setMat4(l int32, m mgl32.Mat4) { gl.UniformMatrix4fv(l, 1, false, &m[0]) }

func setColor(l int32, c cadview.Color) {
	v := c.Vec()
	gl.Uniform3f(l, v.X, v.Y, v.Z)
}

func (b *GL) upload(g *cadview.Geometry) *glMesh {
	if m, ok := b.meshes[g]; ok {
		return m
	}
	if g.Mode == cadview.DrawTriangles && len(g.Normals) != len(g.Positions) {
		g.ComputeNormals()
	}
	m := &glMesh{}
	gl.GenVertexArrays(1, &m.vao)
	gl.BindVertexArray(m.vao)
	gl.GenBuffers(1, &m.vbo)
	gl.BindBuffer(gl.ARRAY_BUFFER, m.vbo)
	gl.BufferData(gl.ARRAY_BUFFER, 4*len(g.Positions), gl.Ptr(g.Positions), gl.STATIC_DRAW)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointer(0, 3, gl.FLOAT, false, 0, gl.PtrOffset(0))
	if len(g.Normals) == len(g.Positions) {
		gl.GenBuffers(1, &m.nbo)
		gl.BindBuffer(gl.ARRAY_BUFFER, m.nbo)
		gl.BufferData(gl.ARRAY_BUFFER, 4*len(g.Normals), gl.Ptr(g.Normals), gl.STATIC_DRAW)
		gl.EnableVertexAttribArray(1)
		gl.VertexAttribPointer(1, 3, gl.FLOAT, false, 0, gl.PtrOffset(0))
	}
	m.count = int32(g.VertexCount())
	if len(g.Indices) > 0 {
		m.indexed = true
		m.count = int32(len(g.Indices))
		gl.GenBuffers(1, &m.ebo)
		gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, m.ebo)
		gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, 4*len(g.Indices), gl.Ptr(g.Indices), gl.STATIC_DRAW)
	}
	b.meshes[g] = m
	g.OnDispose(func() {
		m.delete()
		delete(b.meshes, g)
	})
	return m
}

func (m *glMesh) draw(mode uint32) {
	gl.BindVertexArray(m.vao)
	if m.indexed {
		gl.DrawElements(mode, m.count, gl.UNSIGNED_INT, gl.PtrOffset(0))
	} else {
		gl.DrawArrays(mode, 0, m.count)
	}
}

func (m *glMesh) delete() {
	bufs := [3]uint32{m.vbo, m.nbo, m.ebo}
	gl.DeleteBuffers(3, &bufs[0])
	gl.DeleteVertexArrays(1, &m.vao)
}

// ApplyPass implements [Backend].
func (b *GL) ApplyPass(pass Pass, src, dst Target) error {
	if b.closed {
		return errBackendClosed
	}
	s, err := b.target(src)
	if err != nil {
		return err
	}
	d, err := b.target(dst)
	if err != nil {
		return err
	}
	key := passKey{prog: pass.Kind().Program()}
	if p, ok := pass.(*SSAOPass); ok {
		key.kernel, key.radius = p.KernelSize, p.Radius
	}
	prog, err := b.passProgram(key)
	if err != nil {
		return err
	}
	carry(s, d)
	gl.BindFramebuffer(gl.FRAMEBUFFER, d.fbo)
	gl.DrawBuffers(1, &drawBuffers[0])
	gl.Viewport(0, 0, int32(d.w), int32(d.h))
	gl.Disable(gl.DEPTH_TEST)
	gl.Disable(gl.BLEND)
	prog.Bind()
	bindTexture(prog, glbuild.UniformSource, 0, s.color)
	bindTexture(prog, glbuild.UniformDepth, 1, s.depth)
	bindTexture(prog, glbuild.UniformIDs, 2, s.ids)
	switch p := pass.(type) {
	case *SSAOPass:
		setMat4(loc(prog, glbuild.UniformProjection), b.proj)
		gl.Uniform2f(loc(prog, glbuild.UniformResolution), p.Resolution[0], p.Resolution[1])
	case *OutlinePass:
		gl.Uniform2f(loc(prog, glbuild.UniformResolution), p.Resolution[0], p.Resolution[1])
		gl.Uniform3f(loc(prog, glbuild.UniformEdgeParams), p.EdgeStrength, p.EdgeGlow, p.EdgeThickness)
		setColor(loc(prog, glbuild.UniformVisibleEdge), p.VisibleEdgeColor)
		setColor(loc(prog, glbuild.UniformHiddenEdge), p.HiddenEdgeColor)
	case *FXAAPass:
		gl.Uniform2f(loc(prog, glbuild.UniformResolution), p.Resolution[0], p.Resolution[1])
	case *GammaCorrectionPass:
		gl.Uniform1f(loc(prog, glbuild.UniformGamma), p.Gamma)
	}
	gl.BindVertexArray(b.quadVAO)
	gl.DrawArrays(gl.TRIANGLES, 0, 6)
	gl.BindVertexArray(0)
	return nil
}

func bindTexture(prog glgl.Program, name string, unit uint32, tex uint32) {
	l := loc(prog, name)
	if l < 0 {
		return
	}
	gl.ActiveTexture(gl.TEXTURE0 + unit)
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.Uniform1i(l, int32(unit))
}

// carry copies the depth and id attachments of src into dst so later passes can sample them.
func carry(src, dst *glTarget) {
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, src.fbo)
	gl.BindFramebuffer(gl.DRAW_FRAMEBUFFER, dst.fbo)
	gl.ReadBuffer(gl.COLOR_ATTACHMENT1)
	gl.DrawBuffers(1, &drawBuffers[1])
	w, h := int32(src.w), int32(src.h)
	gl.BlitFramebuffer(0, 0, w, h, 0, 0, w, h, gl.COLOR_BUFFER_BIT, gl.NEAREST)
	gl.BlitFramebuffer(0, 0, w, h, 0, 0, w, h, gl.DEPTH_BUFFER_BIT, gl.NEAREST)
	gl.ReadBuffer(gl.COLOR_ATTACHMENT0)
}

// Present implements [Backend]. The frame is blitted to the default framebuffer;
// swapping buffers is left to the window owner.
func (b *GL) Present(src Target, width, height int) error {
	if b.closed {
		return errBackendClosed
	}
	s, err := b.target(src)
	if err != nil {
		return err
	}
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, s.fbo)
	gl.ReadBuffer(gl.COLOR_ATTACHMENT0)
	gl.BindFramebuffer(gl.DRAW_FRAMEBUFFER, 0)
	gl.BlitFramebuffer(0, 0, int32(s.w), int32(s.h), 0, 0, int32(width), int32(height), gl.COLOR_BUFFER_BIT, gl.LINEAR)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	return nil
}

// Close implements [Backend].
func (b *GL) Close() error {
	if b.closed {
		return errBackendClosed
	}
	for t := range b.targets {
		t.Dispose()
	}
	for g, m := range b.meshes {
		m.delete()
		delete(b.meshes, g)
	}
	for _, prog := range b.materials {
		prog.Delete()
	}
	for _, prog := range b.passes {
		prog.Delete()
	}
	b.lines.Delete()
	gl.DeleteBuffers(1, &b.quadVBO)
	gl.DeleteVertexArrays(1, &b.quadVAO)
	b.closed = true
	return nil
}
