// Package glbuild generates the GLSL programs used to draw cadview scenes:
// one material program per feature set and one program per post-processing pass.
// Programs are written in the combined format understood by glgl.ParseCombined.
package glbuild

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
)

const VersionStr = "#version 430\n"

// MaxClipPlanes is the largest clip plane set a material program supports.
const MaxClipPlanes = 6

// Uniform and attribute names shared between generated programs and renderers.
const (
	AttribPosition     = "aPos"
	AttribNormal       = "aNormal"
	UniformModel       = "uModel"
	UniformViewProj    = "uViewProj"
	UniformNormalMat   = "uNormalMat"
	UniformColor       = "uColor"
	UniformEmissive    = "uEmissive"
	UniformRoughness   = "uRoughness"
	UniformMetalness   = "uMetalness"
	UniformOpacity     = "uOpacity"
	UniformLightDir    = "uLightDir"
	UniformAmbient     = "uAmbient"
	UniformClipPlanes  = "uClipPlanes"
	UniformNumClip     = "uNumClipPlanes"
	UniformSource      = "uSource"
	UniformDepth       = "uDepth"
	UniformIDs         = "uIDs"
	UniformResolution  = "uResolution"
	UniformProjection  = "uProjection"
	UniformEdgeParams  = "uEdgeParams"
	UniformVisibleEdge = "uVisibleEdgeColor"
	UniformHiddenEdge  = "uHiddenEdgeColor"
	UniformObjectID    = "uObjectID"
	UniformGamma       = "uGamma"
)

// Program identifies a generated GLSL program.
type Program uint8

const (
	programUndefined Program = iota
	// ProgramMaterial shades meshes. Its variant is selected with [MaterialFeatures].
	ProgramMaterial
	// ProgramLines draws helper line geometry with a flat color.
	ProgramLines
	// ProgramCopy blits the source texture.
	ProgramCopy
	ProgramSSAO
	ProgramOutline
	ProgramFXAA
	ProgramGamma
	programEnd
)

func (p Program) String() string {
	switch p {
	case ProgramMaterial:
		return "material"
	case ProgramLines:
		return "lines"
	case ProgramCopy:
		return "copy"
	case ProgramSSAO:
		return "ssao"
	case ProgramOutline:
		return "outline"
	case ProgramFXAA:
		return "fxaa"
	case ProgramGamma:
		return "gamma"
	}
	return "Program(" + strconv.Itoa(int(p)) + ")"
}

// IsPass reports whether p is a full screen post-processing program.
func (p Program) IsPass() bool { return p >= ProgramCopy && p < programEnd }

// MaterialFeatures selects compile time variants of the material program.
type MaterialFeatures struct {
	// ClipPlanes is the number of clip planes the program tests. Zero disables clipping.
	ClipPlanes  int
	FlatShading bool
	// Reflections enables a cheap environment term scaled by metalness.
	Reflections bool
}

// Programmer writes GLSL programs. A Programmer reuses an internal scratch
// buffer and is not safe for concurrent use.
type Programmer struct {
	scratch []byte
	// SSAOKernelSize is the number of hemisphere samples written into the SSAO program.
	SSAOKernelSize int
	// SSAORadius is the sampling radius as a fraction of view depth.
	SSAORadius float32
}

// NewDefaultProgrammer returns a Programmer with a 32 sample SSAO kernel.
func NewDefaultProgrammer() *Programmer {
	return &Programmer{
		scratch:        make([]byte, 0, 4096),
		SSAOKernelSize: 32,
		SSAORadius:     0.02,
	}
}

var (
	vertexHeader   = []byte("#shader vertex\n" + VersionStr)
	fragmentHeader = []byte("#shader fragment\n" + VersionStr)
)

// WriteMaterialProgram writes the material program variant for f.
func (p *Programmer) WriteMaterialProgram(w io.Writer, f MaterialFeatures) (int, error) {
	if f.ClipPlanes < 0 || f.ClipPlanes > MaxClipPlanes {
		return 0, fmt.Errorf("clip plane count %d out of range [0,%d]", f.ClipPlanes, MaxClipPlanes)
	}
	b := append(p.scratch[:0], vertexHeader...)
	b = AppendDefineDecl(b, "NUM_CLIP", strconv.Itoa(f.ClipPlanes))
	b = append(b, materialVertex...)
	b = append(b, fragmentHeader...)
	b = AppendDefineDecl(b, "NUM_CLIP", strconv.Itoa(f.ClipPlanes))
	if f.FlatShading {
		b = AppendDefineDecl(b, "FLAT_SHADING", "1")
	}
	if f.Reflections {
		b = AppendDefineDecl(b, "REFLECTIONS", "1")
	}
	b = append(b, materialFragment...)
	p.scratch = b
	return w.Write(b)
}

// WriteProgram writes a program that needs no variant selection: lines and all passes.
func (p *Programmer) WriteProgram(w io.Writer, prog Program) (int, error) {
	b := append(p.scratch[:0], vertexHeader...)
	switch {
	case prog == ProgramLines:
		b = append(b, linesVertex...)
		b = append(b, fragmentHeader...)
		b = append(b, linesFragment...)
	case prog.IsPass():
		b = append(b, quadVertex...)
		b = append(b, fragmentHeader...)
		var err error
		b, err = p.appendPassFragment(b, prog)
		if err != nil {
			return 0, err
		}
	case prog == ProgramMaterial:
		return 0, errors.New("material program requires features, use WriteMaterialProgram")
	default:
		return 0, fmt.Errorf("unknown program %s", prog)
	}
	p.scratch = b
	return w.Write(b)
}

func (p *Programmer) appendPassFragment(b []byte, prog Program) ([]byte, error) {
	switch prog {
	case ProgramCopy:
		b = append(b, copyFragment...)
	case ProgramSSAO:
		if p.SSAOKernelSize <= 0 {
			return b, errors.New("SSAO kernel size must be positive")
		}
		b = append(b, "const "...)
		b = AppendIntDecl(b, "KERNEL_SIZE", p.SSAOKernelSize)
		b = append(b, "const "...)
		b = AppendVec3SliceDecl(b, "kernel", SSAOKernel(p.SSAOKernelSize))
		b = append(b, "const "...)
		b = AppendFloatDecl(b, "RADIUS_SCALE", p.SSAORadius)
		b = append(b, ssaoFragment...)
	case ProgramOutline:
		b = append(b, outlineFragment...)
	case ProgramFXAA:
		b = append(b, fxaaFragment...)
	case ProgramGamma:
		b = append(b, gammaFragment...)
	default:
		return b, fmt.Errorf("%s is not a pass program", prog)
	}
	return b, nil
}

// SSAOKernel returns n deterministic sample offsets in the unit +Z hemisphere,
// denser near the origin.
func SSAOKernel(n int) []ms3.Vec {
	kernel := make([]ms3.Vec, n)
	const golden = 2.39996323 // Golden angle in radians.
	for i := range kernel {
		t := (float32(i) + 0.5) / float32(n)
		z := 1 - t
		r := math32.Sqrt(1 - z*z)
		sin, cos := math32.Sincos(golden * float32(i))
		v := ms3.Vec{X: r * cos, Y: r * sin, Z: z}
		scale := 0.1 + 0.9*t*t
		kernel[i] = ms3.Scale(scale, v)
	}
	return kernel
}

func AppendDefineDecl(b []byte, aliasToDefine, aliasReplace string) []byte {
	b = append(b, "#define "...)
	b = append(b, aliasToDefine...)
	b = append(b, ' ')
	b = append(b, aliasReplace...)
	b = append(b, '\n')
	return b
}

func AppendFloatDecl(b []byte, floatVarname string, v float32) []byte {
	b = append(b, "float "...)
	b = append(b, floatVarname...)
	b = append(b, '=')
	b = AppendFloat(b, '-', '.', v)
	b = append(b, ';', '\n')
	return b
}

func AppendIntDecl(b []byte, intVarname string, v int) []byte {
	b = append(b, "int "...)
	b = append(b, intVarname...)
	b = append(b, '=')
	b = strconv.AppendInt(b, int64(v), 10)
	b = append(b, ';', '\n')
	return b
}

const decimalDigits = 9

func AppendFloat(b []byte, neg, decimal byte, v float32) []byte {
	start := len(b)
	b = strconv.AppendFloat(b, float64(v), 'f', decimalDigits, 32)
	idx := bytes.IndexByte(b[start:], '.')
	if decimal != '.' && idx >= 0 {
		b[start+idx] = decimal
	}
	if b[start] == '-' {
		b[start] = neg
	}
	// Trim trailing zeroes, keeping one digit after the point so GLSL sees a float.
	end := len(b)
	for i := len(b) - 1; idx >= 0 && i > idx+start+1 && b[i] == '0'; i-- {
		end--
	}
	return b[:end]
}

func AppendFloats(b []byte, sep, neg, decimal byte, s ...float32) []byte {
	for i, v := range s {
		b = AppendFloat(b, neg, decimal, v)
		if sep != 0 && i != len(s)-1 {
			b = append(b, sep)
		}
	}
	return b
}

const maxLineLim = 500

func AppendVec3SliceDecl(b []byte, vec3Varname string, vecs []ms3.Vec) []byte {
	return AppendGenericSliceDecl(b, "vec3", vec3Varname, len(vecs), func(b []byte, i int) []byte {
		v := vecs[i]
		b = append(b, "vec3("...)
		b = AppendFloats(b, ',', '-', '.', v.X, v.Y, v.Z)
		b = append(b, ')')
		return b
	})
}

func AppendGenericSliceDecl(b []byte, typename, varname string, nelem int, appendElement func(b []byte, i int) []byte) []byte {
	lineStart := len(b)
	b = appendStartSliceDecl(b, typename, varname, nelem)
	for i := 0; i < nelem; i++ {
		last := i == nelem-1
		b = appendElement(b, i)
		if !last {
			b = append(b, ',')
			lineLen := len(b) - lineStart
			if lineLen > maxLineLim {
				b = append(b, '\n')
				lineStart = len(b)
			}
		}
	}
	b = append(b, ");\n"...)
	return b
}

func appendStartSliceDecl(b []byte, typeName, varName string, length int) []byte {
	typeStart := len(b)
	b = append(b, typeName...)
	b = append(b, '[')
	b = strconv.AppendInt(b, int64(length), 10)
	b = append(b, ']')
	typeEnd := len(b)
	b = append(b, ' ')
	b = append(b, varName...)
	b = append(b, '=')
	b = append(b, b[typeStart:typeEnd]...)
	b = append(b, '(')
	return b
}
