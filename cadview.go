// Package cadview implements the scene side of an interactive CAD viewer:
// a parent-owns-children scene graph, a component geometry builder,
// camera framing, section (clip plane) analysis and pick-to-highlight
// selection. Rendering lives in [github.com/soypat/cadview/glrender] and
// format decoding in [github.com/soypat/cadview/glload].
package cadview

import (
	"encoding/hex"
	"errors"
	"fmt"
	"image/color"
	"strings"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
)

const (
	// MinCameraDistance is the smallest distance [Frame] will place the camera
	// from the model center. Prevents degenerate poses for zero sized models.
	MinCameraDistance = 0.1
	// FrameMargin scales the framing distance so the model does not touch the viewport edges.
	FrameMargin = 1.2
	// DefaultFOV is the default vertical field of view in degrees.
	DefaultFOV = 50
	// epstol is used to check for badly conditioned denominators
	// such as lengths used for normalization.
	epstol = 1e-7
)

// ErrMalformedComponent is wrapped by errors for component descriptors the [Builder] skipped.
var ErrMalformedComponent = errors.New("malformed component")

// UserData is the picking record every [Node] carries.
type UserData struct {
	ID       string
	Name     string
	Type     string
	Metadata map[string]any
}

// Color is a 24 bit RGB color which marshals to and from "#rrggbb" text.
type Color uint32

// RGB returns a Color from its 8 bit components.
func RGB(r, g, b uint8) Color {
	return Color(uint32(r)<<16 | uint32(g)<<8 | uint32(b))
}

// RGBA returns the color as an opaque [color.RGBA].
func (c Color) RGBA() color.RGBA {
	return color.RGBA{R: uint8(c >> 16), G: uint8(c >> 8), B: uint8(c), A: 255}
}

// Vec returns the color's components normalized to [0,1] in X,Y,Z as R,G,B.
func (c Color) Vec() ms3.Vec {
	rgba := c.RGBA()
	return ms3.Vec{X: float32(rgba.R) / 255, Y: float32(rgba.G) / 255, Z: float32(rgba.B) / 255}
}

func (c Color) String() string {
	return fmt.Sprintf("#%06x", uint32(c)&0xffffff)
}

// MarshalText implements [encoding.TextMarshaler].
func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler]. Accepts "#rrggbb", "rrggbb" and "#rgb".
func (c *Color) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.TrimSpace(string(text)), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return fmt.Errorf("invalid color %q", text)
	}
	var b [3]byte
	_, err := hex.Decode(b[:], []byte(s))
	if err != nil {
		return fmt.Errorf("invalid color %q: %w", text, err)
	}
	*c = RGB(b[0], b[1], b[2])
	return nil
}

// Plane is a clipping half-space boundary satisfying Normal·p + Constant = 0.
// Points where Normal·p + Constant < 0 are clipped away.
type Plane struct {
	Normal   ms3.Vec
	Constant float32
}

// PlaneFromPoint returns the plane with the given normal passing through point.
// The normal is normalized.
func PlaneFromPoint(normal, point ms3.Vec) Plane {
	n := ms3.Unit(normal)
	return Plane{Normal: n, Constant: -ms3.Dot(n, point)}
}

// Distance returns the signed distance from p to the plane.
func (pl Plane) Distance(p ms3.Vec) float32 {
	return ms3.Dot(pl.Normal, p) + pl.Constant
}

// Clipped reports whether p lies on the clipped side of the plane.
func (pl Plane) Clipped(p ms3.Vec) bool {
	return pl.Distance(p) < 0
}

func vec3(v ms3.Vec) mgl32.Vec3 { return mgl32.Vec3{v.X, v.Y, v.Z} }

func fromVec3(v mgl32.Vec3) ms3.Vec { return ms3.Vec{X: v[0], Y: v[1], Z: v[2]} }

func transformPoint(m mgl32.Mat4, p ms3.Vec) ms3.Vec {
	return fromVec3(mgl32.TransformCoordinate(vec3(p), m))
}

// includePoint grows bb so it contains p.
func includePoint(bb ms3.Box, p ms3.Vec) ms3.Box {
	return bb.Union(ms3.Box{Min: p, Max: p})
}

func finite(f float32) bool {
	return !math32.IsNaN(f) && !math32.IsInf(f, 0)
}
