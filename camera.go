package cadview

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
)

// CameraPose is the result of framing a bounding box.
type CameraPose struct {
	Position ms3.Vec
	Target   ms3.Vec
	Distance float32
	Near     float32
	Far      float32
}

// frameDirection is the fixed diagonal the camera looks along the model from.
var frameDirection = ms3.Unit(ms3.Vec{X: 1, Y: 1, Z: 1})

// Frame returns a camera pose from which the whole bounding box is visible
// given the vertical field of view (degrees) and viewport aspect ratio.
// The bounding sphere is fit inside the narrower of the vertical and
// horizontal fields of view with a [FrameMargin] and the distance never goes
// below [MinCameraDistance]. Near and far planes scale with distance.
func Frame(bb ms3.Box, fovY, aspect float32) CameraPose {
	if fovY <= 0 || fovY >= 180 {
		panic("cadview: invalid field of view")
	}
	if aspect <= 0 {
		aspect = 1
	}
	center := bb.Center()
	size := bb.Size()
	maxDim := math32.Max(size.X, math32.Max(size.Y, size.Z))
	// Bounding sphere radius of the box. maxDim*sqrt(3)/2 bounds the diagonal
	// and grows monotonically with maxDim.
	radius := maxDim * math32.Sqrt(3) / 2
	halfFov := mgl32.DegToRad(fovY) / 2
	if aspect < 1 {
		// Horizontal field of view is the narrower one.
		halfFov = math32.Atan(math32.Tan(halfFov) * aspect)
	}
	dist := FrameMargin * radius / math32.Sin(halfFov)
	dist = math32.Max(dist, MinCameraDistance)
	return CameraPose{
		Position: ms3.Add(center, ms3.Scale(dist, frameDirection)),
		Target:   center,
		Distance: dist,
		Near:     dist / 100,
		Far:      dist * 100,
	}
}

// Camera is a perspective camera.
type Camera struct {
	// FovY is the vertical field of view in degrees.
	FovY     float32
	Aspect   float32
	Near     float32
	Far      float32
	Position ms3.Vec
	Target   ms3.Vec
	Up       ms3.Vec
}

// NewCamera returns a camera at (5,5,5) looking at the origin.
func NewCamera(aspect float32) *Camera {
	return &Camera{
		FovY:     DefaultFOV,
		Aspect:   aspect,
		Near:     0.1,
		Far:      1000,
		Position: ms3.Vec{X: 5, Y: 5, Z: 5},
		Up:       ms3.Vec{Y: 1},
	}
}

// Apply moves the camera to pose.
func (c *Camera) Apply(pose CameraPose) {
	c.Position = pose.Position
	c.Target = pose.Target
	c.Near = pose.Near
	c.Far = pose.Far
}

// FrameBox frames bb with the camera's current field of view and aspect and applies the result.
func (c *Camera) FrameBox(bb ms3.Box) CameraPose {
	pose := Frame(bb, c.FovY, c.Aspect)
	c.Apply(pose)
	return pose
}

// SetAspect sets the aspect ratio from viewport dimensions.
func (c *Camera) SetAspect(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	c.Aspect = float32(width) / float32(height)
}

// View returns the world to camera matrix.
func (c *Camera) View() mgl32.Mat4 {
	return mgl32.LookAtV(vec3(c.Position), vec3(c.Target), vec3(c.Up))
}

// Projection returns the perspective projection matrix.
func (c *Camera) Projection() mgl32.Mat4 {
	return mgl32.Perspective(mgl32.DegToRad(c.FovY), c.Aspect, c.Near, c.Far)
}

// ViewProjection returns Projection*View.
func (c *Camera) ViewProjection() mgl32.Mat4 {
	return c.Projection().Mul4(c.View())
}

// Ray returns the world space ray through the pixel (x,y) of a width by
// height viewport whose origin is the top left corner.
func (c *Camera) Ray(x, y, width, height float32) (Ray, error) {
	w, h := int(width), int(height)
	// UnProject expects window coordinates with a bottom left origin.
	wy := height - y
	view, proj := c.View(), c.Projection()
	near, err := mgl32.UnProject(mgl32.Vec3{x, wy, 0}, view, proj, 0, 0, w, h)
	if err != nil {
		return Ray{}, err
	}
	far, err := mgl32.UnProject(mgl32.Vec3{x, wy, 1}, view, proj, 0, 0, w, h)
	if err != nil {
		return Ray{}, err
	}
	origin := fromVec3(near)
	return Ray{Origin: origin, Dir: ms3.Unit(ms3.Sub(fromVec3(far), origin))}, nil
}
