package cadview

import (
	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/glgl/math/ms1"
)

// DefaultDamping is the fraction of pending motion applied per [OrbitControls.Update].
const DefaultDamping = 0.05

// OrbitControls moves a camera on a sphere around its target. Input methods
// accumulate motion which Update applies gradually so the camera eases to a stop.
type OrbitControls struct {
	Camera *Camera
	// Damping in (0,1]. 1 applies all motion on the next Update.
	Damping        float32
	EnableRotation bool
	EnablePan      bool
	EnableZoom     bool
	// RotateSpeed is radians per unit of input.
	RotateSpeed float32
	MinDistance float32
	MaxDistance float32

	yaw, pitch, dist  float32
	dYaw, dPitch      float32
	zoom              float32
	pan               ms3.Vec
}

// NewOrbitControls returns controls for cam configured from cfg.
func NewOrbitControls(cam *Camera, cfg ViewerConfig) *OrbitControls {
	oc := &OrbitControls{
		Camera:      cam,
		Damping:     DefaultDamping,
		RotateSpeed: 0.005,
		MinDistance: MinCameraDistance,
		MaxDistance: math32.Inf(1),
		zoom:        1,
	}
	oc.Configure(cfg)
	oc.Sync()
	return oc
}

// Configure applies the interaction toggles of cfg.
func (oc *OrbitControls) Configure(cfg ViewerConfig) {
	oc.EnableRotation = cfg.EnableRotation
	oc.EnablePan = cfg.EnablePan
	oc.EnableZoom = cfg.EnableZoom
}

// Sync reads the spherical coordinates from the camera and drops pending
// motion. Call after moving the camera directly, e.g. after framing.
func (oc *OrbitControls) Sync() {
	off := ms3.Sub(oc.Camera.Position, oc.Camera.Target)
	oc.dist = ms3.Norm(off)
	if oc.dist < epstol {
		oc.yaw, oc.pitch = 0, 0
	} else {
		oc.yaw = math32.Atan2(off.X, off.Z)
		oc.pitch = math32.Asin(ms1.Clamp(off.Y/oc.dist, -1, 1))
	}
	oc.dYaw, oc.dPitch, oc.zoom, oc.pan = 0, 0, 1, ms3.Vec{}
}

// Rotate queues a rotation by dx, dy input units (usually pixels).
func (oc *OrbitControls) Rotate(dx, dy float32) {
	if !oc.EnableRotation {
		return
	}
	oc.dYaw -= dx * oc.RotateSpeed
	oc.dPitch += dy * oc.RotateSpeed
}

// Pan queues a translation of camera and target in the view plane. dx and dy
// are fractions of the viewport.
func (oc *OrbitControls) Pan(dx, dy float32) {
	if !oc.EnablePan {
		return
	}
	c := oc.Camera
	fwd := ms3.Unit(ms3.Sub(c.Target, c.Position))
	right := ms3.Unit(ms3.Cross(fwd, c.Up))
	up := ms3.Cross(right, fwd)
	h := 2 * oc.dist * math32.Tan(c.FovY*math32.Pi/360)
	oc.pan = ms3.Add(oc.pan, ms3.Add(ms3.Scale(-dx*h*c.Aspect, right), ms3.Scale(dy*h, up)))
}

// Zoom queues a scroll of delta notches. Positive delta moves closer.
func (oc *OrbitControls) Zoom(delta float32) {
	if !oc.EnableZoom {
		return
	}
	oc.zoom *= math32.Pow(0.9, delta)
}

// Update applies a damped step of pending motion to the camera and reports
// whether the camera moved.
func (oc *OrbitControls) Update() bool {
	k := ms1.Clamp(oc.Damping, epstol, 1)
	const still = 1e-6
	moved := false
	if math32.Abs(oc.dYaw)+math32.Abs(oc.dPitch) > still {
		oc.yaw += oc.dYaw * k
		oc.pitch += oc.dPitch * k
		oc.dYaw *= 1 - k
		oc.dPitch *= 1 - k
		const maxPitch = math32.Pi/2 - 0.01
		oc.pitch = ms1.Clamp(oc.pitch, -maxPitch, maxPitch)
		moved = true
	}
	if math32.Abs(oc.zoom-1) > still {
		step := math32.Pow(oc.zoom, k)
		oc.dist = ms1.Clamp(oc.dist*step, oc.MinDistance, oc.MaxDistance)
		oc.zoom /= step
		moved = true
	}
	if ms3.Norm(oc.pan) > still {
		step := ms3.Scale(k, oc.pan)
		oc.Camera.Target = ms3.Add(oc.Camera.Target, step)
		oc.pan = ms3.Sub(oc.pan, step)
		moved = true
	}
	if !moved {
		return false
	}
	sy, cy := math32.Sincos(oc.yaw)
	sp, cp := math32.Sincos(oc.pitch)
	dir := ms3.Vec{X: cp * sy, Y: sp, Z: cp * cy}
	oc.Camera.Position = ms3.Add(oc.Camera.Target, ms3.Scale(oc.dist, dir))
	return true
}
