package cadview

// Material describes the surface appearance of a mesh. Materials may be shared
// between nodes. Clip planes are installed by [Section] and consumed by renderers.
type Material struct {
	Color     Color
	Emissive  Color
	Roughness float32
	Metalness float32
	// EnvIntensity scales environment reflections. Zero disables them.
	EnvIntensity float32
	Opacity      float32
	FlatShading  bool
	Wireframe    bool
	DoubleSided  bool

	clipPlanes []Plane
	resource
}

// NewStandardMaterial returns an opaque physically based material of color c.
func NewStandardMaterial(c Color) *Material {
	return &Material{
		Color:     c,
		Roughness: 0.5,
		Metalness: 0.1,
		Opacity:   1,
	}
}

// ClipPlanes returns the active clip planes of the material. The returned slice must not be modified.
func (m *Material) ClipPlanes() []Plane { return m.clipPlanes }

// SetClipPlanes replaces the material's clip plane set in a single assignment.
// A nil or empty planes removes all clip planes.
func (m *Material) SetClipPlanes(planes []Plane) {
	if len(planes) == 0 {
		m.clipPlanes = nil
		return
	}
	m.clipPlanes = append([]Plane(nil), planes...)
}

// Dispose releases the material's GPU programs and uniforms. It is idempotent.
func (m *Material) Dispose() { m.dispose() }
