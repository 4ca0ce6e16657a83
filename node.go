package cadview

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
)

// Transform is a node's local position, Euler rotation (radians, XYZ order) and scale.
type Transform struct {
	Position ms3.Vec
	Rotation ms3.Vec
	Scale    ms3.Vec
}

// IdentityTransform returns the transform with unit scale and no rotation or translation.
func IdentityTransform() Transform {
	return Transform{Scale: ms3.Vec{X: 1, Y: 1, Z: 1}}
}

// Matrix returns the local transform matrix T*R*S.
func (t Transform) Matrix() mgl32.Mat4 {
	r := mgl32.HomogRotate3DX(t.Rotation.X).Mul4(mgl32.HomogRotate3DY(t.Rotation.Y)).Mul4(mgl32.HomogRotate3DZ(t.Rotation.Z))
	return mgl32.Translate3D(t.Position.X, t.Position.Y, t.Position.Z).Mul4(r).Mul4(mgl32.Scale3D(t.Scale.X, t.Scale.Y, t.Scale.Z))
}

// Node is a RenderObject: a scene graph node with an optional mesh
// (Geometry and Material), a local transform and a picking record.
// Nodes have at most one parent which owns them.
type Node struct {
	Name      string
	UserData  UserData
	Geometry  *Geometry
	Material  *Material
	Transform Transform
	Visible   bool
	// Helper marks scene furniture such as grids and plane indicators.
	// Helpers are excluded from picking, bounds and clipping.
	Helper bool

	parent   *Node
	children []*Node
}

// NewGroup creates a node without a mesh.
func NewGroup(name string) *Node {
	return &Node{Name: name, Transform: IdentityTransform(), Visible: true}
}

// NewMesh creates a mesh node.
func NewMesh(name string, g *Geometry, m *Material) *Node {
	n := NewGroup(name)
	n.Geometry = g
	n.Material = m
	return n
}

// IsMesh reports whether the node has geometry to draw.
func (n *Node) IsMesh() bool { return n.Geometry != nil && n.Material != nil }

// Parent returns the node's parent or nil.
func (n *Node) Parent() *Node { return n.parent }

// Children returns the node's direct children. The slice must not be modified.
func (n *Node) Children() []*Node { return n.children }

// Add attaches child as the last child of n, detaching it from its previous parent.
// It panics if child is n or one of n's ancestors.
func (n *Node) Add(child *Node) {
	for p := n; p != nil; p = p.parent {
		if p == child {
			panic("cadview: adding node would create a cycle")
		}
	}
	child.Detach()
	child.parent = n
	n.children = append(n.children, child)
}

// Remove detaches child from n. It returns false if child is not a child of n.
func (n *Node) Remove(child *Node) bool {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			child.parent = nil
			return true
		}
	}
	return false
}

// Detach removes n from its parent, if any.
func (n *Node) Detach() {
	if n.parent != nil {
		n.parent.Remove(n)
	}
}

// Walk calls fn for n and its descendants depth first. If fn returns false
// the node's children are skipped.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.children {
		c.Walk(fn)
	}
}

// Find returns the first node in the tree whose UserData.ID matches id.
func (n *Node) Find(id string) *Node {
	var found *Node
	n.Walk(func(c *Node) bool {
		if found != nil {
			return false
		}
		if c.UserData.ID == id {
			found = c
			return false
		}
		return true
	})
	return found
}

// WorldMatrix returns the product of all ancestor transforms and n's own.
func (n *Node) WorldMatrix() mgl32.Mat4 {
	m := n.Transform.Matrix()
	for p := n.parent; p != nil; p = p.parent {
		m = p.Transform.Matrix().Mul4(m)
	}
	return m
}

// WorldBounds returns the world space bounding box of all non-helper meshes
// in the tree rooted at n. ok is false if the tree has no geometry.
func (n *Node) WorldBounds() (bb ms3.Box, ok bool) {
	n.walkWorld(n.parentMatrix(), func(c *Node, world mgl32.Mat4) {
		if c.Geometry == nil || c.Geometry.VertexCount() == 0 {
			return
		}
		local := c.Geometry.Bounds()
		for _, v := range boxVertices(local) {
			p := transformPoint(world, v)
			if !ok {
				bb, ok = ms3.Box{Min: p, Max: p}, true
				continue
			}
			bb = includePoint(bb, p)
		}
	})
	return bb, ok
}

// AppendTriangles appends all non-helper triangles of the tree in world space to dst.
func (n *Node) AppendTriangles(dst []ms3.Triangle) []ms3.Triangle {
	n.walkWorld(n.parentMatrix(), func(c *Node, world mgl32.Mat4) {
		g := c.Geometry
		if g == nil {
			return
		}
		for i := 0; i < g.TriangleCount(); i++ {
			t := g.Triangle(i)
			for k := range t {
				t[k] = transformPoint(world, t[k])
			}
			dst = append(dst, t)
		}
	})
	return dst
}

// Dispose releases every geometry and material owned by the tree.
// Shared materials are disposed once.
func (n *Node) Dispose() {
	n.Walk(func(c *Node) bool {
		if c.Geometry != nil {
			c.Geometry.Dispose()
		}
		if c.Material != nil {
			c.Material.Dispose()
		}
		return true
	})
}

// walkWorld walks visible, non-helper nodes passing each node's world matrix.
func (n *Node) walkWorld(parent mgl32.Mat4, fn func(c *Node, world mgl32.Mat4)) {
	if !n.Visible || n.Helper {
		return
	}
	world := parent.Mul4(n.Transform.Matrix())
	fn(n, world)
	for _, c := range n.children {
		c.walkWorld(world, fn)
	}
}

func (n *Node) parentMatrix() mgl32.Mat4 {
	if n.parent == nil {
		return mgl32.Ident4()
	}
	return n.parent.WorldMatrix()
}

func boxVertices(bb ms3.Box) [8]ms3.Vec {
	return [8]ms3.Vec{
		{X: bb.Min.X, Y: bb.Min.Y, Z: bb.Min.Z},
		{X: bb.Max.X, Y: bb.Min.Y, Z: bb.Min.Z},
		{X: bb.Min.X, Y: bb.Max.Y, Z: bb.Min.Z},
		{X: bb.Max.X, Y: bb.Max.Y, Z: bb.Min.Z},
		{X: bb.Min.X, Y: bb.Min.Y, Z: bb.Max.Z},
		{X: bb.Max.X, Y: bb.Min.Y, Z: bb.Max.Z},
		{X: bb.Min.X, Y: bb.Max.Y, Z: bb.Max.Z},
		{X: bb.Max.X, Y: bb.Max.Y, Z: bb.Max.Z},
	}
}
