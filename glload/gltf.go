package glload

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/qmuntal/gltf"
	"github.com/soypat/cadview"
)

// DracoExtension is the glTF extension name of Draco compressed primitives.
const DracoExtension = "KHR_draco_mesh_compression"

// Decompressor decodes compressed glTF primitives. ext is the raw extension
// value found on the primitive.
type Decompressor interface {
	DecompressPrimitive(doc *gltf.Document, p *gltf.Primitive, ext any) (*cadview.Geometry, error)
}

// GLTF loads glTF 2.0 JSON and binary (GLB) documents. Buffers must be
// embedded: GLB chunks or data URIs.
type GLTF struct {
	Decompressor Decompressor
}

// Load implements [Strategy]. Node transforms are baked into vertex data so
// the returned tree has identity transforms.
func (l *GLTF) Load(ctx context.Context, r io.Reader) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	var doc gltf.Document
	if err := gltf.NewDecoder(io.LimitReader(r, maxPayload)).Decode(&doc); err != nil {
		return Result{}, fmt.Errorf("%w: gltf: %w", ErrMalformed, err)
	}
	dec := gltfDecoder{doc: &doc, decomp: l.Decompressor, materials: make(map[int]*cadview.Material)}
	root := cadview.NewGroup("gltf")
	root.UserData = cadview.UserData{ID: "gltf", Name: "gltf", Type: "group"}
	var roots []int
	switch {
	case doc.Scene != nil && int(*doc.Scene) < len(doc.Scenes):
		for _, n := range doc.Scenes[*doc.Scene].Nodes {
			roots = append(roots, int(n))
		}
	case len(doc.Scenes) > 0:
		for _, n := range doc.Scenes[0].Nodes {
			roots = append(roots, int(n))
		}
	default:
		// No scene: every node without a parent is a root.
		child := make([]bool, len(doc.Nodes))
		for _, n := range doc.Nodes {
			for _, c := range n.Children {
				if int(c) < len(child) {
					child[c] = true
				}
			}
		}
		for i := range doc.Nodes {
			if !child[i] {
				roots = append(roots, i)
			}
		}
	}
	for _, n := range roots {
		if err := ctx.Err(); err != nil {
			root.Dispose()
			return Result{}, err
		}
		if err := dec.node(root, n, mgl32.Ident4(), 0); err != nil {
			root.Dispose()
			return Result{}, err
		}
	}
	if dec.meshes == 0 {
		root.Dispose()
		return Result{}, malformed("gltf: no mesh primitives")
	}
	return Result{Node: root, Format: "gltf"}, nil
}

type gltfDecoder struct {
	doc       *gltf.Document
	decomp    Decompressor
	materials map[int]*cadview.Material
	meshes    int
}

const maxNodeDepth = 256

func (dec *gltfDecoder) node(parent *cadview.Node, idx int, parentMat mgl32.Mat4, depth int) error {
	if idx < 0 || idx >= len(dec.doc.Nodes) {
		return malformed("gltf: node index %d out of range", idx)
	}
	if depth > maxNodeDepth {
		return malformed("gltf: node hierarchy too deep")
	}
	gn := dec.doc.Nodes[idx]
	world := parentMat.Mul4(gltfLocalMatrix(gn))
	name := gn.Name
	if name == "" {
		name = "node-" + strconv.Itoa(idx)
	}
	n := cadview.NewGroup(name)
	n.UserData = cadview.UserData{ID: name, Name: name, Type: "group"}
	parent.Add(n)
	if gn.Mesh != nil {
		mi := int(*gn.Mesh)
		if mi >= len(dec.doc.Meshes) {
			return malformed("gltf: mesh index %d out of range", mi)
		}
		mesh := dec.doc.Meshes[mi]
		for pi, p := range mesh.Primitives {
			g, err := dec.primitive(p)
			if err != nil {
				return fmt.Errorf("mesh %q primitive %d: %w", mesh.Name, pi, err)
			}
			if g == nil {
				continue // Points or lines.
			}
			bakeTransform(g, world)
			id := name + "/" + strconv.Itoa(pi)
			child, err := meshNode(id, name, "mesh", g, dec.material(p.Material))
			if err != nil {
				return err
			}
			n.Add(child)
			dec.meshes++
		}
	}
	for _, c := range gn.Children {
		if err := dec.node(n, int(c), world, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func gltfLocalMatrix(n *gltf.Node) mgl32.Mat4 {
	var m mgl32.Mat4
	for i, v := range n.Matrix {
		m[i] = float32(v)
	}
	if m != (mgl32.Mat4{}) && m != mgl32.Ident4() {
		return m
	}
	t, q, s := n.Translation, n.Rotation, n.Scale
	if s == [3]float64{} {
		s = [3]float64{1, 1, 1}
	}
	quat := mgl32.Quat{W: float32(q[3]), V: mgl32.Vec3{float32(q[0]), float32(q[1]), float32(q[2])}}
	if quat.Len() == 0 {
		quat = mgl32.QuatIdent()
	}
	return mgl32.Translate3D(float32(t[0]), float32(t[1]), float32(t[2])).
		Mul4(quat.Normalize().Mat4()).
		Mul4(mgl32.Scale3D(float32(s[0]), float32(s[1]), float32(s[2])))
}

func (dec *gltfDecoder) primitive(p *gltf.Primitive) (*cadview.Geometry, error) {
	if ext, ok := p.Extensions[DracoExtension]; ok {
		if dec.decomp == nil {
			return nil, ErrCompressedGeometry
		}
		return dec.decomp.DecompressPrimitive(dec.doc, p, ext)
	}
	switch p.Mode {
	case gltf.PrimitiveTriangles, gltf.PrimitiveTriangleStrip, gltf.PrimitiveTriangleFan:
	default:
		return nil, nil
	}
	posIdx, ok := p.Attributes["POSITION"]
	if !ok {
		return nil, malformed("gltf: primitive without POSITION")
	}
	positions, err := dec.floats(int(posIdx), 3)
	if err != nil {
		return nil, err
	}
	var normals []float32
	if nIdx, ok := p.Attributes["NORMAL"]; ok {
		normals, err = dec.floats(int(nIdx), 3)
		if err != nil {
			return nil, err
		}
	}
	var indices []uint32
	if p.Indices != nil {
		indices, err = dec.indices(int(*p.Indices))
		if err != nil {
			return nil, err
		}
	} else if p.Mode != gltf.PrimitiveTriangles {
		indices = make([]uint32, len(positions)/3)
		for i := range indices {
			indices[i] = uint32(i)
		}
	}
	switch p.Mode {
	case gltf.PrimitiveTriangleStrip:
		indices = stripToTriangles(indices)
	case gltf.PrimitiveTriangleFan:
		indices = fanToTriangles(indices)
	}
	g := cadview.NewGeometry(positions, indices)
	if len(normals) == len(positions) {
		g.Normals = normals
	}
	return g, nil
}

func stripToTriangles(strip []uint32) []uint32 {
	var tris []uint32
	for i := 2; i < len(strip); i++ {
		if i%2 == 0 {
			tris = append(tris, strip[i-2], strip[i-1], strip[i])
		} else {
			tris = append(tris, strip[i-1], strip[i-2], strip[i])
		}
	}
	return tris
}

func fanToTriangles(fan []uint32) []uint32 {
	var tris []uint32
	for i := 2; i < len(fan); i++ {
		tris = append(tris, fan[0], fan[i-1], fan[i])
	}
	return tris
}

// view returns the bytes of accessor idx, its element stride and element count.
func (dec *gltfDecoder) view(idx int, elemSize int) (data []byte, stride, count int, acc *gltf.Accessor, err error) {
	if idx < 0 || idx >= len(dec.doc.Accessors) {
		return nil, 0, 0, nil, malformed("gltf: accessor %d out of range", idx)
	}
	acc = dec.doc.Accessors[idx]
	if acc.BufferView == nil {
		return nil, 0, 0, nil, malformed("gltf: sparse or empty accessors unsupported")
	}
	bvIdx := int(*acc.BufferView)
	if bvIdx >= len(dec.doc.BufferViews) {
		return nil, 0, 0, nil, malformed("gltf: buffer view %d out of range", bvIdx)
	}
	bv := dec.doc.BufferViews[bvIdx]
	if int(bv.Buffer) >= len(dec.doc.Buffers) {
		return nil, 0, 0, nil, malformed("gltf: buffer %d out of range", bv.Buffer)
	}
	buf := dec.doc.Buffers[bv.Buffer].Data
	start, length := int(bv.ByteOffset), int(bv.ByteLength)
	if start+length > len(buf) {
		return nil, 0, 0, nil, malformed("gltf: buffer view exceeds buffer (external buffers unsupported)")
	}
	data = buf[start : start+length]
	stride = int(bv.ByteStride)
	if stride == 0 {
		stride = elemSize
	}
	count = int(acc.Count)
	off := int(acc.ByteOffset)
	if count > 0 && off+(count-1)*stride+elemSize > len(data) {
		return nil, 0, 0, nil, malformed("gltf: accessor %d exceeds buffer view", idx)
	}
	return data[off:], stride, count, acc, nil
}

func (dec *gltfDecoder) floats(idx, components int) ([]float32, error) {
	if idx < 0 || idx >= len(dec.doc.Accessors) {
		return nil, malformed("gltf: accessor %d out of range", idx)
	}
	if ct := dec.doc.Accessors[idx].ComponentType; ct != gltf.ComponentFloat {
		return nil, malformed("gltf: accessor %d: want float components, got %v", idx, ct)
	}
	data, stride, count, _, err := dec.view(idx, 4*components)
	if err != nil {
		return nil, err
	}
	out := make([]float32, 0, count*components)
	for i := 0; i < count; i++ {
		for c := 0; c < components; c++ {
			out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(data[i*stride+4*c:])))
		}
	}
	return out, nil
}

func (dec *gltfDecoder) indices(idx int) ([]uint32, error) {
	if idx < 0 || idx >= len(dec.doc.Accessors) {
		return nil, malformed("gltf: accessor %d out of range", idx)
	}
	var size int
	switch dec.doc.Accessors[idx].ComponentType {
	case gltf.ComponentUbyte:
		size = 1
	case gltf.ComponentUshort:
		size = 2
	case gltf.ComponentUint:
		size = 4
	default:
		return nil, malformed("gltf: accessor %d: invalid index component type", idx)
	}
	data, stride, count, _, err := dec.view(idx, size)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, count)
	for i := range out {
		b := data[i*stride:]
		switch size {
		case 1:
			out[i] = uint32(b[0])
		case 2:
			out[i] = uint32(binary.LittleEndian.Uint16(b))
		default:
			out[i] = binary.LittleEndian.Uint32(b)
		}
	}
	return out, nil
}

func (dec *gltfDecoder) material(idx *int) *cadview.Material {
	i := -1
	if idx != nil {
		i = int(*idx)
	}
	if m, ok := dec.materials[i]; ok {
		return m
	}
	mat := cadview.NewStandardMaterial(DefaultColor)
	if i >= 0 && i < len(dec.doc.Materials) {
		gm := dec.doc.Materials[i]
		if pbr := gm.PBRMetallicRoughness; pbr != nil {
			if c := pbr.BaseColorFactor; c != nil {
				mat.Color = cadview.RGB(unit8(c[0]), unit8(c[1]), unit8(c[2]))
				mat.Opacity = float32(c[3])
			}
			if pbr.MetallicFactor != nil {
				mat.Metalness = float32(*pbr.MetallicFactor)
			}
			if pbr.RoughnessFactor != nil {
				mat.Roughness = float32(*pbr.RoughnessFactor)
			}
		}
		e := gm.EmissiveFactor
		mat.Emissive = cadview.RGB(unit8(e[0]), unit8(e[1]), unit8(e[2]))
		mat.DoubleSided = gm.DoubleSided
	}
	dec.materials[i] = mat
	return mat
}

func unit8(f float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, f)) * 255))
}

// bakeTransform applies m to the positions and normals of g.
func bakeTransform(g *cadview.Geometry, m mgl32.Mat4) {
	if m == mgl32.Ident4() {
		return
	}
	for i := 0; i+2 < len(g.Positions); i += 3 {
		v := mgl32.TransformCoordinate(mgl32.Vec3{g.Positions[i], g.Positions[i+1], g.Positions[i+2]}, m)
		g.Positions[i], g.Positions[i+1], g.Positions[i+2] = v[0], v[1], v[2]
	}
	if len(g.Normals) == 0 {
		return
	}
	nm := m.Mat3().Inv().Transpose()
	if nm == (mgl32.Mat3{}) {
		g.Normals = nil // Singular transform.
		return
	}
	for i := 0; i+2 < len(g.Normals); i += 3 {
		n := nm.Mul3x1(mgl32.Vec3{g.Normals[i], g.Normals[i+1], g.Normals[i+2]})
		if l := n.Len(); l > 0 {
			n = n.Mul(1 / l)
		}
		g.Normals[i], g.Normals[i+1], g.Normals[i+2] = n[0], n[1], n[2]
	}
	if m.Mat3().Det() < 0 {
		flipWinding(g)
	}
}

// flipWinding reverses triangle winding, keeping outward faces after a mirroring transform.
func flipWinding(g *cadview.Geometry) {
	if len(g.Indices) > 0 {
		for i := 0; i+2 < len(g.Indices); i += 3 {
			g.Indices[i+1], g.Indices[i+2] = g.Indices[i+2], g.Indices[i+1]
		}
		return
	}
	swap := func(s []float32, a, b int) {
		for k := 0; k < 3; k++ {
			s[3*a+k], s[3*b+k] = s[3*b+k], s[3*a+k]
		}
	}
	for v := 0; v+2 < len(g.Positions)/3; v += 3 {
		swap(g.Positions, v+1, v+2)
		if len(g.Normals) == len(g.Positions) {
			swap(g.Normals, v+1, v+2)
		}
	}
}

