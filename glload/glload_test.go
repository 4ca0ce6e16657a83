package glload

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/qmuntal/gltf"
	"github.com/soypat/cadview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const asciiSTL = `solid tri
  facet normal 0 0 1
    outer loop
      vertex 0 0 0
      vertex 1 0 0
      vertex 0 1 0
    endloop
  endfacet
endsolid tri
`

const quadOBJ = `# quad
o first
v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
f 1 2 3 4
o second
v 0 0 1
v 1 0 1
v 0 1 1
f -3 -2 -1
`

const asciiPLY = `ply
format ascii 1.0
comment made by hand
element vertex 4
property float x
property float y
property float z
element face 1
property list uchar int vertex_indices
end_header
0 0 0
1 0 0
1 1 0
0 1 0
4 0 1 2 3
`

func testRegistry(cfg Config) *Registry {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(cfg)
}

func binarySTL(tris ...[9]float32) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 80))
	binary.Write(&buf, binary.LittleEndian, uint32(len(tris)))
	for _, t := range tris {
		binary.Write(&buf, binary.LittleEndian, [3]float32{}) // Normal.
		binary.Write(&buf, binary.LittleEndian, t)
		buf.Write([]byte{0, 0})
	}
	return buf.Bytes()
}

func meshes(n *cadview.Node) []*cadview.Node {
	var out []*cadview.Node
	n.Walk(func(c *cadview.Node) bool {
		if c.IsMesh() {
			out = append(out, c)
		}
		return true
	})
	return out
}

func TestResolveNeverNil(t *testing.T) {
	reg := testRegistry(Config{})
	for _, tok := range []string{"stl", "OBJ", ".gltf", "glb", "fbx", "dae", "ply", "3ds"} {
		s, ok := reg.Lookup(tok)
		require.True(t, ok, tok)
		assert.Same(t, s, reg.Resolve(tok))
	}
	for _, tok := range []string{"ifc", "step", "stp", "iges", "", "unknown"} {
		s := reg.Resolve(tok)
		require.NotNil(t, s, tok)
		assert.IsType(t, &sniffer{}, s, tok)
	}
	assert.Equal(t, []string{"3ds", "dae", "fbx", "glb", "gltf", "obj", "ply", "stl"}, reg.Tokens())
}

func TestRegisterCustomStrategy(t *testing.T) {
	reg := testRegistry(Config{})
	called := false
	reg.Register(".XYZ", StrategyFunc(func(ctx context.Context, r io.Reader) (Result, error) {
		called = true
		return Result{Geometry: cadview.NewBoxGeometry(1, 1, 1)}, nil
	}))
	res, err := reg.Load(context.Background(), "xyz", strings.NewReader(""))
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "xyz", res.Format)
	assert.Panics(t, func() { reg.Register("nil", nil) })
}

func TestLoadSTL(t *testing.T) {
	ctx := context.Background()
	res, err := LoadSTL(ctx, strings.NewReader(asciiSTL))
	require.NoError(t, err)
	require.NotNil(t, res.Geometry)
	assert.Equal(t, 1, res.Geometry.TriangleCount())
	assert.Len(t, res.Geometry.Normals, 9)

	// Binary payload whose header starts with "solid" is still binary.
	data := binarySTL([9]float32{0, 0, 0, 2, 0, 0, 0, 2, 0}, [9]float32{0, 0, 1, 2, 0, 1, 0, 2, 1})
	copy(data, "solid not really ascii")
	res, err = LoadSTL(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Geometry.TriangleCount())
	bb := res.Geometry.Bounds()
	assert.InDelta(t, 2, bb.Max.X, 1e-6)
	assert.InDelta(t, 1, bb.Max.Z, 1e-6)

	_, err = LoadSTL(ctx, strings.NewReader("solid x\nvertex 0 0 0\nendsolid\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLoadOBJ(t *testing.T) {
	res, err := LoadOBJ(context.Background(), strings.NewReader(quadOBJ))
	require.NoError(t, err)
	require.NotNil(t, res.Node)
	ms := meshes(res.Node)
	require.Len(t, ms, 2)
	assert.Equal(t, "first", ms[0].UserData.ID)
	assert.Equal(t, 2, ms[0].Geometry.TriangleCount())
	assert.Equal(t, 1, ms[1].Geometry.TriangleCount())
	assert.Same(t, ms[0].Material, ms[1].Material)

	_, err = LoadOBJ(context.Background(), strings.NewReader("v 0 0 0\nf 1 2 3\n"))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = LoadOBJ(context.Background(), strings.NewReader("v 0 0 0\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLoadPLY(t *testing.T) {
	res, err := LoadPLY(context.Background(), strings.NewReader(asciiPLY))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Geometry.TriangleCount())

	var buf bytes.Buffer
	buf.WriteString("ply\nformat binary_little_endian 1.0\nelement vertex 3\nproperty float x\nproperty float y\nproperty float z\n" +
		"element face 1\nproperty list uchar uint vertex_indices\nend_header\n")
	binary.Write(&buf, binary.LittleEndian, [9]float32{0, 0, 0, 1, 0, 0, 0, 3, 0})
	buf.WriteByte(3)
	binary.Write(&buf, binary.LittleEndian, [3]uint32{0, 1, 2})
	res, err = LoadPLY(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Geometry.TriangleCount())
	assert.InDelta(t, 3, res.Geometry.Bounds().Max.Y, 1e-6)

	_, err = LoadPLY(context.Background(), strings.NewReader("ply\nformat ascii 1.0\nelement vertex 0\nproperty float x\nproperty float y\nproperty float z\nend_header\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

// triangleGLTF returns a glTF document holding one indexed triangle
// translated by z, with extra primitive JSON appended to the primitive.
func triangleGLTF(z float64, primitiveExtra string) string {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, [9]float32{0, 0, 0, 1, 0, 0, 0, 1, 0})
	binary.Write(&buf, binary.LittleEndian, [3]uint16{0, 1, 2})
	data := base64.StdEncoding.EncodeToString(buf.Bytes())
	return fmt.Sprintf(`{
  "asset": {"version": "2.0"},
  "scene": 0,
  "scenes": [{"nodes": [0]}],
  "nodes": [{"name": "tri", "mesh": 0, "translation": [0, 0, %g]}],
  "meshes": [{"name": "m", "primitives": [{"attributes": {"POSITION": 0}, "indices": 1, "material": 0%s}]}],
  "materials": [{"pbrMetallicRoughness": {"baseColorFactor": [1, 0, 0, 1], "metallicFactor": 0.5, "roughnessFactor": 0.25}}],
  "accessors": [
    {"bufferView": 0, "componentType": 5126, "count": 3, "type": "VEC3", "min": [0, 0, 0], "max": [1, 1, 0]},
    {"bufferView": 1, "componentType": 5123, "count": 3, "type": "SCALAR"}
  ],
  "bufferViews": [
    {"buffer": 0, "byteOffset": 0, "byteLength": 36},
    {"buffer": 0, "byteOffset": 36, "byteLength": 6}
  ],
  "buffers": [{"byteLength": 42, "uri": "data:application/octet-stream;base64,%s"}]
}`, z, primitiveExtra, data)
}

func TestLoadGLTF(t *testing.T) {
	loader := &GLTF{}
	res, err := loader.Load(context.Background(), strings.NewReader(triangleGLTF(5, "")))
	require.NoError(t, err)
	ms := meshes(res.Node)
	require.Len(t, ms, 1)
	m := ms[0]
	assert.Equal(t, "tri/0", m.UserData.ID)
	assert.Equal(t, 1, m.Geometry.TriangleCount())
	bb, ok := res.Node.WorldBounds()
	require.True(t, ok)
	assert.InDelta(t, 5, bb.Min.Z, 1e-5)
	assert.Equal(t, cadview.RGB(255, 0, 0), m.Material.Color)
	assert.InDelta(t, 0.25, m.Material.Roughness, 1e-6)
	assert.InDelta(t, 0.5, m.Material.Metalness, 1e-6)
}

type boxDecompressor struct{ calls int }

func (d *boxDecompressor) DecompressPrimitive(_ *gltf.Document, _ *gltf.Primitive, _ any) (*cadview.Geometry, error) {
	d.calls++
	return cadview.NewBoxGeometry(1, 1, 1), nil
}

func TestGLTFCompressedGeometry(t *testing.T) {
	draco := `, "extensions": {"KHR_draco_mesh_compression": {"bufferView": 0, "attributes": {"POSITION": 0}}}`
	_, err := (&GLTF{}).Load(context.Background(), strings.NewReader(triangleGLTF(0, draco)))
	assert.ErrorIs(t, err, ErrCompressedGeometry)

	dec := &boxDecompressor{}
	res, err := (&GLTF{Decompressor: dec}).Load(context.Background(), strings.NewReader(triangleGLTF(0, draco)))
	require.NoError(t, err)
	assert.Equal(t, 1, dec.calls)
	assert.Equal(t, 12, meshes(res.Node)[0].Geometry.TriangleCount())
}

const quadDAE = `<?xml version="1.0" encoding="utf-8"?>
<COLLADA xmlns="http://www.collada.org/2005/11/COLLADASchema" version="1.4.1">
  <asset><unit meter="1"/><up_axis>%s</up_axis></asset>
  <library_geometries>
    <geometry id="quad-mesh" name="quad">
      <mesh>
        <source id="quad-pos">
          <float_array id="quad-pos-array" count="12">0 0 0 1 0 0 1 1 0 0 1 0</float_array>
          <technique_common><accessor source="#quad-pos-array" count="4" stride="3"/></technique_common>
        </source>
        <vertices id="quad-vtx"><input semantic="POSITION" source="#quad-pos"/></vertices>
        <polylist count="1">
          <input semantic="VERTEX" source="#quad-vtx" offset="0"/>
          <vcount>4</vcount>
          <p>0 1 2 3</p>
        </polylist>
      </mesh>
    </geometry>
  </library_geometries>
  <library_visual_scenes>
    <visual_scene id="Scene">
      <node id="quad-node" name="quad">
        <translate>0 0 2</translate>
        <instance_geometry url="#quad-mesh"/>
      </node>
    </visual_scene>
  </library_visual_scenes>
  <scene><instance_visual_scene url="#Scene"/></scene>
</COLLADA>
`

func TestLoadDAE(t *testing.T) {
	res, err := LoadDAE(context.Background(), strings.NewReader(fmt.Sprintf(quadDAE, "Y_UP")))
	require.NoError(t, err)
	ms := meshes(res.Node)
	require.Len(t, ms, 1)
	assert.Equal(t, 2, ms[0].Geometry.TriangleCount())
	bb, _ := res.Node.WorldBounds()
	assert.InDelta(t, 2, bb.Min.Z, 1e-5)
	assert.InDelta(t, 1, bb.Max.Y, 1e-5)

	// Z up documents are rotated so +Z maps to +Y.
	res, err = LoadDAE(context.Background(), strings.NewReader(fmt.Sprintf(quadDAE, "Z_UP")))
	require.NoError(t, err)
	bb, _ = res.Node.WorldBounds()
	assert.InDelta(t, 2, bb.Max.Y, 1e-5)
	assert.InDelta(t, -1, bb.Min.Z, 1e-5)
}

const asciiFBX = `; FBX 7.4.0 project file
; ----------------------------------------------------
FBXHeaderExtension:  {
	FBXHeaderVersion: 1003
}
Objects:  {
	Geometry: 1234, "Geometry::Cube", "Mesh" {
		Vertices: *12 {
			a: 0,0,0,1,0,0,
1,1,0,0,1,0
		}
		PolygonVertexIndex: *4 {
			a: 0,1,2,-4
		}
	}
}
`

type fbxTestNode struct {
	name     string
	props    [][]byte
	children []fbxTestNode
}

func (n fbxTestNode) encode(buf *bytes.Buffer) {
	start := buf.Len()
	buf.Write(make([]byte, 12))
	buf.WriteByte(byte(len(n.name)))
	buf.WriteString(n.name)
	propStart := buf.Len()
	for _, p := range n.props {
		buf.Write(p)
	}
	propLen := buf.Len() - propStart
	for _, c := range n.children {
		c.encode(buf)
	}
	if len(n.children) > 0 {
		buf.Write(make([]byte, 13))
	}
	b := buf.Bytes()
	binary.LittleEndian.PutUint32(b[start:], uint32(buf.Len()))
	binary.LittleEndian.PutUint32(b[start+4:], uint32(len(n.props)))
	binary.LittleEndian.PutUint32(b[start+8:], uint32(propLen))
}

func fbxString(s string) []byte {
	b := []byte{'S', 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[1:], uint32(len(s)))
	return append(b, s...)
}

func fbxArray(typ byte, count int, data []byte, compress bool) []byte {
	encoding := uint32(0)
	if compress {
		var z bytes.Buffer
		zw := zlib.NewWriter(&z)
		zw.Write(data)
		zw.Close()
		data = z.Bytes()
		encoding = 1
	}
	b := make([]byte, 13)
	b[0] = typ
	binary.LittleEndian.PutUint32(b[1:], uint32(count))
	binary.LittleEndian.PutUint32(b[5:], encoding)
	binary.LittleEndian.PutUint32(b[9:], uint32(len(data)))
	return append(b, data...)
}

func binaryFBX() []byte {
	var verts bytes.Buffer
	for _, v := range []float64{0, 0, 0, 1, 0, 0, 1, 1, 0, 0, 1, 0} {
		binary.Write(&verts, binary.LittleEndian, math.Float64bits(v))
	}
	var idx bytes.Buffer
	binary.Write(&idx, binary.LittleEndian, []int32{0, 1, 2, -4})
	id := append([]byte{'L'}, make([]byte, 8)...)
	objects := fbxTestNode{name: "Objects", children: []fbxTestNode{{
		name:  "Geometry",
		props: [][]byte{id, fbxString("Cube\x00\x01Geometry"), fbxString("Mesh")},
		children: []fbxTestNode{
			{name: "GeometryVersion", props: [][]byte{{'I', 124, 0, 0, 0}}},
			{name: "Vertices", props: [][]byte{fbxArray('d', 12, verts.Bytes(), true)}},
			{name: "PolygonVertexIndex", props: [][]byte{fbxArray('i', 4, idx.Bytes(), false)}},
		},
	}}}
	var buf bytes.Buffer
	buf.WriteString(fbxBinaryMagic)
	buf.Write([]byte{0x1a, 0})
	binary.Write(&buf, binary.LittleEndian, uint32(7400))
	fbxTestNode{name: "FBXHeaderExtension", children: []fbxTestNode{{name: "FBXHeaderVersion", props: [][]byte{{'I', 0xeb, 3, 0, 0}}}}}.encode(&buf)
	objects.encode(&buf)
	buf.Write(make([]byte, 13))
	return buf.Bytes()
}

func TestLoadFBX(t *testing.T) {
	for name, data := range map[string][]byte{"ascii": []byte(asciiFBX), "binary": binaryFBX()} {
		t.Run(name, func(t *testing.T) {
			res, err := LoadFBX(context.Background(), bytes.NewReader(data))
			require.NoError(t, err)
			ms := meshes(res.Node)
			require.Len(t, ms, 1)
			assert.Equal(t, "Cube", ms[0].UserData.Name)
			assert.Equal(t, 2, ms[0].Geometry.TriangleCount())
		})
	}
	_, err := LoadFBX(context.Background(), bytes.NewReader(binaryFBX()[:60]))
	assert.ErrorIs(t, err, ErrMalformed)
}

func chunk(id uint16, payload ...[]byte) []byte {
	data := bytes.Join(payload, nil)
	b := make([]byte, 6, 6+len(data))
	binary.LittleEndian.PutUint16(b, id)
	binary.LittleEndian.PutUint32(b[2:], uint32(6+len(data)))
	return append(b, data...)
}

func le(v any) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func threeDS() []byte {
	verts := append(le(uint16(3)), le([9]float32{0, 0, 0, 1, 0, 0, 0, 1, 0})...)
	faces := append(le(uint16(1)), le([4]uint16{0, 1, 2, 7})...)
	return chunk(chunkMain,
		chunk(0x0002, le(uint32(3))),
		chunk(chunkEditor,
			chunk(chunkMaterial,
				chunk(chunkMatName, []byte("red\x00")),
				chunk(chunkMatDiffuse, chunk(chunkColor24, []byte{255, 0, 0})),
			),
			chunk(chunkObject, []byte("tri\x00"),
				chunk(chunkTriMesh,
					chunk(chunkVertices, verts),
					chunk(chunkFaces, faces, chunk(chunkFaceMat, []byte("red\x00"), le(uint16(1)), le(uint16(0)))),
				),
			),
		),
	)
}

func TestLoad3DS(t *testing.T) {
	res, err := Load3DS(context.Background(), bytes.NewReader(threeDS()))
	require.NoError(t, err)
	ms := meshes(res.Node)
	require.Len(t, ms, 1)
	assert.Equal(t, "tri", ms[0].UserData.ID)
	assert.Equal(t, 1, ms[0].Geometry.TriangleCount())
	assert.Equal(t, cadview.RGB(255, 0, 0), ms[0].Material.Color)

	bad := threeDS()
	binary.LittleEndian.PutUint32(bad[8:], 1<<20) // Version chunk overruns the file.
	_, err = Load3DS(context.Background(), bytes.NewReader(bad))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{name: "ascii stl", data: []byte(asciiSTL), want: "stl"},
		{name: "binary stl", data: binarySTL([9]float32{0, 0, 0, 1, 0, 0, 0, 1, 0}), want: "stl"},
		{name: "obj", data: []byte(quadOBJ), want: "obj"},
		{name: "ply", data: []byte(asciiPLY), want: "ply"},
		{name: "fbx ascii", data: []byte(asciiFBX), want: "fbx"},
		{name: "fbx binary", data: binaryFBX(), want: "fbx"},
		{name: "3ds", data: threeDS(), want: "3ds"},
		{name: "dae", data: []byte(fmt.Sprintf(quadDAE, "Y_UP")), want: "dae"},
		{name: "gltf", data: []byte(triangleGLTF(0, "")), want: "gltf"},
	}
	for _, test := range tests {
		tok, ok, mime := Sniff(test.data)
		assert.True(t, ok, test.name)
		assert.Equal(t, test.want, tok, "%s: detected %s", test.name, mime)
	}
	_, ok, _ := Sniff([]byte("just some prose that is not a model\n"))
	assert.False(t, ok)
}

func TestFallbackDelegates(t *testing.T) {
	reg := testRegistry(Config{})
	res, err := reg.Load(context.Background(), "step", strings.NewReader(asciiSTL))
	require.NoError(t, err)
	assert.Equal(t, "stl", res.Format)
	assert.False(t, res.Placeholder)
}

func TestFallbackPolicies(t *testing.T) {
	junk := []byte{0xde, 0xad, 0xbe, 0xef, 0, 1, 2, 3}
	res, err := testRegistry(Config{Fallback: FallbackSniff}).Load(context.Background(), "ifc", bytes.NewReader(junk))
	require.NoError(t, err)
	assert.True(t, res.Placeholder)
	assert.Equal(t, 12, res.Geometry.TriangleCount())
	root := res.Root("placeholder", nil)
	assert.Equal(t, "placeholder", root.UserData.ID)

	_, err = testRegistry(Config{Fallback: FallbackStrict}).Load(context.Background(), "ifc", bytes.NewReader(junk))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	var p FallbackPolicy
	require.NoError(t, p.UnmarshalText([]byte("STRICT")))
	assert.Equal(t, FallbackStrict, p)
	assert.Error(t, p.UnmarshalText([]byte("lenient")))
	assert.Equal(t, "strict", p.String())
}

func TestTokenFromURL(t *testing.T) {
	tests := [][2]string{
		{"model.STL", "stl"},
		{"/tmp/a.b/part.obj", "obj"},
		{"https://host/models/car.glb?v=3#x", "glb"},
		{"file:///home/user/scene.dae", "dae"},
		{`C:\models\bracket.step`, "step"},
		{"https://host/download?id=17", ""},
	}
	for _, test := range tests {
		assert.Equal(t, test[1], TokenFromURL(test[0]), test[0])
	}
}

func TestLoadURL(t *testing.T) {
	dir := t.TempDir()
	objPath := filepath.Join(dir, "quad.obj")
	require.NoError(t, os.WriteFile(objPath, []byte(quadOBJ), 0o644))
	reg := testRegistry(Config{})
	ctx := context.Background()

	var lastRead, lastTotal int64
	res, err := reg.LoadURL(ctx, objPath, "", func(read, total int64) { lastRead, lastTotal = read, total })
	require.NoError(t, err)
	assert.Equal(t, "obj", res.Format)
	assert.Equal(t, int64(len(quadOBJ)), lastTotal)
	assert.Equal(t, lastTotal, lastRead)

	res, err = reg.LoadURL(ctx, "file://"+filepath.ToSlash(objPath), "", nil)
	require.NoError(t, err)
	assert.Len(t, meshes(res.Node), 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tri.stl" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(asciiSTL))
	}))
	defer srv.Close()
	res, err = reg.LoadURL(ctx, srv.URL+"/tri.stl?rev=2", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Geometry.TriangleCount())

	_, err = reg.LoadURL(ctx, srv.URL+"/missing.stl", "", nil)
	assert.ErrorContains(t, err, "404")
	_, err = reg.LoadURL(ctx, "ftp://host/x.stl", "", nil)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	stlPath := filepath.Join(dir, "tri.stl")
	plyPath := filepath.Join(dir, "quad.ply")
	require.NoError(t, os.WriteFile(stlPath, []byte(asciiSTL), 0o644))
	require.NoError(t, os.WriteFile(plyPath, []byte(asciiPLY), 0o644))
	reg := testRegistry(Config{})

	results, err := reg.LoadAll(context.Background(), []Source{{URL: stlPath}, {URL: plyPath}}, 1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "stl", results[0].Format)
	assert.Equal(t, "ply", results[1].Format)

	_, err = reg.LoadAll(context.Background(), []Source{{URL: stlPath}, {URL: filepath.Join(dir, "nope.obj")}}, 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := LoadSTL(ctx, strings.NewReader(asciiSTL))
	assert.ErrorIs(t, err, context.Canceled)
}
