package glload

import (
	"context"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/cadview"
)

type daeDocument struct {
	Asset struct {
		UpAxis string `xml:"up_axis"`
		Unit   struct {
			Meter float64 `xml:"meter,attr"`
		} `xml:"unit"`
	} `xml:"asset"`
	Geometries   []daeGeometry `xml:"library_geometries>geometry"`
	VisualScenes []daeElement  `xml:"library_visual_scenes>visual_scene"`
	Scene        struct {
		Instance struct {
			URL string `xml:"url,attr"`
		} `xml:"instance_visual_scene"`
	} `xml:"scene"`
}

type daeGeometry struct {
	ID   string   `xml:"id,attr"`
	Name string   `xml:"name,attr"`
	Mesh *daeMesh `xml:"mesh"`
}

type daeMesh struct {
	Sources   []daeSource    `xml:"source"`
	Vertices  daeVertices    `xml:"vertices"`
	Triangles []daePrimitive `xml:"triangles"`
	Polylists []daePrimitive `xml:"polylist"`
	Polygons  []daePrimitive `xml:"polygons"`
}

type daeSource struct {
	ID       string `xml:"id,attr"`
	Floats   string `xml:"float_array"`
	Accessor struct {
		Stride int `xml:"stride,attr"`
	} `xml:"technique_common>accessor"`
}

type daeVertices struct {
	ID     string     `xml:"id,attr"`
	Inputs []daeInput `xml:"input"`
}

type daeInput struct {
	Semantic string `xml:"semantic,attr"`
	Source   string `xml:"source,attr"`
	Offset   int    `xml:"offset,attr"`
}

// daePrimitive holds triangles, polylist and polygons elements. Polygons
// carry one <p> per polygon; the others a single <p>.
type daePrimitive struct {
	Count  int        `xml:"count,attr"`
	Inputs []daeInput `xml:"input"`
	VCount string     `xml:"vcount"`
	P      []string   `xml:"p"`
}

// daeElement is a generic element used for visual scene nodes, where the
// order of transform elements matters.
type daeElement struct {
	XMLName  xml.Name
	ID       string       `xml:"id,attr"`
	Name     string       `xml:"name,attr"`
	URL      string       `xml:"url,attr"`
	Text     string       `xml:",chardata"`
	Children []daeElement `xml:",any"`
}

// LoadDAE decodes COLLADA mesh geometry and the node hierarchy of its visual
// scene. Node transforms, unit scale and up axis are baked into vertices.
func LoadDAE(ctx context.Context, r io.Reader) (Result, error) {
	var doc daeDocument
	dec := xml.NewDecoder(io.LimitReader(r, maxPayload))
	if err := dec.Decode(&doc); err != nil {
		return Result{}, malformed("dae: %s", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	geoms := make(map[string]*daeGeometry, len(doc.Geometries))
	for i := range doc.Geometries {
		geoms[doc.Geometries[i].ID] = &doc.Geometries[i]
	}
	l := daeLoader{
		ctx:   ctx,
		geoms: geoms,
		mat:   cadview.NewStandardMaterial(DefaultColor),
	}
	root := cadview.NewGroup("dae")
	root.UserData = cadview.UserData{ID: "dae", Name: "dae", Type: "group"}
	base := daeUpAxis(doc.Asset.UpAxis)
	if m := doc.Asset.Unit.Meter; m > 0 && m != 1 {
		base = base.Mul4(mgl32.Scale3D(float32(m), float32(m), float32(m)))
	}
	scene := doc.visualScene()
	var err error
	if scene != nil {
		for _, c := range scene.Children {
			if c.XMLName.Local == "node" {
				if err = l.node(root, &c, base, 0); err != nil {
					break
				}
			}
		}
	} else {
		// No visual scene: show every geometry untransformed.
		for i := range doc.Geometries {
			g := &doc.Geometries[i]
			if err = l.instance(root, g, g.ID, base); err != nil {
				break
			}
		}
	}
	if err == nil && l.meshes == 0 {
		err = malformed("dae: no mesh geometry")
	}
	if err != nil {
		root.Dispose()
		l.mat.Dispose()
		return Result{}, err
	}
	return Result{Node: root, Format: "dae"}, nil
}

func (doc *daeDocument) visualScene() *daeElement {
	want := strings.TrimPrefix(doc.Scene.Instance.URL, "#")
	for i := range doc.VisualScenes {
		if want == "" || doc.VisualScenes[i].ID == want {
			return &doc.VisualScenes[i]
		}
	}
	return nil
}

func daeUpAxis(axis string) mgl32.Mat4 {
	switch strings.ToUpper(strings.TrimSpace(axis)) {
	case "Z_UP":
		return mgl32.HomogRotate3DX(-mgl32.DegToRad(90))
	case "X_UP":
		return mgl32.HomogRotate3DZ(mgl32.DegToRad(90))
	}
	return mgl32.Ident4()
}

type daeLoader struct {
	ctx    context.Context
	geoms  map[string]*daeGeometry
	mat    *cadview.Material
	meshes int
}

const maxDAEDepth = 256

func (l *daeLoader) node(parent *cadview.Node, el *daeElement, parentMat mgl32.Mat4, depth int) error {
	if depth > maxDAEDepth {
		return malformed("dae: node hierarchy too deep")
	}
	if err := l.ctx.Err(); err != nil {
		return err
	}
	name := el.Name
	if name == "" {
		name = el.ID
	}
	n := cadview.NewGroup(name)
	n.UserData = cadview.UserData{ID: el.ID, Name: name, Type: "group"}
	parent.Add(n)
	world := parentMat
	for _, c := range el.Children {
		m, ok, err := daeTransform(&c)
		if err != nil {
			return err
		}
		if ok {
			world = world.Mul4(m)
		}
	}
	for i := range el.Children {
		c := &el.Children[i]
		switch c.XMLName.Local {
		case "instance_geometry":
			g, ok := l.geoms[strings.TrimPrefix(c.URL, "#")]
			if !ok {
				return malformed("dae: node %q references unknown geometry %q", name, c.URL)
			}
			id := el.ID
			if id == "" {
				id = g.ID
			}
			if err := l.instance(n, g, id, world); err != nil {
				return err
			}
		case "node":
			if err := l.node(n, c, world, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// daeTransform returns the matrix of a transform element. ok is false for
// elements that are not transforms.
func daeTransform(el *daeElement) (m mgl32.Mat4, ok bool, err error) {
	var want int
	switch el.XMLName.Local {
	case "matrix":
		want = 16
	case "translate", "scale":
		want = 3
	case "rotate":
		want = 4
	default:
		return m, false, nil
	}
	v, err := daeFloats(el.Text)
	if err != nil {
		return m, false, err
	}
	if len(v) != want {
		return m, false, malformed("dae: <%s> wants %d values, got %d", el.XMLName.Local, want, len(v))
	}
	switch el.XMLName.Local {
	case "matrix":
		// Row major in the document.
		for i := range m {
			m[i] = v[i]
		}
		m = m.Transpose()
	case "translate":
		m = mgl32.Translate3D(v[0], v[1], v[2])
	case "scale":
		m = mgl32.Scale3D(v[0], v[1], v[2])
	case "rotate":
		axis := mgl32.Vec3{v[0], v[1], v[2]}
		if axis.Len() == 0 {
			return mgl32.Ident4(), true, nil
		}
		m = mgl32.HomogRotate3D(mgl32.DegToRad(v[3]), axis.Normalize())
	}
	return m, true, nil
}

func (l *daeLoader) instance(parent *cadview.Node, g *daeGeometry, id string, world mgl32.Mat4) error {
	if g.Mesh == nil {
		return nil // Splines and convex meshes.
	}
	name := g.Name
	if name == "" {
		name = g.ID
	}
	geom, err := g.Mesh.geometry()
	if err != nil {
		return malformed("dae: geometry %q: %s", name, err)
	}
	if geom == nil {
		return nil
	}
	bakeTransform(geom, world)
	n, err := meshNode(id+"/"+strconv.Itoa(l.meshes), name, "mesh", geom, l.mat)
	if err != nil {
		return err
	}
	parent.Add(n)
	l.meshes++
	return nil
}

// geometry flattens all triangle primitives of the mesh into one non-indexed geometry.
func (m *daeMesh) geometry() (*cadview.Geometry, error) {
	sources := make(map[string][]float32, len(m.Sources))
	strides := make(map[string]int, len(m.Sources))
	for _, s := range m.Sources {
		v, err := daeFloats(s.Floats)
		if err != nil {
			return nil, err
		}
		sources[s.ID] = v
		strides[s.ID] = max(s.Accessor.Stride, 1)
	}
	var positions, normals []float32
	allNormals := true
	emit := func(prim *daePrimitive, polys [][]int) error {
		var posSrc, normSrc string
		posOff, normOff, stride := -1, -1, 0
		for _, in := range prim.Inputs {
			stride = max(stride, in.Offset+1)
			src := strings.TrimPrefix(in.Source, "#")
			switch in.Semantic {
			case "VERTEX":
				for _, vin := range m.Vertices.Inputs {
					vsrc := strings.TrimPrefix(vin.Source, "#")
					switch vin.Semantic {
					case "POSITION":
						posSrc, posOff = vsrc, in.Offset
					case "NORMAL":
						normSrc, normOff = vsrc, in.Offset
					}
				}
			case "NORMAL":
				normSrc, normOff = src, in.Offset
			}
		}
		pos, ok := sources[posSrc]
		if posOff < 0 || !ok {
			return malformed("missing POSITION source")
		}
		norm, hasNorm := sources[normSrc]
		if !hasNorm {
			allNormals = false
		}
		vertex := func(idx []int, k int) error {
			pi := idx[k*stride+posOff]
			ps := strides[posSrc]
			if pi < 0 || pi*ps+3 > len(pos) {
				return malformed("position index %d out of range", pi)
			}
			positions = append(positions, pos[pi*ps:pi*ps+3]...)
			if !hasNorm {
				normals = append(normals, 0, 0, 0)
				return nil
			}
			ni := idx[k*stride+normOff]
			ns := strides[normSrc]
			if ni < 0 || ni*ns+3 > len(norm) {
				return malformed("normal index %d out of range", ni)
			}
			normals = append(normals, norm[ni*ns:ni*ns+3]...)
			return nil
		}
		for _, poly := range polys {
			if len(poly)%stride != 0 {
				return malformed("primitive index count %d not a multiple of %d", len(poly), stride)
			}
			nv := len(poly) / stride
			for k := 2; k < nv; k++ {
				for _, v := range [3]int{0, k - 1, k} {
					if err := vertex(poly, v); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}
	for i := range m.Triangles {
		p := &m.Triangles[i]
		idx, err := daeInts(strings.Join(p.P, " "))
		if err != nil {
			return nil, err
		}
		stride := p.stride()
		// Split into individual triangles.
		var polys [][]int
		for k := 0; k+3*stride <= len(idx); k += 3 * stride {
			polys = append(polys, idx[k:k+3*stride])
		}
		if err := emit(p, polys); err != nil {
			return nil, err
		}
	}
	for i := range m.Polylists {
		p := &m.Polylists[i]
		idx, err := daeInts(strings.Join(p.P, " "))
		if err != nil {
			return nil, err
		}
		counts, err := daeInts(p.VCount)
		if err != nil {
			return nil, err
		}
		stride := p.stride()
		var polys [][]int
		off := 0
		for _, c := range counts {
			n := c * stride
			if c < 0 || off+n > len(idx) {
				return nil, malformed("polylist vcount exceeds index data")
			}
			polys = append(polys, idx[off:off+n])
			off += n
		}
		if err := emit(p, polys); err != nil {
			return nil, err
		}
	}
	for i := range m.Polygons {
		p := &m.Polygons[i]
		var polys [][]int
		for _, text := range p.P {
			idx, err := daeInts(text)
			if err != nil {
				return nil, err
			}
			polys = append(polys, idx)
		}
		if err := emit(p, polys); err != nil {
			return nil, err
		}
	}
	if len(positions) == 0 {
		return nil, nil
	}
	g := cadview.NewGeometry(positions, nil)
	if allNormals {
		g.Normals = normals
	}
	return g, nil
}

func (p *daePrimitive) stride() int {
	s := 1
	for _, in := range p.Inputs {
		s = max(s, in.Offset+1)
	}
	return s
}

func daeFloats(text string) ([]float32, error) {
	fields := strings.Fields(text)
	out := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, malformed("dae: %s", err)
		}
		out[i] = float32(v)
	}
	return out, nil
}

func daeInts(text string) ([]int, error) {
	fields := strings.Fields(text)
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, malformed("dae: %s", err)
		}
		out[i] = v
	}
	return out, nil
}
