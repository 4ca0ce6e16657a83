package glload

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/soypat/cadview"
)

const fbxBinaryMagic = "Kaydara FBX Binary  \x00"

// fbxNode is a binary FBX node record. Only the properties needed to extract
// mesh geometry are decoded; other properties are kept as nil.
type fbxNode struct {
	name     string
	props    []any
	children []*fbxNode
}

func (n *fbxNode) child(name string) *fbxNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// fbxGeometry is the raw mesh data of an FBX Geometry object.
type fbxGeometry struct {
	name     string
	vertices []float64
	// polygon vertex indices; a negative value v ends a polygon with index ^v.
	polygons []int32
}

// LoadFBX decodes the mesh geometry of binary and ASCII FBX files. Each
// Geometry object becomes a mesh node. Model transforms, materials and
// animation are not decoded.
func LoadFBX(ctx context.Context, r io.Reader) (Result, error) {
	data, err := readAll(ctx, r)
	if err != nil {
		return Result{}, err
	}
	var geoms []fbxGeometry
	if bytes.HasPrefix(data, []byte(fbxBinaryMagic)) {
		geoms, err = decodeFBXBinary(ctx, data)
	} else {
		geoms, err = decodeFBXASCII(ctx, data)
	}
	if err != nil {
		return Result{}, err
	}
	root := cadview.NewGroup("fbx")
	root.UserData = cadview.UserData{ID: "fbx", Name: "fbx", Type: "group"}
	mat := cadview.NewStandardMaterial(DefaultColor)
	for i, fg := range geoms {
		g, err := fg.geometry()
		if err != nil {
			root.Dispose()
			return Result{}, err
		}
		name := fg.name
		if name == "" {
			name = "geometry-" + strconv.Itoa(i)
		}
		n, err := meshNode(name, name, "mesh", g, mat)
		if err != nil {
			root.Dispose()
			return Result{}, err
		}
		root.Add(n)
	}
	if len(root.Children()) == 0 {
		mat.Dispose()
		return Result{}, malformed("fbx: no mesh geometry")
	}
	return Result{Node: root, Format: "fbx"}, nil
}

func (fg *fbxGeometry) geometry() (*cadview.Geometry, error) {
	if len(fg.vertices)%3 != 0 {
		return nil, malformed("fbx: %s: vertex array length %d", fg.name, len(fg.vertices))
	}
	positions := make([]float32, len(fg.vertices))
	for i, v := range fg.vertices {
		positions[i] = float32(v)
	}
	nverts := len(positions) / 3
	var indices []uint32
	var poly []uint32
	for _, v := range fg.polygons {
		end := v < 0
		if end {
			v = ^v
		}
		if int(v) >= nverts {
			return nil, malformed("fbx: %s: polygon index %d out of range", fg.name, v)
		}
		poly = append(poly, uint32(v))
		if end {
			for k := 2; k < len(poly); k++ {
				indices = append(indices, poly[0], poly[k-1], poly[k])
			}
			poly = poly[:0]
		}
	}
	if len(indices) == 0 {
		return nil, malformed("fbx: %s: no polygons", fg.name)
	}
	return cadview.NewGeometry(positions, indices), nil
}

// fbxObjectName strips the "\x00\x01Class" suffix binary FBX appends to names.
func fbxObjectName(s string) string {
	if i := strings.Index(s, "\x00\x01"); i >= 0 {
		return s[:i]
	}
	return strings.TrimPrefix(s, "Geometry::")
}

func decodeFBXBinary(ctx context.Context, data []byte) ([]fbxGeometry, error) {
	const headerSize = len(fbxBinaryMagic) + 2 + 4
	if len(data) < headerSize {
		return nil, malformed("fbx: truncated header")
	}
	dec := fbxDecoder{
		data:    data,
		off:     headerSize,
		version: binary.LittleEndian.Uint32(data[headerSize-4:]),
	}
	var top []*fbxNode
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := dec.node(0)
		if err != nil {
			return nil, err
		}
		if n == nil {
			break
		}
		top = append(top, n)
	}
	var geoms []fbxGeometry
	for _, n := range top {
		if n.name != "Objects" {
			continue
		}
		for _, obj := range n.children {
			if obj.name != "Geometry" {
				continue
			}
			verts, idx := obj.child("Vertices"), obj.child("PolygonVertexIndex")
			if verts == nil || idx == nil || len(verts.props) == 0 || len(idx.props) == 0 {
				continue
			}
			fg := fbxGeometry{}
			if len(obj.props) > 1 {
				if s, ok := obj.props[1].(string); ok {
					fg.name = fbxObjectName(s)
				}
			}
			switch v := verts.props[0].(type) {
			case []float64:
				fg.vertices = v
			case []float32:
				for _, f := range v {
					fg.vertices = append(fg.vertices, float64(f))
				}
			default:
				return nil, malformed("fbx: Vertices is not a float array")
			}
			p, ok := idx.props[0].([]int32)
			if !ok {
				return nil, malformed("fbx: PolygonVertexIndex is not an int array")
			}
			fg.polygons = p
			geoms = append(geoms, fg)
		}
	}
	return geoms, nil
}

type fbxDecoder struct {
	data    []byte
	off     int
	version uint32
}

func (d *fbxDecoder) need(n int) error {
	if n < 0 || d.off+n > len(d.data) {
		return malformed("fbx: unexpected end of data at %d", d.off)
	}
	return nil
}

func (d *fbxDecoder) u8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	d.off++
	return d.data[d.off-1], nil
}

func (d *fbxDecoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	d.off += 4
	return binary.LittleEndian.Uint32(d.data[d.off-4:]), nil
}

// offset reads a record header field, 64 bit from version 7500.
func (d *fbxDecoder) offset() (uint64, error) {
	if d.version < 7500 {
		v, err := d.u32()
		return uint64(v), err
	}
	if err := d.need(8); err != nil {
		return 0, err
	}
	d.off += 8
	return binary.LittleEndian.Uint64(d.data[d.off-8:]), nil
}

const maxFBXDepth = 64

var (
	fbxScalarSize    = map[byte]int{'Y': 2, 'C': 1, 'I': 4, 'F': 4, 'D': 8, 'L': 8}
	fbxArrayElemSize = map[byte]int{'f': 4, 'd': 8, 'l': 8, 'i': 4, 'b': 1}
)

// node decodes one node record. A nil node marks the null record ending a list.
func (d *fbxDecoder) node(depth int) (*fbxNode, error) {
	if depth > maxFBXDepth {
		return nil, malformed("fbx: nesting too deep")
	}
	if d.off >= len(d.data) {
		return nil, nil
	}
	end, err := d.offset()
	if err != nil {
		return nil, err
	}
	nprops, err := d.offset()
	if err != nil {
		return nil, err
	}
	if _, err = d.offset(); err != nil {
		return nil, err
	}
	nameLen, err := d.u8()
	if err != nil {
		return nil, err
	}
	if end == 0 {
		return nil, nil
	}
	if end > uint64(len(d.data)) || end <= uint64(d.off) {
		return nil, malformed("fbx: bad record end offset %d", end)
	}
	if err := d.need(int(nameLen)); err != nil {
		return nil, err
	}
	n := &fbxNode{name: string(d.data[d.off : d.off+int(nameLen)])}
	d.off += int(nameLen)
	for i := uint64(0); i < nprops; i++ {
		p, err := d.property()
		if err != nil {
			return nil, err
		}
		n.props = append(n.props, p)
	}
	for uint64(d.off) < end {
		c, err := d.node(depth + 1)
		if err != nil {
			return nil, err
		}
		if c == nil {
			break
		}
		n.children = append(n.children, c)
	}
	d.off = int(end)
	return n, nil
}

func (d *fbxDecoder) property() (any, error) {
	typ, err := d.u8()
	if err != nil {
		return nil, err
	}
	if size, ok := fbxScalarSize[typ]; ok {
		if err := d.need(size); err != nil {
			return nil, err
		}
		d.off += size
		return nil, nil
	}
	switch typ {
	case 'S', 'R':
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		if err := d.need(int(n)); err != nil {
			return nil, err
		}
		b := d.data[d.off : d.off+int(n)]
		d.off += int(n)
		if typ == 'S' {
			return string(b), nil
		}
		return nil, nil
	case 'f', 'd', 'l', 'i', 'b':
		return d.array(typ)
	}
	return nil, malformed("fbx: unknown property type %q", typ)
}

func (d *fbxDecoder) array(typ byte) (any, error) {
	count, err := d.u32()
	if err != nil {
		return nil, err
	}
	encoding, err := d.u32()
	if err != nil {
		return nil, err
	}
	length, err := d.u32()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(length)); err != nil {
		return nil, err
	}
	raw := d.data[d.off : d.off+int(length)]
	d.off += int(length)
	elem := fbxArrayElemSize[typ]
	want := int(count) * elem
	if want > maxPayload {
		return nil, malformed("fbx: array of %d elements too large", count)
	}
	switch encoding {
	case 0:
	case 1:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, malformed("fbx: %s", err)
		}
		buf := make([]byte, want)
		_, err = io.ReadFull(zr, buf)
		zr.Close()
		if err != nil {
			return nil, malformed("fbx: inflate array: %s", err)
		}
		raw = buf
	default:
		return nil, malformed("fbx: unknown array encoding %d", encoding)
	}
	if len(raw) < want {
		return nil, malformed("fbx: short array")
	}
	le := binary.LittleEndian
	switch typ {
	case 'd':
		out := make([]float64, count)
		for i := range out {
			out[i] = math.Float64frombits(le.Uint64(raw[8*i:]))
		}
		return out, nil
	case 'f':
		out := make([]float32, count)
		for i := range out {
			out[i] = math.Float32frombits(le.Uint32(raw[4*i:]))
		}
		return out, nil
	case 'i':
		out := make([]int32, count)
		for i := range out {
			out[i] = int32(le.Uint32(raw[4*i:]))
		}
		return out, nil
	}
	return nil, nil
}

// decodeFBXASCII extracts Geometry objects from FBX ASCII files. Both the
// FBX 7 "*N { a: ... }" array form and the FBX 6 inline comma form are read.
func decodeFBXASCII(ctx context.Context, data []byte) ([]fbxGeometry, error) {
	if !bytes.Contains(data[:min(len(data), 1024)], []byte("FBX")) {
		return nil, malformed("fbx: not an FBX file")
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	var geoms []fbxGeometry
	var cur *fbxGeometry
	var key string // Array being collected.
	var buf strings.Builder
	flush := func() error {
		if key == "" {
			return nil
		}
		text := buf.String()
		var err error
		switch key {
		case "Vertices":
			cur.vertices, err = parseFBXFloats(text)
		case "PolygonVertexIndex":
			cur.polygons, err = parseFBXInts(text)
		}
		key = ""
		buf.Reset()
		return err
	}
	line := 0
	for scanner.Scan() {
		line++
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" || text[0] == ';' {
			continue
		}
		if key != "" {
			// FBX 7: collect until the closing brace. FBX 6: continuation lines start with a comma.
			buf.WriteByte(',')
			if i := strings.IndexByte(text, '}'); i >= 0 {
				buf.WriteString(text[:i])
				if err := flush(); err != nil {
					return nil, err
				}
				continue
			}
			if strings.HasPrefix(buf.String(), "*") || strings.HasPrefix(text, ",") || strings.HasPrefix(text, "a:") {
				buf.WriteString(text)
				continue
			}
			if err := flush(); err != nil {
				return nil, err
			}
		}
		name, rest, ok := strings.Cut(text, ":")
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		switch name {
		case "Geometry", "Model":
			// FBX 6 stores mesh data directly in Model: "Model::name", "Mesh" nodes.
			if !strings.Contains(rest, `"Mesh"`) {
				continue
			}
			geoms = append(geoms, fbxGeometry{name: fbxASCIIName(rest)})
			cur = &geoms[len(geoms)-1]
		case "Vertices", "PolygonVertexIndex":
			if cur == nil {
				continue
			}
			key = name
			if strings.HasPrefix(rest, "*") {
				// "*24 {" or "*24 { a: ... }" on one line.
				_, after, _ := strings.Cut(rest, "{")
				buf.WriteString("*")
				rest = after
				if i := strings.IndexByte(rest, '}'); i >= 0 {
					buf.WriteString(rest[:i])
					if err := flush(); err != nil {
						return nil, err
					}
					continue
				}
			}
			buf.WriteString(rest)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	out := geoms[:0]
	for _, g := range geoms {
		if len(g.vertices) > 0 && len(g.polygons) > 0 {
			out = append(out, g)
		}
	}
	return out, nil
}

// fbxASCIIName extracts "name" from `123, "Geometry::name", "Mesh" {`.
func fbxASCIIName(rest string) string {
	parts := strings.Split(rest, `"`)
	if len(parts) < 2 {
		return ""
	}
	name := parts[1]
	if _, after, ok := strings.Cut(name, "::"); ok {
		return after
	}
	return name
}

func fbxFields(text string) []string {
	text = strings.TrimPrefix(strings.TrimSpace(text), "*")
	text = strings.ReplaceAll(text, "a:", "")
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

func parseFBXFloats(text string) ([]float64, error) {
	fields := fbxFields(text)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, malformed("fbx: %s", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseFBXInts(text string) ([]int32, error) {
	fields := fbxFields(text)
	out := make([]int32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			return nil, malformed("fbx: %s", err)
		}
		out = append(out, int32(v))
	}
	return out, nil
}
