package glload

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/soypat/cadview"
)

// objObject is a named run of faces.
type objObject struct {
	name  string
	faces [][]objVertex
}

// objVertex holds zero based position and normal indices; normal is -1 when absent.
type objVertex struct {
	pos, normal int
}

type objDecoder struct {
	positions []float32
	normals   []float32
	objects   []*objObject
	current   *objObject
	line      int
}

// LoadOBJ decodes Wavefront OBJ geometry. Each object or group becomes a
// mesh node. Polygons are fan triangulated. Materials and texture
// coordinates are ignored.
func LoadOBJ(ctx context.Context, r io.Reader) (Result, error) {
	dec := &objDecoder{}
	scanner := bufio.NewScanner(io.LimitReader(r, maxPayload))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		dec.line++
		if dec.line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
		if err := dec.parseLine(scanner.Text()); err != nil {
			return Result{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, err
	}
	root := cadview.NewGroup("obj")
	root.UserData = cadview.UserData{ID: "obj", Name: "obj", Type: "group"}
	mat := cadview.NewStandardMaterial(DefaultColor)
	for i, ob := range dec.objects {
		if len(ob.faces) == 0 {
			continue
		}
		g := dec.geometry(ob)
		id := ob.name
		if id == "" {
			id = "object-" + strconv.Itoa(i)
		}
		n, err := meshNode(id, id, "mesh", g, mat)
		if err != nil {
			root.Dispose()
			return Result{}, err
		}
		root.Add(n)
	}
	if len(root.Children()) == 0 {
		mat.Dispose()
		return Result{}, malformed("obj: no faces")
	}
	return Result{Node: root, Format: "obj"}, nil
}

func (dec *objDecoder) object() *objObject {
	if dec.current == nil {
		dec.current = &objObject{}
		dec.objects = append(dec.objects, dec.current)
	}
	return dec.current
}

func (dec *objDecoder) parseLine(line string) error {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "v":
		return dec.appendFloats(&dec.positions, fields[1:])
	case "vn":
		return dec.appendFloats(&dec.normals, fields[1:])
	case "o", "g":
		name := strings.Join(fields[1:], " ")
		// A group following an empty object names it instead of starting another.
		if dec.current != nil && len(dec.current.faces) == 0 {
			dec.current.name = name
			return nil
		}
		dec.current = &objObject{name: name}
		dec.objects = append(dec.objects, dec.current)
	case "f":
		return dec.parseFace(fields[1:])
	}
	return nil
}

func (dec *objDecoder) appendFloats(dst *[]float32, fields []string) error {
	if len(fields) < 3 {
		return malformed("obj: line %d: want 3 components", dec.line)
	}
	for _, f := range fields[:3] {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return malformed("obj: line %d: %s", dec.line, err)
		}
		*dst = append(*dst, float32(v))
	}
	return nil
}

func (dec *objDecoder) parseFace(fields []string) error {
	if len(fields) < 3 {
		return malformed("obj: line %d: face with %d vertices", dec.line, len(fields))
	}
	face := make([]objVertex, len(fields))
	for i, f := range fields {
		parts := strings.Split(f, "/")
		pos, err := dec.index(parts[0], len(dec.positions)/3)
		if err != nil {
			return err
		}
		face[i] = objVertex{pos: pos, normal: -1}
		if len(parts) == 3 && parts[2] != "" {
			face[i].normal, err = dec.index(parts[2], len(dec.normals)/3)
			if err != nil {
				return err
			}
		}
	}
	ob := dec.object()
	ob.faces = append(ob.faces, face)
	return nil
}

// index resolves a one based, possibly negative, OBJ index.
func (dec *objDecoder) index(s string, count int) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, malformed("obj: line %d: bad index %q", dec.line, s)
	}
	if i < 0 {
		i = count + i
	} else {
		i--
	}
	if i < 0 || i >= count {
		return 0, malformed("obj: line %d: index %s out of range", dec.line, s)
	}
	return i, nil
}

// geometry copies the vertices of ob's triangulated faces into a flat buffer.
func (dec *objDecoder) geometry(ob *objObject) *cadview.Geometry {
	var positions, normals []float32
	allNormals := true
	copyVertex := func(v objVertex) {
		positions = append(positions, dec.positions[3*v.pos:3*v.pos+3]...)
		if v.normal < 0 {
			allNormals = false
			normals = append(normals, 0, 0, 0)
			return
		}
		normals = append(normals, dec.normals[3*v.normal:3*v.normal+3]...)
	}
	for _, face := range ob.faces {
		for i := 2; i < len(face); i++ {
			copyVertex(face[0])
			copyVertex(face[i-1])
			copyVertex(face[i])
		}
	}
	g := cadview.NewGeometry(positions, nil)
	if allNormals {
		g.Normals = normals
	}
	return g
}
