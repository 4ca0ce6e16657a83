package glload

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/soypat/cadview"
)

type plyFormat uint8

const (
	plyASCII plyFormat = iota
	plyBinaryLE
	plyBinaryBE
)

type plyProperty struct {
	name string
	typ  string
	// list properties have a count type; typ is the element type.
	list      bool
	countType string
}

type plyElement struct {
	name  string
	count int
	props []plyProperty
}

// LoadPLY decodes ASCII and binary PLY meshes with vertex positions, optional
// normals and polygon faces. Faces are fan triangulated. A PLY without faces
// is rejected.
func LoadPLY(ctx context.Context, r io.Reader) (Result, error) {
	data, err := readAll(ctx, r)
	if err != nil {
		return Result{}, err
	}
	format, elems, body, err := parsePLYHeader(data)
	if err != nil {
		return Result{}, err
	}
	var rd plyReader
	if format == plyASCII {
		rd = &plyASCIIReader{fields: strings.Fields(string(body))}
	} else {
		var order binary.ByteOrder = binary.LittleEndian
		if format == plyBinaryBE {
			order = binary.BigEndian
		}
		rd = &plyBinaryReader{data: body, order: order}
	}
	var positions, normals []float32
	var indices []uint32
	hasNormals := false
	for _, el := range elems {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		propIdx := func(name string) int {
			for i, p := range el.props {
				if p.name == name {
					return i
				}
			}
			return -1
		}
		switch el.name {
		case "vertex":
			ix, iy, iz := propIdx("x"), propIdx("y"), propIdx("z")
			if ix < 0 || iy < 0 || iz < 0 {
				return Result{}, malformed("ply: vertex element lacks x, y or z")
			}
			inx, iny, inz := propIdx("nx"), propIdx("ny"), propIdx("nz")
			hasNormals = inx >= 0 && iny >= 0 && inz >= 0
			vals := make([]float64, len(el.props))
			for i := 0; i < el.count; i++ {
				for p, prop := range el.props {
					if prop.list {
						if err := rd.skipList(prop); err != nil {
							return Result{}, err
						}
						continue
					}
					if vals[p], err = rd.scalar(prop.typ); err != nil {
						return Result{}, err
					}
				}
				positions = append(positions, float32(vals[ix]), float32(vals[iy]), float32(vals[iz]))
				if hasNormals {
					normals = append(normals, float32(vals[inx]), float32(vals[iny]), float32(vals[inz]))
				}
			}
		case "face":
			iv := propIdx("vertex_indices")
			if iv < 0 {
				iv = propIdx("vertex_index")
			}
			if iv < 0 || !el.props[iv].list {
				return Result{}, malformed("ply: face element lacks vertex_indices list")
			}
			var poly []uint32
			for i := 0; i < el.count; i++ {
				for p, prop := range el.props {
					if p != iv {
						if err := rd.skip(prop); err != nil {
							return Result{}, err
						}
						continue
					}
					n, err := rd.scalar(prop.countType)
					if err != nil {
						return Result{}, err
					}
					poly = poly[:0]
					for k := 0; k < int(n); k++ {
						v, err := rd.scalar(prop.typ)
						if err != nil {
							return Result{}, err
						}
						if v < 0 || v > math.MaxUint32 {
							return Result{}, malformed("ply: face %d: index %v out of range", i, v)
						}
						poly = append(poly, uint32(v))
					}
					for k := 2; k < len(poly); k++ {
						indices = append(indices, poly[0], poly[k-1], poly[k])
					}
				}
			}
		default:
			for i := 0; i < el.count; i++ {
				for _, prop := range el.props {
					if err := rd.skip(prop); err != nil {
						return Result{}, err
					}
				}
			}
		}
	}
	if len(indices) == 0 {
		return Result{}, malformed("ply: no faces")
	}
	g := cadview.NewGeometry(positions, indices)
	if hasNormals {
		g.Normals = normals
	}
	if err := g.Validate(); err != nil {
		return Result{}, malformed("ply: %s", err)
	}
	if !hasNormals {
		g.ComputeNormals()
	}
	return Result{Geometry: g, Format: "ply"}, nil
}

func parsePLYHeader(data []byte) (format plyFormat, elems []*plyElement, body []byte, err error) {
	const end = "end_header"
	idx := bytes.Index(data, []byte(end))
	if !bytes.HasPrefix(data, []byte("ply")) || idx < 0 {
		return 0, nil, nil, malformed("ply: missing header")
	}
	body = data[idx+len(end):]
	// Skip the header line terminator.
	if len(body) > 0 && body[0] == '\r' {
		body = body[1:]
	}
	if len(body) > 0 && body[0] == '\n' {
		body = body[1:]
	}
	scanner := bufio.NewScanner(bytes.NewReader(data[:idx]))
	haveFormat := false
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return 0, nil, nil, malformed("ply: bad format line")
			}
			switch fields[1] {
			case "ascii":
				format = plyASCII
			case "binary_little_endian":
				format = plyBinaryLE
			case "binary_big_endian":
				format = plyBinaryBE
			default:
				return 0, nil, nil, malformed("ply: unknown format %q", fields[1])
			}
			haveFormat = true
		case "element":
			if len(fields) != 3 {
				return 0, nil, nil, malformed("ply: bad element line")
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return 0, nil, nil, malformed("ply: bad element count %q", fields[2])
			}
			elems = append(elems, &plyElement{name: fields[1], count: n})
		case "property":
			if len(elems) == 0 {
				return 0, nil, nil, malformed("ply: property before element")
			}
			el := elems[len(elems)-1]
			switch {
			case len(fields) == 5 && fields[1] == "list":
				el.props = append(el.props, plyProperty{name: fields[4], typ: fields[3], list: true, countType: fields[2]})
			case len(fields) == 3:
				el.props = append(el.props, plyProperty{name: fields[2], typ: fields[1]})
			default:
				return 0, nil, nil, malformed("ply: bad property line")
			}
		}
	}
	if !haveFormat {
		return 0, nil, nil, malformed("ply: missing format")
	}
	return format, elems, body, nil
}

type plyReader interface {
	scalar(typ string) (float64, error)
	skip(p plyProperty) error
	skipList(p plyProperty) error
}

type plyASCIIReader struct {
	fields []string
	off    int
}

func (r *plyASCIIReader) scalar(typ string) (float64, error) {
	if r.off >= len(r.fields) {
		return 0, malformed("ply: unexpected end of data")
	}
	v, err := strconv.ParseFloat(r.fields[r.off], 64)
	r.off++
	if err != nil {
		return 0, malformed("ply: %s", err)
	}
	return v, nil
}

func (r *plyASCIIReader) skip(p plyProperty) error {
	if p.list {
		return r.skipList(p)
	}
	_, err := r.scalar(p.typ)
	return err
}

func (r *plyASCIIReader) skipList(p plyProperty) error {
	n, err := r.scalar(p.countType)
	if err != nil {
		return err
	}
	r.off += int(n)
	return nil
}

type plyBinaryReader struct {
	data  []byte
	off   int
	order binary.ByteOrder
}

func plyTypeSize(typ string) int {
	switch typ {
	case "char", "uchar", "int8", "uint8":
		return 1
	case "short", "ushort", "int16", "uint16":
		return 2
	case "int", "uint", "float", "int32", "uint32", "float32":
		return 4
	case "double", "float64":
		return 8
	}
	return 0
}

func (r *plyBinaryReader) scalar(typ string) (float64, error) {
	size := plyTypeSize(typ)
	if size == 0 {
		return 0, malformed("ply: unknown type %q", typ)
	}
	if r.off+size > len(r.data) {
		return 0, malformed("ply: unexpected end of data")
	}
	b := r.data[r.off : r.off+size]
	r.off += size
	switch typ {
	case "char", "int8":
		return float64(int8(b[0])), nil
	case "uchar", "uint8":
		return float64(b[0]), nil
	case "short", "int16":
		return float64(int16(r.order.Uint16(b))), nil
	case "ushort", "uint16":
		return float64(r.order.Uint16(b)), nil
	case "int", "int32":
		return float64(int32(r.order.Uint32(b))), nil
	case "uint", "uint32":
		return float64(r.order.Uint32(b)), nil
	case "float", "float32":
		return float64(math.Float32frombits(r.order.Uint32(b))), nil
	}
	return math.Float64frombits(r.order.Uint64(b)), nil
}

func (r *plyBinaryReader) skip(p plyProperty) error {
	if p.list {
		return r.skipList(p)
	}
	_, err := r.scalar(p.typ)
	return err
}

func (r *plyBinaryReader) skipList(p plyProperty) error {
	n, err := r.scalar(p.countType)
	if err != nil {
		return err
	}
	size := plyTypeSize(p.typ)
	if size == 0 {
		return malformed("ply: unknown type %q", p.typ)
	}
	r.off += int(n) * size
	if r.off > len(r.data) {
		return malformed("ply: unexpected end of data")
	}
	return nil
}
