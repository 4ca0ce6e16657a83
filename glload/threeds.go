package glload

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"strconv"

	"github.com/soypat/cadview"
)

// 3DS chunk identifiers.
const (
	chunkMain       = 0x4D4D
	chunkEditor     = 0x3D3D
	chunkObject     = 0x4000
	chunkTriMesh    = 0x4100
	chunkVertices   = 0x4110
	chunkFaces      = 0x4120
	chunkFaceMat    = 0x4130
	chunkMaterial   = 0xAFFF
	chunkMatName    = 0xA000
	chunkMatDiffuse = 0xA020
	chunkColorF     = 0x0010
	chunkColor24    = 0x0011
	chunkLinColor24 = 0x0012
	chunkLinColorF  = 0x0013
)

type chunk3DS struct {
	id   uint16
	data []byte // Payload after the 6 byte header.
}

// chunks3DS splits data into sibling chunks.
func chunks3DS(data []byte) ([]chunk3DS, error) {
	var out []chunk3DS
	for len(data) > 0 {
		if len(data) < 6 {
			return nil, malformed("3ds: truncated chunk header")
		}
		id := binary.LittleEndian.Uint16(data)
		n := binary.LittleEndian.Uint32(data[2:])
		if n < 6 || uint64(n) > uint64(len(data)) {
			return nil, malformed("3ds: chunk %#04x length %d out of range", id, n)
		}
		out = append(out, chunk3DS{id: id, data: data[6:n]})
		data = data[n:]
	}
	return out, nil
}

// cstring splits a NUL terminated string off b.
func cstring(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, malformed("3ds: unterminated string")
	}
	return string(b[:i]), b[i+1:], nil
}

type mesh3DS struct {
	name      string
	positions []float32
	indices   []uint32
	material  string
}

// Load3DS decodes the triangle meshes of an Autodesk 3DS file. Each object
// becomes a mesh node colored by the diffuse color of its first material group.
func Load3DS(ctx context.Context, r io.Reader) (Result, error) {
	data, err := readAll(ctx, r)
	if err != nil {
		return Result{}, err
	}
	if len(data) < 6 || binary.LittleEndian.Uint16(data) != chunkMain {
		return Result{}, malformed("3ds: missing main chunk")
	}
	// Trailing bytes after the main chunk are ignored.
	top, err := chunks3DS(data[:min(uint64(len(data)), uint64(binary.LittleEndian.Uint32(data[2:])))])
	if err != nil {
		return Result{}, err
	}
	mainChunks, err := chunks3DS(top[0].data)
	if err != nil {
		return Result{}, err
	}
	var meshes []mesh3DS
	colors := make(map[string]cadview.Color)
	for _, c := range mainChunks {
		if c.id != chunkEditor {
			continue
		}
		editor, err := chunks3DS(c.data)
		if err != nil {
			return Result{}, err
		}
		for _, e := range editor {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			switch e.id {
			case chunkObject:
				ms, err := parseObject3DS(e.data)
				if err != nil {
					return Result{}, err
				}
				meshes = append(meshes, ms...)
			case chunkMaterial:
				name, col, err := parseMaterial3DS(e.data)
				if err != nil {
					return Result{}, err
				}
				colors[name] = col
			}
		}
	}
	root := cadview.NewGroup("3ds")
	root.UserData = cadview.UserData{ID: "3ds", Name: "3ds", Type: "group"}
	mats := make(map[string]*cadview.Material)
	for i, m := range meshes {
		mat, ok := mats[m.material]
		if !ok {
			col, ok := colors[m.material]
			if !ok {
				col = DefaultColor
			}
			mat = cadview.NewStandardMaterial(col)
			mats[m.material] = mat
		}
		name := m.name
		if name == "" {
			name = "object-" + strconv.Itoa(i)
		}
		n, err := meshNode(name, name, "mesh", cadview.NewGeometry(m.positions, m.indices), mat)
		if err != nil {
			root.Dispose()
			return Result{}, err
		}
		root.Add(n)
	}
	if len(root.Children()) == 0 {
		for _, m := range mats {
			m.Dispose()
		}
		return Result{}, malformed("3ds: no meshes")
	}
	return Result{Node: root, Format: "3ds"}, nil
}

func parseObject3DS(data []byte) ([]mesh3DS, error) {
	name, rest, err := cstring(data)
	if err != nil {
		return nil, err
	}
	subs, err := chunks3DS(rest)
	if err != nil {
		return nil, err
	}
	var out []mesh3DS
	for _, s := range subs {
		if s.id != chunkTriMesh {
			continue // Lights and cameras.
		}
		m := mesh3DS{name: name}
		parts, err := chunks3DS(s.data)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			switch p.id {
			case chunkVertices:
				if m.positions, err = vertices3DS(p.data); err != nil {
					return nil, err
				}
			case chunkFaces:
				if m.indices, m.material, err = faces3DS(p.data); err != nil {
					return nil, err
				}
			}
		}
		if len(m.indices) > 0 {
			out = append(out, m)
		}
	}
	return out, nil
}

func vertices3DS(b []byte) ([]float32, error) {
	if len(b) < 2 {
		return nil, malformed("3ds: truncated vertex list")
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n*12 {
		return nil, malformed("3ds: vertex list wants %d bytes, has %d", n*12, len(b))
	}
	out := make([]float32, 3*n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// faces3DS returns the triangle indices and the first material group name.
func faces3DS(b []byte) (indices []uint32, material string, err error) {
	if len(b) < 2 {
		return nil, "", malformed("3ds: truncated face list")
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n*8 {
		return nil, "", malformed("3ds: face list wants %d bytes, has %d", n*8, len(b))
	}
	indices = make([]uint32, 0, 3*n)
	for i := 0; i < n; i++ {
		f := b[8*i:]
		// Fourth word holds edge visibility flags.
		indices = append(indices,
			uint32(binary.LittleEndian.Uint16(f)),
			uint32(binary.LittleEndian.Uint16(f[2:])),
			uint32(binary.LittleEndian.Uint16(f[4:])),
		)
	}
	subs, err := chunks3DS(b[8*n:])
	if err != nil {
		return nil, "", err
	}
	for _, s := range subs {
		if s.id == chunkFaceMat {
			material, _, err = cstring(s.data)
			return indices, material, err
		}
	}
	return indices, "", nil
}

func parseMaterial3DS(data []byte) (name string, col cadview.Color, err error) {
	col = DefaultColor
	subs, err := chunks3DS(data)
	if err != nil {
		return "", 0, err
	}
	for _, s := range subs {
		switch s.id {
		case chunkMatName:
			if name, _, err = cstring(s.data); err != nil {
				return "", 0, err
			}
		case chunkMatDiffuse:
			cs, err := chunks3DS(s.data)
			if err != nil {
				return "", 0, err
			}
			for _, c := range cs {
				switch c.id {
				case chunkColor24, chunkLinColor24:
					if len(c.data) >= 3 {
						col = cadview.RGB(c.data[0], c.data[1], c.data[2])
					}
				case chunkColorF, chunkLinColorF:
					if len(c.data) >= 12 {
						var rgb [3]uint8
						for k := range rgb {
							f := math.Float32frombits(binary.LittleEndian.Uint32(c.data[4*k:]))
							rgb[k] = unit8(float64(f))
						}
						col = cadview.RGB(rgb[0], rgb[1], rgb[2])
					}
				}
			}
		}
	}
	return name, col, nil
}
