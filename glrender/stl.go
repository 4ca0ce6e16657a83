package glrender

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/soypat/geometry/ms3"
)

const stlTriangleSize = 4*3*4 + 2

type stlHeader struct {
	_ [80]uint8 // Header, usually ignored by readers.
	// Number of triangles that follow.
	TriangleCount uint32
}

type stlTriangle struct {
	Normal   [3]float32
	Vertices [3][3]float32
	_        uint16 // Attribute byte count.
}

// WriteBinarySTL writes triangles in binary STL format and returns the number
// of triangles written.
func WriteBinarySTL(w io.Writer, model []ms3.Triangle) (int, error) {
	if int64(len(model)) > math.MaxUint32 {
		return 0, errors.New("too many triangles for STL")
	}
	header := stlHeader{TriangleCount: uint32(len(model))}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return 0, err
	}
	buf := make([]byte, stlTriangleSize)
	for i, t := range model {
		var d stlTriangle
		n := ms3.Cross(ms3.Sub(t[1], t[0]), ms3.Sub(t[2], t[0]))
		if l := ms3.Norm(n); l > 0 {
			n = ms3.Scale(1/l, n)
		}
		d.Normal = [3]float32{n.X, n.Y, n.Z}
		for k, v := range t {
			d.Vertices[k] = [3]float32{v.X, v.Y, v.Z}
		}
		putSTLTriangle(buf, &d)
		if _, err := w.Write(buf); err != nil {
			return i, err
		}
	}
	return len(model), nil
}

func putSTLTriangle(b []byte, d *stlTriangle) {
	off := 0
	put := func(v [3]float32) {
		for _, f := range v {
			binary.LittleEndian.PutUint32(b[off:], math.Float32bits(f))
			off += 4
		}
	}
	put(d.Normal)
	for _, v := range d.Vertices {
		put(v)
	}
	binary.LittleEndian.PutUint16(b[off:], 0)
}
