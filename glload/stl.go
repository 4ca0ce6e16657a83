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

const (
	stlHeaderSize   = 84
	stlTriangleSize = 4*3*4 + 2
)

// LoadSTL decodes binary or ASCII STL. Binary files whose header starts with
// "solid" are told apart by their exact size.
func LoadSTL(ctx context.Context, r io.Reader) (Result, error) {
	data, err := readAll(ctx, r)
	if err != nil {
		return Result{}, err
	}
	var positions []float32
	if isBinarySTL(data) {
		positions, err = readBinarySTL(data)
	} else if bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("solid")) {
		positions, err = readASCIISTL(ctx, data)
	} else {
		err = malformed("stl: neither binary nor ascii")
	}
	if err != nil {
		return Result{}, err
	}
	g := cadview.NewGeometry(positions, nil)
	if err := g.Validate(); err != nil {
		return Result{}, malformed("stl: %s", err)
	}
	g.ComputeNormals()
	return Result{Geometry: g, Format: "stl"}, nil
}

func isBinarySTL(data []byte) bool {
	if len(data) < stlHeaderSize {
		return false
	}
	n := binary.LittleEndian.Uint32(data[80:])
	return int64(len(data)) == stlHeaderSize+int64(n)*stlTriangleSize
}

func readBinarySTL(data []byte) ([]float32, error) {
	n := int(binary.LittleEndian.Uint32(data[80:]))
	if n == 0 {
		return nil, malformed("stl: no triangles")
	}
	positions := make([]float32, 0, 9*n)
	for i := 0; i < n; i++ {
		tri := data[stlHeaderSize+i*stlTriangleSize:]
		const start = 3 * 4 // Skip normal.
		for c := 0; c < 9; c++ {
			positions = append(positions, math.Float32frombits(binary.LittleEndian.Uint32(tri[start+4*c:])))
		}
	}
	return positions, nil
}

func readASCIISTL(ctx context.Context, data []byte) ([]float32, error) {
	var positions []float32
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "vertex" {
			continue
		}
		if len(fields) != 4 {
			return nil, malformed("stl: line %d: vertex wants 3 coordinates", line)
		}
		for _, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 32)
			if err != nil {
				return nil, malformed("stl: line %d: %s", line, err)
			}
			positions = append(positions, float32(v))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(positions) == 0 || len(positions)%9 != 0 {
		return nil, malformed("stl: %d vertices do not form triangles", len(positions)/3)
	}
	return positions, nil
}
