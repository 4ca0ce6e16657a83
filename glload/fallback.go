package glload

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/soypat/cadview"
)

// MIME types of formats mimetype does not know natively.
const (
	mimeSTL = "model/stl"
	mimeOBJ = "model/obj"
	mimePLY = "model/x-ply"
	mimeFBX = "model/x-fbx"
	mime3DS = "application/x-3ds"
)

// mimeTokens maps detected MIME types to registry tokens.
var mimeTokens = map[string]string{
	mimeSTL:                 "stl",
	mimeOBJ:                 "obj",
	mimePLY:                 "ply",
	mimeFBX:                 "fbx",
	mime3DS:                 "3ds",
	"model/gltf-binary":     "glb",
	"model/gltf+json":       "gltf",
	"model/vnd.collada+xml": "dae",
}

var registerDetectors = sync.OnceFunc(func() {
	mimetype.Extend(detectFBX, mimeFBX, ".fbx")
	mimetype.Extend(detect3DS, mime3DS, ".3ds")
	mimetype.Extend(detectPLY, mimePLY, ".ply")
	mimetype.Extend(detectASCIISTL, mimeSTL, ".stl")
	mimetype.Extend(detectOBJ, mimeOBJ, ".obj")
})

func detectFBX(raw []byte, _ uint32) bool {
	return bytes.HasPrefix(raw, []byte(fbxBinaryMagic)) || bytes.HasPrefix(raw, []byte("; FBX"))
}

func detect3DS(raw []byte, _ uint32) bool {
	if len(raw) < 12 || binary.LittleEndian.Uint16(raw) != chunkMain {
		return false
	}
	// First sub chunk is the version, editor or keyframer chunk.
	switch binary.LittleEndian.Uint16(raw[6:]) {
	case 0x0002, chunkEditor, 0xB000:
		return binary.LittleEndian.Uint32(raw[2:]) >= 12
	}
	return false
}

func detectPLY(raw []byte, _ uint32) bool {
	return bytes.HasPrefix(raw, []byte("ply\n")) || bytes.HasPrefix(raw, []byte("ply\r\n"))
}

func detectASCIISTL(raw []byte, _ uint32) bool {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	return bytes.HasPrefix(raw, []byte("solid")) && bytes.Contains(raw, []byte("facet"))
}

// detectOBJ accepts text whose statements are all OBJ keywords and that
// declares at least one vertex.
func detectOBJ(raw []byte, limit uint32) bool {
	lines := bytes.Split(raw, []byte("\n"))
	if uint32(len(raw)) >= limit && len(lines) > 1 {
		lines = lines[:len(lines)-1] // Last line may be cut.
	}
	vertices, statements := 0, 0
	for _, line := range lines {
		fields := strings.Fields(string(line))
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "v":
			vertices++
		case "vn", "vt", "vp", "f", "l", "p", "o", "g", "s", "mtllib", "usemtl":
		default:
			return false
		}
		statements++
	}
	return vertices > 0 && statements > 0
}

// sniffer is the fallback strategy: it detects the payload format and
// delegates to the registered strategy.
type sniffer struct {
	reg    *Registry
	policy FallbackPolicy
	log    *slog.Logger
}

// Sniff returns the registry token of the format detected in data, or the
// detected MIME type and false when no strategy handles it.
func Sniff(data []byte) (token string, ok bool, mime string) {
	registerDetectors()
	if isBinarySTL(data) {
		return "stl", true, mimeSTL
	}
	m := mimetype.Detect(data)
	for p := m; p != nil; p = p.Parent() {
		base, _, _ := strings.Cut(p.String(), ";")
		if tok, ok := mimeTokens[base]; ok {
			return tok, true, base
		}
	}
	return "", false, m.String()
}

func (s *sniffer) Load(ctx context.Context, r io.Reader) (Result, error) {
	data, err := readAll(ctx, r)
	if err != nil {
		return Result{}, err
	}
	tok, ok, mime := Sniff(data)
	if ok {
		strategy, registered := s.reg.Lookup(tok)
		if registered {
			s.log.Info("detected format from content", "format", tok, "mime", mime)
			res, err := strategy.Load(ctx, bytes.NewReader(data))
			if err != nil {
				return res, err
			}
			res.Format = tok
			return res, nil
		}
	}
	if s.policy == FallbackStrict {
		return Result{}, fmt.Errorf("%w: detected %s", ErrUnsupportedFormat, mime)
	}
	s.log.Warn("undetectable model format, showing placeholder", "mime", mime, "size", len(data))
	return Result{
		Geometry:    cadview.NewBoxGeometry(1, 1, 1),
		Format:      "placeholder",
		Placeholder: true,
	}, nil
}
