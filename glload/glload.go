// Package glload decodes 3D model files into cadview scene nodes.
//
// Formats are resolved by a lower-cased token (usually the file extension)
// through a [Registry]. Unknown tokens resolve to a fallback strategy that
// sniffs the payload.
package glload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/soypat/cadview"
)

var (
	// ErrUnsupportedFormat is returned when no strategy can decode a payload.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrCompressedGeometry is returned for compressed glTF primitives when no [Decompressor] is configured.
	ErrCompressedGeometry = errors.New("compressed geometry requires a decompressor")
	// ErrMalformed is returned for payloads that do not follow their format.
	ErrMalformed = errors.New("malformed model data")
)

// DefaultColor is the color of materials created for formats without material data.
const DefaultColor cadview.Color = 0x8c9aa8

// maxPayload bounds the bytes read from a single source.
const maxPayload = 1 << 30

// Result is the product of a [Strategy]: either raw geometry or a node subtree.
type Result struct {
	Geometry *cadview.Geometry
	Node     *cadview.Node
	// Format is the token of the strategy that decoded the payload.
	Format string
	// Placeholder is set when the result stands in for an undecodable payload.
	Placeholder bool
}

// Root returns the result as a node tree. Raw geometry is wrapped in a mesh
// named name using mat, which may be nil for a default material.
func (r Result) Root(name string, mat *cadview.Material) *cadview.Node {
	if r.Node != nil {
		return r.Node
	}
	if r.Geometry == nil {
		return nil
	}
	if mat == nil {
		mat = cadview.NewStandardMaterial(DefaultColor)
	}
	n := cadview.NewMesh(name, r.Geometry, mat)
	n.UserData = cadview.UserData{ID: name, Name: name, Type: "mesh"}
	return n
}

// Dispose releases the geometry held by the result.
func (r Result) Dispose() {
	if r.Node != nil {
		r.Node.Dispose()
	}
	if r.Geometry != nil {
		r.Geometry.Dispose()
	}
}

// Strategy decodes one model format.
type Strategy interface {
	Load(ctx context.Context, r io.Reader) (Result, error)
}

// StrategyFunc adapts a function to [Strategy].
type StrategyFunc func(ctx context.Context, r io.Reader) (Result, error)

func (f StrategyFunc) Load(ctx context.Context, r io.Reader) (Result, error) { return f(ctx, r) }

// FallbackPolicy selects what the fallback strategy does with a payload of unknown format.
type FallbackPolicy uint8

const (
	// FallbackSniff detects the format from the payload and delegates to its
	// strategy. Undetectable payloads yield a placeholder box.
	FallbackSniff FallbackPolicy = iota
	// FallbackStrict detects the format from the payload and fails with
	// [ErrUnsupportedFormat] when nothing matches.
	FallbackStrict
)

func (p FallbackPolicy) String() string {
	switch p {
	case FallbackSniff:
		return "sniff"
	case FallbackStrict:
		return "strict"
	}
	return fmt.Sprintf("FallbackPolicy(%d)", uint8(p))
}

// MarshalText implements [encoding.TextMarshaler].
func (p FallbackPolicy) MarshalText() ([]byte, error) {
	switch p {
	case FallbackSniff, FallbackStrict:
		return []byte(p.String()), nil
	}
	return nil, fmt.Errorf("invalid fallback policy %d", uint8(p))
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *FallbackPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "sniff", "":
		*p = FallbackSniff
	case "strict":
		*p = FallbackStrict
	default:
		return fmt.Errorf("invalid fallback policy %q", text)
	}
	return nil
}

// Config configures a [Registry].
type Config struct {
	Fallback FallbackPolicy `toml:"fallback"`
	// Decompressor decodes KHR_draco_mesh_compression glTF primitives. May be nil.
	Decompressor Decompressor `toml:"-"`
	Logger       *slog.Logger `toml:"-"`
}

// Registry maps format tokens to strategies. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	fallback   Strategy
	log        *slog.Logger
}

// NewRegistry returns a registry with the built in formats: stl, obj,
// gltf, glb, fbx, dae, ply and 3ds.
func NewRegistry(cfg Config) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := &Registry{
		strategies: make(map[string]Strategy),
		log:        log,
	}
	gltfLoader := &GLTF{Decompressor: cfg.Decompressor}
	reg.strategies["stl"] = StrategyFunc(LoadSTL)
	reg.strategies["obj"] = StrategyFunc(LoadOBJ)
	reg.strategies["gltf"] = gltfLoader
	reg.strategies["glb"] = gltfLoader
	reg.strategies["fbx"] = StrategyFunc(LoadFBX)
	reg.strategies["dae"] = StrategyFunc(LoadDAE)
	reg.strategies["ply"] = StrategyFunc(LoadPLY)
	reg.strategies["3ds"] = StrategyFunc(Load3DS)
	reg.fallback = &sniffer{reg: reg, policy: cfg.Fallback, log: log}
	return reg
}

// NormalizeToken lower-cases token and strips a leading dot.
func NormalizeToken(token string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(token)), ".")
}

// Resolve returns the strategy for token. It never returns nil: unknown
// tokens, including formats such as ifc and step that are recognized but not
// decoded, resolve to the fallback strategy and log a warning.
func (reg *Registry) Resolve(token string) Strategy {
	tok := NormalizeToken(token)
	reg.mu.RLock()
	s, ok := reg.strategies[tok]
	reg.mu.RUnlock()
	if ok {
		return s
	}
	reg.log.Warn("no loader for format, using fallback", "format", tok)
	return reg.fallback
}

// Lookup returns the strategy registered for token without falling back.
func (reg *Registry) Lookup(token string) (Strategy, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	s, ok := reg.strategies[NormalizeToken(token)]
	return s, ok
}

// Register adds or replaces the strategy for token.
func (reg *Registry) Register(token string, s Strategy) {
	if s == nil {
		panic("glload: nil strategy")
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.strategies[NormalizeToken(token)] = s
}

// Tokens returns the sorted registered tokens.
func (reg *Registry) Tokens() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	tokens := make([]string, 0, len(reg.strategies))
	for tok := range reg.strategies {
		tokens = append(tokens, tok)
	}
	slices.Sort(tokens)
	return tokens
}

// Load resolves token and decodes r with its strategy. The result's Format is set.
func (reg *Registry) Load(ctx context.Context, token string, r io.Reader) (Result, error) {
	res, err := reg.Resolve(token).Load(ctx, r)
	if err != nil {
		return res, err
	}
	if res.Format == "" {
		res.Format = NormalizeToken(token)
	}
	return res, nil
}

// readAll reads r fully, failing on payloads over maxPayload or a done context.
func readAll(ctx context.Context, r io.Reader) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, maxPayload+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPayload {
		return nil, fmt.Errorf("payload exceeds %d bytes", maxPayload)
	}
	return data, ctx.Err()
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// meshNode wraps a validated geometry into a mesh node with its UserData set.
func meshNode(id, name, typ string, g *cadview.Geometry, mat *cadview.Material) (*cadview.Node, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, name, err)
	}
	if len(g.Normals) == 0 {
		g.ComputeNormals()
	}
	n := cadview.NewMesh(name, g, mat)
	n.UserData = cadview.UserData{ID: id, Name: name, Type: typ}
	return n, nil
}
