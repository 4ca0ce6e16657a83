//go:build tinygo || !cgo

package glrender

import (
	"errors"
	"log/slog"
)

var errNoCGO = errors.New("OpenGL rendering requires CGo and is not supported on TinyGo")

// GL is an OpenGL [Backend]. Without CGo it cannot be created; use [Headless].
type GL struct{}

// NewGL returns an error when built without CGo.
func NewGL(log *slog.Logger) (*GL, error) { return nil, errNoCGO }

func (b *GL) NewTarget(width, height int) (Target, error)    { return nil, errNoCGO }
func (b *GL) DrawScene(dst Target, scene *FrameScene) error   { return errNoCGO }
func (b *GL) ApplyPass(pass Pass, src, dst Target) error      { return errNoCGO }
func (b *GL) Present(src Target, width, height int) error     { return errNoCGO }
func (b *GL) Close() error                                    { return errNoCGO }
