//go:build tinygo || !cgo

package viewer

import (
	"context"
	"errors"
	"log/slog"
)

// Run requires CGo for windowing. Use [New] with a headless backend instead.
func Run(ctx context.Context, src ModelSource, cfg Config, cb Callbacks, log *slog.Logger) error {
	return errors.New("interactive viewer requires CGo and is not supported on TinyGo")
}
