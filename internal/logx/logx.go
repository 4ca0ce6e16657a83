// Package logx configures the [log/slog] default logger used by cadview
// commands and provides the user verbosity level.
package logx

import (
	"io"
	"log/slog"
	"os"

	"github.com/muesli/termenv"
)

// UserLevel is the verbosity level the user has selected. Messages at
// levels at or above this level are shown. The default is [slog.LevelWarn].
var UserLevel = slog.LevelWarn

// LevelFromFlags returns the [slog.Level] corresponding to the given
// user flag options. The flags correspond to the following values:
//   - vv: [slog.LevelDebug]
//   - v: [slog.LevelInfo]
//   - q: [slog.LevelError]
//   - (default: [slog.LevelWarn])
//
// The flags are evaluated in that order, so if both vv and q are
// specified it still returns [slog.LevelDebug].
func LevelFromFlags(vv, v, q bool) slog.Level {
	switch {
	case vv:
		return slog.LevelDebug
	case v:
		return slog.LevelInfo
	case q:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// NewHandler returns a text handler writing to w at [UserLevel] whose
// level tags are colored according to the terminal's capabilities.
func NewHandler(w io.Writer) slog.Handler {
	out := termenv.NewOutput(w)
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: UserLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) != 0 || a.Key != slog.LevelKey {
				return a
			}
			level, ok := a.Value.Any().(slog.Level)
			if !ok {
				return a
			}
			a.Value = slog.StringValue(out.String(level.String()).Foreground(levelColor(level)).String())
			return a
		},
	})
}

// SetDefaultLogger sets the default slog logger to one writing to
// stderr with [NewHandler].
func SetDefaultLogger() {
	slog.SetDefault(slog.New(NewHandler(os.Stderr)))
}

func levelColor(level slog.Level) termenv.Color {
	switch {
	case level >= slog.LevelError:
		return termenv.ANSIRed
	case level >= slog.LevelWarn:
		return termenv.ANSIYellow
	case level >= slog.LevelInfo:
		return termenv.ANSIBlue
	default:
		return termenv.ANSIBrightBlack
	}
}
