package logx

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFromFlags(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelFromFlags(true, true, true))
	assert.Equal(t, slog.LevelInfo, LevelFromFlags(false, true, false))
	assert.Equal(t, slog.LevelError, LevelFromFlags(false, false, true))
	assert.Equal(t, slog.LevelWarn, LevelFromFlags(false, false, false))
}

func TestHandlerRespectsUserLevel(t *testing.T) {
	old := UserLevel
	defer func() { UserLevel = old }()
	UserLevel = slog.LevelWarn
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf))
	log.Info("hidden")
	log.Warn("shown", "format", "stl")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "format=stl")
}
