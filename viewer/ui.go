//go:build !tinygo && cgo

package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/soypat/cadview/glrender"
)

// clickSlop is the pointer travel in pixels below which a press and release
// count as a click instead of a drag.
const clickSlop = 3

// Run opens a window and shows src until the window is closed or ctx is
// done. src may be empty to start with an empty scene. Run locks the calling
// goroutine to its OS thread, which on most platforms must be the main thread.
func Run(ctx context.Context, src ModelSource, cfg Config, cb Callbacks, log *slog.Logger) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if log == nil {
		log = slog.Default()
	}
	window, term, err := startGLFW(cfg.Width, cfg.Height)
	if err != nil {
		return err
	}
	defer term()
	backend, err := glrender.NewGL(log)
	if err != nil {
		return err
	}
	// HiDPI displays render at framebuffer resolution.
	cfg.Width, cfg.Height = window.GetFramebufferSize()
	v, err := New(backend, cfg, cb, log)
	if err != nil {
		backend.Close()
		return err
	}
	defer v.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	v.bindWindow(window)
	switch {
	case cfg.Watch && src.URL != "":
		go func() {
			err := v.Watch(ctx, src)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("watch stopped", "err", err)
			}
		}()
	case src.URL != "" || len(src.Components) > 0:
		if _, err := v.LoadModel(ctx, src); err != nil {
			return err
		}
	}
	v.loop.Frame = func() error {
		glfw.PollEvents()
		if window.ShouldClose() {
			v.loop.Stop()
			return nil
		}
		err := v.frame()
		window.SwapBuffers()
		return err
	}
	err = v.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// bindWindow forwards window input to the viewer. Callbacks run inside
// glfw.PollEvents on the render thread so they take the viewer lock directly.
func (v *Viewer) bindWindow(window *glfw.Window) {
	var (
		rotating, panning bool
		lastX, lastY      float64
		pressX, pressY    float64
	)
	window.SetCursorPosCallback(func(w *glfw.Window, xpos, ypos float64) {
		dx, dy := float32(xpos-lastX), float32(ypos-lastY)
		lastX, lastY = xpos, ypos
		switch {
		case rotating:
			v.locked(func() error { v.orbit(dx, dy, 0, 0, 0); return nil })
		case panning:
			v.locked(func() error { v.orbit(0, 0, dx, dy, 0); return nil })
		}
	})
	window.SetScrollCallback(func(w *glfw.Window, xoff, yoff float64) {
		v.locked(func() error { v.orbit(0, 0, 0, 0, float32(yoff)); return nil })
	})
	window.SetMouseButtonCallback(func(w *glfw.Window, button glfw.MouseButton, action glfw.Action, mods glfw.ModifierKey) {
		switch button {
		case glfw.MouseButtonLeft:
			if action == glfw.Press {
				rotating = true
				pressX, pressY = lastX, lastY
				return
			}
			rotating = false
			if abs(lastX-pressX) > clickSlop || abs(lastY-pressY) > clickSlop {
				return
			}
			// Cursor coordinates are in window units, not framebuffer pixels.
			ww, wh := w.GetSize()
			err := v.locked(func() error {
				_, err := v.picker.Click(float32(lastX), float32(lastY), float32(ww), float32(wh))
				return err
			})
			if err != nil {
				v.log.Debug("pick failed", "err", err)
			}
		case glfw.MouseButtonRight, glfw.MouseButtonMiddle:
			panning = action == glfw.Press
		}
	})
	window.SetFramebufferSizeCallback(func(w *glfw.Window, width, height int) {
		if width == 0 || height == 0 {
			return // Minimized.
		}
		if err := v.locked(func() error { return v.resize(width, height) }); err != nil {
			v.log.Warn("resize failed", "err", err)
		}
	})
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func startGLFW(width, height int) (window *glfw.Window, term func(), err error) {
	if err := glfw.Init(); err != nil {
		return nil, nil, fmt.Errorf("init GLFW: %w", err)
	}
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 6)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.Resizable, glfw.True)

	window, err = glfw.CreateWindow(width, height, "cadview", nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, nil, fmt.Errorf("create window: %w", err)
	}
	window.MakeContextCurrent()
	glfw.SwapInterval(1)
	return window, glfw.Terminate, nil
}
