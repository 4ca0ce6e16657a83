package glrender

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFrameInterval paces [Loop.Run] at 60 frames per second.
const DefaultFrameInterval = time.Second / 60

// ErrLoopRunning is returned by [Loop.Run] and [Loop.Start] when the loop is already running.
var ErrLoopRunning = errors.New("render loop already running")

// Loop owns the render thread. Work posted with [Loop.Post] runs on the
// render thread before the next frame.
type Loop struct {
	// Frame draws one frame. It runs on the render thread.
	Frame    func() error
	Interval time.Duration

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stop    chan struct{}
	running atomic.Bool
	frames  atomic.Uint64
	log     *slog.Logger
}

// NewLoop returns a stopped loop that calls frame once per tick.
func NewLoop(frame func() error, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		Frame:    frame,
		Interval: DefaultFrameInterval,
		wake:     make(chan struct{}, 1),
		log:      log,
	}
}

// Post schedules fn on the render thread. It is safe for concurrent use.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of posted functions not yet run.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Drain runs every posted function without drawing a frame.
func (l *Loop) Drain() {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, fn := range queue {
		fn()
	}
}

// Step drains posted work and draws one frame. Callers driving the loop
// themselves, such as a window event loop or tests, call Step from the
// render thread instead of [Loop.Run].
func (l *Loop) Step() error {
	l.Drain()
	if l.Frame == nil {
		return nil
	}
	l.frames.Add(1)
	return l.Frame()
}

// Do runs fn on the render thread and waits for its error. When the loop is
// not running fn runs on the calling goroutine. Do must not be called from
// the render thread of a running loop.
func (l *Loop) Do(fn func() error) error {
	if !l.Running() {
		return fn()
	}
	done := make(chan error, 1)
	l.Post(func() { done <- fn() })
	tick := time.NewTicker(DefaultFrameInterval)
	defer tick.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-tick.C:
			// The loop may have exited after its final drain.
			if !l.Running() {
				l.Drain()
			}
		}
	}
}

// Frames returns the number of frames drawn.
func (l *Loop) Frames() uint64 { return l.frames.Load() }

// Run steps the loop every Interval until ctx is done or Stop is called.
// Frame errors are logged and do not stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	stop, err := l.begin()
	if err != nil {
		return err
	}
	return l.run(ctx, stop)
}

// Start runs the loop on a new goroutine. The loop is running when Start returns.
func (l *Loop) Start(ctx context.Context) error {
	stop, err := l.begin()
	if err != nil {
		return err
	}
	go func() {
		err := l.run(ctx, stop)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.log.Debug("render loop exited", "err", err)
		}
	}()
	return nil
}

func (l *Loop) begin() (chan struct{}, error) {
	if !l.running.CompareAndSwap(false, true) {
		return nil, ErrLoopRunning
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stop = make(chan struct{})
	return l.stop, nil
}

func (l *Loop) run(ctx context.Context, stop chan struct{}) error {
	defer l.running.Store(false)
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Drain()
			return ctx.Err()
		case <-stop:
			l.Drain()
			return nil
		case <-l.wake:
			l.Drain()
		case <-ticker.C:
			if err := l.Step(); err != nil {
				l.log.Warn("frame failed", "err", err)
			}
		}
	}
}

// Stop ends a running loop. It is a no-op on a stopped loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
}

// Running reports whether Run is executing.
func (l *Loop) Running() bool { return l.running.Load() }
