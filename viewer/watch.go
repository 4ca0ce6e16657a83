package viewer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce is how long [Viewer.Watch] waits after the last change to a
// file before reloading it. Editors often write a file in several steps.
var WatchDebounce = 150 * time.Millisecond

// ErrNotLocal is returned by [Viewer.Watch] for sources that are not local files.
var ErrNotLocal = errors.New("source is not a local file")

// Watch loads src and reloads it every time the file changes on disk until
// ctx is done. The containing directory is watched so files replaced by
// rename are picked up too.
func (v *Viewer) Watch(ctx context.Context, src ModelSource) error {
	if err := src.Validate(); err != nil {
		return err
	}
	if src.URL == "" {
		return fmt.Errorf("%w: components", ErrNotLocal)
	}
	name, err := localPath(src.URL)
	if err != nil {
		return err
	}
	name, err = filepath.Abs(name)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(name)); err != nil {
		return fmt.Errorf("watch %s: %w", name, err)
	}
	if _, err := v.LoadModel(ctx, src); err != nil {
		return err
	}
	v.log.Info("watching model", "path", name)

	timer := time.NewTimer(WatchDebounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			timer.Reset(WatchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			v.log.Warn("file watcher error", "err", err)
		case <-timer.C:
			v.log.Debug("model file changed", "path", name)
			if _, err := v.LoadModel(ctx, src); err != nil {
				return err
			}
		}
	}
}

// localPath returns the file path of a plain path or file URL.
func localPath(src string) (string, error) {
	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return src, nil
	}
	if u.Scheme == "file" {
		return filepath.FromSlash(u.Path), nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotLocal, src)
}
