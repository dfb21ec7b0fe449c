package model

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with the path of any watched file that is written,
// created or renamed into place. Parent directories are watched so that
// editors and exporters replacing the file atomically are still seen.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, paths []string, onChange func(path string)) error {
	if len(paths) == 0 {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer w.Close()

	watched := make(map[string]struct{}, len(paths))
	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving path %s: %w", p, err)
		}
		watched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	for d := range dirs {
		if err := w.Add(d); err != nil {
			return fmt.Errorf("watching dir %s: %w", d, err)
		}
		slog.Debug("watching model dir", "dir", d)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			if _, ok := watched[abs]; ok {
				slog.Debug("model file changed", "path", abs, "op", ev.Op.String())
				onChange(abs)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("file watcher error", "error", err)
		}
	}
}
