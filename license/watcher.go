package license

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Handler's license whenever the license file changes. A
// replacement that fails to parse is logged and the previous license stays
// in force.
type Watcher struct {
	h        *Handler
	path     string
	w        *fsnotify.Watcher
	onReload func(Info, error)
	done     chan struct{}
}

// Watch starts watching path, the file h's storage reads the license from.
// onReload, if non-nil, is called after every reload attempt.
func Watch(ctx context.Context, h *Handler, path string, onReload func(Info, error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("license: watcher: %w", err)
	}
	// Editors and atomic writers replace the file, so watch the directory.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("license: watch %s: %w", filepath.Dir(abs), err)
	}
	lw := &Watcher{h: h, path: abs, w: w, onReload: onReload, done: make(chan struct{})}
	go lw.run(ctx)
	return lw, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (lw *Watcher) Close() error {
	err := lw.w.Close()
	<-lw.done
	return err
}

func (lw *Watcher) run(ctx context.Context) {
	defer close(lw.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-lw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != lw.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			info, err := lw.h.Reload(ctx)
			if err != nil {
				lw.h.log.WarnContext(ctx, "license.watcher.reload_failed",
					slog.String("path", lw.path),
					slog.String("err", err.Error()))
			} else {
				lw.h.log.InfoContext(ctx, "license.watcher.reloaded",
					slog.Int("quota", info.Quota),
					slog.String("end_date", info.EndDate.String()))
			}
			if lw.onReload != nil {
				lw.onReload(info, err)
			}
		case err, ok := <-lw.w.Errors:
			if !ok {
				return
			}
			lw.h.log.WarnContext(ctx, "license.watcher.error", slog.String("err", err.Error()))
		}
	}
}
