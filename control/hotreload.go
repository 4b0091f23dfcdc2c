// control/hotreload.go
// Watches a config file and dispatches reloads when it changes.

package control

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/yanun0323/errors"
)

// WatchFile calls reload each time path is written or replaced, until ctx
// is cancelled. The parent directory is watched so that editors which
// rename over the file are still observed. Errors from reload are passed
// to onError when it is non-nil.
func WatchFile(ctx context.Context, path string, reload func() error, onError func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return errors.Wrap(err, "resolve config path")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "watch config dir").With("dir", filepath.Dir(abs))
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := reload(); err != nil && onError != nil {
					onError(err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}
