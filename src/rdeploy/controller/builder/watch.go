package builder

import (
	"context"
	"fmt"
	iofs "io/fs"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/observer"
)

const _sourceOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

func (w *watcher) Watch(ctx context.Context, p Project, events chan<- Event) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating source watcher: %w", err)
	}
	defer func() {
		if err := fw.Close(); err != nil {
			w.logger.Warnf("Failed to close source watcher: %v", err)
		}
	}()

	if err := w.addTree(fw, p, p.RootDir); err != nil {
		return err
	}

	settled := make(chan struct{}, 1)
	settled <- struct{}{}
	debouncer := observer.NewDebouncer(w.clock, w.cfg.Debounce, func() {
		select {
		case settled <- struct{}{}:
		default:
		}
	})
	defer debouncer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && w.isDir(event.Name) {
				if err := w.addTree(fw, p, event.Name); err != nil {
					w.logger.Warnw("watching new directory", "dir", event.Name, "error", err)
				}
			}
			if event.Op&_sourceOps != 0 && !w.ignoredFile(event.Name) {
				w.logger.Debugw("source changed", "file", event.Name, "op", event.Op.String())
				debouncer.Trigger()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("Failure in source watcher: %v", err)
		case <-settled:
			if !w.build(ctx, p, events) {
				return nil
			}
		}
	}
}

// build runs one compile pass and reports it. It returns false if ctx ended while reporting.
func (w *watcher) build(ctx context.Context, p Project, events chan<- Event) bool {
	if !send(ctx, events, Event{Kind: BuildStarted}) {
		return false
	}
	out, err := w.Compile(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.logger.Warnw("build failed", "error", err)
		return send(ctx, events, Event{Kind: BuildFailed, Err: err})
	}
	return send(ctx, events, Event{Kind: BuildSucceeded, Output: out})
}

func send(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// addTree watches root and every directory below it that is not ignored.
func (w *watcher) addTree(fw *fsnotify.Watcher, p Project, root string) error {
	return filepath.WalkDir(root, func(dir string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if dir != p.RootDir && w.ignoredDir(p, dir) {
			return filepath.SkipDir
		}
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		return nil
	})
}

func (w *watcher) ignoredDir(p Project, dir string) bool {
	if p.OutDir != "" && dir == p.OutDir {
		return true
	}
	name := filepath.Base(dir)
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, ignored := range w.cfg.Ignore {
		if name == ignored {
			return true
		}
	}
	return false
}

// ignoredFile filters editor swap and backup files.
func (w *watcher) ignoredFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~")
}

func (w *watcher) isDir(name string) bool {
	ok, err := w.fs.DirExists(name)
	return err == nil && ok
}
