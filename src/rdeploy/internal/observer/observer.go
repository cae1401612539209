// Package observer reports content changes of a fixed set of local files.
package observer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/clock"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

const (
	_defaultDebounce = 200 * time.Millisecond
	_errorBuffer     = 16
	_watchedOps      = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
)

// ObservationError reports a watched file that could not be read.
type ObservationError struct {
	Path string
	Err  error
}

// Error is an implementation of the error interface.
func (e *ObservationError) Error() string {
	return fmt.Sprintf("observing %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ObservationError) Unwrap() error {
	return e.Err
}

// Options tune an Observer.
type Options struct {
	// Debounce is the quiet window after the last filesystem event before contents are hashed.
	Debounce time.Duration
	// EmitInitial sends a change as soon as Run has read the files once.
	EmitInitial bool
	Clock       clock.Clock
}

// Observer watches a set of files and signals when their combined content changes.
// Touching a file without changing its bytes does not signal.
type Observer struct {
	files   []string
	watched map[string]struct{}
	opts    Options
	logger  *zap.SugaredLogger

	changes chan struct{}
	errs    chan error
	settled chan struct{}

	lastHash []byte
}

// New creates an Observer over the given files. Nothing is watched until Run is called.
func New(files []string, logger *zap.SugaredLogger, opts Options) (*Observer, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("observer needs at least one file")
	}
	if opts.Debounce == 0 {
		opts.Debounce = _defaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	o := &Observer{
		watched: make(map[string]struct{}, len(files)),
		opts:    opts,
		logger:  logger,
		changes: make(chan struct{}, 1),
		errs:    make(chan error, _errorBuffer),
		settled: make(chan struct{}, 1),
	}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", f, err)
		}
		o.files = append(o.files, abs)
		o.watched[abs] = struct{}{}
	}
	return o, nil
}

// Changes delivers one value per detected change. Changes that arrive before the previous one was received
// are coalesced.
func (o *Observer) Changes() <-chan struct{} {
	return o.changes
}

// Errors delivers *ObservationError values and watcher failures. The observer keeps running after an error.
func (o *Observer) Errors() <-chan error {
	return o.errs
}

// Run watches until ctx is done.
func (o *Observer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dirs := make(map[string]struct{})
	for _, f := range o.files {
		dir := filepath.Dir(f)
		if _, ok := dirs[dir]; ok {
			continue
		}
		dirs[dir] = struct{}{}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	debouncer := NewDebouncer(o.opts.Clock, o.opts.Debounce, func() {
		select {
		case o.settled <- struct{}{}:
		default:
		}
	})
	defer debouncer.Stop()

	if sum, err := o.hash(); err != nil {
		o.report(err)
	} else {
		o.lastHash = sum
		if o.opts.EmitInitial {
			o.emit()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, ok := o.watched[filepath.Clean(event.Name)]; ok && event.Op&_watchedOps != 0 {
				debouncer.Trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.report(err)
		case <-o.settled:
			o.check()
		}
	}
}

func (o *Observer) check() {
	sum, err := o.hash()
	if err != nil {
		o.report(err)
		return
	}
	if bytes.Equal(sum, o.lastHash) {
		o.logger.Debugw("files touched without content change", "files", o.files)
		return
	}
	o.lastHash = sum
	o.emit()
}

// hash combines every file's path and content digest in declaration order.
func (o *Observer) hash() ([]byte, error) {
	h := blake3.New()
	for _, f := range o.files {
		content, err := os.ReadFile(f)
		if err != nil {
			return nil, &ObservationError{Path: f, Err: err}
		}
		sum := blake3.Sum256(content)
		h.Write([]byte(f))
		h.Write(sum[:])
	}
	return h.Sum(nil), nil
}

func (o *Observer) emit() {
	select {
	case o.changes <- struct{}{}:
	default:
	}
}

func (o *Observer) report(err error) {
	o.logger.Warnw("file observer error", "error", err)
	select {
	case o.errs <- err:
	default:
		o.logger.Debugw("dropping observer error, channel full", "error", err)
	}
}
