package observer

import (
	"sync"
	"time"

	"github.com/homeauto/rdeploy/src/rdeploy/internal/clock"
)

// Debouncer calls fn once the quiet window has elapsed after the most recent Trigger.
type Debouncer struct {
	clock  clock.Clock
	window time.Duration
	fn     func()

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

// NewDebouncer creates a Debouncer. fn runs on the clock's timer goroutine.
func NewDebouncer(c clock.Clock, window time.Duration, fn func()) *Debouncer {
	return &Debouncer{clock: c, window: window, fn: fn}
}

// Trigger restarts the quiet window.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	if d.window <= 0 {
		d.timer = nil
		d.mu.Unlock()
		d.fn()
		return
	}
	d.timer = d.clock.AfterFunc(d.window, d.fn)
	d.mu.Unlock()
}

// Stop cancels any pending call. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
