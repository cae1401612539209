// Package process stores the ownership token of the remote daemon process.
package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	tally "github.com/uber-go/tally/v4"
)

// Repository holds at most one ProcessHandle.
type Repository interface {
	// Acquire stores the handle, failing with ProcessAlreadyRunningError if another handle is held.
	Acquire(ctx context.Context, h *entity.ProcessHandle) error
	// Current returns the held handle, or nil.
	Current(ctx context.Context) *entity.ProcessHandle
	// Release drops the handle if it has the given id. Releasing a stale id is a no-op.
	Release(ctx context.Context, id uuid.UUID) bool
}

type repository struct {
	mu      sync.Mutex
	current *entity.ProcessHandle
	stats   tally.Scope
}

// New returns an empty Repository.
func New(stats tally.Scope) Repository {
	return &repository{stats: stats}
}

func (r *repository) Acquire(ctx context.Context, h *entity.ProcessHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h == nil {
		return errors.New("can't acquire nil process handle")
	}
	if r.current != nil {
		return fmt.Errorf("%w: held by %s", errors.ProcessAlreadyRunningError, r.current.ID)
	}
	r.current = h
	r.stats.Gauge("running_processes").Update(1)
	return nil
}

func (r *repository) Current(ctx context.Context) *entity.ProcessHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.current
}

func (r *repository) Release(ctx context.Context, id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil || r.current.ID != id {
		return false
	}
	r.current = nil
	r.stats.Gauge("running_processes").Update(0)
	return true
}
