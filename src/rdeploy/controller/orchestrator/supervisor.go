package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"github.com/homeauto/rdeploy/src/rdeploy/gateway/remote"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/clock"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/outputwriter"
	"github.com/homeauto/rdeploy/src/rdeploy/repository/process"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/ssh"
)

// _remotePidFile is written by the started process in the module root so a stuck process can be killed.
const _remotePidFile = ".rdeploy.pid"

// supervisor owns the remote daemon process. Operations are serialised so a start never overlaps a stop.
type supervisor struct {
	opMu sync.Mutex

	session     remote.Session
	processes   process.Repository
	target      entity.RemoteTarget
	command     entity.CommandConfig
	stopTimeout time.Duration
	clock       clock.Clock
	logger      *zap.SugaredLogger
	stats       tally.Scope

	mu      sync.Mutex
	running *runningProcess
}

type runningProcess struct {
	handle *entity.ProcessHandle
	proc   remote.Process
	stdout *outputwriter.Writer
	stderr *outputwriter.Writer
	exited chan struct{}
}

func (s *supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	return s.startLocked(ctx)
}

func (s *supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	return s.stopLocked(ctx)
}

// Restart stops and starts the process if claim still allows it once no other operation is running.
func (s *supervisor) Restart(ctx context.Context, claim func() bool) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !claim() {
		return false, nil
	}
	if err := s.stopLocked(ctx); err != nil {
		return true, err
	}
	s.stats.Counter("restarts").Inc(1)
	return true, s.startLocked(ctx)
}

func (s *supervisor) startLocked(ctx context.Context) error {
	cmd := remote.Command{
		Name:    s.command.Command,
		Args:    s.command.Args,
		Dir:     s.target.ModuleRoot(),
		PidFile: _remotePidFile,
	}
	handle := &entity.ProcessHandle{
		ID:        uuid.Must(uuid.NewV4()),
		Command:   cmd.String(),
		Dir:       cmd.Dir,
		StartedAt: s.clock.Now(),
	}
	if err := s.processes.Acquire(ctx, handle); err != nil {
		s.logger.DPanicw("refusing to start a second remote process", "error", err)
		return err
	}

	name := s.target.ServiceName
	if name == "" {
		name = "remote"
	}
	out := s.logger.Desugar().Named(name).Sugar()
	rp := &runningProcess{
		handle: handle,
		stdout: outputwriter.New(out, "stdout", zapcore.InfoLevel),
		stderr: outputwriter.New(out, "stderr", zapcore.WarnLevel),
		exited: make(chan struct{}),
	}
	cmd.Stdout = rp.stdout
	cmd.Stderr = rp.stderr

	proc, err := s.session.Start(ctx, cmd)
	if err != nil {
		s.processes.Release(ctx, handle.ID)
		return err
	}
	rp.proc = proc

	s.mu.Lock()
	s.running = rp
	s.mu.Unlock()

	s.stats.Counter("starts").Inc(1)
	s.logger.Infow("remote process started", "id", handle.ID.String(), "command", handle.Command)
	go s.wait(rp)
	return nil
}

func (s *supervisor) wait(rp *runningProcess) {
	err := rp.proc.Wait()
	rp.stdout.Flush()
	rp.stderr.Flush()
	rp.proc.Close()

	if err != nil {
		s.logger.Warnw("remote process exited", "id", rp.handle.ID.String(), "error", err)
	} else {
		s.logger.Infow("remote process exited", "id", rp.handle.ID.String())
	}

	s.mu.Lock()
	if s.running == rp {
		s.running = nil
	}
	s.mu.Unlock()
	s.processes.Release(context.Background(), rp.handle.ID)
	close(rp.exited)
}

// stopLocked asks the process to terminate and waits for it to exit. If it is still running after
// stopTimeout it is killed through its pid file. The process only counts as stopped once its exit
// status arrives.
func (s *supervisor) stopLocked(ctx context.Context) error {
	s.mu.Lock()
	rp := s.running
	s.mu.Unlock()
	if rp == nil {
		return nil
	}

	s.logger.Infow("stopping remote process", "id", rp.handle.ID.String())
	if err := rp.proc.Signal(ssh.SIGTERM); err != nil {
		s.logger.Warnw("signalling remote process", "error", err)
	}

	select {
	case <-rp.exited:
	case <-s.clock.After(s.stopTimeout):
		s.logger.Warnw("remote process did not exit in time, killing it", "timeout", s.stopTimeout)
		s.stats.Counter("kills").Inc(1)
		if err := s.kill(ctx); err != nil {
			if errors.IsTransport(err) || ctx.Err() != nil {
				return err
			}
			s.logger.Warnw("killing remote process", "error", err)
		}
		select {
		case <-rp.exited:
		case <-s.clock.After(s.stopTimeout):
			s.stats.Counter("stop_failures").Inc(1)
			return fmt.Errorf("%w: %s", errors.ProcessStillRunningError, rp.handle.Command)
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.stats.Counter("stops").Inc(1)
	return nil
}

func (s *supervisor) kill(ctx context.Context) error {
	return s.session.Run(ctx, killCommand(s.target))
}

func killCommand(target entity.RemoteTarget) remote.Command {
	return remote.Command{
		Name: "sh",
		Args: []string{"-c", `kill -KILL "$(cat ` + _remotePidFile + `)"`},
		Dir:  target.ModuleRoot(),
	}
}
