// Package orchestrator keeps one remote daemon in sync with the local module it is built from.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/homeauto/rdeploy/src/rdeploy/controller/builder"
	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"github.com/homeauto/rdeploy/src/rdeploy/gateway/remote"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/clock"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/fs"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/observer"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/serverinfofile"
	"github.com/homeauto/rdeploy/src/rdeploy/repository/process"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// DefaultDeployConfig is used for every key missing from the `deploy` configuration section.
func DefaultDeployConfig() entity.DeployConfig {
	return entity.DeployConfig{
		Debounce:    200 * time.Millisecond,
		StopTimeout: 5 * time.Second,
		SyncOnStart: true,
		Manifests:   []string{"package.json", "yarn.lock"},
		Install: entity.CommandConfig{
			Command: "yarn",
			Args:    []string{"install", "--production", "--non-interactive", "--network-concurrency", "1", "--no-progress"},
		},
		Start: entity.CommandConfig{
			Command: "node",
			Args:    []string{"."},
		},
	}
}

// Orchestrator runs a deployment until its context ends or the remote session fails.
type Orchestrator interface {
	Run(ctx context.Context, target entity.RemoteTarget, localPath string) error
}

// Params are the dependencies of New.
type Params struct {
	fx.In

	Config     config.Provider
	Dialer     remote.Dialer
	Builder    builder.Watcher
	FS         fs.DeployFS
	Clock      clock.Clock
	ServerInfo serverinfofile.ServerInfoFile
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

type orchestrator struct {
	cfg        entity.DeployConfig
	dialer     remote.Dialer
	builder    builder.Watcher
	fs         fs.DeployFS
	clock      clock.Clock
	serverInfo serverinfofile.ServerInfoFile
	logger     *zap.SugaredLogger
	stats      tally.Scope
}

// New creates an Orchestrator from the `deploy` configuration section.
func New(p Params) (Orchestrator, error) {
	cfg := DefaultDeployConfig()
	if err := p.Config.Get(entity.DeployConfigKey).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", entity.DeployConfigKey, err)
	}
	if len(cfg.Manifests) == 0 {
		return nil, fmt.Errorf("%s.manifests must list at least one file", entity.DeployConfigKey)
	}

	return &orchestrator{
		cfg:        cfg,
		dialer:     p.Dialer,
		builder:    p.Builder,
		fs:         p.FS,
		clock:      p.Clock,
		serverInfo: p.ServerInfo,
		logger:     p.Logger.Named("deploy"),
		stats:      p.Stats.SubScope("deploy"),
	}, nil
}

// Run validates the local module, connects, and then keeps the remote process in sync until ctx ends.
// It returns nil on cancellation and an error for setup failures or a lost session.
func (o *orchestrator) Run(ctx context.Context, target entity.RemoteTarget, localPath string) error {
	project, err := o.builder.Prepare(localPath)
	if err != nil {
		return err
	}

	manifests := make([]string, 0, len(o.cfg.Manifests))
	for _, name := range o.cfg.Manifests {
		p := filepath.Join(project.ModuleDir, filepath.FromSlash(name))
		ok, err := o.fs.FileExists(p)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: dependency manifest %s not found", errors.InvalidDirectoryError, p)
		}
		manifests = append(manifests, p)
	}

	obs, err := observer.New(manifests, o.logger.Named("manifests"), observer.Options{
		Debounce:    o.cfg.Debounce,
		EmitInitial: o.cfg.SyncOnStart,
		Clock:       o.clock,
	})
	if err != nil {
		return err
	}

	sess, err := o.dialer.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ConnectionFailedError, err)
	}
	if err := o.serverInfo.UpdateField(serverinfofile.FieldRemoteTarget, target.String()); err != nil {
		o.logger.Warnw("updating server info file", "error", err)
	}

	if err := sess.MkdirAll(ctx, target.ModuleRoot()); err != nil {
		sess.Close()
		return fmt.Errorf("creating remote module root: %w", err)
	}

	d := &deployment{
		orchestrator: o,
		target:       target,
		project:      project,
		manifests:    manifests,
		observer:     obs,
		session:      sess,
		gate:         newGate(o.logger),
		restarts:     make(chan struct{}, 1),
		supervisor: &supervisor{
			session:     sess,
			processes:   process.New(o.stats),
			target:      target,
			command:     o.cfg.Start,
			stopTimeout: o.cfg.StopTimeout,
			clock:       o.clock,
			logger:      o.logger,
			stats:       o.stats,
		},
	}
	if !o.cfg.SyncOnStart {
		d.gate.markSeen(dependencyStream)
	}
	return d.run(ctx)
}
