package orchestrator

import (
	"context"
	"path"
	"path/filepath"
	"time"

	"github.com/homeauto/rdeploy/src/rdeploy/controller/builder"
	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"github.com/homeauto/rdeploy/src/rdeploy/gateway/remote"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/observer"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/outputwriter"
	"github.com/homeauto/rdeploy/src/rdeploy/mapper"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// _shutdownGrace pads the stop deadline on the way out, which covers a SIGTERM wait and a kill wait.
const _shutdownGrace = time.Second

// deployment is the state of a single Run.
type deployment struct {
	*orchestrator

	target     entity.RemoteTarget
	project    builder.Project
	manifests  []string
	observer   *observer.Observer
	session    remote.Session
	gate       *gate
	supervisor *supervisor
	restarts   chan struct{}
}

func (d *deployment) run(ctx context.Context) error {
	d.logger.Infow("deploying", "target", d.target.String(), "module", d.project.ModuleDir)

	builds := make(chan builder.Event)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.observer.Run(gctx) })
	g.Go(func() error { return d.watchDependencies(gctx) })
	g.Go(func() error { return d.builder.Watch(gctx, d.project, builds) })
	g.Go(func() error { return d.consumeBuilds(gctx, builds) })
	g.Go(func() error { return d.restartLoop(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-d.session.Done():
			if err := d.session.Err(); err != nil {
				return err
			}
			return &errors.TransportError{Op: "connection closed", Err: errors.New("session ended")}
		}
	})
	err := g.Wait()

	select {
	case <-d.session.Done():
	default:
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*d.cfg.StopTimeout+_shutdownGrace)
		if stopErr := d.supervisor.Stop(stopCtx); stopErr != nil {
			d.logger.Warnw("stopping remote process on shutdown", "error", stopErr)
		}
		cancel()
	}

	if err != nil {
		d.logger.Errorw("deployment stopped", "error", err)
	}
	return multierr.Append(err, d.session.Close())
}

// watchDependencies runs a dependency cycle for every manifest change.
func (d *deployment) watchDependencies(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.observer.Changes():
			if err := d.syncDependencies(ctx); err != nil {
				return err
			}
		case err := <-d.observer.Errors():
			d.stats.Counter("observer_errors").Inc(1)
			d.logger.Debugw("manifest observer error", "error", err)
		}
	}
}

// syncDependencies stops the process, uploads the manifests and installs. Only a transport failure is returned;
// anything else fails the cycle, which keeps the gate from restarting on its account.
func (d *deployment) syncDependencies(ctx context.Context) (err error) {
	d.gate.begin(dependencyStream)
	ok := false
	defer func() {
		if d.gate.finish(dependencyStream, ok) {
			d.requestRestart()
		}
	}()

	if err := d.supervisor.Stop(ctx); err != nil {
		return d.fatal(ctx, err)
	}

	for _, local := range d.manifests {
		remotePath := d.target.RemotePath(path.Base(filepath.ToSlash(local)))
		if err := d.session.PutFile(ctx, local, remotePath); err != nil {
			if fatal := d.fatal(ctx, err); fatal != nil || ctx.Err() != nil {
				return fatal
			}
			d.stats.Counter("manifest_failures").Inc(1)
			d.logger.Errorw("uploading dependency manifest, skipping install", "file", local, "error", err)
			return nil
		}
	}

	out := d.logger.Desugar().Named("install").Sugar()
	stdout := outputwriter.New(out, "stdout", zapcore.InfoLevel)
	stderr := outputwriter.New(out, "stderr", zapcore.WarnLevel)
	err = d.session.Run(ctx, remote.Command{
		Name:   d.cfg.Install.Command,
		Args:   d.cfg.Install.Args,
		Dir:    d.target.ModuleRoot(),
		Stdout: stdout,
		Stderr: stderr,
	})
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		if fatal := d.fatal(ctx, err); fatal != nil || ctx.Err() != nil {
			return fatal
		}
		d.stats.Counter("install_failures").Inc(1)
		d.logger.Errorw("installing dependencies", "error", err)
		return nil
	}

	d.stats.Counter("installs").Inc(1)
	d.logger.Infow("dependencies installed")
	ok = true
	return nil
}

func (d *deployment) consumeBuilds(ctx context.Context, builds <-chan builder.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-builds:
			if err := d.handleBuild(ctx, e); err != nil {
				return err
			}
		}
	}
}

func (d *deployment) handleBuild(ctx context.Context, e builder.Event) error {
	switch e.Kind {
	case builder.BuildStarted:
		d.gate.begin(sourceStream)
		if err := d.supervisor.Stop(ctx); err != nil {
			return d.fatal(ctx, err)
		}
	case builder.BuildSucceeded:
		ok, err := d.syncOutput(ctx, e.Output)
		if d.gate.finish(sourceStream, ok) {
			d.requestRestart()
		}
		return err
	case builder.BuildFailed:
		d.stats.Counter("build_failures").Inc(1)
		d.logger.Warnw("build failed, not syncing", "error", e.Err)
		if d.gate.finish(sourceStream, false) {
			d.requestRestart()
		}
	}
	return nil
}

// syncOutput writes a successful build to the remote module root. Directories are created in one command
// before any file is written. A file that fails to write is logged and the rest of the batch continues.
func (d *deployment) syncOutput(ctx context.Context, out entity.BuildOutput) (bool, error) {
	out = mapper.SubstituteRemoteConfig(out)
	dirs := mapper.RemoteDirectories(d.target, mapper.MinimalDirectories(out.Paths()))
	if err := d.session.MkdirAll(ctx, dirs...); err != nil {
		if fatal := d.fatal(ctx, err); fatal != nil {
			return false, fatal
		}
		d.logger.Errorw("creating remote directories", "dirs", dirs, "error", err)
		return false, nil
	}

	failed := 0
	for _, f := range out {
		if err := d.session.WriteFile(ctx, d.target.RemotePath(f.Path), f.Content); err != nil {
			if fatal := d.fatal(ctx, err); fatal != nil {
				return false, fatal
			}
			if ctx.Err() != nil {
				return false, nil
			}
			failed++
			d.logger.Errorw("writing file", "file", f.Path, "error", err)
		}
	}

	d.stats.Counter("files_written").Inc(int64(len(out) - failed))
	d.stats.Counter("files_failed").Inc(int64(failed))
	d.logger.Infow("build synced", "files", len(out), "failed", failed, "dirs", len(dirs))
	return true, nil
}

func (d *deployment) requestRestart() {
	select {
	case d.restarts <- struct{}{}:
	default:
	}
}

func (d *deployment) restartLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.restarts:
			restarted, err := d.supervisor.Restart(ctx, d.gate.claimRestart)
			if err != nil {
				if fatal := d.fatal(ctx, err); fatal != nil {
					return fatal
				}
				d.logger.Errorw("restarting remote process", "error", err)
			} else if restarted {
				d.logger.Infow("remote process restarted")
			}
		}
	}
}

// fatal filters an error down to the ones that must end the deployment.
func (d *deployment) fatal(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.IsTransport(err) {
		return err
	}
	return nil
}
