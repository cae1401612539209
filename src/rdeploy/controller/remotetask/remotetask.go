// Package remotetask holds the one-shot remote operations: clean, install and run.
package remotetask

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/homeauto/rdeploy/src/rdeploy/controller/orchestrator"
	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"github.com/homeauto/rdeploy/src/rdeploy/gateway/remote"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/fs"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/outputwriter"
	"github.com/homeauto/rdeploy/src/rdeploy/mapper"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

const _lockfile = "yarn.lock"

// Controller runs single remote operations, each over its own session.
type Controller interface {
	// Clean removes the remote deployment directory.
	Clean(ctx context.Context, target entity.RemoteTarget) error
	// Install uploads the dependency manifests, runs yarn for the module and copies the manifests back.
	Install(ctx context.Context, target entity.RemoteTarget, localPath string, args []string) error
	// RunOnce starts the remote daemon and streams its output until it exits or ctx ends.
	RunOnce(ctx context.Context, target entity.RemoteTarget) error
}

// Params are the dependencies of New.
type Params struct {
	fx.In

	Config config.Provider
	Dialer remote.Dialer
	FS     fs.DeployFS
	Logger *zap.SugaredLogger
	Stats  tally.Scope
}

type controller struct {
	cfg    entity.DeployConfig
	dialer remote.Dialer
	fs     fs.DeployFS
	logger *zap.SugaredLogger
	stats  tally.Scope
}

// New creates a Controller. It reads the manifest list and start command from the `deploy` section.
func New(p Params) (Controller, error) {
	cfg := orchestrator.DefaultDeployConfig()
	if err := p.Config.Get(entity.DeployConfigKey).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", entity.DeployConfigKey, err)
	}

	return &controller{
		cfg:    cfg,
		dialer: p.Dialer,
		fs:     p.FS,
		logger: p.Logger.Named("task"),
		stats:  p.Stats.SubScope("task"),
	}, nil
}

func (c *controller) Clean(ctx context.Context, target entity.RemoteTarget) error {
	if target.Directory == "" {
		return errors.RefuseCleanError
	}

	return c.withSession(ctx, target, func(sess remote.Session) error {
		c.logger.Infow("removing remote directory", "target", target.String(), "directory", target.Directory)
		if err := sess.RemoveAll(ctx, target.Directory); err != nil {
			return fmt.Errorf("removing %s: %w", target.Directory, err)
		}
		c.stats.Counter("cleans").Inc(1)
		return nil
	})
}

func (c *controller) Install(ctx context.Context, target entity.RemoteTarget, localPath string, args []string) error {
	locals := make(map[string]string, len(c.cfg.Manifests))
	for _, name := range c.cfg.Manifests {
		p := filepath.Join(localPath, filepath.FromSlash(name))
		ok, err := c.fs.FileExists(p)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: dependency manifest %s not found", errors.InvalidDirectoryError, p)
		}
		locals[name] = p
	}

	var lockBefore []byte
	if p, ok := locals[_lockfile]; ok {
		b, err := c.fs.ReadFile(p)
		if err != nil {
			return err
		}
		lockBefore = b
	}

	return c.withSession(ctx, target, func(sess remote.Session) error {
		if err := sess.MkdirAll(ctx, target.ModuleRoot()); err != nil {
			return fmt.Errorf("creating remote module root: %w", err)
		}
		for _, name := range c.cfg.Manifests {
			if err := sess.PutFile(ctx, locals[name], target.RemotePath(name)); err != nil {
				return fmt.Errorf("uploading %s: %w", name, err)
			}
		}

		cmd := remote.Command{
			Name: "yarn",
			Args: append([]string{"--cwd", target.ModuleDir, "--non-interactive"}, args...),
			Dir:  target.Directory,
		}
		runErr := c.stream(ctx, sess, "yarn", cmd)
		if code, ok := errors.ExitCode(runErr); ok {
			c.logger.Warnw("yarn exited with non-zero code", "code", code)
		} else if runErr != nil {
			return runErr
		}

		// yarn may rewrite the manifests, so the remote copies become the local ones.
		for _, name := range c.cfg.Manifests {
			if err := sess.GetFile(ctx, target.RemotePath(name), locals[name]); err != nil {
				return multierr.Append(runErr, fmt.Errorf("downloading %s: %w", name, err))
			}
		}
		if p, ok := locals[_lockfile]; ok {
			c.logLockfileChange(p, lockBefore)
		}

		c.stats.Counter("installs").Inc(1)
		return runErr
	})
}

func (c *controller) logLockfileChange(p string, before []byte) {
	after, err := c.fs.ReadFile(p)
	if err != nil {
		c.logger.Warnw("reading updated lockfile", "file", p, "error", err)
		return
	}
	added, removed := mapper.LineDiff(string(before), string(after))
	if added == 0 && removed == 0 {
		c.logger.Infow("lockfile unchanged", "file", p)
		return
	}
	c.logger.Infow("lockfile updated", "file", p, "added", added, "removed", removed)
}

func (c *controller) RunOnce(ctx context.Context, target entity.RemoteTarget) error {
	return c.withSession(ctx, target, func(sess remote.Session) error {
		name := target.ServiceName
		if name == "" {
			name = path.Base(target.ModuleDir)
		}
		err := c.stream(ctx, sess, name, remote.Command{
			Name: c.cfg.Start.Command,
			Args: c.cfg.Start.Args,
			Dir:  target.ModuleRoot(),
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}

// stream runs cmd with its output logged line by line under the given logger name.
func (c *controller) stream(ctx context.Context, sess remote.Session, name string, cmd remote.Command) error {
	out := c.logger.Desugar().Named(name).Sugar()
	stdout := outputwriter.New(out, "stdout", zapcore.InfoLevel)
	stderr := outputwriter.New(out, "stderr", zapcore.WarnLevel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	c.logger.Infow("running remote command", "command", cmd.String())
	err := sess.Run(ctx, cmd)
	stdout.Flush()
	stderr.Flush()
	return err
}

func (c *controller) withSession(ctx context.Context, target entity.RemoteTarget, fn func(remote.Session) error) (err error) {
	sess, err := c.dialer.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ConnectionFailedError, err)
	}
	defer func() {
		err = multierr.Append(err, sess.Close())
	}()
	return fn(sess)
}
