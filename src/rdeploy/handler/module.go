// Package handler turns a command line invocation into work run for the lifetime of the Fx application.
package handler

import (
	"context"
	"fmt"

	"github.com/homeauto/rdeploy/src/rdeploy/controller"
	"github.com/homeauto/rdeploy/src/rdeploy/controller/orchestrator"
	"github.com/homeauto/rdeploy/src/rdeploy/controller/relay"
	"github.com/homeauto/rdeploy/src/rdeploy/controller/remotetask"
	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Commands accepted in Mode.Command.
const (
	CommandWatch   = "watch"
	CommandRelay   = "relay"
	CommandRun     = "run"
	CommandClean   = "clean"
	CommandInstall = "install"
)

// Module provides the controllers and registers the work selected by Mode.
var Module = fx.Options(
	controller.Module,
	fx.Invoke(register),
)

// Mode selects what the application does once started.
type Mode struct {
	Command string
	// Args are passed through to the install command.
	Args []string
}

// Params are the dependencies of register.
type Params struct {
	fx.In

	Mode         Mode
	Lifecycle    fx.Lifecycle
	Shutdowner   fx.Shutdowner
	Config       config.Provider
	Target       entity.RemoteTarget
	Local        entity.LocalConfig
	Orchestrator orchestrator.Orchestrator
	Relay        relay.Relay
	Tasks        remotetask.Controller
	Logger       *zap.SugaredLogger
}

func register(p Params) error {
	var jobs []job
	switch p.Mode.Command {
	case CommandWatch:
		if err := registerPidFile(p.Config, p.Lifecycle, p.Logger); err != nil {
			return err
		}
		jobs = append(jobs, job{name: "deploy", run: func(ctx context.Context) error {
			return p.Orchestrator.Run(ctx, p.Target, p.Local.ModulePath())
		}})
		if p.Relay.Enabled() {
			jobs = append(jobs, job{name: "relay", run: func(ctx context.Context) error {
				return p.Relay.Run(ctx, p.Target)
			}})
		}
	case CommandRelay:
		jobs = append(jobs, job{name: "relay", run: func(ctx context.Context) error {
			return p.Relay.Run(ctx, p.Target)
		}})
	case CommandRun:
		jobs = append(jobs, job{name: "run", run: func(ctx context.Context) error {
			return p.Tasks.RunOnce(ctx, p.Target)
		}})
	case CommandClean:
		jobs = append(jobs, job{name: "clean", run: func(ctx context.Context) error {
			return p.Tasks.Clean(ctx, p.Target)
		}})
	case CommandInstall:
		jobs = append(jobs, job{name: "install", run: func(ctx context.Context) error {
			return p.Tasks.Install(ctx, p.Target, p.Local.ModulePath(), p.Mode.Args)
		}})
	default:
		return fmt.Errorf("unknown command %q", p.Mode.Command)
	}

	runJobs(p.Lifecycle, p.Shutdowner, p.Logger, jobs...)
	return nil
}
