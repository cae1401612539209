package app

import (
	"context"
	"time"

	"github.com/homeauto/rdeploy/src/rdeploy/gateway/remote"
	"github.com/homeauto/rdeploy/src/rdeploy/handler"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/clock"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/core"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/executor"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/fs"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/serverinfofile"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"
)

// Module defines the rdeploy application module. The handler.Mode selecting the work must be supplied separately.
var Module = fx.Options(
	remote.Module, // outbounds
	handler.Module,
	fs.Module,
	clock.Module,
	executor.Module,
	serverinfofile.Module,
	core.ConfigModule,
	core.LoggerModule,
	fx.Provide(func(lc fx.Lifecycle, env Context) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Prefix: "rdeploy",
			Tags: map[string]string{
				"environment": env.Environment,
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	fx.Decorate(decorateEnvContext),
	fx.Decorate(decorateConfigProvider),
	fx.Provide(func() Context {
		return Context{
			Environment:        EnvLocal,
			RuntimeEnvironment: EnvLocal,
		}
	}),
)
