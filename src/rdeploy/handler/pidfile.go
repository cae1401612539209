package handler

import (
	"context"
	"fmt"

	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/pidfile"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// registerPidFile guards the pid file configured under `pidFile` for the lifetime of the application.
// A live previous instance stops this one unless the mode is "kill".
func registerPidFile(cfg config.Provider, lc fx.Lifecycle, logger *zap.SugaredLogger) error {
	pidCfg := entity.PidFileConfig{Mode: "die"}
	if err := cfg.Get(entity.PidFileKey).Populate(&pidCfg); err != nil {
		return fmt.Errorf("getting config field %q: %w", entity.PidFileKey, err)
	}
	if pidCfg.Path == "" {
		return nil
	}
	mode, err := pidfile.ParseMode(pidCfg.Mode)
	if err != nil {
		return err
	}

	guard := pidfile.New(pidCfg.Path, logger.Named("pidfile"))
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return guard.Acquire(mode)
		},
		OnStop: func(context.Context) error {
			return guard.Release()
		},
	})
	return nil
}
