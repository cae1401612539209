package controller

import (
	"fmt"

	"github.com/homeauto/rdeploy/src/rdeploy/controller/builder"
	"github.com/homeauto/rdeploy/src/rdeploy/controller/orchestrator"
	"github.com/homeauto/rdeploy/src/rdeploy/controller/relay"
	"github.com/homeauto/rdeploy/src/rdeploy/controller/remotetask"
	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"go.uber.org/config"
	"go.uber.org/fx"
)

// Module provides every controller along with the deployment target read from configuration.
var Module = fx.Options(
	builder.Module,
	orchestrator.Module,
	relay.Module,
	remotetask.Module,
	fx.Provide(newLocalConfig),
	fx.Provide(newRemoteTarget),
)

func newLocalConfig(cfg config.Provider) (entity.LocalConfig, error) {
	local := entity.LocalConfig{BasePath: ".", ModuleDir: "daemon"}
	if err := cfg.Get(entity.LocalConfigKey).Populate(&local); err != nil {
		return entity.LocalConfig{}, fmt.Errorf("getting config field %q: %w", entity.LocalConfigKey, err)
	}
	return local, nil
}

func newRemoteTarget(cfg config.Provider, local entity.LocalConfig) (entity.RemoteTarget, error) {
	var remote entity.RemoteConfig
	if err := cfg.Get(entity.RemoteConfigKey).Populate(&remote); err != nil {
		return entity.RemoteTarget{}, fmt.Errorf("getting config field %q: %w", entity.RemoteConfigKey, err)
	}
	if remote.Connect.Host == "" {
		return entity.RemoteTarget{}, fmt.Errorf("%s.connect.host is required", entity.RemoteConfigKey)
	}
	return entity.NewRemoteTarget(remote, local), nil
}
