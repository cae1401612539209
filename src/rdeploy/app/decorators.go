package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/homeauto/rdeploy/src/rdeploy/internal/core"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/fs"
	"go.uber.org/config"
	"go.uber.org/fx"
)

// Context describes where rdeploy is running.
type Context struct {
	Environment        string `yaml:"environment"`
	RuntimeEnvironment string `yaml:"runtimeEnvironment"`
}

const (
	// EnvLocal indicates a developer machine.
	EnvLocal = "local"

	// EnvCI indicates an automated pipeline.
	EnvCI = "ci"

	// Environment variables
	_envRdeployEnvironment = "RDEPLOY_ENVIRONMENT"
)

func decorateEnvContext(env Context) Context {
	envValue := EnvLocal
	if os.Getenv(_envRdeployEnvironment) == EnvCI {
		envValue = EnvCI
	}

	env.Environment = envValue
	env.RuntimeEnvironment = envValue
	return env
}

// DecorateConfigParams is the set of dependencies required to decorate the config.Provider.
type DecorateConfigParams struct {
	fx.In

	Cfg config.Provider
	FS  fs.DeployFS
}

// decorateConfigProvider runs the startup steps that depend on configuration before anything else reads it.
func decorateConfigProvider(p DecorateConfigParams) (config.Provider, error) {
	combined, err := ensureLogFolder(p.Cfg, p.FS)
	if err != nil {
		return nil, fmt.Errorf("ensuring log folder: %v", err)
	}

	return combined, nil
}

// Ensure that all configured logging output directories exist or create if necessary.
func ensureLogFolder(cfg config.Provider, fs fs.DeployFS) (config.Provider, error) {
	var c core.LoggingConfig
	if err := cfg.Get("logging").Populate(&c); err != nil {
		return nil, fmt.Errorf("loading logging config: %v", err)
	}

	for _, outputPath := range c.OutputPaths {
		if outputPath == "stdout" || outputPath == "stderr" {
			continue
		}
		if err := fs.MkdirAll(filepath.Dir(outputPath)); err != nil {
			return nil, fmt.Errorf("creating logging directory: %v", err)
		}
	}

	return cfg, nil
}
