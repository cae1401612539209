package core

import (
	"fmt"
	"os"
	"path/filepath"

	uber_config "go.uber.org/config"
	"go.uber.org/fx"
)

// ConfigDirEnv names the environment variable holding the configuration directory.
const ConfigDirEnv = "RDEPLOY_CONFIG_DIR"

const (
	_defaultConfigDir = "src/rdeploy/config"
	_metaFile         = "meta.yaml"
)

// ConfigModule provides the merged config.Provider.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

// Config is the provider assembled from the files listed in meta.yaml.
type Config struct {
	provider uber_config.Provider
}

func (c Config) Get(path string) uber_config.Value {
	return c.provider.Get(path)
}

func (c Config) Name() string {
	return "config"
}

// NewConfig loads every file listed under `files` in meta.yaml, in order, so later files override earlier ones.
// Files that do not exist are skipped, which keeps local.yaml optional.
func NewConfig() (uber_config.Provider, error) {
	configDir := getConfigDir()

	files, err := listConfigFiles(configDir)
	if err != nil {
		return nil, err
	}

	options := make([]uber_config.YAMLOption, 0, len(files)+1)
	for _, file := range files {
		options = append(options, uber_config.File(file))
	}
	options = append(options, uber_config.Expand(os.LookupEnv))

	provider, err := uber_config.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return Config{provider: provider}, nil
}

func listConfigFiles(configDir string) ([]string, error) {
	meta, err := uber_config.NewYAML(
		uber_config.File(filepath.Join(configDir, _metaFile)),
		uber_config.Expand(os.LookupEnv),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load meta configuration: %w", err)
	}

	var names []string
	if err := meta.Get("files").Populate(&names); err != nil {
		return nil, fmt.Errorf("failed to read files list from %s: %w", _metaFile, err)
	}

	var existing []string
	for _, name := range names {
		fullPath := filepath.Join(configDir, name)
		if _, err := os.Stat(fullPath); err == nil {
			existing = append(existing, fullPath)
		}
	}

	if len(existing) == 0 {
		return nil, fmt.Errorf("no configuration files found in %s", configDir)
	}
	return existing, nil
}

// getConfigDir returns the path to the configuration directory
func getConfigDir() string {
	if configDir := os.Getenv(ConfigDirEnv); configDir != "" {
		return configDir
	}

	// Relative to the working directory, which is the repository root when run from source.
	return _defaultConfigDir
}
