// Package builder compiles the local module and reports compile passes as events.
package builder

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/clock"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/executor"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/fs"
	"github.com/tidwall/jsonc"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_defaultConfigName = "tsconfig.json"
	_defaultDebounce   = 200 * time.Millisecond
)

var (
	_defaultCompiler = entity.CommandConfig{
		Command: "npx",
		Args:    []string{"tsc", "--project", "{config}", "--outDir", "{outDir}", "--rootDir", "{rootDir}"},
	}
	_defaultIgnore = []string{"node_modules"}
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// EventKind tells which step of a compile pass an Event reports.
type EventKind int

const (
	// BuildStarted is sent before the compiler runs.
	BuildStarted EventKind = iota
	// BuildSucceeded carries the complete output of the pass.
	BuildSucceeded
	// BuildFailed carries the compiler error.
	BuildFailed
)

func (k EventKind) String() string {
	switch k {
	case BuildStarted:
		return "started"
	case BuildSucceeded:
		return "succeeded"
	case BuildFailed:
		return "failed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event reports one step of a compile pass. Every BuildStarted is followed by exactly one
// BuildSucceeded or BuildFailed.
type Event struct {
	Kind   EventKind
	Output entity.BuildOutput
	Err    error
}

// Project is a validated local module ready to be compiled.
type Project struct {
	ModuleDir  string
	ConfigPath string
	// RootDir is the source tree that is watched.
	RootDir string
	// OutDir is the configured output directory. Empty when the compiler writes next to the sources.
	OutDir string
	// OutputPrefix is the module-relative directory compiled files are deployed under.
	OutputPrefix string
}

// Watcher compiles a project whenever its sources change.
type Watcher interface {
	// Prepare validates the local module and locates its compiler configuration.
	Prepare(localPath string) (Project, error)
	// Compile runs a single compile pass.
	Compile(ctx context.Context, p Project) (entity.BuildOutput, error)
	// Watch compiles once, then again after every settled batch of source changes, until ctx is done.
	Watch(ctx context.Context, p Project, events chan<- Event) error
}

// Params are the dependencies of New.
type Params struct {
	fx.In

	Config   config.Provider
	FS       fs.DeployFS
	Executor executor.Executor
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
	Stats    tally.Scope
}

type watcher struct {
	cfg      entity.BuildConfig
	fs       fs.DeployFS
	executor executor.Executor
	clock    clock.Clock
	logger   *zap.SugaredLogger
	stats    tally.Scope
}

// New creates a Watcher from the `build` configuration section.
func New(p Params) (Watcher, error) {
	var cfg entity.BuildConfig
	if err := p.Config.Get(entity.BuildConfigKey).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", entity.BuildConfigKey, err)
	}
	if cfg.ConfigName == "" {
		cfg.ConfigName = _defaultConfigName
	}
	if cfg.Compiler.Command == "" {
		cfg.Compiler = _defaultCompiler
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = _defaultDebounce
	}
	if len(cfg.Ignore) == 0 {
		cfg.Ignore = _defaultIgnore
	}

	return &watcher{
		cfg:      cfg,
		fs:       p.FS,
		executor: p.Executor,
		clock:    p.Clock,
		logger:   p.Logger.Named("build"),
		stats:    p.Stats.SubScope("build"),
	}, nil
}

type compilerOptions struct {
	CompilerOptions struct {
		OutDir  string `json:"outDir"`
		RootDir string `json:"rootDir"`
	} `json:"compilerOptions"`
}

func (w *watcher) Prepare(localPath string) (Project, error) {
	moduleDir, err := filepath.Abs(localPath)
	if err != nil {
		return Project{}, err
	}
	ok, err := w.fs.DirExists(moduleDir)
	if err != nil {
		return Project{}, err
	}
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", errors.InvalidDirectoryError, localPath)
	}

	configPath, err := w.fs.FindUp(moduleDir, w.cfg.ConfigName)
	if err != nil {
		if stderr.Is(err, os.ErrNotExist) {
			return Project{}, fmt.Errorf("%w: no %s in %s or its parents", errors.MissingBuildConfigError, w.cfg.ConfigName, moduleDir)
		}
		return Project{}, err
	}

	content, err := w.fs.ReadFile(configPath)
	if err != nil {
		return Project{}, err
	}
	var opts compilerOptions
	if err := json.Unmarshal(jsonc.ToJSON(content), &opts); err != nil {
		return Project{}, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	configDir := filepath.Dir(configPath)
	p := Project{
		ModuleDir:  moduleDir,
		ConfigPath: configPath,
		RootDir:    resolve(configDir, opts.CompilerOptions.RootDir),
	}
	deployed := p.RootDir
	if opts.CompilerOptions.OutDir != "" {
		p.OutDir = resolve(configDir, opts.CompilerOptions.OutDir)
		deployed = p.OutDir
	}

	prefix, err := filepath.Rel(moduleDir, deployed)
	if err != nil || prefix == ".." || strings.HasPrefix(prefix, ".."+string(filepath.Separator)) {
		return Project{}, fmt.Errorf("%w: compiled output %s is outside the module %s", errors.InvalidDirectoryError, deployed, moduleDir)
	}
	p.OutputPrefix = filepath.ToSlash(prefix)

	w.logger.Infow("build configuration", "config", configPath, "rootDir", p.RootDir, "outDir", p.OutDir, "prefix", p.OutputPrefix)
	return p, nil
}

func resolve(base, p string) string {
	if p == "" {
		return base
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}
