package builder

import (
	"context"
	stderr "errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/clock"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/executor"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

// _fakeCompiler copies every .ts file of the root dir to outDir as .js and fails on a file containing ERROR.
const _fakeCompiler = `set -e
for f in "$2"/*.ts; do
  [ -e "$f" ] || continue
  if grep -q ERROR "$f"; then echo "$f: error TS1005" ; exit 2; fi
  cp "$f" "$1/$(basename "$f" .ts).js"
done
if [ -f "$2/config.remote.ts" ]; then mkdir -p "$1/nested"; echo nested > "$1/nested/index.js"; fi
`

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newWatcher(t *testing.T, build map[string]interface{}) Watcher {
	cfg, err := config.NewStaticProvider(map[string]interface{}{entity.BuildConfigKey: build})
	require.NoError(t, err)

	w, err := New(Params{
		Config:   cfg,
		FS:       fs.New(),
		Executor: executor.NewExecutor(),
		Clock:    clock.New(),
		Logger:   zaptest.NewLogger(t).Sugar(),
		Stats:    tally.NoopScope,
	})
	require.NoError(t, err)
	return w
}

func fakeCompilerConfig(t *testing.T) map[string]interface{} {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh available")
	}
	return map[string]interface{}{
		"debounce": "50ms",
		"compiler": map[string]interface{}{
			"command": "sh",
			"args":    []string{"-c", _fakeCompiler, "fake-tsc", "{outDir}", "{rootDir}"},
		},
	}
}

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const _tsconfig = `{
  // compiled by the daemon build
  "compilerOptions": {
    "outDir": "lib",
    "rootDir": "src", /* sources */
  },
}`

func TestNewDefaults(t *testing.T) {
	w := newWatcher(t, map[string]interface{}{}).(*watcher)
	assert.Equal(t, "tsconfig.json", w.cfg.ConfigName)
	assert.Equal(t, _defaultCompiler, w.cfg.Compiler)
	assert.Equal(t, _defaultDebounce, w.cfg.Debounce)
	assert.Equal(t, []string{"node_modules"}, w.cfg.Ignore)
}

func TestPrepare(t *testing.T) {
	w := newWatcher(t, map[string]interface{}{})

	t.Run("missing module directory", func(t *testing.T) {
		_, err := w.Prepare(filepath.Join(t.TempDir(), "daemon"))
		assert.True(t, stderr.Is(err, errors.InvalidDirectoryError), "got %v", err)
	})

	t.Run("config with comments in module", func(t *testing.T) {
		module := t.TempDir()
		writeFile(t, filepath.Join(module, "tsconfig.json"), _tsconfig)

		p, err := w.Prepare(module)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(module, "tsconfig.json"), p.ConfigPath)
		assert.Equal(t, filepath.Join(module, "src"), p.RootDir)
		assert.Equal(t, filepath.Join(module, "lib"), p.OutDir)
		assert.Equal(t, "lib", p.OutputPrefix)
	})

	t.Run("config found in parent", func(t *testing.T) {
		base := t.TempDir()
		module := filepath.Join(base, "daemon")
		require.NoError(t, os.MkdirAll(module, 0o755))
		writeFile(t, filepath.Join(base, "tsconfig.json"), `{"compilerOptions": {"outDir": "daemon/build"}}`)

		p, err := w.Prepare(module)
		require.NoError(t, err)
		assert.Equal(t, base, p.RootDir)
		assert.Equal(t, "build", p.OutputPrefix)
	})

	t.Run("no outDir emits next to sources", func(t *testing.T) {
		module := t.TempDir()
		writeFile(t, filepath.Join(module, "tsconfig.json"), `{"compilerOptions": {}}`)

		p, err := w.Prepare(module)
		require.NoError(t, err)
		assert.Equal(t, ".", p.OutputPrefix)
		assert.Empty(t, p.OutDir)
	})

	t.Run("output outside module", func(t *testing.T) {
		base := t.TempDir()
		module := filepath.Join(base, "daemon")
		require.NoError(t, os.MkdirAll(module, 0o755))
		writeFile(t, filepath.Join(base, "tsconfig.json"), `{"compilerOptions": {"outDir": "dist"}}`)

		_, err := w.Prepare(module)
		assert.True(t, stderr.Is(err, errors.InvalidDirectoryError), "got %v", err)
	})

	t.Run("malformed config", func(t *testing.T) {
		module := t.TempDir()
		writeFile(t, filepath.Join(module, "tsconfig.json"), `{"compilerOptions": [}`)

		_, err := w.Prepare(module)
		assert.ErrorContains(t, err, "parsing")
	})

	t.Run("missing config", func(t *testing.T) {
		custom := newWatcher(t, map[string]interface{}{"configName": "tsconfig.rdeploy-test-missing.json"})
		_, err := custom.Prepare(t.TempDir())
		assert.True(t, stderr.Is(err, errors.MissingBuildConfigError), "got %v", err)
	})
}

func TestCompile(t *testing.T) {
	w := newWatcher(t, fakeCompilerConfig(t))
	module := t.TempDir()
	writeFile(t, filepath.Join(module, "tsconfig.json"), _tsconfig)
	writeFile(t, filepath.Join(module, "src/main.ts"), "main")
	writeFile(t, filepath.Join(module, "src/config.remote.ts"), "remote")

	p, err := w.Prepare(module)
	require.NoError(t, err)

	out, err := w.Compile(context.Background(), p)
	require.NoError(t, err)
	assert.ElementsMatch(t, entity.BuildOutput{
		{Path: "lib/config.remote.js", Content: []byte("remote")},
		{Path: "lib/main.js", Content: []byte("main")},
		{Path: "lib/nested/index.js", Content: []byte("nested\n")},
	}, out)

	writeFile(t, filepath.Join(module, "src/main.ts"), "ERROR")
	_, err = w.Compile(context.Background(), p)
	assert.ErrorContains(t, err, "compiler exited with code 2")
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	select {
	case e := <-events:
		return e
	case <-time.After(5 * time.Second):
		require.Fail(t, "no build event")
	}
	return Event{}
}

func TestWatch(t *testing.T) {
	w := newWatcher(t, fakeCompilerConfig(t))
	module := t.TempDir()
	writeFile(t, filepath.Join(module, "tsconfig.json"), _tsconfig)
	writeFile(t, filepath.Join(module, "src/main.ts"), "main")
	require.NoError(t, os.MkdirAll(filepath.Join(module, "src/node_modules"), 0o755))

	p, err := w.Prepare(module)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event)
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, p, events) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// Initial pass.
	assert.Equal(t, BuildStarted, nextEvent(t, events).Kind)
	e := nextEvent(t, events)
	require.Equal(t, BuildSucceeded, e.Kind)
	assert.Equal(t, []string{"lib/main.js"}, e.Output.Paths())

	writeFile(t, filepath.Join(module, "src/other.ts"), "other")
	assert.Equal(t, BuildStarted, nextEvent(t, events).Kind)
	e = nextEvent(t, events)
	require.Equal(t, BuildSucceeded, e.Kind)
	assert.ElementsMatch(t, []string{"lib/main.js", "lib/other.js"}, e.Output.Paths())

	writeFile(t, filepath.Join(module, "src/other.ts"), "ERROR")
	assert.Equal(t, BuildStarted, nextEvent(t, events).Kind)
	e = nextEvent(t, events)
	assert.Equal(t, BuildFailed, e.Kind)
	assert.Error(t, e.Err)
	assert.Empty(t, e.Output)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "started", BuildStarted.String())
	assert.Equal(t, "succeeded", BuildSucceeded.String())
	assert.Equal(t, "failed", BuildFailed.String())
	assert.Equal(t, "EventKind(7)", EventKind(7).String())
}
