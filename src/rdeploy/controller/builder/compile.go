package builder

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/homeauto/rdeploy/src/rdeploy/entity"
)

const _stagingPattern = "rdeploy-build-"

// Compile runs the compiler into a fresh staging directory and collects everything it emitted.
// The staging directory is removed afterwards, so stale outputs of deleted sources never reach the remote host.
func (w *watcher) Compile(ctx context.Context, p Project) (entity.BuildOutput, error) {
	staging, err := w.fs.MkdirTemp("", _stagingPattern)
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	defer func() {
		if err := w.fs.RemoveAll(staging); err != nil {
			w.logger.Warnw("removing staging directory", "dir", staging, "error", err)
		}
	}()

	replacer := strings.NewReplacer(
		"{config}", p.ConfigPath,
		"{outDir}", staging,
		"{rootDir}", p.RootDir,
		"{moduleDir}", p.ModuleDir,
	)
	args := make([]string, 0, len(w.cfg.Compiler.Args))
	for _, a := range w.cfg.Compiler.Args {
		args = append(args, replacer.Replace(a))
	}

	cmd := exec.CommandContext(ctx, w.cfg.Compiler.Command, args...)
	cmd.Dir = p.ModuleDir
	res, err := w.executor.Run(cmd)
	w.logOutput(res.Stdout)
	w.logOutput(res.Stderr)
	if err != nil {
		w.stats.Counter("failures").Inc(1)
		return nil, fmt.Errorf("compiler exited with code %d: %w", res.ExitCode, err)
	}

	files, err := w.fs.WalkFiles(staging)
	if err != nil {
		return nil, fmt.Errorf("collecting compiler output: %w", err)
	}
	out := make(entity.BuildOutput, 0, len(files))
	for _, f := range files {
		content, err := w.fs.ReadFile(filepath.Join(staging, filepath.FromSlash(f)))
		if err != nil {
			return nil, fmt.Errorf("reading compiler output: %w", err)
		}
		out = append(out, entity.OutputFile{Path: path.Join(p.OutputPrefix, f), Content: content})
	}

	w.stats.Counter("success").Inc(1)
	w.stats.Timer("duration").Record(res.Duration)
	w.logger.Infow("compiled", "files", len(out), "duration", res.Duration)
	return out, nil
}

// logOutput forwards compiler diagnostics line by line.
func (w *watcher) logOutput(output string) {
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			w.logger.Warn(line)
		}
	}
}
