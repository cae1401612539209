package executor

import (
	"bytes"
	"io"
	"os/exec"
	"time"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a module to inject using fx.
var Module = fx.Provide(func(p Params) Executor {
	return NewExecutor(WithLogger(p.Logger), WithStats(p.Stats))
})

// Params are the dependencies of the fx provided Executor.
type Params struct {
	fx.In

	Logger *zap.SugaredLogger
	Stats  tally.Scope
}

// Executor wraps the execution of "os/exec".Cmd's to allow adding logs/metrics to
// each exec and makes it easier to test.
type Executor interface {
	// Run logs and executes the Cmd, capturing its Stdout/Stderr unless the caller already set them.
	Run(cmd *exec.Cmd) (Result, error)
}

// Result is the outcome of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// executorImp implements Executor
type executorImp struct {
	Logger *zap.SugaredLogger
	Stats  tally.Scope
	// ExecFunc may be nil to use executorImp in tests.
	ExecFunc func(e *exec.Cmd) error
}

// Option defines options to customize executorImp's behavior
type Option func(*executorImp)

// WithLogger overrides the default noop logger
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(executor *executorImp) {
		executor.Logger = logger
	}
}

// WithStats records exec counts and latency on the given scope.
func WithStats(stats tally.Scope) Option {
	return func(executor *executorImp) {
		executor.Stats = stats.SubScope("exec")
	}
}

// WithExecFunc provides customized exec behavior for executorImp
func WithExecFunc(execFunc func(e *exec.Cmd) error) Option {
	return func(executor *executorImp) {
		executor.ExecFunc = execFunc
	}
}

// NewExecutor creates a new executorImp with a noop logger and scope unless overridden.
func NewExecutor(opts ...Option) Executor {
	executor := &executorImp{
		Logger:   zap.NewNop().Sugar(),
		Stats:    tally.NoopScope,
		ExecFunc: func(cmd *exec.Cmd) error { return cmd.Run() },
	}
	for _, opt := range opts {
		opt(executor)
	}
	return executor
}

// Run logs the Path/Args and calls ExecFunc if it is set.
func (l *executorImp) Run(cmd *exec.Cmd) (Result, error) {
	if err := l.logCommand(cmd); err != nil {
		return Result{ExitCode: -1}, err
	}

	if l.ExecFunc == nil {
		l.Logger.Warn("missing ExecFunc - skipped execution")
		return Result{}, nil
	}

	var stdoutB, stderrB bytes.Buffer
	if cmd.Stdout == nil {
		cmd.Stdout = &stdoutB
	}
	if cmd.Stderr == nil {
		cmd.Stderr = &stderrB
	}

	start := time.Now()
	err := l.ExecFunc(cmd)
	res := Result{
		Stdout:   stdoutB.String(),
		Stderr:   stderrB.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	l.Stats.Timer("duration").Record(res.Duration)
	if err != nil {
		l.Stats.Counter("failures").Inc(1)
		l.Logger.Debugw("Exec failed", "Path", cmd.Path, "ExitCode", res.ExitCode, "error", err)
	} else {
		l.Stats.Counter("success").Inc(1)
	}
	return res, err
}

// Logs the command specified: Path, Dir, Args, Stdin (if available)
func (l *executorImp) logCommand(cmd *exec.Cmd) error {
	logKeysAndValues := []interface{}{
		"Path", cmd.Path,
		"Dir", cmd.Dir,
		"Args", cmd.Args[1:],
	}

	if cmd.Stdin != nil {
		stdinBytes, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return err
		}
		logKeysAndValues = append(logKeysAndValues, "Stdin", string(stdinBytes))
		cmd.Stdin = bytes.NewReader(stdinBytes)
	}

	l.Logger.Infow("Exec", logKeysAndValues...)
	return nil
}
