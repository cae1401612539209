package handler

import (
	"context"
	"sync"

	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type job struct {
	name string
	run  func(ctx context.Context) error
}

// runJobs starts every job when the application starts and cancels them when it stops.
// The first job to end on its own shuts the application down, with a non-zero exit code on error.
func runJobs(lc fx.Lifecycle, sd fx.Shutdowner, logger *zap.SugaredLogger, jobs ...job) {
	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			for _, j := range jobs {
				j := j
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := j.run(ctx)
					if ctx.Err() != nil {
						return
					}

					code := 0
					if err != nil {
						code = exitCode(err)
						logger.Errorw("command failed", "command", j.name, "error", err)
					} else {
						logger.Infow("command finished", "command", j.name)
					}
					if err := sd.Shutdown(fx.ExitCode(code)); err != nil {
						logger.Debugw("requesting shutdown", "error", err)
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

// exitCode mirrors a remote command's exit status, and is 1 for every other failure.
func exitCode(err error) int {
	if code, ok := errors.ExitCode(err); ok && code > 0 {
		return code
	}
	return 1
}
