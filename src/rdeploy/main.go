package main

import (
	"os"

	"github.com/homeauto/rdeploy/src/rdeploy/app"
	"github.com/homeauto/rdeploy/src/rdeploy/handler"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func opts(mode handler.Mode) fx.Option {
	return fx.Options(
		app.Module,
		fx.Supply(mode),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: logger.Named("fx")}
			l.UseLogLevel(zap.DebugLevel)
			return l
		}),
	)
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
