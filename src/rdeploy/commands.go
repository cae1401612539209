package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"github.com/homeauto/rdeploy/src/rdeploy/handler"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/core"
	"github.com/spf13/cobra"
	"go.uber.org/config"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

const _maskedSecret = "********"

// exitError carries the exit code of a finished application through cobra.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	if e, ok := err.(exitError); ok {
		return e.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return 1
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "rdeploy",
		Short:         "Build, sync and run a daemon on a remote host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configDir != "" {
				return os.Setenv(core.ConfigDirEnv, configDir)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", "", "Directory holding meta.yaml (overrides $"+core.ConfigDirEnv+")")

	root.AddCommand(
		newAppCmd(handler.CommandWatch, "Watch, build, sync and restart the remote daemon", cobra.NoArgs),
		newAppCmd(handler.CommandRelay, "Relay local TCP connections to the remote host", cobra.NoArgs),
		newAppCmd(handler.CommandRun, "Run the remote daemon once with its output streamed locally", cobra.NoArgs),
		newAppCmd(handler.CommandClean, "Remove the remote deployment directory", cobra.NoArgs),
		newAppCmd(handler.CommandInstall+" [-- yarn args...]", "Install dependencies remotely and copy the manifests back", cobra.ArbitraryArgs),
		newConfigCmd(stdout),
	)
	return root
}

func newAppCmd(use, short string, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(handler.Mode{Command: cmd.Name(), Args: args})
		},
	}
}

// runApp runs the application until a job finishes or a signal arrives.
func runApp(mode handler.Mode) error {
	app := fx.New(opts(mode))

	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	sig := <-app.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		return err
	}
	if sig.ExitCode != 0 {
		return exitError{code: sig.ExitCode}
	}
	return nil
}

func newConfigCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := core.NewConfig()
			if err != nil {
				return err
			}
			return dumpConfig(stdout, provider)
		},
	}
}

// dumpConfig writes the merged configuration as YAML with secrets masked.
func dumpConfig(w io.Writer, provider config.Provider) error {
	var merged map[string]interface{}
	if err := provider.Get(config.Root).Populate(&merged); err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}

	var remote entity.RemoteConfig
	if err := provider.Get(entity.RemoteConfigKey).Populate(&remote); err != nil {
		return fmt.Errorf("getting config field %q: %w", entity.RemoteConfigKey, err)
	}
	if remote.Connect.Password != "" {
		if r, ok := merged[entity.RemoteConfigKey].(map[interface{}]interface{}); ok {
			if c, ok := r["connect"].(map[interface{}]interface{}); ok {
				c["password"] = _maskedSecret
			}
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(merged); err != nil {
		return err
	}
	return enc.Close()
}
