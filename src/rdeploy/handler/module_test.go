package handler

import (
	"context"
	stderr "errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/homeauto/rdeploy/src/rdeploy/controller/orchestrator"
	"github.com/homeauto/rdeploy/src/rdeploy/controller/orchestrator/orchestratormock"
	"github.com/homeauto/rdeploy/src/rdeploy/controller/relay"
	"github.com/homeauto/rdeploy/src/rdeploy/controller/relay/relaymock"
	"github.com/homeauto/rdeploy/src/rdeploy/controller/remotetask"
	"github.com/homeauto/rdeploy/src/rdeploy/controller/remotetask/remotetaskmock"
	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var _target = entity.RemoteTarget{
	Connect:   entity.ConnectConfig{Host: "pi.local", Username: "pi"},
	Directory: "deploy",
	ModuleDir: "daemon",
}

type mocks struct {
	orchestrator *orchestratormock.MockOrchestrator
	relay        *relaymock.MockRelay
	tasks        *remotetaskmock.MockController
}

func newApp(t *testing.T, mode Mode, cfg map[string]interface{}) (*fxtest.App, mocks) {
	ctrl := gomock.NewController(t)
	m := mocks{
		orchestrator: orchestratormock.NewMockOrchestrator(ctrl),
		relay:        relaymock.NewMockRelay(ctrl),
		tasks:        remotetaskmock.NewMockController(ctrl),
	}
	provider, err := config.NewStaticProvider(cfg)
	require.NoError(t, err)

	app := fxtest.New(t,
		fx.Supply(mode),
		fx.Provide(
			func() config.Provider { return provider },
			func() *zap.SugaredLogger { return zaptest.NewLogger(t).Sugar() },
			func() entity.RemoteTarget { return _target },
			func() entity.LocalConfig { return entity.LocalConfig{BasePath: "..", ModuleDir: "daemon"} },
			func() orchestrator.Orchestrator { return m.orchestrator },
			func() relay.Relay { return m.relay },
			func() remotetask.Controller { return m.tasks },
		),
		fx.Invoke(register),
	)
	return app, m
}

func waitExit(t *testing.T, app *fxtest.App) int {
	select {
	case sig := <-app.Wait():
		return sig.ExitCode
	case <-time.After(5 * time.Second):
		t.Fatal("application did not shut down")
		return -1
	}
}

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestWatch(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "rdeploy.pid")
	app, m := newApp(t, Mode{Command: CommandWatch}, map[string]interface{}{
		entity.PidFileKey: map[string]interface{}{"path": pidPath},
	})

	m.relay.EXPECT().Enabled().Return(true)
	m.orchestrator.EXPECT().Run(gomock.Any(), _target, filepath.Join("..", "daemon")).DoAndReturn(
		func(ctx context.Context, _ entity.RemoteTarget, _ string) error {
			return blockUntilDone(ctx)
		})
	m.relay.EXPECT().Run(gomock.Any(), _target).DoAndReturn(
		func(ctx context.Context, _ entity.RemoteTarget) error {
			return blockUntilDone(ctx)
		})

	app.RequireStart()
	content, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(content))

	app.RequireStop()
	assert.NoFileExists(t, pidPath)
}

func TestWatchSessionLost(t *testing.T) {
	app, m := newApp(t, Mode{Command: CommandWatch}, map[string]interface{}{})

	m.relay.EXPECT().Enabled().Return(false)
	m.orchestrator.EXPECT().Run(gomock.Any(), _target, gomock.Any()).Return(
		&errors.TransportError{Op: "connection lost", Err: stderr.New("EOF")})

	app.RequireStart()
	assert.Equal(t, 1, waitExit(t, app))
	app.RequireStop()
}

func TestWatchPreviousInstance(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "rdeploy.pid")
	// The parent process is alive and is never this process.
	require.NoError(t, os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getppid())), 0o644))

	app, m := newApp(t, Mode{Command: CommandWatch}, map[string]interface{}{
		entity.PidFileKey: map[string]interface{}{"path": pidPath, "mode": "die"},
	})
	m.relay.EXPECT().Enabled().Return(false)

	err := app.Start(context.Background())
	assert.ErrorIs(t, err, errors.InstanceRunningError)
	app.Stop(context.Background())

	content, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getppid()), string(content), "the running instance keeps its pid file")
}

func TestTasks(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		expect func(m mocks)
		code   int
	}{
		{
			name: "clean",
			mode: Mode{Command: CommandClean},
			expect: func(m mocks) {
				m.tasks.EXPECT().Clean(gomock.Any(), _target).Return(nil)
			},
		},
		{
			name: "clean refused",
			mode: Mode{Command: CommandClean},
			expect: func(m mocks) {
				m.tasks.EXPECT().Clean(gomock.Any(), _target).Return(errors.RefuseCleanError)
			},
			code: 1,
		},
		{
			name: "install with args",
			mode: Mode{Command: CommandInstall, Args: []string{"add", "lodash"}},
			expect: func(m mocks) {
				m.tasks.EXPECT().Install(gomock.Any(), _target, filepath.Join("..", "daemon"), []string{"add", "lodash"}).Return(nil)
			},
		},
		{
			name: "run exit code",
			mode: Mode{Command: CommandRun},
			expect: func(m mocks) {
				m.tasks.EXPECT().RunOnce(gomock.Any(), _target).Return(&errors.CommandError{Command: "node .", ExitCode: 3})
			},
			code: 3,
		},
		{
			name: "relay",
			mode: Mode{Command: CommandRelay},
			expect: func(m mocks) {
				m.relay.EXPECT().Run(gomock.Any(), _target).Return(stderr.New("address already in use"))
			},
			code: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, m := newApp(t, tt.mode, map[string]interface{}{})
			tt.expect(m)

			app.RequireStart()
			assert.Equal(t, tt.code, waitExit(t, app))
			app.RequireStop()
		})
	}
}

func TestUnknownCommand(t *testing.T) {
	app, _ := newApp(t, Mode{Command: "deploy"}, map[string]interface{}{})
	assert.ErrorContains(t, app.Err(), `unknown command "deploy"`)
}
