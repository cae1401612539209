package orchestrator

import (
	"context"
	stderr "errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/homeauto/rdeploy/src/rdeploy/controller/builder"
	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"github.com/homeauto/rdeploy/src/rdeploy/gateway/remote"
	"github.com/homeauto/rdeploy/src/rdeploy/gateway/remote/remotemock"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/clock"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/fs"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/serverinfofile"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/serverinfofile/serverinfofilemock"
	"github.com/homeauto/rdeploy/src/rdeploy/repository/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProcess struct {
	once   sync.Once
	exited chan struct{}
}

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.exited) }) }

func (p *fakeProcess) Signal(sig ssh.Signal) error {
	if sig == ssh.SIGTERM {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProcess) Close() error {
	p.exit()
	return nil
}

// fakeSession records every remote operation in memory.
type fakeSession struct {
	mu       sync.Mutex
	puts     []string
	commands []string
	mkdirs   [][]string
	files    map[string]string
	started  []remote.Command
	putErr   error
	runErr   error

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newFakeSession() *fakeSession {
	return &fakeSession{files: make(map[string]string), done: make(chan struct{})}
}

func (s *fakeSession) Run(ctx context.Context, cmd remote.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd.String())
	return s.runErr
}

func (s *fakeSession) Start(ctx context.Context, cmd remote.Command) (remote.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, cmd)
	return &fakeProcess{exited: make(chan struct{})}, nil
}

func (s *fakeSession) MkdirAll(ctx context.Context, dirs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirs = append(s.mkdirs, dirs)
	return nil
}

func (s *fakeSession) WriteFile(ctx context.Context, remotePath string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if filepath.Base(remotePath) == "broken.js" {
		return stderr.New("permission denied")
	}
	s.files[remotePath] = string(content)
	return nil
}

func (s *fakeSession) PutFile(ctx context.Context, localPath, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.puts = append(s.puts, remotePath)
	return nil
}

func (s *fakeSession) GetFile(ctx context.Context, remotePath, localPath string) error {
	return stderr.New("not implemented")
}

func (s *fakeSession) RemoveAll(ctx context.Context, remotePath string) error {
	return stderr.New("not implemented")
}

func (s *fakeSession) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, stderr.New("not implemented")
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// drop simulates a lost connection.
func (s *fakeSession) drop() {
	s.mu.Lock()
	s.err = &errors.TransportError{Op: "connection lost", Err: stderr.New("EOF")}
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *fakeSession) snapshot() (puts, commands []string, started int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.puts...), append([]string(nil), s.commands...), len(s.started)
}

type fakeDialer struct{ session remote.Session }

func (d fakeDialer) Dial(ctx context.Context, target entity.RemoteTarget) (remote.Session, error) {
	if d.session == nil {
		return nil, stderr.New("no route to host")
	}
	return d.session, nil
}

// fakeBuilder forwards events pushed by the test instead of compiling.
type fakeBuilder struct {
	feed chan builder.Event
}

func (b *fakeBuilder) Prepare(localPath string) (builder.Project, error) {
	return builder.Project{ModuleDir: localPath, RootDir: localPath}, nil
}

func (b *fakeBuilder) Compile(ctx context.Context, p builder.Project) (entity.BuildOutput, error) {
	return nil, nil
}

func (b *fakeBuilder) Watch(ctx context.Context, p builder.Project, events chan<- builder.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-b.feed:
			select {
			case events <- e:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

var _target = entity.RemoteTarget{
	Connect:   entity.ConnectConfig{Host: "pi.local", Username: "pi"},
	Directory: "deploy",
	ModuleDir: "daemon",
}

func newModuleDir(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"daemon"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "yarn.lock"), []byte("# lock\n"), 0o644))
	return dir
}

func newOrchestrator(t *testing.T, dialer remote.Dialer, b builder.Watcher, deploy map[string]interface{}) Orchestrator {
	ctrl := gomock.NewController(t)
	serverInfo := serverinfofilemock.NewMockServerInfoFile(ctrl)
	serverInfo.EXPECT().UpdateField(serverinfofile.FieldRemoteTarget, _target.String()).Return(nil).AnyTimes()

	cfg, err := config.NewStaticProvider(map[string]interface{}{entity.DeployConfigKey: deploy})
	require.NoError(t, err)

	o, err := New(Params{
		Config:     cfg,
		Dialer:     dialer,
		Builder:    b,
		FS:         fs.New(),
		Clock:      clock.New(),
		ServerInfo: serverInfo,
		Logger:     zaptest.NewLogger(t).Sugar(),
		Stats:      tally.NewTestScope("", nil),
	})
	require.NoError(t, err)
	return o
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		o := newOrchestrator(t, fakeDialer{}, &fakeBuilder{}, map[string]interface{}{})
		assert.Equal(t, DefaultDeployConfig(), o.(*orchestrator).cfg)
	})

	t.Run("overrides", func(t *testing.T) {
		o := newOrchestrator(t, fakeDialer{}, &fakeBuilder{}, map[string]interface{}{
			"stopTimeout": "2s",
			"syncOnStart": false,
			"start":       map[string]interface{}{"command": "npm", "args": []string{"start"}},
		})
		cfg := o.(*orchestrator).cfg
		assert.Equal(t, 2*time.Second, cfg.StopTimeout)
		assert.False(t, cfg.SyncOnStart)
		assert.Equal(t, entity.CommandConfig{Command: "npm", Args: []string{"start"}}, cfg.Start)
		assert.Equal(t, DefaultDeployConfig().Manifests, cfg.Manifests)
	})
}

func TestRunSetupErrors(t *testing.T) {
	t.Run("missing manifest", func(t *testing.T) {
		dir := t.TempDir()
		o := newOrchestrator(t, fakeDialer{session: newFakeSession()}, &fakeBuilder{}, map[string]interface{}{})

		err := o.Run(context.Background(), _target, dir)
		assert.ErrorIs(t, err, errors.InvalidDirectoryError)
		assert.True(t, errors.IsSetupError(err))
	})

	t.Run("connection failed", func(t *testing.T) {
		o := newOrchestrator(t, fakeDialer{}, &fakeBuilder{}, map[string]interface{}{})

		err := o.Run(context.Background(), _target, newModuleDir(t))
		assert.ErrorIs(t, err, errors.ConnectionFailedError)
		assert.ErrorContains(t, err, "no route to host")
	})
}

func TestRunDeploysAndRestarts(t *testing.T) {
	dir := newModuleDir(t)
	sess := newFakeSession()
	b := &fakeBuilder{feed: make(chan builder.Event)}
	o := newOrchestrator(t, fakeDialer{session: sess}, b, map[string]interface{}{
		"debounce":    "20ms",
		"stopTimeout": "1s",
	})

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() { ran <- o.Run(ctx, _target, dir) }()

	// The initial dependency sync uploads both manifests and installs, but nothing is started
	// before the first successful build.
	require.Eventually(t, func() bool {
		_, commands, _ := sess.snapshot()
		return len(commands) == 1
	}, 5*time.Second, 5*time.Millisecond)
	puts, commands, started := sess.snapshot()
	assert.ElementsMatch(t, []string{"deploy/daemon/package.json", "deploy/daemon/yarn.lock"}, puts)
	assert.Equal(t, "cd deploy/daemon && exec yarn install --production --non-interactive --network-concurrency 1 --no-progress", commands[0])
	assert.Zero(t, started)

	b.feed <- builder.Event{Kind: builder.BuildStarted}
	b.feed <- builder.Event{Kind: builder.BuildSucceeded, Output: entity.BuildOutput{
		{Path: "main.js", Content: []byte("main")},
		{Path: "config.js", Content: []byte("local")},
		{Path: "config.remote.js", Content: []byte("remote")},
		{Path: "lib/util.js", Content: []byte("util")},
		{Path: "lib/broken.js", Content: []byte("broken")},
	}}

	require.Eventually(t, func() bool {
		_, _, started := sess.snapshot()
		return started == 1
	}, 5*time.Second, 5*time.Millisecond)

	sess.mu.Lock()
	assert.Equal(t, [][]string{{"deploy/daemon"}, {"deploy/daemon/lib"}}, sess.mkdirs)
	assert.Equal(t, map[string]string{
		"deploy/daemon/main.js":     "main",
		"deploy/daemon/config.js":   "remote",
		"deploy/daemon/lib/util.js": "util",
	}, sess.files)
	assert.Equal(t, "cd deploy/daemon && echo $$ > .rdeploy.pid && exec node .", sess.started[0].String())
	sess.mu.Unlock()

	// A manifest change stops the process, reinstalls and starts it again.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"daemon","version":"2"}`), 0o644))
	require.Eventually(t, func() bool {
		_, _, started := sess.snapshot()
		return started == 2
	}, 5*time.Second, 5*time.Millisecond)
	puts, commands, _ = sess.snapshot()
	assert.Len(t, puts, 4)
	assert.Len(t, commands, 2)

	cancel()
	select {
	case err := <-ran:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case <-sess.Done():
	default:
		t.Fatal("session was not closed")
	}
}

func TestRunManifestUploadFailureSkipsInstall(t *testing.T) {
	dir := newModuleDir(t)
	sess := newFakeSession()
	sess.putErr = stderr.New("no space left on device")
	b := &fakeBuilder{feed: make(chan builder.Event)}
	o := newOrchestrator(t, fakeDialer{session: sess}, b, map[string]interface{}{"debounce": "20ms"})

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() { ran <- o.Run(ctx, _target, dir) }()

	b.feed <- builder.Event{Kind: builder.BuildStarted}
	b.feed <- builder.Event{Kind: builder.BuildSucceeded, Output: entity.BuildOutput{{Path: "main.js"}}}
	require.Eventually(t, func() bool {
		_, _, started := sess.snapshot()
		return started == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, commands, _ := sess.snapshot()
	assert.Empty(t, commands, "install is skipped")

	cancel()
	assert.NoError(t, <-ran)
}

func TestRunInstallFailureStillStartsBuilds(t *testing.T) {
	dir := newModuleDir(t)
	sess := newFakeSession()
	sess.runErr = &errors.CommandError{Command: "yarn install", ExitCode: 1}
	b := &fakeBuilder{feed: make(chan builder.Event)}
	o := newOrchestrator(t, fakeDialer{session: sess}, b, map[string]interface{}{"debounce": "20ms"})

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() { ran <- o.Run(ctx, _target, dir) }()

	require.Eventually(t, func() bool {
		_, commands, _ := sess.snapshot()
		return len(commands) == 1
	}, 5*time.Second, 5*time.Millisecond)

	for i := 1; i <= 2; i++ {
		b.feed <- builder.Event{Kind: builder.BuildStarted}
		b.feed <- builder.Event{Kind: builder.BuildSucceeded, Output: entity.BuildOutput{{Path: "main.js"}}}
		require.Eventually(t, func() bool {
			_, _, started := sess.snapshot()
			return started == i
		}, 5*time.Second, 5*time.Millisecond)
	}

	_, commands, _ := sess.snapshot()
	assert.Len(t, commands, 1, "install is retried only on the next manifest change")

	cancel()
	assert.NoError(t, <-ran)
}

func TestRunSkipsInitialSync(t *testing.T) {
	dir := newModuleDir(t)
	sess := newFakeSession()
	b := &fakeBuilder{feed: make(chan builder.Event)}
	o := newOrchestrator(t, fakeDialer{session: sess}, b, map[string]interface{}{
		"debounce":    "20ms",
		"syncOnStart": false,
	})

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() { ran <- o.Run(ctx, _target, dir) }()

	b.feed <- builder.Event{Kind: builder.BuildStarted}
	b.feed <- builder.Event{Kind: builder.BuildSucceeded, Output: entity.BuildOutput{{Path: "main.js"}}}
	require.Eventually(t, func() bool {
		_, _, started := sess.snapshot()
		return started == 1
	}, 5*time.Second, 5*time.Millisecond)

	puts, commands, _ := sess.snapshot()
	assert.Empty(t, puts)
	assert.Empty(t, commands)

	cancel()
	assert.NoError(t, <-ran)
}

func TestRunSessionLost(t *testing.T) {
	dir := newModuleDir(t)
	sess := newFakeSession()
	o := newOrchestrator(t, fakeDialer{session: sess}, &fakeBuilder{feed: make(chan builder.Event)},
		map[string]interface{}{"syncOnStart": false})

	ran := make(chan error, 1)
	go func() { ran <- o.Run(context.Background(), _target, dir) }()

	sess.drop()
	select {
	case err := <-ran:
		assert.True(t, errors.IsTransport(err))
		assert.ErrorContains(t, err, "connection lost")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the session was lost")
	}
}

func TestRunMkdirFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	sess := remotemock.NewMockSession(ctrl)
	sess.EXPECT().MkdirAll(gomock.Any(), "deploy/daemon").Return(&errors.TransportError{Op: "exec", Err: stderr.New("EOF")})
	sess.EXPECT().Close().Return(nil)

	o := newOrchestrator(t, fakeDialer{session: sess}, &fakeBuilder{}, map[string]interface{}{})
	err := o.Run(context.Background(), _target, newModuleDir(t))
	assert.ErrorContains(t, err, "creating remote module root")
}

func newTestDeployment(t *testing.T, sess remote.Session) *deployment {
	o := newOrchestrator(t, fakeDialer{session: sess}, &fakeBuilder{}, map[string]interface{}{}).(*orchestrator)
	return &deployment{
		orchestrator: o,
		target:       _target,
		session:      sess,
		gate:         newGate(o.logger),
		restarts:     make(chan struct{}, 1),
		supervisor: &supervisor{
			session:     sess,
			processes:   process.New(o.stats),
			target:      _target,
			command:     o.cfg.Start,
			stopTimeout: o.cfg.StopTimeout,
			clock:       o.clock,
			logger:      o.logger,
			stats:       o.stats,
		},
	}
}

func TestDeploymentFailedBuild(t *testing.T) {
	ctx := context.Background()
	sess := newFakeSession()
	d := newTestDeployment(t, sess)
	d.gate.markSeen(dependencyStream)

	require.NoError(t, d.handleBuild(ctx, builder.Event{Kind: builder.BuildStarted}))
	require.NoError(t, d.handleBuild(ctx, builder.Event{
		Kind:   builder.BuildSucceeded,
		Output: entity.BuildOutput{{Path: "main.js", Content: []byte("main")}},
	}))
	require.Len(t, d.restarts, 1)
	<-d.restarts
	restarted, err := d.supervisor.Restart(ctx, d.gate.claimRestart)
	require.NoError(t, err)
	require.True(t, restarted)

	require.NoError(t, d.handleBuild(ctx, builder.Event{Kind: builder.BuildStarted}))
	assert.Nil(t, d.supervisor.processes.Current(ctx), "the process is stopped while building")

	require.NoError(t, d.handleBuild(ctx, builder.Event{Kind: builder.BuildFailed, Err: stderr.New("error TS1005")}))
	assert.Empty(t, d.restarts, "no restart is requested")
	assert.False(t, d.gate.claimRestart())
	assert.Equal(t, 0, d.gate.inFlight)

	_, _, started := sess.snapshot()
	assert.Equal(t, 1, started)
}
