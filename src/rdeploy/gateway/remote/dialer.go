package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

const _handshakeTimeout = 20 * time.Second

// Params are the dependencies of NewDialer.
type Params struct {
	fx.In

	Logger *zap.SugaredLogger
	Stats  tally.Scope
}

type dialer struct {
	logger *zap.SugaredLogger
	stats  tally.Scope
	home   string
	getenv func(string) string
	// prompt reads a password interactively. Nil when stdin is not a terminal.
	prompt func(prompt string) (string, error)
}

// NewDialer creates a Dialer that authenticates with the local user's agent, keys or password.
func NewDialer(p Params) Dialer {
	home, err := os.UserHomeDir()
	if err != nil {
		p.Logger.Warnw("no home directory, default ssh keys and known_hosts unavailable", "error", err)
	}
	d := &dialer{
		logger: p.Logger,
		stats:  p.Stats.SubScope("ssh"),
		home:   home,
		getenv: os.Getenv,
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		d.prompt = terminalPrompt
	}
	return d
}

// Dial connects and authenticates. The handshake is abandoned when ctx is done.
func (d *dialer) Dial(ctx context.Context, target entity.RemoteTarget) (Session, error) {
	hostKeyCallback, err := d.hostKeyCallback(target.Connect)
	if err != nil {
		return nil, err
	}
	methods, cleanup := d.authMethods(target.Connect)
	defer cleanup()

	cfg := &ssh.ClientConfig{
		User:            target.Connect.Username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         _handshakeTimeout,
	}

	addr := target.Address()
	d.logger.Infow("connecting", "address", addr, "user", cfg.User)
	d.stats.Counter("dials").Inc(1)

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.stats.Counter("dial_failures").Inc(1)
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(_handshakeTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		conn.Close()
		d.stats.Counter("dial_failures").Inc(1)
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		d.stats.Counter("dial_failures").Inc(1)
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	d.logger.Infow("connected", "address", addr, "serverVersion", string(c.ServerVersion()))
	return newSession(ssh.NewClient(c, chans, reqs), d.logger, d.stats), nil
}

func terminalPrompt(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(password), nil
}
