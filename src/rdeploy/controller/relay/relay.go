// Package relay splices local TCP connections to a port on the remote host.
package relay

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"github.com/homeauto/rdeploy/src/rdeploy/gateway/remote"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	"github.com/homeauto/rdeploy/src/rdeploy/internal/serverinfofile"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// DialFunc opens the remote half of a relayed connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DefaultRelayConfig is used for every key missing from the `relay` configuration section.
func DefaultRelayConfig() entity.RelayConfig {
	return entity.RelayConfig{
		Enabled:    true,
		Listen:     "127.0.0.1:8000",
		RemotePort: 8000,
	}
}

// Relay accepts local connections and forwards each one to the remote host.
type Relay interface {
	// Enabled reports whether the relay is configured to run.
	Enabled() bool
	// Run listens on the configured address until ctx ends.
	Run(ctx context.Context, target entity.RemoteTarget) error
	// Serve relays every connection accepted on ln to addr until ctx ends. It closes ln.
	Serve(ctx context.Context, ln net.Listener, addr string, dial DialFunc) error
}

// Params are the dependencies of New.
type Params struct {
	fx.In

	Config     config.Provider
	Dialer     remote.Dialer
	ServerInfo serverinfofile.ServerInfoFile
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

type relay struct {
	cfg        entity.RelayConfig
	dialer     remote.Dialer
	serverInfo serverinfofile.ServerInfoFile
	logger     *zap.SugaredLogger
	stats      tally.Scope
}

// New creates a Relay from the `relay` configuration section.
func New(p Params) (Relay, error) {
	cfg := DefaultRelayConfig()
	if err := p.Config.Get(entity.RelayConfigKey).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", entity.RelayConfigKey, err)
	}
	if cfg.RemotePort <= 0 || cfg.RemotePort > 65535 {
		return nil, fmt.Errorf("%s.remotePort %d is out of range", entity.RelayConfigKey, cfg.RemotePort)
	}

	return &relay{
		cfg:        cfg,
		dialer:     p.Dialer,
		serverInfo: p.ServerInfo,
		logger:     p.Logger.Named("relay"),
		stats:      p.Stats.SubScope("relay"),
	}, nil
}

func (r *relay) Enabled() bool {
	return r.cfg.Enabled
}

func (r *relay) Run(ctx context.Context, target entity.RemoteTarget) error {
	host := r.cfg.RemoteHost
	if host == "" {
		host = target.Connect.Host
	}
	addr := net.JoinHostPort(host, strconv.Itoa(r.cfg.RemotePort))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.cfg.Listen)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", r.cfg.Listen, err)
	}

	dial := DialFunc((&net.Dialer{}).DialContext)
	var lost <-chan struct{}
	var sess remote.Session
	if r.cfg.ViaSSH {
		sess, err = r.dialer.Dial(ctx, target)
		if err != nil {
			ln.Close()
			return fmt.Errorf("%w: %v", errors.ConnectionFailedError, err)
		}
		defer sess.Close()
		dial = sess.Dial
		lost = sess.Done()
	}

	if err := r.serverInfo.UpdateField(serverinfofile.FieldRelayAddress, ln.Addr().String()); err != nil {
		r.logger.Warnw("updating server info file", "error", err)
	}
	r.logger.Infow("relay listening", "listen", ln.Addr().String(), "remote", addr, "viaSSH", r.cfg.ViaSSH)

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.Serve(ctx, ln, addr, dial) }()

	select {
	case err := <-serveErr:
		return err
	case <-lost:
		cancel()
		<-serveErr
		if err := sess.Err(); err != nil {
			return err
		}
		return &errors.TransportError{Op: "relay session closed", Err: errors.New("session ended")}
	}
}

func (r *relay) Serve(ctx context.Context, ln net.Listener, addr string, dial DialFunc) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[uuid.UUID]net.Conn)
	)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer func() {
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		local, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relay accept: %w", err)
		}

		id := uuid.Must(uuid.NewV4())
		mu.Lock()
		conns[id] = local
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, id)
				mu.Unlock()
			}()
			r.relayConn(ctx, id, local, addr, dial)
		}()
	}
}

// relayConn splices one accepted connection to a fresh remote connection. Any failure ends only this pair.
func (r *relay) relayConn(ctx context.Context, id uuid.UUID, local net.Conn, addr string, dial DialFunc) {
	logger := r.logger.With("conn", id.String(), "client", local.RemoteAddr().String())
	r.stats.Counter("connections").Inc(1)

	remoteConn, err := dial(ctx, "tcp", addr)
	if err != nil {
		local.Close()
		r.stats.Counter("dial_failures").Inc(1)
		logger.Warnw("relay dial failed", "remote", addr, "error", err)
		return
	}

	logger.Debugw("relaying", "remote", addr)
	sent, received, err := bridge(local, remoteConn)
	r.stats.Counter("bytes_sent").Inc(sent)
	r.stats.Counter("bytes_received").Inc(received)
	if err != nil {
		r.stats.Counter("pair_errors").Inc(1)
		logger.Warnw("relay connection failed", "error", err)
		return
	}
	logger.Debugw("relay connection closed", "sent", sent, "received", received)
}
