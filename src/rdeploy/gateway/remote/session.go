package remote

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync"

	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	"github.com/pkg/sftp"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

type session struct {
	client *ssh.Client
	logger *zap.SugaredLogger
	stats  tally.Scope

	sftpMu sync.Mutex
	sftp   *sftp.Client

	done    chan struct{}
	mu      sync.Mutex
	err     error
	closing bool
}

func newSession(client *ssh.Client, logger *zap.SugaredLogger, stats tally.Scope) *session {
	s := &session{
		client: client,
		logger: logger,
		stats:  stats,
		done:   make(chan struct{}),
	}
	go s.watch()
	return s
}

func (s *session) watch() {
	err := s.client.Wait()

	s.mu.Lock()
	if !s.closing {
		if err == nil {
			err = io.EOF
		}
		s.err = &errors.TransportError{Op: "connection lost", Err: err}
	}
	s.mu.Unlock()
	close(s.done)
}

func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	var err error
	s.sftpMu.Lock()
	if s.sftp != nil {
		err = multierr.Append(err, ignoreClosed(s.sftp.Close()))
		s.sftp = nil
	}
	s.sftpMu.Unlock()
	err = multierr.Append(err, ignoreClosed(s.client.Close()))
	<-s.done
	return err
}

func (s *session) Run(ctx context.Context, cmd Command) error {
	p, err := s.start(cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	select {
	case <-p.done:
		return p.Wait()
	case <-ctx.Done():
		p.Signal(ssh.SIGTERM)
		return ctx.Err()
	}
}

func (s *session) Start(ctx context.Context, cmd Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.start(cmd)
}

func (s *session) start(cmd Command) (*process, error) {
	line := cmd.String()
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, &errors.TransportError{Op: "open channel", Err: err}
	}
	sess.Stdout = cmd.Stdout
	sess.Stderr = cmd.Stderr

	s.logger.Debugw("remote exec", "command", line)
	s.stats.Counter("commands").Inc(1)
	if err := sess.Start(line); err != nil {
		sess.Close()
		return nil, &errors.TransportError{Op: "exec", Err: err}
	}

	p := &process{sess: sess, command: line, done: make(chan struct{})}
	go func() {
		p.err = classify(line, sess.Wait())
		close(p.done)
	}()
	return p, nil
}

func (s *session) MkdirAll(ctx context.Context, dirs ...string) error {
	if len(dirs) == 0 {
		return nil
	}
	return s.Run(ctx, Command{Name: "mkdir", Args: append([]string{"-p", "--"}, dirs...)})
}

func (s *session) RemoveAll(ctx context.Context, remotePath string) error {
	return s.Run(ctx, Command{Name: "rm", Args: []string{"-rf", "--", remotePath}})
}

func (s *session) WriteFile(ctx context.Context, remotePath string, content []byte) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := c.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", remotePath, err)
	}
	_, err = io.Copy(f, contextReader{ctx: ctx, r: bytes.NewReader(content)})
	err = multierr.Append(err, f.Close())
	if err != nil {
		return fmt.Errorf("writing %s: %w", remotePath, err)
	}
	s.stats.Counter("bytes_written").Inc(int64(len(content)))
	return nil
}

func (s *session) PutFile(ctx context.Context, localPath, remotePath string) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := c.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("creating parent of %s: %w", remotePath, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := c.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", remotePath, err)
	}
	n, err := io.Copy(dst, contextReader{ctx: ctx, r: src})
	err = multierr.Append(err, dst.Close())
	if err != nil {
		return fmt.Errorf("uploading %s: %w", localPath, err)
	}
	s.stats.Counter("bytes_written").Inc(n)
	return nil
}

func (s *session) GetFile(ctx context.Context, remotePath, localPath string) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}
	src, err := c.Open(remotePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	_, err = io.Copy(contextWriter{ctx: ctx, w: dst}, src)
	err = multierr.Append(err, dst.Close())
	if err != nil {
		return fmt.Errorf("downloading %s: %w", remotePath, err)
	}
	return nil
}

func (s *session) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return s.client.DialContext(ctx, network, addr)
}

func (s *session) sftpClient() (*sftp.Client, error) {
	s.sftpMu.Lock()
	defer s.sftpMu.Unlock()

	if s.sftp != nil {
		return s.sftp, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, &errors.TransportError{Op: "start sftp", Err: err}
	}
	s.sftp = c
	return c, nil
}

type process struct {
	sess    *ssh.Session
	command string
	done    chan struct{}
	err     error
}

func (p *process) Signal(sig ssh.Signal) error {
	return p.sess.Signal(sig)
}

func (p *process) Wait() error {
	<-p.done
	return p.err
}

func (p *process) Close() error {
	return ignoreClosed(p.sess.Close())
}

// classify separates commands that ran and failed from a broken channel.
func classify(command string, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if stderr.As(err, &exitErr) {
		if exitErr.Signal() != "" {
			return fmt.Errorf("command %q killed by signal %s", command, exitErr.Signal())
		}
		return &errors.CommandError{Command: command, ExitCode: exitErr.ExitStatus()}
	}
	var missing *ssh.ExitMissingError
	if stderr.As(err, &missing) {
		return fmt.Errorf("command %q: %w", command, err)
	}
	return &errors.TransportError{Op: "wait", Err: err}
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

type contextWriter struct {
	ctx context.Context
	w   io.Writer
}

func (w contextWriter) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}

func ignoreClosed(err error) error {
	if err == nil || stderr.Is(err, io.EOF) || stderr.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
