// Package remote is the SSH/SFTP gateway to the deployment host.
package remote

import (
	"context"
	"io"
	"net"
	"regexp"
	"strings"

	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"go.uber.org/fx"
	"golang.org/x/crypto/ssh"
)

// Module is the Fx module for this package.
var Module = fx.Provide(NewDialer)

// Command is a program run on the remote host through the login shell.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory. Empty means the login directory.
	Dir string
	// PidFile, relative to Dir, receives the process id before the program starts.
	PidFile string
	Stdout  io.Writer
	Stderr io.Writer
}

var _shellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// String renders the command line sent to the remote shell. The program replaces the shell via exec
// so that signals reach it directly.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, quote(a))
	}
	line := "exec " + strings.Join(parts, " ")
	if c.PidFile != "" {
		line = "echo $$ > " + quote(c.PidFile) + " && " + line
	}
	if c.Dir != "" {
		line = "cd " + quote(c.Dir) + " && " + line
	}
	return line
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if _shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Process is a remote command started in the background.
type Process interface {
	// Signal delivers a signal to the remote process.
	Signal(sig ssh.Signal) error
	// Wait blocks until the process exits. It may be called more than once.
	Wait() error
	// Close tears down the channel the process runs on.
	Close() error
}

// Session is an established connection to the deployment host.
// Errors caused by the connection itself are *errors.TransportError; a command that ran and failed
// returns *errors.CommandError.
type Session interface {
	// Run executes the command and waits for it. Cancelling ctx closes the command's channel.
	Run(ctx context.Context, cmd Command) error
	// Start executes the command without waiting for it.
	Start(ctx context.Context, cmd Command) (Process, error)
	// MkdirAll creates every directory and its parents with a single remote command.
	MkdirAll(ctx context.Context, dirs ...string) error
	WriteFile(ctx context.Context, remotePath string, content []byte) error
	PutFile(ctx context.Context, localPath, remotePath string) error
	GetFile(ctx context.Context, remotePath, localPath string) error
	RemoveAll(ctx context.Context, remotePath string) error
	// Dial opens a connection from the remote host to addr.
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
	// Err reports why the connection ended. It is nil after Close.
	Err() error
	Close() error
}

// Dialer opens Sessions.
type Dialer interface {
	Dial(ctx context.Context, target entity.RemoteTarget) (Session, error)
}
