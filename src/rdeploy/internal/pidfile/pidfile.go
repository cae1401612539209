// Package pidfile keeps a single running instance per pid file.
package pidfile

import (
	"bytes"
	stderr "errors"
	"fmt"
	"os"
	"strconv"

	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const _fileMode = 0o664

// Mode selects what Acquire does when the pid file names a live process.
type Mode int

const (
	// Kill terminates the previous instance and takes over.
	Kill Mode = iota
	// Die refuses to start.
	Die
)

// ParseMode converts a configuration value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "kill":
		return Kill, nil
	case "die":
		return Die, nil
	}
	return Kill, fmt.Errorf("unknown pid file mode %q", s)
}

// Guard owns a pid file.
type Guard struct {
	path   string
	logger *zap.SugaredLogger
	signal func(pid int, sig unix.Signal) error
	self   int
}

// New creates a Guard for the given path.
func New(path string, logger *zap.SugaredLogger) *Guard {
	return &Guard{
		path:   path,
		logger: logger,
		signal: unix.Kill,
		self:   os.Getpid(),
	}
}

// Acquire checks for a previous instance, handles it according to mode and records the current pid.
func (g *Guard) Acquire(mode Mode) error {
	if pid, ok := g.readPid(); ok && pid != g.self && g.alive(pid) {
		switch mode {
		case Die:
			return fmt.Errorf("%w with pid %d (%s)", errors.InstanceRunningError, pid, g.path)
		case Kill:
			g.logger.Infow("terminating previous instance", "pid", pid, "pidFile", g.path)
			if err := g.signal(pid, unix.SIGTERM); err != nil && !stderr.Is(err, unix.ESRCH) {
				return fmt.Errorf("terminating previous instance %d: %w", pid, err)
			}
		}
	}

	if err := os.WriteFile(g.path, []byte(strconv.Itoa(g.self)), _fileMode); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// Release removes the pid file if it still names the current process.
func (g *Guard) Release() error {
	if pid, ok := g.readPid(); !ok || pid != g.self {
		return nil
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}

func (g *Guard) readPid() (int, bool) {
	content, err := os.ReadFile(g.path)
	if err != nil {
		if !os.IsNotExist(err) {
			g.logger.Warnw("reading pid file", "pidFile", g.path, "error", err)
		}
		return 0, false
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(content)))
	if err != nil || pid <= 0 {
		g.logger.Warnw("ignoring malformed pid file", "pidFile", g.path, "content", string(content))
		return 0, false
	}
	return pid, true
}

// alive reports whether a process exists. EPERM means it exists but belongs to someone else.
func (g *Guard) alive(pid int) bool {
	err := g.signal(pid, 0)
	return err == nil || stderr.Is(err, unix.EPERM)
}
