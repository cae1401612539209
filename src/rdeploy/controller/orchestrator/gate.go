package orchestrator

import (
	"sync"

	"go.uber.org/zap"
)

// stream identifies one of the two producers of deployment work.
type stream int

const (
	dependencyStream stream = iota
	sourceStream
)

func (s stream) String() string {
	if s == dependencyStream {
		return "dependencies"
	}
	return "source"
}

// gate decides when the remote process may be restarted: nothing in flight, both streams have
// finished at least one cycle, and a successful cycle finished since the last restart.
// A failed cycle counts as an event of its stream but never requests a restart on its own.
type gate struct {
	mu       sync.Mutex
	inFlight int
	seen     map[stream]bool
	pending  bool
	logger   *zap.SugaredLogger
}

func newGate(logger *zap.SugaredLogger) *gate {
	return &gate{
		seen:   make(map[stream]bool, 2),
		logger: logger,
	}
}

func (g *gate) begin(s stream) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inFlight++
	g.logger.Debugw("cycle started", "stream", s.String(), "inFlight", g.inFlight)
}

// finish ends a cycle started by begin and reports whether a restart is now due.
func (g *gate) finish(s stream, ok bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inFlight--
	if g.inFlight < 0 {
		g.logger.Errorw("unbalanced cycle finish", "stream", s.String())
		g.inFlight = 0
	}
	g.seen[s] = true
	if ok {
		g.pending = true
	}
	g.logger.Debugw("cycle finished", "stream", s.String(), "ok", ok, "inFlight", g.inFlight)
	return g.readyLocked()
}

// markSeen records a stream as satisfied without running a cycle.
func (g *gate) markSeen(s stream) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seen[s] = true
}

// claimRestart consumes the pending restart if one is still due.
func (g *gate) claimRestart() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.readyLocked() {
		return false
	}
	g.pending = false
	return true
}

func (g *gate) readyLocked() bool {
	return g.inFlight == 0 && g.pending && g.seen[dependencyStream] && g.seen[sourceStream]
}
