// Package outputwriter turns the byte streams of remote commands into log lines.
package outputwriter

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Writer is an io.Writer that sends every complete line it receives to a logger.
// Partial lines are held back until the rest of the line arrives or Flush is called.
type Writer struct {
	mu      sync.Mutex
	logger  *zap.SugaredLogger
	level   zapcore.Level
	pending []byte
}

// New creates a Writer that logs lines at the given level, tagged with the stream name.
func New(logger *zap.SugaredLogger, stream string, level zapcore.Level) *Writer {
	return &Writer{
		logger: logger.With("stream", stream),
		level:  level,
	}
}

// Write implements the io.Writer interface by sending data to the given logger.
func (w *Writer) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(w.pending[:i])
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.emit(w.pending)
	w.pending = nil
}

func (w *Writer) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Logw(w.level, string(line))
}
