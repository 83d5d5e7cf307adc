// Package collector appends telemetry events to a newline-delimited JSON log.
package collector

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Sink is a hub observer writing one JSON event per line.
type Sink struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	closed bool
}

// NewSink opens outPath for appending.
func NewSink(outPath string) (*Sink, error) {
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open event log %s", outPath)
	}
	slog.Info("collector: writing events", "path", outPath)
	return &Sink{file: f, w: bufio.NewWriterSize(f, 1<<20)}, nil
}

// NewWriterSink writes events to w. Close flushes but does not close w.
func NewWriterSink(w io.Writer) *Sink {
	return &Sink{w: bufio.NewWriter(w)}
}

// Send appends msg and a newline, flushing immediately.
func (s *Sink) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("collector: sink closed")
	}
	if _, err := s.w.Write(msg); err != nil {
		return errors.Wrap(err, "write event")
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "write event")
	}
	return errors.Wrap(s.w.Flush(), "flush event log")
}

// Close flushes and closes the underlying file if there is one.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	err := s.w.Flush()
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
