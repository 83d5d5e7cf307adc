// Package relay forwards provider responses to the caller while feeding the metrics store.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/Howardzhangdqs/livetoken/internal/logger"
	"github.com/Howardzhangdqs/livetoken/internal/monitor"
)

// ErrUpstreamStatus marks a record finished because the provider answered with a non-2xx status.
var ErrUpstreamStatus = errors.New("upstream returned non-success status")

// ReasonClientGone is the error recorded when the caller goes away mid-response.
const ReasonClientGone = "client disconnected"

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Emitter publishes lifecycle events. *hub.Hub satisfies it.
type Emitter interface {
	Started(m monitor.RequestMetrics)
	FirstToken(m monitor.RequestMetrics)
	Progress(m monitor.RequestMetrics)
	Complete(m monitor.RequestMetrics)
	Error(m monitor.RequestMetrics)
}

type flusher interface {
	Flush()
}

// Relay couples one wire format to the store and the event fan-out.
type Relay struct {
	provider Provider
	store    *monitor.Store
	emit     Emitter
	logger   *slog.Logger
}

func New(p Provider, store *monitor.Store, emit Emitter, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{provider: p, store: store, emit: emit, logger: log.With("api_type", string(p.APIType()))}
}

func NewAnthropic(store *monitor.Store, emit Emitter, log *slog.Logger) *Relay {
	return New(Anthropic{}, store, emit, log)
}

func NewOpenAI(store *monitor.Store, emit Emitter, log *slog.Logger) *Relay {
	return New(OpenAI{}, store, emit, log)
}

func (r *Relay) Provider() Provider { return r.provider }

// Stream copies upstream to w line by line, flushing after each line, and updates the record
// as text and usage arrive. Lines reach w unmodified whether or not they decode. The record
// is finalized exactly once: complete at EOF, error on a read or write failure. Decode
// failures are logged at debug level through the logger carried by ctx.
func (r *Relay) Stream(ctx context.Context, w io.Writer, upstream io.Reader, id string) error {
	br := bufio.NewReaderSize(upstream, 32*1024)
	fl, _ := w.(flusher)
	log := logger.FromContext(ctx)

	for {
		line, err := br.ReadBytes('\n')

		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				r.fail(id, ReasonClientGone)
				return errors.Wrap(werr, "write to client")
			}
			if fl != nil {
				fl.Flush()
			}
			// A fragment without its newline is passed through but never decoded.
			if line[len(line)-1] == '\n' {
				r.inspect(log, id, line)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				r.complete(id)
				return nil
			}
			reason := err.Error()
			if ctx.Err() != nil {
				reason = ReasonClientGone
			}
			r.fail(id, reason)
			return errors.Wrap(err, "read upstream")
		}
	}
}

func (r *Relay) inspect(log *slog.Logger, id string, line []byte) {
	trim := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trim, dataPrefix) {
		return
	}
	payload := bytes.TrimSpace(trim[len(dataPrefix):])
	if len(payload) == 0 || bytes.Equal(payload, doneMarker) {
		return
	}

	events, err := r.provider.DecodeEvent(payload)
	if err != nil {
		log.Debug("skip undecodable event", logger.Err(err))
		return
	}
	for _, ev := range events {
		switch ev.Kind {
		case KindText:
			m, first, ok := r.store.AddContent(id, ev.Text)
			if !ok {
				continue
			}
			if first {
				r.emit.FirstToken(m)
			}
			r.emit.Progress(m)
		case KindUsage:
			r.store.SetExactOutput(id, ev.Usage.OutputTokens)
		}
	}
}

// Whole records a complete non-streamed body. An undecodable body still completes the record
// with whatever it already holds.
func (r *Relay) Whole(body []byte, id string) {
	resp, err := r.provider.DecodeResponse(body)
	if err != nil {
		r.logger.Debug("skip undecodable response", "request_id", id, logger.Err(err))
	} else {
		r.store.SetResponseText(id, resp.Text)
		if resp.HasUsage {
			if resp.Usage.InputTokens > 0 {
				r.store.SetInputTokens(id, resp.Usage.InputTokens)
			}
			r.store.SetExactOutput(id, resp.Usage.OutputTokens)
		}
	}
	r.complete(id)
}

// Reject copies a non-success upstream body to w unchanged and fails the record. The
// returned error wraps ErrUpstreamStatus, or the copy failure if the body did not get through.
func (r *Relay) Reject(w io.Writer, upstream io.Reader, id string, status int) error {
	_, err := io.Copy(w, upstream)
	if fl, ok := w.(flusher); ok {
		fl.Flush()
	}
	r.fail(id, fmt.Sprintf("upstream returned status %d", status))
	if err != nil {
		return errors.Wrap(err, "relay upstream error body")
	}
	return errors.Wrapf(ErrUpstreamStatus, "status %d", status)
}

// Abort fails the record without any upstream body, e.g. after a transport error.
func (r *Relay) Abort(id, reason string) {
	r.fail(id, reason)
}

func (r *Relay) complete(id string) {
	cur, ok := r.store.Get(id)
	if !ok {
		return
	}
	m, ok := r.store.Complete(id, cur.InputTokens, cur.TokenCount)
	if !ok {
		return
	}
	r.emit.Complete(m)
}

func (r *Relay) fail(id, reason string) {
	cur, ok := r.store.Get(id)
	if !ok {
		return
	}
	m, ok := r.store.Fail(id, cur.InputTokens, cur.TokenCount, reason)
	if !ok {
		return
	}
	r.emit.Error(m)
}
