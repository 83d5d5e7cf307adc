// Package hub fans telemetry events out to connected observers.
package hub

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Howardzhangdqs/livetoken/internal/logger"
	"github.com/Howardzhangdqs/livetoken/internal/monitor"
)

var (
	// ErrObserverClosed is returned by observers that can no longer deliver.
	ErrObserverClosed = errors.New("observer closed")
	// ErrObserverSlow is returned when an observer's outbound queue is full.
	ErrObserverSlow = errors.New("observer queue full")
)

// Observer receives serialized events. Send must not block for long: observers that cannot
// keep up should fail and will be dropped.
type Observer interface {
	Send(msg []byte) error
}

// Listener receives every broadcast event in its typed form.
type Listener func(monitor.Event)

// Source provides the state replayed to newly connected observers.
type Source interface {
	History(limit int) []monitor.RequestMetrics
	Active() []monitor.RequestMetrics
	Now() time.Time
}

// Hub owns the observer set.
type Hub struct {
	mu        sync.Mutex
	observers map[Observer]struct{}
	listeners []Listener

	source Source
	logger *slog.Logger
}

// New creates a hub replaying state from source.
func New(source Source, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		observers: make(map[Observer]struct{}),
		source:    source,
		logger:    logger,
	}
}

// Listen registers a typed listener. Listeners run synchronously inside Broadcast and must
// be fast.
func (h *Hub) Listen(l Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

// Replayer is implemented by observers that take the connect-time replay in one piece,
// outside the bound on their live queue.
type Replayer interface {
	Replay(msgs [][]byte) error
}

// Connect registers o and replays the retained history as complete events followed by the
// active requests as progress events. Registration and replay happen in one critical
// section, so no live event can reach o before its replay. If the replay cannot be
// delivered the observer is not registered.
func (h *Hub) Connect(o Observer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	// The snapshot is taken under the hub lock: a store change whose broadcast missed o
	// is then already visible in the replay.
	history := h.source.History(0)
	active := h.source.Active()
	now := h.source.Now()

	msgs := make([][]byte, 0, len(history)+len(active))
	for _, m := range history {
		msg, err := encode(m.Event(monitor.EventComplete, now))
		if err != nil {
			return errors.Wrap(err, "replay history")
		}
		msgs = append(msgs, msg)
	}
	for _, m := range active {
		msg, err := encode(m.Event(monitor.EventProgress, now))
		if err != nil {
			return errors.Wrap(err, "replay active requests")
		}
		msgs = append(msgs, msg)
	}

	if r, ok := o.(Replayer); ok {
		if err := r.Replay(msgs); err != nil {
			return errors.Wrap(err, "replay")
		}
	} else {
		for _, msg := range msgs {
			if err := o.Send(msg); err != nil {
				return errors.Wrap(err, "replay")
			}
		}
	}
	h.observers[o] = struct{}{}
	return nil
}

// Disconnect removes o. Unknown observers are ignored.
func (h *Hub) Disconnect(o Observer) {
	h.mu.Lock()
	delete(h.observers, o)
	h.mu.Unlock()
}

// Len is the number of registered observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Broadcast serializes ev once and delivers it to every observer. Observers whose delivery
// fails are dropped.
func (h *Hub) Broadcast(ev monitor.Event) {
	h.mu.Lock()
	listeners := h.listeners
	observers := make([]Observer, 0, len(h.observers))
	for o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
	if len(observers) == 0 {
		return
	}

	msg, err := encode(ev)
	if err != nil {
		h.logger.Error("encode telemetry event", logger.Err(err), "type", ev.Type, "request_id", ev.RequestID)
		return
	}

	var failed []Observer
	for _, o := range observers {
		if err := o.Send(msg); err != nil {
			failed = append(failed, o)
		}
	}
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, o := range failed {
		delete(h.observers, o)
	}
	h.mu.Unlock()
	h.logger.Debug("dropped observers", "count", len(failed), "type", ev.Type)
}

// Started announces a new request.
func (h *Hub) Started(m monitor.RequestMetrics) { h.emit(m, monitor.EventStarted) }

// FirstToken announces the first output text of a request.
func (h *Hub) FirstToken(m monitor.RequestMetrics) { h.emit(m, monitor.EventFirstToken) }

// Progress announces new output text.
func (h *Hub) Progress(m monitor.RequestMetrics) { h.emit(m, monitor.EventProgress) }

// Complete announces a finished request.
func (h *Hub) Complete(m monitor.RequestMetrics) { h.emit(m, monitor.EventComplete) }

// Error announces a failed request; the reason is carried in m.Error.
func (h *Hub) Error(m monitor.RequestMetrics) { h.emit(m, monitor.EventError) }

func (h *Hub) emit(m monitor.RequestMetrics, typ monitor.EventType) {
	h.Broadcast(m.Event(typ, h.source.Now()))
}

func encode(ev monitor.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return nil, errors.Wrap(err, "marshal event")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
