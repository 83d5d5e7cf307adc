package monitor

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Howardzhangdqs/livetoken/internal/tokens"
)

// DefaultMaxHistory is used when a store is created with a non-positive history cap.
const DefaultMaxHistory = 100

// Stats summarizes the retained history.
type Stats struct {
	TotalRequests int     `json:"total_requests"`
	AvgTTFT       float64 `json:"avg_ttft"`
	AvgSpeed      float64 `json:"avg_speed"`
}

// Store owns active and completed request records. All access goes through a single mutex;
// callers only ever receive copies.
type Store struct {
	mu         sync.Mutex
	active     map[string]*RequestMetrics
	order      []string // active ids in creation order
	history    []*RequestMetrics
	maxHistory int

	now   func() time.Time
	newID func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the random id source.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// NewStore creates a store retaining at most maxHistory completed records.
func NewStore(maxHistory int, opts ...Option) *Store {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	s := &Store{
		active:     make(map[string]*RequestMetrics),
		maxHistory: maxHistory,
		now:        time.Now,
		newID:      newRequestID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newRequestID() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Create registers a new active request and returns a copy of it.
func (s *Store) Create(apiType APIType, model string) RequestMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	for s.knownLocked(id) {
		id = s.newID()
	}
	m := &RequestMetrics{
		ID:              id,
		APIType:         apiType,
		Model:           model,
		StartTime:       s.now(),
		TokensEstimated: true,
	}
	s.active[id] = m
	s.order = append(s.order, id)
	return *m
}

func (s *Store) knownLocked(id string) bool {
	if _, ok := s.active[id]; ok {
		return true
	}
	for _, m := range s.history {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Get returns the active record with the given id.
func (s *Store) Get(id string) (RequestMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.active[id]
	if !ok {
		return RequestMetrics{}, false
	}
	return *m, true
}

// SetRequestBody keeps the decoded request payload for later inspection.
func (s *Store) SetRequestBody(id string, body json.RawMessage) bool {
	_, ok := s.mutate(id, func(m *RequestMetrics) {
		m.RequestBody = append(json.RawMessage(nil), body...)
	})
	return ok
}

// SetInputTokens records the input token count of an active request.
func (s *Store) SetInputTokens(id string, n int) (RequestMetrics, bool) {
	return s.mutate(id, func(m *RequestMetrics) { m.InputTokens = n })
}

// AddContent appends generated text, records the first token time and refreshes the
// running output estimate. first is true only for the call that set the first token time.
func (s *Store) AddContent(id, text string) (m RequestMetrics, first bool, ok bool) {
	m, ok = s.mutate(id, func(r *RequestMetrics) {
		r.AccumulatedText += text
		if r.FirstTokenTime.IsZero() {
			r.FirstTokenTime = s.now()
			first = true
		}
		if r.TokensEstimated {
			r.TokenCount = tokens.Estimate(r.AccumulatedText)
		}
	})
	return m, first, ok
}

// SetResponseText replaces the generated text with a whole response body and estimates its
// token count unless an exact count is already known.
func (s *Store) SetResponseText(id, text string) (RequestMetrics, bool) {
	return s.mutate(id, func(m *RequestMetrics) {
		m.AccumulatedText = text
		if m.TokensEstimated {
			m.TokenCount = tokens.Estimate(text)
		}
	})
}

// SetExactOutput overwrites the running estimate with an upstream-reported output count.
// Zero counts are ignored so the estimate survives.
func (s *Store) SetExactOutput(id string, n int) (RequestMetrics, bool) {
	return s.mutate(id, func(m *RequestMetrics) {
		if n <= 0 {
			return
		}
		m.TokenCount = n
		m.TokensEstimated = false
	})
}

func (s *Store) mutate(id string, fn func(*RequestMetrics)) (RequestMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.active[id]
	if !ok {
		return RequestMetrics{}, false
	}
	fn(m)
	return *m, true
}

// Complete finalizes an active request and moves it to history. A zero outputTokens keeps
// the running estimate. It reports false if id is not active.
func (s *Store) Complete(id string, inputTokens, outputTokens int) (RequestMetrics, bool) {
	return s.finish(id, inputTokens, outputTokens, "")
}

// Fail is Complete with an error message attached to the record.
func (s *Store) Fail(id string, inputTokens, outputTokens int, reason string) (RequestMetrics, bool) {
	return s.finish(id, inputTokens, outputTokens, reason)
}

func (s *Store) finish(id string, inputTokens, outputTokens int, reason string) (RequestMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.active[id]
	if !ok {
		return RequestMetrics{}, false
	}
	m.EndTime = s.now()
	m.InputTokens = inputTokens
	if outputTokens != 0 {
		m.TokenCount = outputTokens
	}
	if reason != "" {
		m.Error = reason
	}

	delete(s.active, id)
	s.removeOrderLocked(id)
	s.history = append(s.history, m)
	if len(s.history) > s.maxHistory {
		s.history[0] = nil
		s.history = s.history[1:]
	}
	return *m, true
}

func (s *Store) removeOrderLocked(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Active returns copies of the in-flight records in creation order.
func (s *Store) Active() []RequestMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RequestMetrics, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.active[id])
	}
	return out
}

// ActiveCount is the number of in-flight records.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// History returns the most recent limit completed records, oldest first. A non-positive
// limit returns the whole history.
func (s *Store) History(limit int) []RequestMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if limit > 0 && limit < len(s.history) {
		start = len(s.history) - limit
	}
	out := make([]RequestMetrics, 0, len(s.history)-start)
	for _, m := range s.history[start:] {
		out = append(out, *m)
	}
	return out
}

// Lookup finds a record among active requests first, then history.
func (s *Store) Lookup(id string) (RequestMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.active[id]; ok {
		return *m, true
	}
	for _, m := range s.history {
		if m.ID == id {
			return *m, true
		}
	}
	return RequestMetrics{}, false
}

// Detail renders the record with the given id for inspection.
func (s *Store) Detail(id string) (Detail, bool) {
	m, ok := s.Lookup(id)
	if !ok {
		return Detail{}, false
	}
	return m.Detail(s.now()), true
}

// ClearHistory drops every completed record and returns how many were removed.
func (s *Store) ClearHistory() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.history)
	s.history = nil
	return n
}

// Stats averages TTFT over records that produced output and speed over all history.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.history)
	if total == 0 {
		return Stats{}
	}

	now := s.now()
	var ttftSum, speedSum float64
	withTTFT := 0
	for _, m := range s.history {
		if ttft, ok := m.TTFT(); ok {
			ttftSum += ttft.Seconds()
			withTTFT++
		}
		speedSum += m.TokenSpeed(now)
	}

	st := Stats{TotalRequests: total, AvgSpeed: round(speedSum/float64(total), 2)}
	if withTTFT > 0 {
		st.AvgTTFT = round(ttftSum/float64(withTTFT), 3)
	}
	return st
}
