package exporter

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Howardzhangdqs/livetoken/internal/hub"
	"github.com/Howardzhangdqs/livetoken/internal/monitor"
)

func ptr(v float64) *float64 { return &v }

func TestObserve_CountsTerminalEvents(t *testing.T) {
	e := New(nil, nil)

	e.Observe(monitor.Event{Type: monitor.EventStarted, APIType: monitor.APITypeOpenAI})
	e.Observe(monitor.Event{Type: monitor.EventProgress, APIType: monitor.APITypeOpenAI, Tokens: 3})
	e.Observe(monitor.Event{
		Type: monitor.EventComplete, APIType: monitor.APITypeOpenAI,
		TTFT: ptr(0.4), Duration: 2, Tokens: 20, InputTokens: 7,
	})
	e.Observe(monitor.Event{
		Type: monitor.EventError, APIType: monitor.APITypeAnthropic,
		Duration: 0.1, InputTokens: 3,
	})

	require.Equal(t, 1.0, testutil.ToFloat64(e.requests.WithLabelValues("openai", "complete")))
	require.Equal(t, 1.0, testutil.ToFloat64(e.requests.WithLabelValues("anthropic", "error")))
	require.Equal(t, 0.0, testutil.ToFloat64(e.requests.WithLabelValues("openai", "error")))
	require.Equal(t, 20.0, testutil.ToFloat64(e.tokens.WithLabelValues("openai", "output")))
	require.Equal(t, 7.0, testutil.ToFloat64(e.tokens.WithLabelValues("openai", "input")))
	require.Equal(t, 3.0, testutil.ToFloat64(e.tokens.WithLabelValues("anthropic", "input")))
	require.Equal(t, 1, testutil.CollectAndCount(e.ttft))
}

func TestGauges(t *testing.T) {
	store := monitor.NewStore(10)
	h := hub.New(store, nil)
	e := New(store.ActiveCount, h.Len)

	store.Create(monitor.APITypeOpenAI, "gpt")
	store.Create(monitor.APITypeAnthropic, "claude")

	count, err := testutil.GatherAndCount(e.Registry(), "livetoken_active_requests", "livetoken_telemetry_observers")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "livetoken_active_requests 2")
	require.Contains(t, string(body), "livetoken_telemetry_observers 0")
}

func TestObserve_AsHubListener(t *testing.T) {
	store := monitor.NewStore(10)
	h := hub.New(store, nil)
	e := New(store.ActiveCount, h.Len)
	h.Listen(e.Observe)

	m := store.Create(monitor.APITypeAnthropic, "claude")
	h.Started(m)
	m, _ = store.Complete(m.ID, 4, 9)
	h.Complete(m)

	require.Equal(t, 1.0, testutil.ToFloat64(e.requests.WithLabelValues("anthropic", "complete")))
	require.Equal(t, 9.0, testutil.ToFloat64(e.tokens.WithLabelValues("anthropic", "output")))
}
