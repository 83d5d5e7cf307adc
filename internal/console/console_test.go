package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Howardzhangdqs/livetoken/internal/monitor"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newStore(c *clock, ids ...string) *monitor.Store {
	i := 0
	return monitor.NewStore(10, monitor.WithClock(c.now), monitor.WithIDGenerator(func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}))
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		chars  int
		filled int
		pct    string
	}{
		{chars: 0, filled: 0, pct: "  0%"},
		{chars: 1000, filled: 20, pct: " 50%"},
		{chars: 2000, filled: 40, pct: "100%"},
		{chars: 9000, filled: 40, pct: "100%"},
	}
	for _, tt := range tests {
		bar := ProgressBar(tt.chars)
		require.Equal(t, tt.filled, strings.Count(bar, "█"), "chars=%d", tt.chars)
		require.Equal(t, 40-tt.filled, strings.Count(bar, "░"), "chars=%d", tt.chars)
		require.True(t, strings.HasSuffix(bar, tt.pct), bar)
	}
}

func TestRender_Idle(t *testing.T) {
	c := &clock{t: time.Date(2024, 5, 1, 13, 14, 15, 0, time.UTC)}
	out := New(newStore(c, "AAAA0001"), nil).Render()

	require.Contains(t, out, "LiveToken Monitor")
	require.Contains(t, out, "[13:14:15]")
	require.Contains(t, out, "waiting for requests...")
	require.Contains(t, out, "stats: 0 requests")
}

func TestRender_ActiveRequests(t *testing.T) {
	c := &clock{t: time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)}
	store := newStore(c, "AAAA0001", "BBBB0002")

	a := store.Create(monitor.APITypeAnthropic, "claude-3-5-sonnet-20241022-extended-context")
	store.SetInputTokens(a.ID, 12)
	c.t = c.t.Add(500 * time.Millisecond)
	store.AddContent(a.ID, strings.Repeat("x", 1000))
	store.Create(monitor.APITypeOpenAI, "gpt-4o")
	c.t = c.t.Add(500 * time.Millisecond)

	out := New(store, nil).Render()
	require.Contains(t, out, "[ANT-AAAA0001]")
	require.Contains(t, out, "claude-3-5-sonnet-20241022-...")
	require.Contains(t, out, "TTFT: 0.50s")
	require.Contains(t, out, "(in: 12)")
	require.Contains(t, out, "[OAI-BBBB0002]")
	require.Contains(t, out, "TTFT: --")
	require.Contains(t, out, " 50%")
	require.NotContains(t, out, "waiting for requests")
}

func TestRender_Sparkline(t *testing.T) {
	c := &clock{t: time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)}
	store := newStore(c, "AAAA0001", "BBBB0002")
	for i := 0; i < 2; i++ {
		m := store.Create(monitor.APITypeOpenAI, "gpt")
		c.t = c.t.Add(time.Second)
		store.Complete(m.ID, 1, 10*(i+1))
	}

	out := New(store, nil).Render()
	require.Contains(t, out, "speed (t/s)")
	require.Contains(t, out, "stats: 2 requests")
}

func TestRun_StopsOnCancel(t *testing.T) {
	c := &clock{t: time.Now()}
	var buf bytes.Buffer
	con := New(newStore(c, "AAAA0001"), &buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, con.Run(ctx))
	require.True(t, strings.HasPrefix(buf.String(), clearScreen))
}

func TestEnabled(t *testing.T) {
	require.False(t, Enabled(false, nil))
	require.False(t, Enabled(true, nil))
}
