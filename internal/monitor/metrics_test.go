package monitor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMetrics_Event(t *testing.T) {
	start := time.Unix(1700000000, 0)
	m := RequestMetrics{
		ID:              "ABCD1234",
		APIType:         APITypeAnthropic,
		Model:           "claude",
		StartTime:       start,
		FirstTokenTime:  start.Add(250 * time.Millisecond),
		AccumulatedText: "你好 world",
		TokenCount:      9,
		InputTokens:     4,
		TokensEstimated: true,
	}

	ev := m.Event(EventProgress, start.Add(3*time.Second))
	require.Equal(t, EventProgress, ev.Type)
	require.NotNil(t, ev.TTFT)
	assert.InDelta(t, 0.25, *ev.TTFT, 1e-9)
	assert.Equal(t, 8, ev.Chars)
	assert.InDelta(t, 3.0, ev.Speed, 1e-9)
	assert.InDelta(t, 3.0, ev.Duration, 1e-9)
	assert.Nil(t, ev.EndTime)
	assert.Nil(t, ev.Error)
	assert.InDelta(t, 1700000000.0, ev.StartTime, 1e-6)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{"type", "request_id", "api_type", "model", "ttft", "tokens", "chars",
		"input_tokens", "speed", "duration", "error", "tokens_estimated", "start_time", "end_time"} {
		assert.Contains(t, decoded, key)
	}
}

func TestRequestMetrics_EventWithoutTokens(t *testing.T) {
	start := time.Unix(1700000000, 0)
	m := RequestMetrics{ID: "X", APIType: APITypeOpenAI, StartTime: start, EndTime: start, Error: "boom"}

	ev := m.Event(EventError, start.Add(time.Hour))
	assert.Nil(t, ev.TTFT)
	assert.Zero(t, ev.Speed, "zero duration yields zero speed")
	require.NotNil(t, ev.EndTime)
	require.NotNil(t, ev.Error)
	assert.Equal(t, "boom", *ev.Error)
}

func TestRequestMetrics_Display(t *testing.T) {
	m := RequestMetrics{ID: "1A2B3C4D", APIType: APITypeOpenAI, Model: "a-very-long-model-name-that-keeps-going"}
	assert.Equal(t, "[OAI-1A2B3C4D]", m.ShortID())
	assert.Equal(t, "a-very-long-model-name-that...", m.ModelDisplay())
	assert.Len(t, []rune(m.ModelDisplay()), 30)

	m.Model = "short"
	assert.Equal(t, "short", m.ModelDisplay())
	assert.Equal(t, "ANT", APITypeAnthropic.ShortCode())
	assert.Equal(t, "33", APITypeAnthropic.Color())
	assert.Equal(t, "42", APITypeOpenAI.Color())
}
