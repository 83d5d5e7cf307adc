// Package monitor tracks per-request timing and token metrics for relayed LLM calls.
package monitor

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Howardzhangdqs/livetoken/internal/tokens"
)

// APIType is the wire format of a relayed request.
type APIType string

const (
	APITypeAnthropic APIType = "anthropic"
	APITypeOpenAI    APIType = "openai"
)

// ShortCode is the three letter tag used in short ids.
func (t APIType) ShortCode() string {
	if t == APITypeAnthropic {
		return "ANT"
	}
	return "OAI"
}

// Color is the ANSI 256 color code the API type is drawn in.
func (t APIType) Color() string {
	if t == APITypeAnthropic {
		return "33"
	}
	return "42"
}

// EventType names a telemetry event.
type EventType string

const (
	EventStarted    EventType = "started"
	EventFirstToken EventType = "first_token"
	EventProgress   EventType = "progress"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// RequestMetrics is the record of a single relayed request. Values handed out by Store are
// copies; mutating them does not affect the store.
type RequestMetrics struct {
	ID              string
	APIType         APIType
	Model           string
	StartTime       time.Time
	FirstTokenTime  time.Time
	EndTime         time.Time
	AccumulatedText string
	TokenCount      int
	InputTokens     int
	TokensEstimated bool
	Error           string
	RequestBody     json.RawMessage
}

// TTFT is the time to first token. The boolean is false until the first output text arrived.
func (m RequestMetrics) TTFT() (time.Duration, bool) {
	if m.FirstTokenTime.IsZero() {
		return 0, false
	}
	return m.FirstTokenTime.Sub(m.StartTime), true
}

// Duration is the elapsed time of the request, measured up to now while it is still active.
func (m RequestMetrics) Duration(now time.Time) time.Duration {
	end := m.EndTime
	if end.IsZero() {
		end = now
	}
	return end.Sub(m.StartTime)
}

// TokenSpeed is output tokens per second over Duration.
func (m RequestMetrics) TokenSpeed(now time.Time) float64 {
	d := m.Duration(now).Seconds()
	if d <= 0 {
		return 0
	}
	return float64(m.TokenCount) / d
}

// CharCount is the number of generated characters so far.
func (m RequestMetrics) CharCount() int {
	return tokens.CharCount(m.AccumulatedText)
}

// Completed reports whether the record has been finalized.
func (m RequestMetrics) Completed() bool {
	return !m.EndTime.IsZero()
}

// ShortID renders the id with its API type tag, e.g. "[ANT-1A2B3C4D]".
func (m RequestMetrics) ShortID() string {
	return fmt.Sprintf("[%s-%s]", m.APIType.ShortCode(), m.ID)
}

// ModelDisplay truncates long model names to 30 characters.
func (m RequestMetrics) ModelDisplay() string {
	r := []rune(m.Model)
	if len(r) > 30 {
		return string(r[:27]) + "..."
	}
	return m.Model
}

// Event is the telemetry payload broadcast to observers.
type Event struct {
	Type            EventType `json:"type"`
	RequestID       string    `json:"request_id"`
	APIType         APIType   `json:"api_type"`
	Model           string    `json:"model"`
	TTFT            *float64  `json:"ttft"`
	Tokens          int       `json:"tokens"`
	Chars           int       `json:"chars"`
	InputTokens     int       `json:"input_tokens"`
	Speed           float64   `json:"speed"`
	Duration        float64   `json:"duration"`
	Error           *string   `json:"error"`
	TokensEstimated bool      `json:"tokens_estimated"`
	StartTime       float64   `json:"start_time"`
	EndTime         *float64  `json:"end_time"`
}

// Event renders the record as a telemetry event of the given type.
func (m RequestMetrics) Event(typ EventType, now time.Time) Event {
	return Event{
		Type:            typ,
		RequestID:       m.ID,
		APIType:         m.APIType,
		Model:           m.Model,
		TTFT:            m.ttftSeconds(),
		Tokens:          m.TokenCount,
		Chars:           m.CharCount(),
		InputTokens:     m.InputTokens,
		Speed:           round(m.TokenSpeed(now), 2),
		Duration:        round(m.Duration(now).Seconds(), 3),
		Error:           optionalString(m.Error),
		TokensEstimated: m.TokensEstimated,
		StartTime:       unixSeconds(m.StartTime),
		EndTime:         m.endSeconds(),
	}
}

// Detail is the full inspection view of a record, including the request body and the
// generated text.
type Detail struct {
	RequestID       string          `json:"request_id"`
	APIType         APIType         `json:"api_type"`
	Model           string          `json:"model"`
	StartTime       float64         `json:"start_time"`
	EndTime         *float64        `json:"end_time"`
	TTFT            *float64        `json:"ttft"`
	Duration        float64         `json:"duration"`
	InputTokens     int             `json:"input_tokens"`
	OutputTokens    int             `json:"output_tokens"`
	TokensEstimated bool            `json:"tokens_estimated"`
	Speed           float64         `json:"speed"`
	RequestBody     json.RawMessage `json:"request_body"`
	ResponseText    string          `json:"response_text"`
	Error           *string         `json:"error"`
}

// Detail renders the record for the request detail API.
func (m RequestMetrics) Detail(now time.Time) Detail {
	body := m.RequestBody
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	return Detail{
		RequestID:       m.ID,
		APIType:         m.APIType,
		Model:           m.Model,
		StartTime:       unixSeconds(m.StartTime),
		EndTime:         m.endSeconds(),
		TTFT:            m.ttftSeconds(),
		Duration:        round(m.Duration(now).Seconds(), 3),
		InputTokens:     m.InputTokens,
		OutputTokens:    m.TokenCount,
		TokensEstimated: m.TokensEstimated,
		Speed:           round(m.TokenSpeed(now), 2),
		RequestBody:     body,
		ResponseText:    m.AccumulatedText,
		Error:           optionalString(m.Error),
	}
}

func (m RequestMetrics) ttftSeconds() *float64 {
	ttft, ok := m.TTFT()
	if !ok {
		return nil
	}
	v := round(ttft.Seconds(), 3)
	return &v
}

func (m RequestMetrics) endSeconds() *float64 {
	if m.EndTime.IsZero() {
		return nil
	}
	v := unixSeconds(m.EndTime)
	return &v
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
