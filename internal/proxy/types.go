package proxy

import (
	"time"

	"github.com/Howardzhangdqs/livetoken/internal/monitor"
)

// Upstream holds the settings that may change while the server runs.
type Upstream struct {
	AnthropicBaseURL string
	OpenAIBaseURL    string
	APIKey           string
	AnthropicVersion string
}

// Options configures a Server.
type Options struct {
	Upstream Upstream

	UpstreamTimeout      time.Duration
	CaptureBytes         int
	MaxRequestBytes      int
	ObserverBuffer       int
	ObserverWriteTimeout time.Duration
}

// requestEnvelope is the part of an incoming body the proxy looks at. The body itself is
// forwarded untouched.
type requestEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type clearResponse struct {
	Cleared int `json:"cleared"`
}

type historyResponse struct {
	Requests []monitor.Event `json:"requests"`
}
