package relay

import (
	"net/http"

	"github.com/Howardzhangdqs/livetoken/internal/monitor"
	"github.com/Howardzhangdqs/livetoken/internal/tokens"
)

// Kind tags a decoded stream event.
type Kind int

const (
	// KindIgnored is a well-formed event that carries nothing of interest.
	KindIgnored Kind = iota
	// KindText carries an increment of generated text.
	KindText
	// KindUsage carries an upstream usage block.
	KindUsage
)

// Event is one decoded protocol event. Text is set for KindText, Usage for KindUsage.
type Event struct {
	Kind  Kind
	Text  string
	Usage tokens.Usage
}

// Response is what a whole, non-streamed provider response yields.
type Response struct {
	Text     string
	Usage    tokens.Usage
	HasUsage bool
}

// Provider decodes one wire format.
type Provider interface {
	APIType() monitor.APIType
	// DecodeEvent decodes the payload of one data line. A single payload may carry more
	// than one event.
	DecodeEvent(payload []byte) ([]Event, error)
	// DecodeResponse decodes a whole response body.
	DecodeResponse(body []byte) (Response, error)
	// HeaderUsage reads token counts exposed as response headers.
	HeaderUsage(h http.Header) tokens.Usage
}
