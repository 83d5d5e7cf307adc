package tokens

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Usage is a provider-reported token count.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// AnthropicUsage is the usage block of an Anthropic message or stream event.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FromAnthropic maps an Anthropic usage block. A nil block yields zero counts.
func FromAnthropic(u *AnthropicUsage) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}

// FromOpenAI maps an OpenAI usage block. A nil block yields zero counts.
func FromOpenAI(u *openai.Usage) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

// FromAnthropicHeaders reads the token counts some Anthropic-compatible upstreams expose as
// response headers.
func FromAnthropicHeaders(h http.Header) Usage {
	return Usage{
		InputTokens:  headerInt(h, "anthropic-input-tokens"),
		OutputTokens: headerInt(h, "anthropic-output-tokens"),
	}
}

// FromOpenAIHeaders reads the custom token headers set by some OpenAI-compatible proxies.
func FromOpenAIHeaders(h http.Header) Usage {
	return Usage{
		InputTokens:  headerInt(h, "x-prompt-tokens"),
		OutputTokens: headerInt(h, "x-completion-tokens"),
	}
}

func headerInt(h http.Header, key string) int {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
