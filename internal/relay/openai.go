package relay

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/Howardzhangdqs/livetoken/internal/monitor"
	"github.com/Howardzhangdqs/livetoken/internal/tokens"
)

// OpenAI decodes the Chat Completions format.
type OpenAI struct{}

func (OpenAI) APIType() monitor.APIType { return monitor.APITypeOpenAI }

// DecodeEvent handles a chat.completion.chunk. Usage may ride on any chunk, including one
// that also carries content.
func (OpenAI) DecodeEvent(payload []byte) ([]Event, error) {
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, errors.Wrap(err, "decode openai chunk")
	}

	var out []Event
	if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
		out = append(out, Event{Kind: KindText, Text: chunk.Choices[0].Delta.Content})
	}
	if chunk.Usage != nil {
		out = append(out, Event{Kind: KindUsage, Usage: tokens.FromOpenAI(chunk.Usage)})
	}
	return out, nil
}

func (OpenAI) DecodeResponse(body []byte) (Response, error) {
	var completion openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return Response{}, errors.Wrap(err, "decode openai completion")
	}

	var resp Response
	if len(completion.Choices) > 0 {
		resp.Text = completion.Choices[0].Message.Content
	}
	resp.Usage = tokens.FromOpenAI(&completion.Usage)
	resp.HasUsage = resp.Usage != (tokens.Usage{})
	return resp, nil
}

func (OpenAI) HeaderUsage(h http.Header) tokens.Usage {
	return tokens.FromOpenAIHeaders(h)
}
