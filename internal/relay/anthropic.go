package relay

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/Howardzhangdqs/livetoken/internal/monitor"
	"github.com/Howardzhangdqs/livetoken/internal/tokens"
)

// Anthropic decodes the Messages API format.
type Anthropic struct{}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *tokens.AnthropicUsage `json:"usage"`
}

type anthropicMessage struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *tokens.AnthropicUsage `json:"usage"`
}

func (Anthropic) APIType() monitor.APIType { return monitor.APITypeAnthropic }

func (Anthropic) DecodeEvent(payload []byte) ([]Event, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, errors.Wrap(err, "decode anthropic event")
	}

	switch ev.Type {
	case "content_block_delta":
		if ev.Delta == nil || ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
			return nil, nil
		}
		return []Event{{Kind: KindText, Text: ev.Delta.Text}}, nil
	case "message_stop":
		if ev.Usage == nil {
			return nil, nil
		}
		return []Event{{Kind: KindUsage, Usage: tokens.FromAnthropic(ev.Usage)}}, nil
	}
	return nil, nil
}

func (Anthropic) DecodeResponse(body []byte) (Response, error) {
	var msg anthropicMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return Response{}, errors.Wrap(err, "decode anthropic message")
	}

	var resp Response
	if len(msg.Content) > 0 {
		resp.Text = msg.Content[0].Text
	}
	if msg.Usage != nil {
		resp.Usage = tokens.FromAnthropic(msg.Usage)
		resp.HasUsage = true
	}
	return resp, nil
}

func (Anthropic) HeaderUsage(h http.Header) tokens.Usage {
	return tokens.FromAnthropicHeaders(h)
}
