package tokens

import (
	"net/http"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"pure cjk", "你好世界", 4},
		{"two words", "Hello world", 1},
		{"four words", "The quick brown fox", 3},
		{"single letters absorb punctuation", "a, b, c!", 2},
		{"punctuation budget", "hello!!! ???", 2},
		{"digits only", "123456", 2},
		{"mixed cjk and word", "你好 world", 2},
		{"letters glued to cjk are not words", "中文abc", 3},
		{"letters glued to digits are not words", "abc123", 2},
		{"underscore joins words", "foo_bar baz", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimate(tt.text))
		})
	}
}

func TestEstimate_WordFormula(t *testing.T) {
	// N words of five letters separated by single spaces leave N-1 spare characters.
	for n := 1; n <= 12; n++ {
		text := ""
		for i := 0; i < n; i++ {
			if i > 0 {
				text += " "
			}
			text += "abcde"
		}
		assert.Equal(t, n*3/4+(n-1)/3, Estimate(text), "n=%d", n)
	}
}

func TestCharCount(t *testing.T) {
	assert.Equal(t, 0, CharCount(""))
	assert.Equal(t, 5, CharCount("hello"))
	assert.Equal(t, 3, CharCount("中文!"))
}

func TestEstimateInput_Messages(t *testing.T) {
	body := map[string]any{
		"model": "claude",
		"messages": []any{
			map[string]any{"role": "user", "content": "Hello world"},
			map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "text", "text": "你好"},
				map[string]any{"type": "image", "source": map[string]any{}},
			}},
		},
	}
	want := Estimate("user: Hello world\nassistant: 你好[图片] \n")
	assert.Equal(t, want, EstimateInput(body))
	assert.Greater(t, want, 0)
}

func TestEstimateInput_Prompt(t *testing.T) {
	assert.Equal(t, Estimate("Say hello"), EstimateInput(map[string]any{"prompt": "Say hello"}))
	assert.Equal(t, 0, EstimateInput(nil))
	assert.Equal(t, 0, EstimateInput(map[string]any{"model": "x"}))
}

func TestEstimateInputJSON(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"user","content":"hi there"}]}`)
	assert.Equal(t, Estimate("user: hi there\n"), EstimateInputJSON(raw))
	assert.Equal(t, 0, EstimateInputJSON([]byte("not json")))
}

func TestUsageParsers(t *testing.T) {
	require.Equal(t, Usage{InputTokens: 10, OutputTokens: 2},
		FromAnthropic(&AnthropicUsage{InputTokens: 10, OutputTokens: 2}))
	require.Equal(t, Usage{}, FromAnthropic(nil))

	require.Equal(t, Usage{InputTokens: 7, OutputTokens: 3},
		FromOpenAI(&openai.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}))
	require.Equal(t, Usage{}, FromOpenAI(nil))
}

func TestHeaderParsers(t *testing.T) {
	h := http.Header{}
	h.Set("anthropic-input-tokens", "12")
	h.Set("anthropic-output-tokens", "bogus")
	h.Set("x-prompt-tokens", " 5 ")
	h.Set("x-completion-tokens", "-1")

	assert.Equal(t, Usage{InputTokens: 12}, FromAnthropicHeaders(h))
	assert.Equal(t, Usage{InputTokens: 5}, FromOpenAIHeaders(h))
	assert.Equal(t, Usage{}, FromOpenAIHeaders(http.Header{}))
}
