// Package tokens approximates token counts when the upstream does not report them and maps
// provider usage payloads to input/output counts.
package tokens

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// imagePlaceholder stands in for each non-text content part of a message.
const imagePlaceholder = "[图片] "

// Estimate approximates the token count of text: one token per CJK ideograph, 0.75 per
// English word and one per three remaining characters.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	total, cjk, words := 0, 0, 0
	prevWord := false // previous rune is a word character
	inRun := false    // inside a run of ASCII letters that started on a word boundary
	for _, r := range text {
		total++
		if r >= 0x4e00 && r <= 0x9fff {
			cjk++
		}
		isLetter := r < utf8.RuneSelf && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
		isWord := isWordRune(r)
		switch {
		case isLetter && !inRun && !prevWord:
			inRun = true
		case isLetter && inRun:
		case inRun && !isWord:
			words++
			inRun = false
		default:
			inRun = false
		}
		prevWord = isWord
	}
	if inRun {
		words++
	}

	other := total - cjk - words*5
	if other < 0 {
		other = 0
	}
	return cjk + words*3/4 + other/3
}

// isWordRune reports whether r is a word character in the Unicode sense: letters, numbers
// and the underscore. A run of ASCII letters only counts as a word when it is not glued to
// other word characters.
func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

// CharCount is the number of code points in text.
func CharCount(text string) int {
	return utf8.RuneCountInString(text)
}

// EstimateInput approximates the prompt size of a decoded request body. Bodies with a
// messages array are flattened to "role: content" lines; otherwise a prompt field is used.
func EstimateInput(body map[string]any) int {
	if len(body) == 0 {
		return 0
	}

	var sb strings.Builder
	if messages, ok := body["messages"]; ok {
		list, _ := messages.([]any)
		for _, item := range list {
			msg, ok := item.(map[string]any)
			if !ok {
				continue
			}
			role, _ := msg["role"].(string)
			sb.WriteString(role)
			sb.WriteString(": ")
			sb.WriteString(contentText(msg["content"]))
			sb.WriteString("\n")
		}
	} else if prompt, ok := body["prompt"]; ok {
		sb.WriteString(stringify(prompt))
	}
	return Estimate(sb.String())
}

// EstimateInputJSON decodes raw as a JSON object and estimates its input tokens. Bodies that
// are not JSON objects estimate to zero.
func EstimateInputJSON(raw []byte) int {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0
	}
	return EstimateInput(body)
}

func contentText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, part := range c {
			block, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if block["type"] == "text" {
				text, _ := block["text"].(string)
				sb.WriteString(text)
				continue
			}
			sb.WriteString(imagePlaceholder)
		}
		return sb.String()
	default:
		return stringify(c)
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
