package proxy

import (
	"net/http"
	"strings"
)

func BearerToken(auth string) string {
	auth = strings.TrimSpace(auth)
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func IsHopByHopHeader(k string) bool {
	switch strings.ToLower(strings.TrimSpace(k)) {
	case "connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
		"te", "trailer", "transfer-encoding", "upgrade":
		return true
	default:
		return false
	}
}

// copyResponseHeaders copies end-to-end headers from src to dst.
func copyResponseHeaders(dst, src http.Header) {
	for k, vals := range src {
		if IsHopByHopHeader(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// copyCallerAuth forwards the caller's own credentials. It reports false if there were none.
func copyCallerAuth(dst, src http.Header) bool {
	if v := src.Get("Authorization"); v != "" {
		dst.Set("Authorization", v)
		return true
	}
	if v := src.Get("X-Api-Key"); v != "" {
		dst.Set("X-Api-Key", v)
		return true
	}
	return false
}

// anthropicHeaders builds the upstream headers for a Messages API call. Without caller
// credentials the configured key is used: Anthropic keys go in x-api-key, bearer tokens and
// other sk- keys in Authorization.
func anthropicHeaders(up *Upstream, in http.Header) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Anthropic-Version", FirstNonEmpty(in.Get("Anthropic-Version"), up.AnthropicVersion))
	if beta := in.Get("Anthropic-Beta"); beta != "" {
		h.Set("Anthropic-Beta", beta)
	}

	if copyCallerAuth(h, in) || up.APIKey == "" {
		return h
	}
	key := up.APIKey
	switch {
	case strings.Contains(key, "Bearer"):
		h.Set("Authorization", key)
	case strings.HasPrefix(key, "sk-ant-"):
		h.Set("X-Api-Key", key)
	case strings.Contains(key, "sk-"):
		h.Set("Authorization", "Bearer "+key)
	default:
		h.Set("X-Api-Key", key)
	}
	return h
}

// openAIHeaders builds the upstream headers for a Chat Completions call.
func openAIHeaders(up *Upstream, in http.Header) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	for _, k := range []string{"OpenAI-Organization", "OpenAI-Project", "OpenAI-Beta"} {
		if v := in.Get(k); v != "" {
			h.Set(k, v)
		}
	}

	if copyCallerAuth(h, in) || up.APIKey == "" {
		return h
	}
	if BearerToken(up.APIKey) != "" {
		h.Set("Authorization", up.APIKey)
	} else {
		h.Set("Authorization", "Bearer "+up.APIKey)
	}
	return h
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
