package proxy

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/tiergate/tiergate/internal/tier"
)

// hopByHopHeaders are connection-scoped per RFC 7230 §6.1 and must not be
// forwarded in either direction. The transport negotiates its own.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// upstreamRequest builds the outbound request for one routing decision.
// The body bytes go out exactly as they came in; only the target URL and,
// for dedicated providers, the credential headers change. Passthrough
// requests keep every original header so OAuth-style sessions against the
// default upstream keep working without the proxy knowing their format.
func upstreamRequest(ctx context.Context, inbound *http.Request, body []byte, decision tier.Decision, defaultBaseURL string) (*http.Request, error) {
	base := defaultBaseURL
	if !decision.Passthrough() {
		base = decision.Provider.BaseURL
	}
	target := strings.TrimRight(base, "/") + inbound.URL.Path

	out, err := http.NewRequestWithContext(ctx, inbound.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	out.Header = inbound.Header.Clone()
	removeHopByHopHeaders(out.Header)
	out.ContentLength = int64(len(body))

	if !decision.Passthrough() {
		// Replace the caller's credentials with the provider's own.
		out.Header.Del("Authorization")
		out.Header.Del("X-Api-Key")
		if decision.Provider.APIKey != "" {
			out.Header.Set("Authorization", "Bearer "+decision.Provider.APIKey)
		}
	}

	return out, nil
}

func removeHopByHopHeaders(h http.Header) {
	// Headers nominated by the Connection header go first.
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
