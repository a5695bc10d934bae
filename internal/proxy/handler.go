package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tiergate/tiergate/internal/httputil"
	"github.com/tiergate/tiergate/internal/telemetry"
	"github.com/tiergate/tiergate/internal/tier"
)

const (
	// MessagesPath is the chat-completion endpoint the proxy fronts.
	MessagesPath = "/v1/messages"
	// CountTokensPath is gated per provider capability.
	CountTokensPath = "/v1/messages/count_tokens"
)

// Handler routes inbound requests to upstream providers by declared model.
type Handler struct {
	registry       *tier.Registry
	forwarder      *Forwarder
	defaultBaseURL string
	metrics        *telemetry.Metrics
}

func NewHandler(registry *tier.Registry, forwarder *Forwarder, defaultBaseURL string, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		registry:       registry,
		forwarder:      forwarder,
		defaultBaseURL: defaultBaseURL,
		metrics:        metrics,
	}
}

// Messages handles POST /v1/messages.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	h.route(w, r)
}

// CountTokens handles POST /v1/messages/count_tokens.
func (h *Handler) CountTokens(w http.ResponseWriter, r *http.Request) {
	h.route(w, r)
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	endpoint := r.URL.Path
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "failed to read request body")
		return
	}
	r.Body.Close()

	// A body that does not parse, or has no model field, resolves to an
	// empty model and passes through to the default upstream untouched.
	model := declaredModel(body)
	decision := h.registry.Route(model)

	// Capability gate: several Anthropic-compatible providers hang or
	// error on token counting, so it is never forwarded to a dedicated
	// provider.
	if endpoint == CountTokensPath && !decision.Passthrough() {
		slog.Info("count_tokens short-circuited",
			"request_id", reqID,
			"tier", decision.Tier.String(),
			"upstream", decision.Provider.BaseURL,
		)
		h.record(decision, endpoint, "501", "", 0)
		httputil.WriteNotImplementedError(w, reqID,
			"token counting is not supported by dedicated tier providers; token counts are reported in the usage field of completion responses")
		return
	}

	out, err := upstreamRequest(r.Context(), r, body, decision, h.defaultBaseURL)
	if err != nil {
		slog.Error("failed to build upstream request", "request_id", reqID, "error", err)
		httputil.WriteInternalError(w, reqID, "failed to build upstream request")
		return
	}
	upstream := out.URL.Host

	slog.Info("routing request",
		"request_id", reqID,
		"endpoint", endpoint,
		"model", model,
		"tier", tierLabel(decision),
		"mode", modeLabel(decision),
		"upstream", upstream,
	)

	resp, err := h.forwarder.Do(out)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Caller gave up before the upstream answered; nothing to write.
			slog.Debug("request canceled by caller", "request_id", reqID)
			return
		}
		kind := FailureKind(err)
		if h.metrics != nil {
			h.metrics.RecordUpstreamFailure(upstream, kind)
		}
		slog.Error("upstream call failed",
			"request_id", reqID,
			"upstream", upstream,
			"kind", kind,
			"error", err,
		)
		if kind == "timeout" {
			h.record(decision, endpoint, "504", upstream, time.Since(start))
			httputil.WriteUpstreamTimeoutError(w, reqID, fmt.Sprintf("upstream %s timed out", upstream))
		} else {
			h.record(decision, endpoint, "502", upstream, time.Since(start))
			httputil.WriteUpstreamUnreachableError(w, reqID, fmt.Sprintf("upstream %s unreachable: %v", upstream, err))
		}
		return
	}

	h.record(decision, endpoint, strconv.Itoa(resp.StatusCode), upstream, time.Since(start))
	h.forwarder.Relay(w, resp, tierLabel(decision))
}

func (h *Handler) record(d tier.Decision, endpoint, status, upstream string, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordRequest(telemetry.RequestLabels{
		Tier:       tierLabel(d),
		Mode:       modeLabel(d),
		Endpoint:   endpoint,
		Status:     status,
		Upstream:   upstream,
		DurationMs: float64(elapsed.Milliseconds()),
	})
}

func tierLabel(d tier.Decision) string {
	if !d.Matched {
		return "none"
	}
	return d.Tier.String()
}

func modeLabel(d tier.Decision) string {
	if d.Passthrough() {
		return "passthrough"
	}
	return "provider"
}

// declaredModel extracts the model field from a request body. Malformed
// JSON or a missing field yields "" so the request stays routable.
func declaredModel(body []byte) string {
	var envelope struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Model
}
