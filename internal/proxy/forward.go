package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/tiergate/tiergate/internal/config"
	"github.com/tiergate/tiergate/internal/telemetry"
)

// Forwarder performs outbound calls and relays responses verbatim. One
// instance is shared by all handlers; the underlying transport pools
// connections across upstreams.
type Forwarder struct {
	client  *http.Client
	metrics *telemetry.Metrics
}

func NewForwarder(cfg config.UpstreamConfig, metrics *telemetry.Metrics) *Forwarder {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.DialTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
	// No overall client timeout: it would cut off long event streams. The
	// transport bounds dialing and time-to-headers instead, and the inbound
	// request context cancels the call when the caller disconnects.
	return &Forwarder{
		client:  &http.Client{Transport: transport},
		metrics: metrics,
	}
}

// Do performs the upstream call. The response body is left open for Relay.
func (f *Forwarder) Do(req *http.Request) (*http.Response, error) {
	return f.client.Do(req)
}

// Relay copies status, headers, and body from the upstream response to the
// caller. Each chunk is written and flushed as soon as it is read, in
// arrival order, so streamed responses reach the caller incrementally.
// The payload is never reinterpreted or re-encoded.
func (f *Forwarder) Relay(w http.ResponseWriter, resp *http.Response, tierLabel string) {
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		// The proxy's own request ID stays authoritative.
		if name == "X-Request-Id" {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	removeHopByHopHeaders(header)
	w.WriteHeader(resp.StatusCode)

	countChunks := f.metrics != nil &&
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Caller went away; the request context tears down the
				// upstream call.
				slog.Debug("caller disconnected mid-relay", "error", werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if countChunks {
				f.metrics.RecordStreamChunk(tierLabel)
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, context.Canceled) {
				slog.Error("upstream body read failed mid-relay", "error", err)
			}
			return
		}
	}
}

// FailureKind classifies a network-level upstream failure for error
// reporting and metrics.
func FailureKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "timeout"
	}
	return "unreachable"
}
