package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tiergate/tiergate/internal/config"
	"github.com/tiergate/tiergate/internal/telemetry"
)

// chunkRecorder captures each Write as a separate chunk so relay ordering
// can be asserted.
type chunkRecorder struct {
	header  http.Header
	status  int
	chunks  []string
	flushes int
}

func newChunkRecorder() *chunkRecorder {
	return &chunkRecorder{header: make(http.Header)}
}

func (c *chunkRecorder) Header() http.Header { return c.header }

func (c *chunkRecorder) WriteHeader(status int) { c.status = status }

func (c *chunkRecorder) Write(p []byte) (int, error) {
	c.chunks = append(c.chunks, string(p))
	return len(p), nil
}

func (c *chunkRecorder) Flush() { c.flushes++ }

func (c *chunkRecorder) body() string { return strings.Join(c.chunks, "") }

func testForwarder() *Forwarder {
	return NewForwarder(config.DefaultConfig().Upstream, nil)
}

func TestRelay_BufferedJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Anthropic-Request-Id", "req_upstream_1")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":5}}`)
	}))
	defer upstream.Close()

	f := testForwarder()
	req, _ := http.NewRequest("POST", upstream.URL+"/v1/messages", strings.NewReader("{}"))
	resp, err := f.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	w := newChunkRecorder()
	f.Relay(w, resp, "haiku")

	if w.status != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.status)
	}
	if ct := w.header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type not relayed: %q", ct)
	}
	if got := w.header.Get("Anthropic-Request-Id"); got != "req_upstream_1" {
		t.Errorf("upstream header not relayed: %q", got)
	}
	if !strings.Contains(w.body(), `"msg_1"`) {
		t.Errorf("body not relayed: %q", w.body())
	}
}

func TestRelay_ErrorStatusVerbatim(t *testing.T) {
	errBody := `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, errBody)
	}))
	defer upstream.Close()

	f := testForwarder()
	req, _ := http.NewRequest("POST", upstream.URL+"/v1/messages", strings.NewReader("{}"))
	resp, err := f.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	w := newChunkRecorder()
	f.Relay(w, resp, "haiku")

	if w.status != http.StatusTooManyRequests {
		t.Errorf("expected status 429 relayed, got %d", w.status)
	}
	if w.body() != errBody {
		t.Errorf("error body must be untouched: %q", w.body())
	}
}

func TestRelay_StreamedChunksInOrder(t *testing.T) {
	events := []string{
		"event: message_start\ndata: {\"type\":\"message_start\"}\n\n",
		"event: content_block_delta\ndata: {\"delta\":{\"text\":\"Hello\"}}\n\n",
		"event: content_block_delta\ndata: {\"delta\":{\"text\":\" world\"}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprint(w, ev)
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer upstream.Close()

	f := testForwarder()
	req, _ := http.NewRequest("POST", upstream.URL+"/v1/messages", strings.NewReader("{}"))
	resp, err := f.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	w := newChunkRecorder()
	f.Relay(w, resp, "opus")

	if ct := w.header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event-stream content type, got %q", ct)
	}

	// Every event arrives, in upstream order, with nothing dropped.
	body := w.body()
	if body != strings.Join(events, "") {
		t.Errorf("relayed stream differs from upstream stream:\n%q", body)
	}
	last := -1
	for _, ev := range events {
		idx := strings.Index(body, ev)
		if idx < 0 {
			t.Fatalf("event missing from relay: %q", ev)
		}
		if idx < last {
			t.Errorf("event out of order: %q", ev)
		}
		last = idx
	}

	// The relay flushed incrementally rather than buffering the response.
	if len(w.chunks) < 2 {
		t.Errorf("expected incremental writes, got %d chunk(s)", len(w.chunks))
	}
	if w.flushes < len(w.chunks) {
		t.Errorf("expected a flush per write, got %d flushes for %d writes", w.flushes, len(w.chunks))
	}
}

func TestRelay_UpstreamRequestIDDoesNotDuplicate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "req_upstream_internal")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	f := testForwarder()
	req, _ := http.NewRequest("POST", upstream.URL+"/v1/messages", strings.NewReader("{}"))
	resp, err := f.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	w := newChunkRecorder()
	// The request-ID middleware has already stamped the response.
	w.header.Set("X-Request-ID", "req_proxy_1")
	f.Relay(w, resp, "haiku")

	values := w.header.Values("X-Request-Id")
	if len(values) != 1 {
		t.Fatalf("expected a single X-Request-ID value, got %v", values)
	}
	if values[0] != "req_proxy_1" {
		t.Errorf("proxy request ID overwritten: %q", values[0])
	}
}

func streamChunkCounter(t *testing.T) (*telemetry.Metrics, *prometheus.CounterVec) {
	t.Helper()
	chunks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_relay_stream_chunks_total",
		Help: "Test counter",
	}, []string{"tier"})
	return &telemetry.Metrics{StreamChunksTotal: chunks}, chunks
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	counter.Write(&metric)
	return *metric.Counter.Value
}

func TestRelay_ChunkMetricOnlyForEventStreams(t *testing.T) {
	buffered := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1"}`)
	}))
	defer buffered.Close()

	streamed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {}\n\n")
		flusher.Flush()
	}))
	defer streamed.Close()

	metrics, chunks := streamChunkCounter(t)
	f := NewForwarder(config.DefaultConfig().Upstream, metrics)

	req, _ := http.NewRequest("POST", buffered.URL+"/v1/messages", strings.NewReader("{}"))
	resp, err := f.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	f.Relay(newChunkRecorder(), resp, "haiku")

	if got := counterValue(t, chunks, "haiku"); got != 0 {
		t.Errorf("buffered JSON body must not count as stream chunks, got %v", got)
	}

	req, _ = http.NewRequest("POST", streamed.URL+"/v1/messages", strings.NewReader("{}"))
	resp, err = f.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	f.Relay(newChunkRecorder(), resp, "haiku")

	if got := counterValue(t, chunks, "haiku"); got < 1 {
		t.Errorf("event-stream chunks not counted, got %v", got)
	}
}

func TestDo_Unreachable(t *testing.T) {
	// Grab a port that is guaranteed closed.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := dead.URL
	dead.Close()

	f := testForwarder()
	req, _ := http.NewRequest("POST", url+"/v1/messages", strings.NewReader("{}"))
	_, err := f.Do(req)
	if err == nil {
		t.Fatal("expected error contacting closed upstream")
	}
	if kind := FailureKind(err); kind != "unreachable" {
		t.Errorf("expected kind unreachable, got %q", kind)
	}
}

func TestDo_Timeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer upstream.Close()

	cfg := config.DefaultConfig().Upstream
	cfg.ResponseHeaderTimeout = 50 * time.Millisecond
	f := NewForwarder(cfg, nil)

	req, _ := http.NewRequest("POST", upstream.URL+"/v1/messages", strings.NewReader("{}"))
	_, err := f.Do(req)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if kind := FailureKind(err); kind != "timeout" {
		t.Errorf("expected kind timeout, got %q", kind)
	}
}

func TestFailureKind_DeadlineExceeded(t *testing.T) {
	if kind := FailureKind(fmt.Errorf("call: %w", context.DeadlineExceeded)); kind != "timeout" {
		t.Errorf("expected timeout, got %q", kind)
	}
}
