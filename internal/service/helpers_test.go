package service

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/screenshare/streaming-server/internal/capture"
	"github.com/dj-oyu/screenshare/streaming-server/internal/config"
	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

const defaultRequestTimeout = 2 * time.Second

type testClient struct {
	baseURL string
	client  *http.Client
}

func newTestClient(baseURL string) *testClient {
	return &testClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (c *testClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp := c.getResponse(t, path)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

// getResponse leaves the body open for streaming endpoints. The client has no
// overall timeout so long-lived responses are not cut off.
func (c *testClient) getResponse(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := (&http.Client{Transport: c.client.Transport}).Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// waitForStatus polls path until it answers with want.
func (c *testClient) waitForStatus(t *testing.T, path string, want int) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, body := c.get(t, path)
		if resp.StatusCode == want {
			return body
		}
		if time.Now().After(deadline) {
			t.Fatalf("GET %s status = %d, want %d", path, resp.StatusCode, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireString(t, payload["state"], "state")
	requireString(t, payload["url"], "url")
	requireNumber(t, payload["uptime_seconds"], "uptime_seconds")
	requireNumber(t, payload["frames_published"], "frames_published")
	requireNumber(t, payload["timestamp"], "timestamp")

	if payload["last_frame"] != nil {
		last := requireMap(t, payload["last_frame"], "last_frame")
		requireNumber(t, last["seq"], "last_frame.seq")
		requireNumber(t, last["bytes"], "last_frame.bytes")
	}

	sessions := requireSlice(t, payload["sessions"], "sessions")
	for i, raw := range sessions {
		s := requireMap(t, raw, fmt.Sprintf("sessions[%d]", i))
		requireString(t, s["id"], fmt.Sprintf("sessions[%d].id", i))
		requireString(t, s["transport"], fmt.Sprintf("sessions[%d].transport", i))
		requireNumber(t, s["frames_sent"], fmt.Sprintf("sessions[%d].frames_sent", i))
	}
}

// testConfig serves on an ephemeral loopback port without a metrics
// listener.
func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.StreamInterval = 5 * time.Millisecond
	cfg.WriteTimeout = time.Second
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func testParams() capture.Params {
	return capture.Params{Width: 160, Height: 120, FPS: 50, Token: "test"}
}

// manualSource delivers buffers only when the test calls emit.
type manualSource struct {
	mu       sync.Mutex
	handler  capture.FrameHandler
	startErr error
	starts   int
	stops    int
}

func (s *manualSource) Start(h capture.FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.startErr != nil {
		return s.startErr
	}
	s.handler = h
	return nil
}

func (s *manualSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *manualSource) emit() {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(&types.RawBuffer{Pix: make([]byte, 4), Width: 1, Height: 1, PixelStride: 4, RowStride: 4, Timestamp: time.Now()})
	}
}

func (s *manualSource) counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

// manualOpener hands out one shared manualSource and counts opens.
type manualOpener struct {
	source *manualSource
	mu     sync.Mutex
	opens  int
}

func (o *manualOpener) open(params capture.Params) (capture.Source, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.opens++
	o.mu.Unlock()
	return o.source, nil
}

// fixedEncoder returns the same bytes for every buffer.
type fixedEncoder []byte

func (e fixedEncoder) Encode(*types.RawBuffer) ([]byte, error) {
	return []byte(e), nil
}
