package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/fontbridge/internal/auth"
	"github.com/mattjoyce/fontbridge/internal/catalog"
	"github.com/mattjoyce/fontbridge/internal/gate"
	"github.com/mattjoyce/fontbridge/internal/metrics"
	"github.com/mattjoyce/fontbridge/internal/protocol"
)

type executeCall struct {
	operation string
	params    string
	timeout   time.Duration
}

// mockExecutor implements Executor for testing.
type mockExecutor struct {
	reg  *catalog.Registry
	gate *gate.Gate

	mu      sync.Mutex
	calls   []executeCall
	execute func(operation string, raw []byte) protocol.Result
}

func newMockExecutor(t *testing.T) *mockExecutor {
	t.Helper()
	reg, err := catalog.Builtin()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return &mockExecutor{reg: reg, gate: gate.New(3, 2*time.Second)}
}

func (m *mockExecutor) ExecuteJSON(ctx context.Context, operation string, raw []byte, timeout time.Duration) protocol.Result {
	m.mu.Lock()
	m.calls = append(m.calls, executeCall{operation: operation, params: string(raw), timeout: timeout})
	m.mu.Unlock()
	if m.execute != nil {
		return m.execute(operation, raw)
	}
	return protocol.Result{Success: true, Data: json.RawMessage(`{"ok":true}`)}
}

func (m *mockExecutor) Catalog() *catalog.Registry { return m.reg }
func (m *mockExecutor) Gate() *gate.Gate           { return m.gate }
func (m *mockExecutor) MaxTimeout() time.Duration  { return 10 * time.Second }

func (m *mockExecutor) lastCall(t *testing.T) executeCall {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		t.Fatal("executor was not called")
	}
	return m.calls[len(m.calls)-1]
}

func newTestServer(exec *mockExecutor) *Server {
	config := Config{
		Listen: "localhost:8765",
		APIKey: "test-key-123",
		Tokens: []auth.TokenConfig{
			{Token: "ro-token", Scopes: []string{auth.ScopeOperationsRead}},
			{Token: "rw-token", Scopes: []string{auth.ScopeOperationsRW}},
		},
		MaxRequestBytes: 1024,
		Version:         "test",
	}
	return New(config, exec, metrics.New(), slog.Default())
}

func do(t *testing.T, s *Server, method, target, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rr, req)
	return rr
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) protocol.Result {
	t.Helper()
	var res protocol.Result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	return res
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	exec := newMockExecutor(t)
	server := newTestServer(exec)

	rr := do(t, server, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp HealthzResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("expected status ok, got %q", resp.Status)
	}
	if resp.SlotCapacity != 3 || resp.SlotsInUse != 0 {
		t.Fatalf("unexpected slots: %+v", resp)
	}
	if resp.QueueWaitCeilingMS != 2000 {
		t.Fatalf("expected queue wait ceiling 2000ms, got %d", resp.QueueWaitCeilingMS)
	}
	if resp.Operations != exec.reg.Len() || resp.Catalog != exec.reg.Fingerprint() {
		t.Fatalf("unexpected catalog summary: %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(newMockExecutor(t))
	_ = do(t, server, http.MethodGet, "/healthz", "", nil)

	rr := do(t, server, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `fontbridge_http_requests_total{method="GET",route="/healthz",status_code="200"} 1`) {
		t.Fatalf("request counter missing from metrics output:\n%s", rr.Body.String())
	}
}

func TestListOperations(t *testing.T) {
	exec := newMockExecutor(t)
	server := newTestServer(exec)

	rr := do(t, server, http.MethodGet, "/v1/operations", "ro-token", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp OperationListResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Operations) != exec.reg.Len() {
		t.Fatalf("expected %d operations, got %d", exec.reg.Len(), len(resp.Operations))
	}
}

func TestGetOperation(t *testing.T) {
	server := newTestServer(newMockExecutor(t))

	rr := do(t, server, http.MethodGet, "/v1/operations/set_kerning_pair", "ro-token", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp OperationDetailResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Kind != catalog.KindWrite || resp.RequiredScope != auth.ScopeOperationsRW {
		t.Fatalf("unexpected detail: %+v", resp)
	}
	if resp.InputSchema["type"] != "object" {
		t.Fatalf("expected object schema, got %v", resp.InputSchema)
	}

	rr = do(t, server, http.MethodGet, "/v1/operations/nope", "ro-token", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestExecute_Success(t *testing.T) {
	exec := newMockExecutor(t)
	server := newTestServer(exec)

	rr := do(t, server, http.MethodPost, "/v1/operations/get_glyph?timeout=2s", "ro-token", []byte(`{"name":"A"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	res := decodeResult(t, rr)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	call := exec.lastCall(t)
	if call.operation != "get_glyph" || call.params != `{"name":"A"}` || call.timeout != 2*time.Second {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestExecute_TimeoutSeconds(t *testing.T) {
	exec := newMockExecutor(t)
	server := newTestServer(exec)

	rr := do(t, server, http.MethodPost, "/v1/operations/get_current_font?timeout=1.5", "ro-token", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := exec.lastCall(t).timeout; got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", got)
	}

	rr = do(t, server, http.MethodPost, "/v1/operations/get_current_font?timeout=soon", "ro-token", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if res := decodeResult(t, rr); res.Category != protocol.CategoryValidation {
		t.Fatalf("expected validation category, got %q", res.Category)
	}
}

func TestExecute_ReadTokenCannotInvokeWriteOperation(t *testing.T) {
	exec := newMockExecutor(t)
	server := newTestServer(exec)

	rr := do(t, server, http.MethodPost, "/v1/operations/set_kerning_pair", "ro-token",
		[]byte(`{"left":"A","right":"V","value":-50}`))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	if len(exec.calls) != 0 {
		t.Fatal("executor must not run without scope")
	}

	rr = do(t, server, http.MethodPost, "/v1/operations/set_kerning_pair", "rw-token",
		[]byte(`{"left":"A","right":"V","value":-50}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestExecute_Unauthorized(t *testing.T) {
	server := newTestServer(newMockExecutor(t))

	rr := do(t, server, http.MethodPost, "/v1/operations/get_glyph", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	rr = do(t, server, http.MethodPost, "/v1/operations/get_glyph", "wrong-key", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestExecute_BodyTooLarge(t *testing.T) {
	exec := newMockExecutor(t)
	server := newTestServer(exec)

	body := []byte(`{"name":"` + strings.Repeat("A", 2048) + `"}`)
	rr := do(t, server, http.MethodPost, "/v1/operations/get_glyph", "ro-token", body)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rr.Code)
	}
	res := decodeResult(t, rr)
	if res.Success || res.Category != protocol.CategoryValidation {
		t.Fatalf("unexpected result: %+v", res)
	}
	if strings.Contains(res.Error, "AAAA") {
		t.Fatal("error must not echo the payload")
	}
	if len(exec.calls) != 0 {
		t.Fatal("executor must not run for oversized bodies")
	}
}

func TestExecute_StatusMapping(t *testing.T) {
	tests := []struct {
		category protocol.Category
		want     int
	}{
		{protocol.CategoryValidation, http.StatusBadRequest},
		{protocol.CategoryNotFound, http.StatusNotFound},
		{protocol.CategoryNoActiveContext, http.StatusConflict},
		{protocol.CategoryCapability, http.StatusNotImplemented},
		{protocol.CategoryResourceExhausted, http.StatusServiceUnavailable},
		{protocol.CategoryTimeout, http.StatusGatewayTimeout},
		{protocol.CategoryProcess, http.StatusBadGateway},
		{protocol.CategoryNoResult, http.StatusBadGateway},
		{protocol.CategoryCanceled, http.StatusRequestTimeout},
		{protocol.CategoryOperation, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			exec := newMockExecutor(t)
			exec.execute = func(string, []byte) protocol.Result {
				return protocol.Result{Error: "failed", Category: tt.category}
			}
			server := newTestServer(exec)

			rr := do(t, server, http.MethodPost, "/v1/operations/get_current_font", "ro-token", nil)
			if rr.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, rr.Code)
			}
			if res := decodeResult(t, rr); res.Category != tt.category {
				t.Fatalf("expected category %q in body, got %q", tt.category, res.Category)
			}
			if tt.category == protocol.CategoryResourceExhausted && rr.Header().Get("Retry-After") == "" {
				t.Fatal("expected Retry-After header")
			}
		})
	}
}

func TestExecute_UnknownOperationReachesExecutor(t *testing.T) {
	exec := newMockExecutor(t)
	exec.execute = func(string, []byte) protocol.Result {
		return protocol.Result{Error: "validation error: operation: unknown operation", Category: protocol.CategoryValidation}
	}
	server := newTestServer(exec)

	rr := do(t, server, http.MethodPost, "/v1/operations/format_disk", "ro-token", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if exec.lastCall(t).operation != "format_disk" {
		t.Fatal("expected executor to classify the unknown operation")
	}
}

func TestExecute_PublishesEvent(t *testing.T) {
	server := newTestServer(newMockExecutor(t))

	_ = do(t, server, http.MethodPost, "/v1/operations/get_glyph", "ro-token", []byte(`{"name":"secret-glyph"}`))
	_ = do(t, server, http.MethodPost, "/v1/operations/bogus_op", "ro-token", nil)

	evs := server.events.SnapshotSince(0)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Type != "operation.completed" {
		t.Fatalf("unexpected event type %q", evs[0].Type)
	}
	var ev ExecutionEvent
	if err := json.Unmarshal(evs[0].Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Operation != "get_glyph" || !ev.Success {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if strings.Contains(string(evs[0].Data), "secret-glyph") {
		t.Fatal("events must not carry parameter values")
	}
	if err := json.Unmarshal(evs[1].Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Operation != "unknown" {
		t.Fatalf("unknown operations must not be echoed, got %q", ev.Operation)
	}
}

type streamWriter struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
}

func newStreamWriter() *streamWriter {
	return &streamWriter{header: make(http.Header)}
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) WriteHeader(statusCode int) {
	w.mu.Lock()
	w.status = statusCode
	w.mu.Unlock()
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *streamWriter) Flush() {}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestHandleEvents_Unauthorized(t *testing.T) {
	server := newTestServer(newMockExecutor(t))
	rr := do(t, server, http.MethodGet, "/v1/events", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestHandleEvents_StreamsEvents(t *testing.T) {
	server := newTestServer(newMockExecutor(t))
	server.events.Publish("operation.completed", ExecutionEvent{Operation: "get_glyph"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer ro-token")

	w := newStreamWriter()
	router := server.setupRoutes()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()

	waitFor := func(substr string) {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if strings.Contains(w.String(), substr) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("expected %q in stream, got: %q", substr, w.String())
	}

	waitFor("event: operation.completed\n")
	server.events.Publish("operation.completed", ExecutionEvent{Operation: "set_kerning"})
	waitFor(`"operation":"set_kerning"`)
	if strings.Count(w.String(), "id: 1\n") != 1 {
		t.Fatalf("replayed event delivered twice: %q", w.String())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("stream did not exit after context cancel")
	}
}
