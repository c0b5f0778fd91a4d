package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/mcp-chat-gateway/internal/config"
	"github.com/ashureev/mcp-chat-gateway/internal/errx"
	"github.com/ashureev/mcp-chat-gateway/internal/llm"
	"github.com/ashureev/mcp-chat-gateway/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// scriptedModel yields fixed chunks, or echoes the prompt when chunks is nil.
type scriptedModel struct {
	name   string
	chunks []string
	err    error
}

func (m *scriptedModel) Name() string { return m.name }

func (m *scriptedModel) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		chunks := m.chunks
		if chunks == nil {
			chunks = []string{"you said: ", prompt}
		}
		for _, c := range chunks {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

type fakeModels struct {
	mu        sync.Mutex
	scripted  map[string]*scriptedModel
	requested []string
}

func (f *fakeModels) ForModel(_ context.Context, name string) (llm.Model, error) {
	if name == "" {
		name = "gpt-test"
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, name)

	if m, ok := f.scripted[name]; ok {
		return m, nil
	}
	if _, err := llm.ProviderFor(name); err != nil {
		return nil, err
	}
	return &scriptedModel{name: name}, nil
}

func (f *fakeModels) lastRequested() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requested) == 0 {
		return ""
	}
	return f.requested[len(f.requested)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		MaxRequestBodyBytes: 1 << 20,
		CORSAllowedOrigins:  []string{"*"},
		RateLimit: config.RateLimitConfig{
			RequestsPerWindow: 1000,
			WindowDuration:    time.Minute,
		},
	}
}

func newTestServer(t *testing.T, models *fakeModels, cfg *config.Config) (*httptest.Server, *Handler) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	threads := store.NewMemory(100, time.Hour)
	h := NewHandler(NewService(threads, models), cfg)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
		_ = threads.Close()
	})
	return srv, h
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func createThread(t *testing.T, baseURL, body string) string {
	t.Helper()
	resp, data := doRequest(t, http.MethodPost, baseURL+"/chat/threads", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create thread status = %d, body = %s", resp.StatusCode, data)
	}
	var out CreateThreadResponse
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ThreadID == "" {
		t.Fatal("empty threadId")
	}
	return out.ThreadID
}

func TestHandleChat(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModels{}, nil)

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/chat", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var got ChatResponse
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Response != "you said: hi" {
		t.Fatalf("response = %q", got.Response)
	}
}

func TestHandleChatValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModels{}, nil)

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"empty message", `{"message":"  "}`, "message is required"},
		{"malformed", `{"message":`, "invalid request body"},
		{"unknown model", `{"message":"hi","model":"llama-3"}`, "unknown model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodPost, srv.URL+"/chat", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", resp.StatusCode, body)
			}
			if !strings.Contains(body, tt.wantMsg) {
				t.Fatalf("body = %s, want %q", body, tt.wantMsg)
			}
		})
	}
}

func TestHandleChatBodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestBodyBytes = 32
	srv, _ := newTestServer(t, &fakeModels{}, cfg)

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/chat", `{"message":"`+strings.Repeat("x", 100)+`"}`)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestHandleChatUpstreamFailure(t *testing.T) {
	models := &fakeModels{scripted: map[string]*scriptedModel{
		"gpt-test": {name: "gpt-test", chunks: []string{}, err: errx.Upstream(errors.New("connection reset"), "model provider request failed")},
	}}
	srv, _ := newTestServer(t, models, nil)

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/chat", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if !strings.Contains(body, "connection reset") {
		t.Fatalf("body = %s, want upstream reason", body)
	}
}

func TestHandleCompletions(t *testing.T) {
	models := &fakeModels{}
	srv, _ := newTestServer(t, models, nil)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/chat/completions?query=hello&model=gpt-4o", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	want := "data: you said: \n\ndata: hello\n\n"
	if body != want {
		t.Fatalf("body = %q, want %q", body, want)
	}
	if models.lastRequested() != "gpt-4o" {
		t.Fatalf("model = %q, want gpt-4o", models.lastRequested())
	}
}

func TestHandleCompletionsMissingQuery(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModels{}, nil)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/chat/completions", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(body, "query is required") {
		t.Fatalf("body = %s", body)
	}
}

func TestHandleCompletionsMidStreamError(t *testing.T) {
	models := &fakeModels{scripted: map[string]*scriptedModel{
		"gpt-test": {name: "gpt-test", chunks: []string{"partial"}, err: errx.Upstream(errors.New("stream broke"), "model provider stream failed")},
	}}
	srv, _ := newTestServer(t, models, nil)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/chat/completions?query=x", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 once streaming started", resp.StatusCode)
	}
	want := "data: partial\n\nevent: error\ndata: model provider stream failed: stream broke\n\n"
	if body != want {
		t.Fatalf("body = %q, want %q", body, want)
	}
}

func TestThreadLifecycle(t *testing.T) {
	models := &fakeModels{}
	srv, _ := newTestServer(t, models, nil)

	id := createThread(t, srv.URL, `{"input":{"messages":[
		{"role":"human","content":"first","id":"m1"},
		{"role":"ai","content":"reply","id":"m2"},
		{"role":"user","content":"what is up?","id":"m3"}
	],"model":"gemini-2.5-flash"}}`)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/chat/threads/"+id+"/events", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if body != "data: you said: \n\ndata: what is up?\n\n" {
		t.Fatalf("body = %q", body)
	}
	if models.lastRequested() != "gemini-2.5-flash" {
		t.Fatalf("model = %q, want thread model", models.lastRequested())
	}
}

func TestThreadEventsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModels{}, nil)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/chat/threads/does-not-exist/events", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(body, "thread not found") {
		t.Fatalf("body = %s", body)
	}
}

func TestRunStreamFallback(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModels{}, nil)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/chat/runs/stream", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(body, "no thread available") {
		t.Fatalf("body = %s", body)
	}

	createThread(t, srv.URL, `{"input":{"messages":[{"role":"human","content":"older"}]}}`)
	latest := createThread(t, srv.URL, `{"input":{"messages":[{"role":"human","content":"newest"}]}}`)

	_, body = doRequest(t, http.MethodGet, srv.URL+"/chat/runs/stream", "")
	if !strings.Contains(body, "data: newest") {
		t.Fatalf("fallback body = %q, want latest thread", body)
	}

	_, body = doRequest(t, http.MethodGet, srv.URL+"/chat/runs/stream?threadId="+latest, "")
	if !strings.Contains(body, "data: newest") {
		t.Fatalf("explicit body = %q", body)
	}
}

func TestRunStreamEmptyThread(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModels{}, nil)

	id := createThread(t, srv.URL, `{"input":{"messages":[]}}`)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/chat/runs/stream?threadId="+id, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(body, "no messages in thread") {
		t.Fatalf("body = %s", body)
	}
}

func TestCreateThreadValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModels{}, nil)

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"bad role", `{"input":{"messages":[{"role":"robot","content":"x"}]}}`, "unknown role"},
		{"bad model", `{"input":{"messages":[{"role":"human","content":"x"}],"model":"llama"}}`, "unknown model"},
		{"malformed", `{"input":`, "invalid request body"},
		{"empty body", `{}`, "input is required"},
		{"unknown fields only", `{"foo":1}`, "input is required"},
		{"null input", `{"input":null}`, "input is required"},
		{"missing messages", `{"input":{"model":"gpt-4o"}}`, "input.messages is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodPost, srv.URL+"/chat/threads", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", resp.StatusCode, body)
			}
			if !strings.Contains(body, tt.wantMsg) {
				t.Fatalf("body = %s, want %q", body, tt.wantMsg)
			}
		})
	}
}

func TestRejectedThreadDoesNotBecomeLatest(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModels{}, nil)

	createThread(t, srv.URL, `{"input":{"messages":[{"role":"human","content":"real question"}]}}`)

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/chat/threads", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", resp.StatusCode, body)
	}

	_, body = doRequest(t, http.MethodGet, srv.URL+"/chat/runs/stream", "")
	if !strings.Contains(body, "data: real question") {
		t.Fatalf("fallback body = %q, want the stored thread", body)
	}
}

func TestConcurrentThreadCreation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModels{}, nil)

	const n = 100
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(srv.URL+"/chat/threads", "application/json",
				strings.NewReader(`{"input":{"messages":[{"role":"human","content":"hi"}]}}`))
			if err != nil {
				t.Errorf("post: %v", err)
				return
			}
			defer resp.Body.Close()
			var out CreateThreadResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			ids <- out.ThreadID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d ids, want %d", len(seen), n)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RequestsPerWindow = 2
	srv, _ := newTestServer(t, &fakeModels{}, cfg)

	for i := 0; i < 2; i++ {
		resp, _ := doRequest(t, http.MethodPost, srv.URL+"/chat", `{"message":"hi"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	resp, body := doRequest(t, http.MethodPost, srv.URL+"/chat", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if !strings.Contains(body, "rate limit exceeded") {
		t.Fatalf("body = %s", body)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(1, 50*time.Millisecond)
	defer rl.Close()

	if !rl.Allow("a") {
		t.Fatal("first request should pass")
	}
	if rl.Allow("a") {
		t.Fatal("second request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("other key should pass")
	}
	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("a") {
		t.Fatal("request after window should pass")
	}
}

func TestWriteSSE(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
		want  string
	}{
		{"plain", "", "hello", "data: hello\n\n"},
		{"multi-line", "", "line1\nline2", "data: line1\ndata: line2\n\n"},
		{"crlf", "", "a\r\nb", "data: a\ndata: b\n\n"},
		{"bare cr", "", "line1\rline2", "data: line1\ndata: line2\n\n"},
		{"mixed endings", "", "a\rb\r\nc\nd", "data: a\ndata: b\ndata: c\ndata: d\n\n"},
		{"named event", "error", "boom", "event: error\ndata: boom\n\n"},
		{"empty", "", "", "data: \n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeSSE(&buf, tt.event, tt.data); err != nil {
				t.Fatalf("writeSSE() error = %v", err)
			}
			if buf.String() != tt.want {
				t.Fatalf("writeSSE() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"http://localhost:5173", "https://chat.example.com"})
	if len(got) != 2 || got[0] != "localhost:5173" || got[1] != "chat.example.com" {
		t.Fatalf("originPatterns() = %v", got)
	}
	if got := originPatterns([]string{"https://a.example", "*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("wildcard originPatterns() = %v", got)
	}
}

func dialChat(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func readFrames(t *testing.T, ctx context.Context, ws *websocket.Conn) []Frame {
	t.Helper()
	var frames []Frame
	for {
		var f Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		frames = append(frames, f)
		if f.Type == FrameDone || f.Type == FrameError {
			return frames
		}
	}
}

func TestWebSocketChat(t *testing.T) {
	srv, _ := newTestServer(t, &fakeModels{}, nil)
	ws := dialChat(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, ws, ChatRequest{Message: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames := readFrames(t, ctx, ws)

	var sb strings.Builder
	for _, f := range frames[:len(frames)-1] {
		if f.Type != FrameChunk {
			t.Fatalf("unexpected frame %+v", f)
		}
		sb.WriteString(f.Data)
	}
	if sb.String() != "you said: ping" {
		t.Fatalf("reply = %q", sb.String())
	}
	if frames[len(frames)-1].Type != FrameDone {
		t.Fatalf("last frame = %+v, want done", frames[len(frames)-1])
	}

	// A bad request reports an error but keeps the socket usable.
	if err := wsjson.Write(ctx, ws, ChatRequest{Message: "x", Model: "llama"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames = readFrames(t, ctx, ws)
	if last := frames[len(frames)-1]; last.Type != FrameError || !strings.Contains(last.Data, "unknown model") {
		t.Fatalf("last frame = %+v, want unknown model error", last)
	}

	if err := wsjson.Write(ctx, ws, ChatRequest{Message: "again"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames = readFrames(t, ctx, ws)
	if frames[len(frames)-1].Type != FrameDone {
		t.Fatalf("socket unusable after error: %+v", frames)
	}
}

func TestHandlerCloseShutsSockets(t *testing.T) {
	srv, h := newTestServer(t, &fakeModels{}, nil)
	ws := dialChat(t, srv)

	deadline := time.Now().Add(2 * time.Second)
	for h.sockets.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.sockets.Count() != 1 {
		t.Fatalf("open sockets = %d, want 1", h.sockets.Count())
	}

	go h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f Frame
	if err := wsjson.Read(ctx, ws, &f); err == nil {
		t.Fatal("expected socket to be closed")
	}
	if ctx.Err() != nil {
		t.Fatal("socket was not closed before the deadline")
	}
}
