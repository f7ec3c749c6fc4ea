package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"relaybridge/core"
	"relaybridge/dispatcher"
	"relaybridge/openai"
)

type fakeHandle struct {
	id   string
	send func(req *core.ForwardedRequest, rendezvous *core.Rendezvous)
	rz   *core.Rendezvous
}

func (f *fakeHandle) ID() string { return f.id }
func (f *fakeHandle) Send(ctx context.Context, req *core.ForwardedRequest) error {
	if f.send != nil {
		go f.send(req, f.rz)
	}
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *core.Registry, *core.Rendezvous) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry := core.NewRegistry(ctx, 0, time.Minute, nil)
	rendezvous := core.NewRendezvous(nil)
	registry.AttachRendezvous(rendezvous)
	d := dispatcher.New(registry, rendezvous, time.Second, time.Second, nil)
	rateLimiter := core.NewInMemoryRateLimiter()

	h := NewChatHandler(d, registry, rendezvous, rateLimiter)

	r := gin.New()
	r.POST("/v1/chat/completions", h.HandleChatCompletions)
	r.GET("/health", h.HandleHealth)
	r.GET("/stats", h.HandleStats)
	r.GET("/v1/models", h.HandleModels)
	return r, registry, rendezvous
}

func TestChatHandler_MissingModelIsBadRequest(t *testing.T) {
	r, _, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestChatHandler_NoWorkerReturns503(t *testing.T) {
	r, _, _ := newTestRouter(t)

	body, _ := json.Marshal(openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.Message{{Role: "user", Content: "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestChatHandler_OneShotSuccess(t *testing.T) {
	r, registry, rendezvous := newTestRouter(t)

	handle := &fakeHandle{
		id: "w1",
		rz: rendezvous,
		send: func(req *core.ForwardedRequest, rz *core.Rendezvous) {
			rz.Deposit(req.RequestID, core.CompletionPayload{Raw: "hello"})
		},
	}
	registry.Register("w1", handle, core.WorkerMetadata{})
	registry.MarkReady("w1")

	body, _ := json.Marshal(openai.ChatCompletionRequest{
		Model:    "gpt-4",
		Messages: []openai.Message{{Role: "user", Content: "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello" {
		t.Fatalf("unexpected response body: %+v", resp)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected finish_reason stop, got %q", resp.Choices[0].FinishReason)
	}
}

func TestChatHandler_HealthAndStats(t *testing.T) {
	r, registry, _ := newTestRouter(t)
	registry.Register("w1", &fakeHandle{id: "w1"}, core.WorkerMetadata{})
	registry.MarkReady("w1")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /stats, got %d", w.Code)
	}
	var stats map[string]any
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats["workers_idle"].(float64) != 1 {
		t.Fatalf("expected 1 idle worker in stats, got %+v", stats)
	}
}
