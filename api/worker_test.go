package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"relaybridge/core"
)

type fakeHandleWithLogs struct {
	id   string
	logs []string
}

func (f *fakeHandleWithLogs) ID() string { return f.id }

func (f *fakeHandleWithLogs) Send(ctx context.Context, req *core.ForwardedRequest) error {
	return nil
}

func (f *fakeHandleWithLogs) RecentLogs() []string { return f.logs }

func TestWorkerAPI_HandleConnectRegistersWorker(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry := core.NewRegistry(ctx, 0, time.Minute, nil)
	rendezvous := core.NewRendezvous(nil)
	registry.AttachRendezvous(rendezvous)

	a := NewWorkerAPI(registry, rendezvous, 0, nil)

	r := gin.New()
	r.GET("/ws", a.HandleConnect)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "register"}); err != nil {
		t.Fatalf("write register failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]any
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack failed: %v", err)
	}
	if ack["type"] != "connection_established" {
		t.Fatalf("expected connection_established, got %+v", ack)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if registry.Snapshot().Total == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker was never registered through the HTTP upgrade path")
}

func TestWorkerAPI_HandleLogsReturnsBufferedLines(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry := core.NewRegistry(ctx, 0, time.Minute, nil)
	rendezvous := core.NewRendezvous(nil)
	registry.AttachRendezvous(rendezvous)

	handle := &fakeHandleWithLogs{id: "worker-1", logs: []string{"booted", "loaded model"}}
	if _, err := registry.Register("worker-1", handle, core.WorkerMetadata{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	a := NewWorkerAPI(registry, rendezvous, 0, nil)
	r := gin.New()
	r.GET("/workers/:id/logs", a.HandleLogs)

	req := httptest.NewRequest(http.MethodGet, "/workers/worker-1/logs", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Logs []string `json:"logs"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(body.Logs) != 2 || body.Logs[0] != "booted" {
		t.Fatalf("unexpected logs: %+v", body.Logs)
	}
}

func TestWorkerAPI_HandleLogsUnknownWorkerIs404(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry := core.NewRegistry(ctx, 0, time.Minute, nil)
	rendezvous := core.NewRendezvous(nil)
	registry.AttachRendezvous(rendezvous)

	a := NewWorkerAPI(registry, rendezvous, 0, nil)
	r := gin.New()
	r.GET("/workers/:id/logs", a.HandleLogs)

	req := httptest.NewRequest(http.MethodGet, "/workers/ghost/logs", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
