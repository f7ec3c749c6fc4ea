// Package session owns one connected worker's lifecycle: inbound message
// demultiplexing, the heartbeat ticker, and disconnect teardown.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relaybridge/core"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	logRingCapacity          = 200
)

// frame is the shared envelope every message on the wire — either
// direction — carries. Every field is decoded at once; each handler reads
// only the fields its type uses.
type frame struct {
	Type         string          `json:"type"`
	RequestID    string          `json:"request_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Error        string          `json:"error,omitempty"`
	Message      string          `json:"message,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
}

// Session is one connected worker's inbound reader, heartbeat ticker, and
// serialized writer. It implements core.WorkerHandle so the registry and
// dispatcher never touch the transport directly.
type Session struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	registry   *core.Registry
	rendezvous *core.Rendezvous

	heartbeatInterval time.Duration

	writeMu sync.Mutex

	teardownOnce sync.Once

	logRingMu sync.Mutex
	logRing   []string
}

// New creates a Session for an already-upgraded connection under a
// broker-assigned id. It does not touch the registry; Run registers the
// worker once its register frame arrives. Callers should invoke Run in a
// goroutine (or the current goroutine) to enter the read loop.
// heartbeatInterval falls back to 25s when zero.
func New(id string, conn *websocket.Conn, registry *core.Registry, rendezvous *core.Rendezvous, heartbeatInterval time.Duration, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	return &Session{
		id:                id,
		conn:              conn,
		logger:            logger.With("worker_id", id),
		registry:          registry,
		rendezvous:        rendezvous,
		heartbeatInterval: heartbeatInterval,
	}
}

// ID satisfies core.WorkerHandle.
func (s *Session) ID() string { return s.id }

// Send serializes and writes a forwarded completion request to the
// worker. Writes are mutex-serialized so the heartbeat ticker and a
// dispatch never interleave frames on the wire.
func (s *Session) Send(ctx context.Context, req *core.ForwardedRequest) error {
	req.Type = "completion_request"
	return s.writeJSON(req)
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Run reads frames from the worker until disconnect or read error,
// demultiplexing on the type discriminator, then tears the session down.
// It blocks until the connection closes. The first frame received must
// be a register frame; anything else and Run returns without ever
// touching the registry.
func (s *Session) Run(ctx context.Context, meta core.WorkerMetadata) error {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading register frame from %s: %w", s.id, err)
	}
	var first frame
	if err := json.Unmarshal(data, &first); err != nil || first.Type != "register" {
		s.logger.Warn("first frame was not register", "error", err)
		return fmt.Errorf("worker %s did not register", s.id)
	}
	if first.UserAgent != "" {
		meta.UserAgent = first.UserAgent
	}

	if _, err := s.registry.Register(s.id, s, meta); err != nil {
		return fmt.Errorf("registering worker %s: %w", s.id, err)
	}
	defer s.teardown()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.heartbeatLoop(sessionCtx)

	if err := s.writeJSON(frame{Type: "connection_established"}); err != nil {
		return fmt.Errorf("sending connection_established to %s: %w", s.id, err)
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("worker disconnected unexpectedly", "error", err)
			} else {
				s.logger.Info("worker disconnected")
			}
			return nil
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("malformed frame from worker", "error", err)
			continue
		}

		s.handle(&f)
	}
}

func (s *Session) handle(f *frame) {
	switch f.Type {
	case "client_ready":
		s.registry.MarkReady(s.id)
	case "heartbeat_response":
		s.registry.Touch(s.id)
	case "completion_response":
		s.handleCompletionResponse(f)
	case "client_log":
		s.appendLog(f.Message)
	default:
		s.logger.Warn("unrecognized frame type from worker", "type", f.Type)
		_ = s.writeJSON(frame{Type: "error", Error: string(core.ErrUnknownType)})
	}
}

func (s *Session) handleCompletionResponse(f *frame) {
	if f.RequestID == "" {
		s.logger.Warn("completion_response missing request_id")
		return
	}
	payload := core.CompletionPayload{Raw: f.Content}
	if f.Error != "" {
		payload.Kind = core.ErrTransport
	}
	s.rendezvous.Deposit(f.RequestID, payload)
}

func (s *Session) appendLog(line string) {
	if line == "" {
		return
	}
	s.logRingMu.Lock()
	defer s.logRingMu.Unlock()
	s.logRing = append(s.logRing, line)
	if len(s.logRing) > logRingCapacity {
		s.logRing = s.logRing[len(s.logRing)-logRingCapacity:]
	}
}

// RecentLogs returns a snapshot of the worker's client_log ring buffer.
func (s *Session) RecentLogs() []string {
	s.logRingMu.Lock()
	defer s.logRingMu.Unlock()
	out := make([]string, len(s.logRing))
	copy(out, s.logRing)
	return out
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSON(frame{Type: "heartbeat", Timestamp: time.Now().UTC().Format(time.RFC3339)}); err != nil {
				s.logger.Error("sending heartbeat", "error", err)
				return
			}
		}
	}
}

// teardown is idempotent: cancel every rendezvous slot assigned to this
// worker, then remove it from the registry.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.rendezvous.CancelForWorker(s.id)
		s.registry.Remove(s.id)
		s.conn.Close()
		s.logger.Info("worker session torn down")
	})
}
