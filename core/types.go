package core

import (
	"context"
	"time"
)

// Status is a worker's position in the idle/busy scheduling cycle.
type Status int

const (
	StatusReady Status = iota
	StatusIdle
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// ErrorKind is the set of broker-observable outcomes a dispatch can end in.
type ErrorKind string

const (
	ErrMissingUser       ErrorKind = "missing_user"
	ErrNoWorker          ErrorKind = "no_worker"
	ErrTransport         ErrorKind = "transport_error"
	ErrWorkerGone        ErrorKind = "worker_gone"
	ErrTimeout           ErrorKind = "timeout"
	ErrUnknownType       ErrorKind = "unknown_type"
	ErrStrayReply        ErrorKind = "stray_reply"
	ErrCapacityExhausted ErrorKind = "capacity_exhausted"
	ErrDuplicateID       ErrorKind = "duplicate_id"
)

// HTTPStatus maps an ErrorKind to the status code the HTTP layer returns.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrMissingUser:
		return 400
	case ErrNoWorker:
		return 503
	case ErrTransport, ErrWorkerGone:
		return 502
	case ErrTimeout:
		return 504
	default:
		return 500
	}
}

// Error lets an ErrorKind satisfy the error interface so dispatch failures
// can be returned, wrapped, and compared with errors.Is like any other error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, SomeKind) work by comparing the wrapped kind,
// since ErrorKind itself also implements error (see below).
func (e *Error) Is(target error) bool {
	if k, ok := target.(ErrorKind); ok {
		return e.Kind == k
	}
	return false
}

func (k ErrorKind) Error() string { return string(k) }

// WrapErr builds an *Error from a kind and an optional underlying cause.
func WrapErr(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// Message is a single chat turn in the inbound/outbound wire protocol.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Tool describes one entry of an inbound tool catalogue, shaped the way
// OpenAI's `tools` array is shaped (only the fields the normalizer and
// parser care about are modeled).
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolCall is a normalized function call extracted from a worker's reply.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// InboundRequest is the OpenAI-shaped completion request the HTTP handler
// decodes the caller's body into.
type InboundRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
}

// ForwardedRequest is the wire payload sent to a worker over the duplex
// transport. Fields elided by the per-worker cache policy are left zero
// valued and omitted from the JSON encoding, never sent as null.
type ForwardedRequest struct {
	Type        string    `json:"type"`
	RequestID   string    `json:"request_id"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
	Tools       []Tool    `json:"tools,omitempty"`
	// SystemElided/ToolsElided tell the worker its cached copy of the
	// system prompt / tool catalogue from a prior request is still fresh
	// and need not be resent.
	SystemElided bool `json:"system_elided,omitempty"`
	ToolsElided  bool `json:"tools_elided,omitempty"`
}

// CompletionResult is what the Response Parser produces from a worker's
// raw reply, and what the Dispatcher hands back to the HTTP handler.
type CompletionResult struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// WorkerMetadata carries the client details a worker supplied at
// registration time, for observability only.
type WorkerMetadata struct {
	UserAgent string
	Origin    string
}

// WorkerHandle is what the broker needs from a connected worker transport:
// its id and the ability to send a forwarded request. Transport loss is
// reported by the session's own teardown, not through this interface.
// session.Session implements this.
type WorkerHandle interface {
	ID() string
	Send(ctx context.Context, req *ForwardedRequest) error
}

// LogSource is optionally implemented by a WorkerHandle that buffers the
// worker's own client_log lines. session.Session implements this; the
// worker inspection endpoint type-asserts for it.
type LogSource interface {
	RecentLogs() []string
}

// WorkerRecord is the registry's view of one connected worker.
type WorkerRecord struct {
	ID                 string
	Handle             WorkerHandle
	Status             Status
	Metadata           WorkerMetadata
	ConnectedAt        time.Time
	LastHeartbeatAt    time.Time
	LastActivityAt     time.Time
	SystemPromptDigest string
	ToolsDigest        string
}

// Snapshot is the (total, idle, busy) worker-pool health summary returned
// by Registry.Snapshot and surfaced on GET /stats.
type Snapshot struct {
	Total int
	Idle  int
	Busy  int
}
