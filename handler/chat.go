package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"relaybridge/core"
	"relaybridge/dispatcher"
	"relaybridge/openai"
)

// ChatHandler serves the OpenAI-compatible chat completions endpoint,
// backed by the dispatcher, and the pool health endpoints.
type ChatHandler struct {
	dispatcher  *dispatcher.Dispatcher
	registry    *core.Registry
	rendezvous  *core.Rendezvous
	rateLimiter core.RateLimiter
}

// NewChatHandler wires a ChatHandler to its dependencies.
func NewChatHandler(d *dispatcher.Dispatcher, registry *core.Registry, rendezvous *core.Rendezvous, rateLimiter core.RateLimiter) *ChatHandler {
	return &ChatHandler{
		dispatcher:  d,
		registry:    registry,
		rendezvous:  rendezvous,
		rateLimiter: rateLimiter,
	}
}

// HandleChatCompletions implements POST /v1/chat/completions.
func (h *ChatHandler) HandleChatCompletions(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
		return
	}

	if req.Model == "" {
		respondError(c, http.StatusBadRequest, "model is required", "invalid_request_error")
		return
	}
	if len(req.Messages) == 0 {
		respondError(c, http.StatusBadRequest, "messages is required", "invalid_request_error")
		return
	}

	apiKey := extractAPIKey(c)
	if h.rateLimiter != nil && apiKey != "" {
		allowed, err := h.rateLimiter.Allow(c.Request.Context(), apiKey)
		if err == nil && !allowed {
			respondError(c, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_error")
			return
		}
	}

	requestID := uuid.NewString()
	result, err := h.dispatcher.Dispatch(c.Request.Context(), requestID, req.ToInboundRequest())
	if err != nil {
		h.respondDispatchError(c, err)
		return
	}

	if h.rateLimiter != nil && apiKey != "" {
		h.rateLimiter.Consume(c.Request.Context(), apiKey, estimateTokens(result.Content))
	}

	resp := openai.FromCompletionResult(requestID, req.Model, time.Now().Unix(), result)
	c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) respondDispatchError(c *gin.Context, err error) {
	kind := core.ErrorKind("server_error")
	if bErr, ok := err.(*core.Error); ok {
		kind = bErr.Kind
	}
	c.JSON(kind.HTTPStatus(), openai.ErrorResponse{
		Error: openai.ErrorDetail{
			Message: err.Error(),
			Type:    "server_error",
			Code:    string(kind),
		},
	})
}

// HandleHealth implements GET /health, a bare liveness probe.
func (h *ChatHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleStats implements GET /stats: worker pool counts and pending
// rendezvous slots.
func (h *ChatHandler) HandleStats(c *gin.Context) {
	snap := h.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"workers_total":      snap.Total,
		"workers_idle":       snap.Idle,
		"workers_busy":       snap.Busy,
		"pending_dispatches": h.rendezvous.Pending(),
	})
}

// HandleModels implements a minimal GET /v1/models stub — this broker
// dispatches by whatever model name the caller supplies without a model
// registry, so this endpoint exists only for OpenAI-client compatibility.
func (h *ChatHandler) HandleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   []gin.H{},
	})
}

func extractAPIKey(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

// estimateTokens is a placeholder token accounting scheme: this broker
// has no tokenizer, so it charges the rate limiter by response length.
func estimateTokens(content string) int {
	return len(content)/4 + 1
}

func respondError(c *gin.Context, status int, message, errType string) {
	c.JSON(status, openai.ErrorResponse{
		Error: openai.ErrorDetail{Message: message, Type: errType},
	})
}
