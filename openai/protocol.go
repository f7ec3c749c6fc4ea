// Package openai defines the OpenAI-compatible wire envelopes the HTTP
// layer decodes requests from and encodes responses into. Streaming to
// the HTTP caller is out of scope for this broker; only the
// non-streaming envelope is modeled.
package openai

import "relaybridge/core"

// ChatCompletionRequest is the body of a POST /v1/chat/completions call.
type ChatCompletionRequest struct {
	Model       string      `json:"model"`
	Messages    []Message   `json:"messages"`
	Temperature *float32    `json:"temperature,omitempty"`
	MaxTokens   *int        `json:"max_tokens,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
	Tools       []core.Tool `json:"tools,omitempty"`
}

// ChatCompletionResponse is the non-streaming completion envelope.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completion candidate. This broker always returns exactly
// one.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Message is a chat turn on the wire. ToolCalls is present only when the
// parsed reply carried one or more normalized tool calls, in which case
// Content may be empty.
type Message struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls []core.ToolCall `json:"tool_calls,omitempty"`
}

// Usage reports token accounting. This broker does not track token
// counts server-side, so Usage is always omitted from responses.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorResponse is the OpenAI-shaped error envelope for a failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ToInboundRequest converts the wire request into the domain type the
// normalizer and dispatcher operate on.
func (r *ChatCompletionRequest) ToInboundRequest() *core.InboundRequest {
	messages := make([]core.Message, len(r.Messages))
	for i, m := range r.Messages {
		messages[i] = core.Message{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls}
	}
	return &core.InboundRequest{
		Model:       r.Model,
		Messages:    messages,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Stream:      r.Stream,
		Tools:       r.Tools,
	}
}

// FromCompletionResult builds the non-streaming envelope from a parsed
// completion result.
func FromCompletionResult(id, model string, created int64, result *core.CompletionResult) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []Choice{
			{
				Index: 0,
				Message: Message{
					Role:      "assistant",
					Content:   result.Content,
					ToolCalls: result.ToolCalls,
				},
				FinishReason: result.FinishReason,
			},
		},
	}
}
