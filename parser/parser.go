// Package parser implements the Response Parser: extracting assistant
// text and an optional tool-call list from a worker's free-form reply.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"relaybridge/core"
)

const (
	contentOpen    = "<content>"
	contentClose   = "</content>"
	toolCallsOpen  = "<tool_calls>"
	toolCallsClose = "</tool_calls>"
	responseDone   = "<response_done>"
)

var fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// rawCompletion mirrors the JSON object shape rules 2 and 3 both parse
// into: a reply that already speaks the broker's completion vocabulary.
type rawCompletion struct {
	Content      string        `json:"content"`
	ToolCalls    []rawToolCall `json:"tool_calls"`
	FinishReason string        `json:"finish_reason"`
}

type rawToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
	Function  *struct {
		Name      string `json:"name"`
		Arguments any    `json:"arguments"`
	} `json:"function"`
}

// Parse applies the normative fallback ladder — marker-delimited, JSON
// object, fenced JSON block, plain text — to a worker's raw reply text.
// Rule order is load-bearing: the first rule that matches wins, even if
// a later rule would also match the same text.
func Parse(raw string) *core.CompletionResult {
	if result := parseMarkers(raw); result != nil {
		return result
	}
	if result := parseJSONObject(strings.TrimSpace(raw)); result != nil {
		return result
	}
	if result := parseFencedJSON(raw); result != nil {
		return result
	}
	return &core.CompletionResult{Content: raw, FinishReason: "stop"}
}

func parseMarkers(raw string) *core.CompletionResult {
	hasContent := strings.Contains(raw, contentOpen) && strings.Contains(raw, contentClose)
	hasToolCalls := strings.Contains(raw, toolCallsOpen) && strings.Contains(raw, toolCallsClose)
	hasSentinel := strings.Contains(raw, responseDone)

	if !hasContent && !hasToolCalls && !hasSentinel {
		return nil
	}

	result := &core.CompletionResult{FinishReason: "stop"}

	if hasContent {
		start := strings.Index(raw, contentOpen) + len(contentOpen)
		end := strings.Index(raw, contentClose)
		if end >= start {
			result.Content = raw[start:end]
		}
	} else if hasSentinel {
		end := strings.Index(raw, responseDone)
		result.Content = strings.TrimSpace(raw[:end])
	}

	if hasToolCalls {
		start := strings.Index(raw, toolCallsOpen) + len(toolCallsOpen)
		end := strings.Index(raw, toolCallsClose)
		if end >= start {
			var rawCalls []rawToolCall
			if err := json.Unmarshal([]byte(raw[start:end]), &rawCalls); err == nil {
				result.ToolCalls = normalizeToolCalls(rawCalls)
			}
			// Malformed JSON inside the tool-calls block does not abort the
			// dispatch: result.ToolCalls simply stays empty for this rule.
		}
	}

	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result
}

func parseJSONObject(trimmed string) *core.CompletionResult {
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil
	}
	return decodeRawCompletion(trimmed)
}

func parseFencedJSON(raw string) *core.CompletionResult {
	matches := fencedJSONPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil
	}
	// The last fenced block wins when more than one is present.
	last := matches[len(matches)-1][1]
	return decodeRawCompletion(strings.TrimSpace(last))
}

func decodeRawCompletion(candidate string) *core.CompletionResult {
	var rc rawCompletion
	if err := json.Unmarshal([]byte(candidate), &rc); err != nil {
		return nil
	}

	result := &core.CompletionResult{
		Content:      rc.Content,
		ToolCalls:    normalizeToolCalls(rc.ToolCalls),
		FinishReason: rc.FinishReason,
	}
	if result.FinishReason == "" {
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		} else {
			result.FinishReason = "stop"
		}
	}
	return result
}

// normalizeToolCalls shapes each element as {id, type:"function",
// function:{name, arguments}}, synthesizing an id when absent and
// serializing object-valued arguments to a compact JSON string.
func normalizeToolCalls(raw []rawToolCall) []core.ToolCall {
	if len(raw) == 0 {
		return nil
	}
	calls := make([]core.ToolCall, 0, len(raw))
	for _, r := range raw {
		name := r.Name
		args := r.Arguments
		if r.Function != nil {
			name = r.Function.Name
			args = r.Function.Arguments
		}
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		calls = append(calls, core.ToolCall{
			ID:   id,
			Type: "function",
			Function: core.ToolCallFunction{
				Name:      name,
				Arguments: argumentsToString(args),
			},
		})
	}
	return calls
}

func argumentsToString(args any) string {
	switch v := args.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
