// Package normalizer turns an inbound OpenAI-shaped completion request
// into the forwarded wire message a worker expects, applying the
// per-worker prompt/tool caching and message-history projection policies.
package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"relaybridge/core"
)

const responseDoneSentinel = "<response_done>"

// formatInstruction is synthesized as a system message when the caller
// supplied none, so the Response Parser has an unambiguous end-of-reply
// marker to look for.
const formatInstruction = "End every response with the exact marker " + responseDoneSentinel + " on its own line, after all other content."

// CommitFunc is returned alongside the forwarded request. The dispatcher
// must call it exactly once, only after the send to the chosen worker has
// succeeded, so the worker's cache digests only advance on a confirmed
// transmit — never speculatively.
type CommitFunc func(registry *core.Registry, workerID string)

// Normalize projects message history, injects a format instruction when
// needed, and decides — independently for the system prompt and the tool
// catalogue — whether the chosen worker's cache is already fresh.
func Normalize(req *core.InboundRequest, worker *core.WorkerRecord) (*core.ForwardedRequest, CommitFunc, error) {
	systemMessages, lastUser, err := projectHistory(req.Messages)
	if err != nil {
		return nil, nil, err
	}

	if len(systemMessages) == 0 {
		systemMessages = []core.Message{{Role: "system", Content: formatInstruction}}
	}

	systemDigest := digestMessages(systemMessages)
	toolsDigest := digestTools(req.Tools)

	fwd := &core.ForwardedRequest{
		Type:        "completion_request",
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}

	systemFresh := worker != nil && worker.SystemPromptDigest == systemDigest
	if systemFresh {
		fwd.SystemElided = true
		fwd.Messages = []core.Message{lastUser}
	} else {
		fwd.Messages = append(append([]core.Message{}, systemMessages...), lastUser)
	}

	toolsFresh := worker != nil && len(req.Tools) > 0 && worker.ToolsDigest == toolsDigest
	if len(req.Tools) > 0 {
		if toolsFresh {
			fwd.ToolsElided = true
		} else {
			fwd.Tools = req.Tools
		}
	}

	commit := func(registry *core.Registry, workerID string) {
		sys := systemDigest
		var tools *string
		if len(req.Tools) > 0 {
			t := toolsDigest
			tools = &t
		}
		registry.UpdateDigests(workerID, &sys, tools)
	}

	return fwd, commit, nil
}

// projectHistory keeps every system message in order and only the last
// user message, dropping assistant history and earlier user turns. An
// empty or missing last-user message is a missing_user input error.
func projectHistory(messages []core.Message) ([]core.Message, core.Message, error) {
	var systemMessages []core.Message
	var lastUser *core.Message

	for i := range messages {
		m := messages[i]
		switch m.Role {
		case "system":
			systemMessages = append(systemMessages, m)
		case "user":
			u := m
			lastUser = &u
		}
	}

	if lastUser == nil || lastUser.Content == "" {
		return nil, core.Message{}, core.WrapErr(core.ErrMissingUser, nil)
	}
	return systemMessages, *lastUser, nil
}

// digestMessages returns a stable SHA-256 fingerprint of the concatenated
// system messages' canonical JSON encoding. Collision-resistance to
// accident is all that is required — this is a cache key, not a security
// boundary.
func digestMessages(messages []core.Message) string {
	return canonicalDigest(messages)
}

func digestTools(tools []core.Tool) string {
	if len(tools) == 0 {
		return ""
	}
	return canonicalDigest(tools)
}

// canonicalDigest hashes the JSON encoding of v with map keys sorted
// (encoding/json already sorts map keys; struct field order is fixed by
// the type definition, so this is stable across calls for equal values).
func canonicalDigest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
