package normalizer

import (
	"context"
	"testing"

	"relaybridge/core"
)

type fakeHandle struct{ id string }

func (f *fakeHandle) ID() string { return f.id }
func (f *fakeHandle) Send(ctx context.Context, req *core.ForwardedRequest) error { return nil }

func TestNormalize_MissingUserIsError(t *testing.T) {
	req := &core.InboundRequest{
		Model:    "gpt-4",
		Messages: []core.Message{{Role: "system", Content: "you are helpful"}},
	}
	_, _, err := Normalize(req, nil)
	if err == nil {
		t.Fatal("expected missing_user error")
	}
	bErr, ok := err.(*core.Error)
	if !ok || bErr.Kind != core.ErrMissingUser {
		t.Fatalf("expected ErrMissingUser, got %v", err)
	}
}

func TestNormalize_KeepsOnlyLastUserAndAllSystemMessages(t *testing.T) {
	req := &core.InboundRequest{
		Model: "gpt-4",
		Messages: []core.Message{
			{Role: "system", Content: "sys-1"},
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "reply"},
			{Role: "system", Content: "sys-2"},
			{Role: "user", Content: "second"},
		},
	}

	fwd, _, err := Normalize(req, nil)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	// worker is nil (no cache), so system messages are carried inline in order,
	// followed by only the last user message.
	if len(fwd.Messages) != 3 {
		t.Fatalf("expected 3 messages (2 system + 1 user), got %d: %+v", len(fwd.Messages), fwd.Messages)
	}
	if fwd.Messages[0].Content != "sys-1" || fwd.Messages[1].Content != "sys-2" {
		t.Fatalf("expected system messages in order, got %+v", fwd.Messages[:2])
	}
	if fwd.Messages[2].Role != "user" || fwd.Messages[2].Content != "second" {
		t.Fatalf("expected last user message 'second', got %+v", fwd.Messages[2])
	}
}

func TestNormalize_SynthesizesFormatInstructionWhenNoSystemMessage(t *testing.T) {
	req := &core.InboundRequest{
		Model:    "gpt-4",
		Messages: []core.Message{{Role: "user", Content: "hi"}},
	}

	fwd, _, err := Normalize(req, nil)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if len(fwd.Messages) != 2 {
		t.Fatalf("expected synthesized system + user message, got %d", len(fwd.Messages))
	}
	if fwd.Messages[0].Role != "system" {
		t.Fatalf("expected synthesized system message first, got %+v", fwd.Messages[0])
	}
}

func TestNormalize_CacheElisionIndependentForSystemAndTools(t *testing.T) {
	req1 := &core.InboundRequest{
		Model: "gpt-4",
		Messages: []core.Message{
			{Role: "system", Content: "you are helpful"},
			{Role: "user", Content: "hi"},
		},
		Tools: []core.Tool{{Type: "function", Function: core.ToolFunction{Name: "f"}}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry := core.NewRegistry(ctx, 0, 0, nil)
	worker, err := registry.Register("w1", &fakeHandle{id: "w1"}, core.WorkerMetadata{})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// First dispatch: nothing cached yet, both carried inline.
	fwd1, commit1, err := Normalize(req1, worker)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if fwd1.SystemElided || fwd1.ToolsElided {
		t.Fatalf("expected first dispatch to carry both inline, got %+v", fwd1)
	}
	commit1(registry, worker.ID)
	worker = registry.Get(worker.ID)

	// Second dispatch, identical system+tools: both should now be elided.
	fwd2, _, err := Normalize(req1, worker)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if !fwd2.SystemElided || !fwd2.ToolsElided {
		t.Fatalf("expected second identical dispatch to elide both, got %+v", fwd2)
	}
	if len(fwd2.Messages) != 1 {
		t.Fatalf("expected only the last user message when system is elided, got %+v", fwd2.Messages)
	}

	// Third dispatch: different system prompt only. Tools cache must survive.
	req2 := &core.InboundRequest{
		Model: "gpt-4",
		Messages: []core.Message{
			{Role: "system", Content: "you are a pirate now"},
			{Role: "user", Content: "hi"},
		},
		Tools: req1.Tools,
	}
	fwd3, _, err := Normalize(req2, worker)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if fwd3.SystemElided {
		t.Fatal("expected changed system prompt to restore inline carriage")
	}
	if !fwd3.ToolsElided {
		t.Fatal("expected unrelated tools cache to remain fresh (independent keys)")
	}
}
