package streaming

import (
	"context"
	"testing"

	"github.com/nexushq/gateway/internal/domain"
	"github.com/nexushq/gateway/internal/providers"
)

func drain(t *testing.T, chunks []providers.Chunk) *ParsedResponse {
	t.Helper()
	ch := make(chan providers.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)

	sc := NewStreamingContext(nil)
	resp, err := sc.Aggregate(context.Background(), ch)
	if err != nil {
		t.Fatalf("Aggregate returned error: %v", err)
	}
	return resp
}

func TestAggregateTextOnly(t *testing.T) {
	resp := drain(t, []providers.Chunk{
		{Kind: providers.ChunkText, Text: "hello "},
		{Kind: providers.ChunkText, Text: "world"},
		{Kind: providers.ChunkDone, Finish: providers.FinishStop},
	})

	if len(resp.Message.Content) != 1 {
		t.Fatalf("expected 1 content part, got %d", len(resp.Message.Content))
	}
	if got := resp.Message.Content[0].Text; got != "hello world" {
		t.Errorf("text = %q, want %q", got, "hello world")
	}
	if resp.Finish != providers.FinishStop {
		t.Errorf("finish = %q, want %q", resp.Finish, providers.FinishStop)
	}
}

func TestAggregateReasoningBeforeText(t *testing.T) {
	resp := drain(t, []providers.Chunk{
		{Kind: providers.ChunkReasoning, Reasoning: "thinking..."},
		{Kind: providers.ChunkText, Text: "answer"},
	})

	if len(resp.Message.Content) != 2 {
		t.Fatalf("expected 2 content parts, got %d", len(resp.Message.Content))
	}
	if resp.Message.Content[0].Kind != domain.ContentReasoning {
		t.Errorf("expected reasoning part first, got %q", resp.Message.Content[0].Kind)
	}
	if resp.Message.Content[1].Kind != domain.ContentText {
		t.Errorf("expected text part second, got %q", resp.Message.Content[1].Kind)
	}
}

// Tool-call arguments arrive as several fragments across multiple deltas,
// none independently valid JSON, and must only be parsed once ChunkToolCallDone
// has been observed for that index.
func TestAggregateBuffersPartialToolCallArguments(t *testing.T) {
	resp := drain(t, []providers.Chunk{
		{Kind: providers.ChunkToolCallDelta, ToolCall: &providers.ToolCallDelta{Index: 0, ID: "call_1", ToolName: "search"}},
		{Kind: providers.ChunkToolCallDelta, ToolCall: &providers.ToolCallDelta{Index: 0, ArgumentsDelta: `{"query":`}},
		{Kind: providers.ChunkToolCallDelta, ToolCall: &providers.ToolCallDelta{Index: 0, ArgumentsDelta: `"golang"}`}},
		{Kind: providers.ChunkToolCallDone, ToolCall: &providers.ToolCallDelta{Index: 0}},
		{Kind: providers.ChunkDone, Finish: providers.FinishToolCalls},
	})

	if len(resp.Message.Content) != 1 {
		t.Fatalf("expected 1 content part, got %d", len(resp.Message.Content))
	}
	part := resp.Message.Content[0]
	if part.Kind != domain.ContentToolCallRequest {
		t.Fatalf("expected tool call request part, got %q", part.Kind)
	}
	if part.ToolCallRequest.ToolName != "search" {
		t.Errorf("tool name = %q, want %q", part.ToolCallRequest.ToolName, "search")
	}
	if got := string(part.ToolCallRequest.Arguments); got != `{"query":"golang"}` {
		t.Errorf("arguments = %q, want %q", got, `{"query":"golang"}`)
	}
	if resp.Finish != providers.FinishToolCalls {
		t.Errorf("finish = %q, want %q", resp.Finish, providers.FinishToolCalls)
	}
}

func TestAggregateMultipleToolCallsPreserveOrder(t *testing.T) {
	resp := drain(t, []providers.Chunk{
		{Kind: providers.ChunkToolCallDelta, ToolCall: &providers.ToolCallDelta{Index: 1, ID: "b", ToolName: "second", ArgumentsDelta: "{}"}},
		{Kind: providers.ChunkToolCallDelta, ToolCall: &providers.ToolCallDelta{Index: 0, ID: "a", ToolName: "first", ArgumentsDelta: "{}"}},
		{Kind: providers.ChunkToolCallDone, ToolCall: &providers.ToolCallDelta{Index: 1}},
		{Kind: providers.ChunkToolCallDone, ToolCall: &providers.ToolCallDelta{Index: 0}},
	})

	if len(resp.Message.Content) != 2 {
		t.Fatalf("expected 2 content parts, got %d", len(resp.Message.Content))
	}
	if resp.Message.Content[0].ToolCallRequest.ToolName != "second" {
		t.Errorf("first part tool name = %q, want %q (first-seen-index order)", resp.Message.Content[0].ToolCallRequest.ToolName, "second")
	}
	if resp.Message.Content[1].ToolCallRequest.ToolName != "first" {
		t.Errorf("second part tool name = %q, want %q", resp.Message.Content[1].ToolCallRequest.ToolName, "first")
	}
}

func TestAggregateUsageFolds(t *testing.T) {
	resp := drain(t, []providers.Chunk{
		{Kind: providers.ChunkUsage, Usage: &domain.LLMUsage{PromptTokens: 10, CompletionTokens: 5}},
		{Kind: providers.ChunkUsage, Usage: &domain.LLMUsage{CompletionTokens: 7}},
	})

	if resp.Usage.PromptTokens != 10 {
		t.Errorf("prompt tokens = %d, want 10", resp.Usage.PromptTokens)
	}
	if resp.Usage.CompletionTokens != 12 {
		t.Errorf("completion tokens = %d, want 12", resp.Usage.CompletionTokens)
	}
}

func TestAggregateErrAbortsWithError(t *testing.T) {
	boom := context.DeadlineExceeded
	ch := make(chan providers.Chunk, 2)
	ch <- providers.Chunk{Kind: providers.ChunkText, Text: "partial"}
	ch <- providers.Chunk{Kind: providers.ChunkDone, Err: boom}
	close(ch)

	sc := NewStreamingContext(nil)
	if _, err := sc.Aggregate(context.Background(), ch); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestAggregateEmitsDeltasToOnDelta(t *testing.T) {
	var events []DeltaEvent
	ch := make(chan providers.Chunk, 2)
	ch <- providers.Chunk{Kind: providers.ChunkText, Text: "hi"}
	ch <- providers.Chunk{Kind: providers.ChunkReasoning, Reasoning: "because"}
	close(ch)

	sc := NewStreamingContext(func(ev DeltaEvent) { events = append(events, ev) })
	if _, err := sc.Aggregate(context.Background(), ch); err != nil {
		t.Fatalf("Aggregate returned error: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 delta events, got %d", len(events))
	}
	if events[0].Text != "hi" {
		t.Errorf("events[0].Text = %q, want %q", events[0].Text, "hi")
	}
	if events[1].Reasoning != "because" {
		t.Errorf("events[1].Reasoning = %q, want %q", events[1].Reasoning, "because")
	}
}

func TestValidateToolCallJSONRejectsMalformedBuffer(t *testing.T) {
	sc := NewStreamingContext(nil)
	ch := make(chan providers.Chunk, 2)
	ch <- providers.Chunk{Kind: providers.ChunkToolCallDelta, ToolCall: &providers.ToolCallDelta{Index: 0, ToolName: "broken", ArgumentsDelta: `{"incomplete":`}}
	close(ch)
	if _, err := sc.Aggregate(context.Background(), ch); err != nil {
		t.Fatalf("Aggregate returned error: %v", err)
	}
	if err := sc.ValidateToolCallJSON(); err == nil {
		t.Fatal("expected ValidateToolCallJSON to reject malformed arguments, got nil")
	}
}
