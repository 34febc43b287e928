package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nexushq/gateway/internal/domain"
	"github.com/nexushq/gateway/internal/providers"
)

// pendingToolCall accumulates one tool call's id/name/arguments across
// however many ChunkToolCallDelta fragments a provider emits before its
// ChunkToolCallDone.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

// ParsedResponse is the fully-aggregated result of one provider stream: the
// assistant message it produced, token usage, and why generation stopped.
type ParsedResponse struct {
	Message domain.Message
	Usage   domain.LLMUsage
	Finish  providers.FinishReason
}

// DeltaEvent is emitted to an optional live sink as chunks arrive, for
// forwarding to an SSE client before the stream is fully aggregated.
type DeltaEvent struct {
	Text      string
	Reasoning string
	ToolName  string
}

// StreamingContext folds a provider's raw Chunk channel into a ParsedResponse.
// It never assumes any single ChunkToolCallDelta's ArgumentsDelta is valid
// JSON on its own: argument fragments are buffered as raw strings and are
// not parsed while streaming; ValidateToolCallJSON checks the buffered
// arguments after the stream ends.
type StreamingContext struct {
	OnDelta func(DeltaEvent)

	text       strings.Builder
	reasoning  strings.Builder
	toolOrder  []int
	toolCalls  map[int]*pendingToolCall
	usage      domain.LLMUsage
	finish     providers.FinishReason
}

// NewStreamingContext builds an aggregator. onDelta may be nil.
func NewStreamingContext(onDelta func(DeltaEvent)) *StreamingContext {
	return &StreamingContext{
		OnDelta:   onDelta,
		toolCalls: make(map[int]*pendingToolCall),
	}
}

// Aggregate drains chunks until the channel closes (or ctx is cancelled) and
// returns the folded response. A Chunk carrying Err aborts aggregation.
func (s *StreamingContext) Aggregate(ctx context.Context, chunks <-chan providers.Chunk) (*ParsedResponse, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return s.result(), nil
			}
			if err := s.apply(chunk); err != nil {
				return nil, err
			}
		}
	}
}

func (s *StreamingContext) apply(chunk providers.Chunk) error {
	switch chunk.Kind {
	case providers.ChunkText:
		s.text.WriteString(chunk.Text)
		s.emit(DeltaEvent{Text: chunk.Text})

	case providers.ChunkReasoning:
		s.reasoning.WriteString(chunk.Reasoning)
		s.emit(DeltaEvent{Reasoning: chunk.Reasoning})

	case providers.ChunkToolCallDelta:
		if chunk.ToolCall == nil {
			return nil
		}
		tc := s.toolCall(chunk.ToolCall.Index)
		if chunk.ToolCall.ID != "" {
			tc.id = chunk.ToolCall.ID
		}
		if chunk.ToolCall.ToolName != "" {
			tc.name = chunk.ToolCall.ToolName
			s.emit(DeltaEvent{ToolName: tc.name})
		}
		tc.args.WriteString(chunk.ToolCall.ArgumentsDelta)

	case providers.ChunkToolCallDone:
		if chunk.ToolCall == nil {
			return nil
		}
		tc := s.toolCall(chunk.ToolCall.Index)
		if chunk.ToolCall.ID != "" {
			tc.id = chunk.ToolCall.ID
		}
		if chunk.ToolCall.ToolName != "" {
			tc.name = chunk.ToolCall.ToolName
		}

	case providers.ChunkUsage:
		if chunk.Usage != nil {
			s.usage.Apply(*chunk.Usage)
		}
		if chunk.Finish != "" {
			s.finish = chunk.Finish
		}

	case providers.ChunkDone:
		if chunk.Finish != "" {
			s.finish = chunk.Finish
		}
		if chunk.Err != nil {
			return chunk.Err
		}
	}
	return nil
}

func (s *StreamingContext) toolCall(index int) *pendingToolCall {
	tc, ok := s.toolCalls[index]
	if !ok {
		tc = &pendingToolCall{}
		s.toolCalls[index] = tc
		s.toolOrder = append(s.toolOrder, index)
	}
	return tc
}

func (s *StreamingContext) emit(ev DeltaEvent) {
	if s.OnDelta != nil {
		s.OnDelta(ev)
	}
}

// result builds the final assistant Message from whatever was accumulated.
// A tool call whose buffered arguments don't parse as JSON still surfaces as
// a ContentToolCallRequest part with raw text preserved in Arguments, rather
// than being dropped — the Runner/validation layer decides whether that's a
// fatal InvalidGeneration.
func (s *StreamingContext) result() *ParsedResponse {
	var parts []domain.ContentPart

	if s.reasoning.Len() > 0 {
		parts = append(parts, domain.NewReasoningPart(s.reasoning.String()))
	}
	if s.text.Len() > 0 {
		parts = append(parts, domain.NewTextPart(s.text.String()))
	}
	for _, idx := range s.toolOrder {
		tc := s.toolCalls[idx]
		if tc.name == "" {
			continue
		}
		args := tc.args.String()
		if args == "" {
			args = "{}"
		}
		parts = append(parts, domain.NewToolCallRequestPart(domain.ToolCallRequest{
			ID:        tc.id,
			ToolName:  tc.name,
			Arguments: json.RawMessage(args),
		}))
	}

	finish := s.finish
	if finish == "" {
		finish = providers.FinishStop
	}

	return &ParsedResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: parts},
		Usage:   s.usage,
		Finish:  finish,
	}
}

// ValidateToolCallJSON reports whether every accumulated tool call's
// arguments parse as JSON, for callers that want to classify a malformed
// buffer as InvalidGeneration instead of silently passing raw text through.
func (s *StreamingContext) ValidateToolCallJSON() error {
	for _, idx := range s.toolOrder {
		tc := s.toolCalls[idx]
		args := tc.args.String()
		if args == "" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(args), &v); err != nil {
			return fmt.Errorf("tool call %q: invalid arguments JSON: %w", tc.name, err)
		}
	}
	return nil
}
