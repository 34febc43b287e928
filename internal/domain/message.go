// Package domain holds the provider-agnostic value types shared by the
// runner, the provider adapters, the streaming aggregator and the storage
// layer: messages, files, versions, inputs/outputs, completions and traces.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPartKind enumerates the mutually exclusive shapes a ContentPart may take.
type ContentPartKind string

const (
	ContentText             ContentPartKind = "text"
	ContentObject           ContentPartKind = "object"
	ContentFile             ContentPartKind = "file"
	ContentToolCallRequest  ContentPartKind = "tool_call_request"
	ContentToolCallResult   ContentPartKind = "tool_call_result"
	ContentReasoning        ContentPartKind = "reasoning"
)

// ToolCallRequest is an assistant's request to invoke a named tool.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult carries the output of a previously requested tool call.
type ToolCallResult struct {
	ID      string `json:"id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// ContentPart is a single element of a Message's content. Exactly one of the
// typed fields below is set; the Kind discriminates which. Construction
// helpers (NewTextPart, NewFilePart, ...) enforce the invariant: a part
// built any other way than through them, or mutated after construction,
// is not guaranteed to satisfy it and Validate should be called.
type ContentPart struct {
	Kind              ContentPartKind  `json:"kind"`
	Text              string           `json:"text,omitempty"`
	Object            json.RawMessage  `json:"object,omitempty"`
	File              *File            `json:"file,omitempty"`
	ToolCallRequest   *ToolCallRequest `json:"tool_call_request,omitempty"`
	ToolCallResult    *ToolCallResult  `json:"tool_call_result,omitempty"`
	Reasoning         string           `json:"reasoning,omitempty"`
}

// ErrBadContentPart is returned when a ContentPart does not set exactly one field.
var ErrBadContentPart = errors.New("content part must set exactly one field")

// Validate enforces the "exactly one field set" invariant described in spec §3.
func (p ContentPart) Validate() error {
	set := 0
	if p.Text != "" {
		set++
	}
	if len(p.Object) > 0 {
		set++
	}
	if p.File != nil {
		set++
	}
	if p.ToolCallRequest != nil {
		set++
	}
	if p.ToolCallResult != nil {
		set++
	}
	if p.Reasoning != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: got %d fields set for kind %q", ErrBadContentPart, set, p.Kind)
	}
	return nil
}

func NewTextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

func NewFilePart(f *File) ContentPart {
	return ContentPart{Kind: ContentFile, File: f}
}

func NewReasoningPart(text string) ContentPart {
	return ContentPart{Kind: ContentReasoning, Reasoning: text}
}

func NewToolCallRequestPart(req ToolCallRequest) ContentPart {
	return ContentPart{Kind: ContentToolCallRequest, ToolCallRequest: &req}
}

func NewToolCallResultPart(res ToolCallResult) ContentPart {
	return ContentPart{Kind: ContentToolCallResult, ToolCallResult: &res}
}

// Message is one turn in a conversation, made up of ordered content parts.
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
	RunID   string        `json:"run_id,omitempty"`
}

// Validate checks every content part's one-field invariant.
func (m Message) Validate() error {
	for i, p := range m.Content {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("content[%d]: %w", i, err)
		}
	}
	return nil
}

// HasFiles reports whether the message references any File content part.
func (m Message) HasFiles() bool {
	for _, p := range m.Content {
		if p.Kind == ContentFile && p.File != nil {
			return true
		}
	}
	return false
}

// FileIterator returns all File parts in order.
func (m Message) FileIterator() []*File {
	var out []*File
	for _, p := range m.Content {
		if p.Kind == ContentFile && p.File != nil {
			out = append(out, p.File)
		}
	}
	return out
}

// ToolCallRequestIterator returns all tool call requests in order.
func (m Message) ToolCallRequestIterator() []*ToolCallRequest {
	var out []*ToolCallRequest
	for _, p := range m.Content {
		if p.Kind == ContentToolCallRequest && p.ToolCallRequest != nil {
			out = append(out, p.ToolCallRequest)
		}
	}
	return out
}

// Text concatenates every text content part, ignoring other kinds.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Kind == ContentText {
			out += p.Text
		}
	}
	return out
}
