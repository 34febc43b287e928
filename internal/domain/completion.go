package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Source identifies which surface produced a completion.
type Source string

const (
	SourceWeb Source = "web"
	SourceAPI Source = "api"
	SourceMCP Source = "mcp"
)

// Status is the terminal state of a completion.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// AgentCompletion is the immutable record of one provider call: the
// resolved prompt, the response, cost/latency/trace accounting, and
// provenance. CreatedAt is derived from the UUIDv7 ID's embedded timestamp,
// never stored independently, so storage round-trips can't drift the two
// apart.
type AgentCompletion struct {
	ID             string          `json:"id"`
	AgentID        string          `json:"agent_id"`
	AgentInput     AgentInput      `json:"agent_input"`
	AgentOutput    AgentOutput     `json:"agent_output"`
	Messages       []Message       `json:"messages"`
	Version        Version         `json:"version"`
	DurationSeconds float64        `json:"duration_seconds"`
	CostUSD        float64         `json:"cost_usd"`
	Traces         []Trace         `json:"traces"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Source         Source          `json:"source"`
	Stream         bool            `json:"stream"`
	FromCache      bool            `json:"from_cache"`
	Status         Status          `json:"status"`
	ConversationID string          `json:"conversation_id,omitempty"`
}

// NewCompletionID mints a time-ordered UUIDv7 completion identifier.
func NewCompletionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// CreatedAt extracts the embedded timestamp from the completion's UUIDv7 ID
// (spec §3: "created_at is extracted from the UUIDv7 timestamp field").
// Returns the zero time if ID is not a valid UUIDv7.
func (c AgentCompletion) CreatedAt() time.Time {
	parsed, err := uuid.Parse(c.ID)
	if err != nil || parsed.Version() != 7 {
		return time.Time{}
	}
	ms := int64(parsed[0])<<40 | int64(parsed[1])<<32 | int64(parsed[2])<<24 |
		int64(parsed[3])<<16 | int64(parsed[4])<<8 | int64(parsed[5])
	return time.UnixMilli(ms).UTC()
}

// EncodeMetadata stringifies non-string metadata values as JSON, matching
// spec §9's "encode non-string values as JSON on store" rule.
func EncodeMetadata(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = jsonStringOrEmpty(v)
	}
	return out
}

func jsonStringOrEmpty(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
