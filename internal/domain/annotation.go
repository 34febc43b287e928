package domain

import (
	"time"

	"github.com/google/uuid"
)

// AnnotationTarget identifies what an annotation is attached to: a
// completion, an experiment, or a JSON key path within an output.
type AnnotationTarget struct {
	CompletionID string `json:"completion_id,omitempty"`
	ExperimentID string `json:"experiment_id,omitempty"`
	KeyPath      string `json:"key_path,omitempty"`
}

// AnnotationContext records the broader scope an annotation was created
// under, independent of its Target.
type AnnotationContext struct {
	ExperimentID string `json:"experiment_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
}

// MetricValue is a tagged union over float/string/bool metric payloads.
type MetricValue struct {
	Name       string   `json:"name"`
	FloatValue *float64 `json:"float_value,omitempty"`
	StringValue *string `json:"string_value,omitempty"`
	BoolValue  *bool    `json:"bool_value,omitempty"`
}

// Annotation is a user-authored note or metric attached to a completion,
// experiment, or key path. Soft-deleted via DeletedAt.
type Annotation struct {
	ID         string             `json:"id"`
	AuthorName string             `json:"author_name"`
	Target     AnnotationTarget   `json:"target,omitempty"`
	Context    AnnotationContext  `json:"context,omitempty"`
	Text       string             `json:"text,omitempty"`
	Metric     *MetricValue       `json:"metric,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	DeletedAt  *time.Time         `json:"deleted_at,omitempty"`
}

// NewAnnotationID mints a UUIDv7 identifier for a new annotation.
func NewAnnotationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// IsDeleted reports whether the annotation has been soft-deleted.
func (a Annotation) IsDeleted() bool {
	return a.DeletedAt != nil
}
