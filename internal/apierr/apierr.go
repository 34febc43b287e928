// Package apierr defines the caller-facing error taxonomy every boundary -
// the HTTP surface, the experiment orchestrator, the security tenant
// resolver, the raw_query surface - translates internal failures into
// before they reach a client. Grounded on the teacher's
// internal/providers.ProviderError tagged-error pattern, generalized from
// "error from an upstream LLM provider" to "error returned to a gateway
// caller".
package apierr

import "fmt"

// Kind is the caller-facing error taxonomy.
type Kind string

const (
	KindBadRequest   Kind = "bad_request"
	KindInvalidToken Kind = "invalid_token"
	KindInvalidQuery Kind = "invalid_query"
	KindNotFound     Kind = "not_found"
)

// APIError is returned in place of a raw internal error at any boundary a
// caller can reach. Cause is kept for logging but never rendered into
// Error() or serialized to the client.
type APIError struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Cause }

func BadRequest(format string, args ...any) *APIError {
	return &APIError{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func InvalidToken(message string) *APIError {
	return &APIError{Kind: KindInvalidToken, Message: message}
}

// InvalidQuery wraps a raw_query failure, carrying a code + error_type but
// never the underlying database error's text (spec §4.6).
func InvalidQuery(code, errorType string, cause error) *APIError {
	return &APIError{Kind: KindInvalidQuery, Code: code, Message: errorType, Cause: cause}
}

func NotFound(format string, args ...any) *APIError {
	return &APIError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}
