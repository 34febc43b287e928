package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind is the provider-agnostic error taxonomy from spec §4.2/§7. It
// drives both the Runner's fallback decision and the HTTP status code
// surfaced to callers.
type ErrorKind string

const (
	KindMaxTokensExceeded       ErrorKind = "max_tokens_exceeded"
	KindProviderInternal        ErrorKind = "provider_internal"
	KindProviderBadRequest      ErrorKind = "provider_bad_request"
	KindProviderInvalidFile     ErrorKind = "provider_invalid_file"
	KindModelDoesNotSupportMode ErrorKind = "model_does_not_support_mode"
	KindStructuredGenerationErr ErrorKind = "structured_generation_error"
	KindContentModeration       ErrorKind = "content_moderation"
	KindFailedGeneration        ErrorKind = "failed_generation"
	KindInvalidGeneration       ErrorKind = "invalid_generation"
	KindMissingModel            ErrorKind = "missing_model"
	KindUnknown                 ErrorKind = "unknown"
)

// IsRetryable reports whether the SAME provider/model is worth retrying.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindProviderInternal:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether a DIFFERENT provider/model should be tried
// (spec §4.4's recoverable-error list).
func (k ErrorKind) ShouldFailover() bool {
	switch k {
	case KindProviderInternal, KindModelDoesNotSupportMode:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an upstream LLM provider. It
// captures everything the Runner's fallback/retry logic and the caller-facing
// gateway error need.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	Model      string
	Status     int
	Code       string
	Message    string
	RequestID  string
	RetryAfter int // seconds, 0 if absent
	Extras     map[string]any
	Cause      error
}

func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps cause, classifying it by message content.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Model: model, Cause: cause, Kind: KindUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Kind = ClassifyError(cause)
	}
	return err
}

func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Kind = classifyStatusCode(status)
	return e
}

func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if kind := classifyErrorCode(code); kind != KindUnknown {
		e.Kind = kind
	}
	return e
}

func (e *ProviderError) WithRetryAfter(seconds int) *ProviderError {
	e.RetryAfter = seconds
	return e
}

func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError inspects an error's textual content to pick an ErrorKind.
// Adapters use this as a last resort when a provider's error body doesn't
// carry a structured code.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "context_length") || strings.Contains(s, "max_tokens") ||
		strings.Contains(s, "maximum context length") || strings.Contains(s, "too many tokens"):
		return KindMaxTokensExceeded
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return KindProviderInternal
	case strings.Contains(s, "rate limit") || strings.Contains(s, "429") || strings.Contains(s, "too many requests"):
		return KindProviderInternal
	case strings.Contains(s, "unauthorized") || strings.Contains(s, "invalid api key") ||
		strings.Contains(s, "401") || strings.Contains(s, "403"):
		return KindProviderBadRequest
	case strings.Contains(s, "content_filter") || strings.Contains(s, "content policy") ||
		strings.Contains(s, "safety") || strings.Contains(s, "blocked"):
		return KindContentModeration
	case strings.Contains(s, "model not found") || strings.Contains(s, "does not exist") ||
		strings.Contains(s, "model_not_found"):
		return KindMissingModel
	case strings.Contains(s, "does not support") || strings.Contains(s, "unsupported"):
		return KindModelDoesNotSupportMode
	case strings.Contains(s, "invalid file") || strings.Contains(s, "invalid_file"):
		return KindProviderInvalidFile
	case strings.Contains(s, "internal server") || strings.Contains(s, "server error") ||
		strings.Contains(s, "500") || strings.Contains(s, "502") || strings.Contains(s, "503") || strings.Contains(s, "504"):
		return KindProviderInternal
	case strings.Contains(s, "bad request") || strings.Contains(s, "400"):
		return KindProviderBadRequest
	default:
		return KindUnknown
	}
}

func classifyStatusCode(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindProviderBadRequest
	case status == http.StatusTooManyRequests:
		return KindProviderInternal
	case status == http.StatusBadRequest:
		return KindProviderBadRequest
	case status == http.StatusNotFound:
		return KindMissingModel
	case status >= 500:
		return KindProviderInternal
	default:
		return KindUnknown
	}
}

func classifyErrorCode(code string) ErrorKind {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "internal_error", "server_error", "overloaded_error":
		return KindProviderInternal
	case "authentication_error", "invalid_api_key", "invalid_request_error":
		return KindProviderBadRequest
	case "content_policy_violation", "content_filter":
		return KindContentModeration
	case "model_not_found", "model_not_available":
		return KindMissingModel
	case "context_length_exceeded":
		return KindMaxTokensExceeded
	default:
		return KindUnknown
	}
}

func errMissingAPIKey(provider string) error {
	return fmt.Errorf("%s: API key is required", provider)
}

// AsProviderError extracts a *ProviderError from err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}

// IsRetryable reports whether err (raw or *ProviderError) is worth a same-
// provider retry.
func IsRetryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Kind.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// ShouldFailover reports whether err warrants trying a different provider.
func ShouldFailover(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Kind.ShouldFailover()
	}
	return ClassifyError(err).ShouldFailover()
}
