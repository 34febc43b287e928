package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nexushq/gateway/internal/domain"
)

// BlobStore uploads file bytes to durable storage and reports the URL it is
// reachable at afterward (spec §3: "Blob paths: {tenant_uid}/{folder}/
// {sha256}{extension}"), keyed by the same path BlobStorage write targets.
type BlobStore interface {
	Upload(ctx context.Context, path string, contentType string, data []byte) (url string, err error)
}

// CompletionPersister is the subset of storage.CompletionLedger
// on_store_completion needs, kept narrow so job construction doesn't pull in
// the whole storage package's surface.
type CompletionPersister interface {
	StoreCompletion(ctx context.Context, tenantUID string, c domain.AgentCompletion) error
}

// StoreCompletionPayload is TypeStoreCompletion's event payload.
type StoreCompletionPayload struct {
	Completion domain.AgentCompletion `json:"completion"`
}

// NewStoreCompletionHandler builds the on_store_completion job (spec §4.8):
// compute previews if absent, materialize every referenced file to blob
// storage, then persist. ledger and blobs may be nil-free zero values only
// if materialization/persistence genuinely isn't configured for this
// deployment (e.g. a dry-run CLI) — callers normally always supply both.
func NewStoreCompletionHandler(ledger CompletionPersister, blobs BlobStore, log *slog.Logger) Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, evt Event) error {
		var payload StoreCompletionPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return fmt.Errorf("events: decode store_completion payload: %w", err)
		}
		return PersistCompletion(ctx, ledger, blobs, evt.TenantUID, payload.Completion, log)
	}
}

// PersistCompletion runs spec §4.8's on_store_completion logic directly,
// without going through the router: compute previews if absent, materialize
// every referenced file to blob storage, then persist. Exported so
// internal/experiments can call the same path synchronously after running a
// fan-out completion, instead of racing wait_for_experiment's poll loop
// against an asynchronously-dispatched store.
func PersistCompletion(ctx context.Context, ledger CompletionPersister, blobs BlobStore, tenantUID string, c domain.AgentCompletion, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if c.AgentInput.Preview == "" {
		c.AgentInput.ComputePreview(280)
	}
	if c.AgentOutput.Preview == "" {
		c.AgentOutput.ComputePreview(280)
	}

	if err := materializeFiles(ctx, tenantUID, &c, blobs, log); err != nil {
		log.WarnContext(ctx, "events: file materialization failed, storing completion anyway", "completion_id", c.ID, "error", err)
	}

	return ledger.StoreCompletion(ctx, tenantUID, c)
}

// materializeFiles implements spec §4.6's file-materialization rule: for
// every file referenced by the input/output/messages, if no storage_url,
// compute sha256(data); if the URL is empty or a data: URI, upload bytes to
// blob, set storage_url + replace url; always drop data after url is
// populated.
func materializeFiles(ctx context.Context, tenantUID string, c *domain.AgentCompletion, blobs BlobStore, log *slog.Logger) error {
	var firstErr error
	materialize := func(f *domain.File) {
		if f == nil || f.StorageURL != "" {
			return
		}
		if f.Data == "" {
			return // URL-only reference, nothing to upload
		}
		sha := f.SHA256()
		if sha == "" {
			return
		}
		ext := extensionFor(f.ContentType)
		path := domain.BlobPath(tenantUID, "completions", sha, ext)

		raw, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		url, err := blobs.Upload(ctx, path, f.ContentType, raw)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("upload %s: %w", path, err)
			}
			return
		}
		f.StorageURL = url
		if f.URL == "" || strings.HasPrefix(f.URL, "data:") {
			f.URL = url
		}
		f.Data = ""
	}

	for _, m := range messagesWithFiles(c) {
		for _, f := range m.FileIterator() {
			materialize(f)
		}
	}
	return firstErr
}

func messagesWithFiles(c *domain.AgentCompletion) []domain.Message {
	all := make([]domain.Message, 0, len(c.AgentInput.Messages)+len(c.AgentOutput.Messages)+len(c.Messages))
	all = append(all, c.AgentInput.Messages...)
	all = append(all, c.AgentOutput.Messages...)
	all = append(all, c.Messages...)
	return all
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	default:
		return ""
	}
}

// UserConnectedPayload is TypeUserConnected's event payload.
type UserConnectedPayload struct {
	UserID string `json:"user_id"`
}

// Attributor is the analytics hook on_user_connected reports to; best-effort
// (spec §4.8) so a failure here must never fail the handler.
type Attributor interface {
	AttributeConnection(ctx context.Context, tenantUID, userID string) error
}

// NewUserConnectedHandler builds the on_user_connected job: best-effort
// attribution/analytics, logging rather than propagating any failure.
func NewUserConnectedHandler(attributor Attributor, log *slog.Logger) Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, evt Event) error {
		var payload UserConnectedPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return fmt.Errorf("events: decode user_connected payload: %w", err)
		}
		if attributor == nil {
			return nil
		}
		if err := attributor.AttributeConnection(ctx, evt.TenantUID, payload.UserID); err != nil {
			log.WarnContext(ctx, "events: best-effort attribution failed", "user_id", payload.UserID, "error", err)
		}
		return nil
	}
}
