package runner

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nexushq/gateway/internal/domain"
	"github.com/nexushq/gateway/internal/providers"
)

// Builder holds the per-completion state assembled by PrepareCompletion:
// the resolved Version/AgentInput and the rendered message list ready to
// send to a provider.
type Builder struct {
	CompletionID   string
	AgentID        string
	ConversationID string
	Version        domain.Version
	Input          domain.AgentInput
	Metadata       map[string]string
	StartTime      time.Time
	Source         domain.Source
	Stream         bool

	messages []domain.Message
}

// render builds messages = prompt ++ input.messages, rendering every text
// content part against input.variables through renderer (spec §4.4 step 1).
func (b *Builder) render(renderer TemplateRenderer) error {
	combined := make([]domain.Message, 0, len(b.Version.Prompt)+len(b.Input.Messages))
	combined = append(combined, b.Version.Prompt...)
	combined = append(combined, b.Input.Messages...)

	for i := range combined {
		parts := make([]domain.ContentPart, len(combined[i].Content))
		copy(parts, combined[i].Content)
		for j := range parts {
			if parts[j].Kind != domain.ContentText {
				continue
			}
			if renderer == nil || !renderer.IsTemplate(parts[j].Text) {
				continue
			}
			rendered, _, err := renderer.RenderTemplate(parts[j].Text, b.Input.Variables)
			if err != nil {
				return fmt.Errorf("render message %d content %d: %w", i, j, err)
			}
			parts[j].Text = rendered
		}
		combined[i].Content = parts
	}

	b.messages = combined
	return nil
}

// resolveFiles sanitizes every file referenced in the rendered messages and
// downloads the ones that must travel as bytes rather than URL references
// (spec §4.4 step 2): files with no usable URL, or files beyond the
// provider's max_number_of_file_urls link budget.
func (b *Builder) resolveFiles(ctx context.Context, client *http.Client, maxFileURLs func(provider string) int) error {
	var files []*domain.File
	for i := range b.messages {
		files = append(files, b.messages[i].FileIterator()...)
	}
	if len(files) == 0 {
		return nil
	}

	var sanitizeErrs []string
	for _, f := range files {
		if err := f.Sanitize(); err != nil {
			sanitizeErrs = append(sanitizeErrs, err.Error())
		}
	}
	if len(sanitizeErrs) > 0 {
		return fmt.Errorf("invalid file(s): %s", strings.Join(sanitizeErrs, "; "))
	}

	limit := maxFileURLs(b.Version.Provider)
	var toDownload []*domain.File
	linksUsed := 0
	for _, f := range files {
		usableLink := f.Data == "" && f.URL != ""
		if usableLink && linksUsed < limit {
			linksUsed++
			continue
		}
		if f.Data == "" {
			toDownload = append(toDownload, f)
		}
	}
	if len(toDownload) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(toDownload))
	for _, f := range toDownload {
		wg.Add(1)
		go func(file *domain.File) {
			defer wg.Done()
			if err := file.Download(ctx, client, domain.DefaultDownloadRetries); err != nil {
				errCh <- err
			}
		}(f)
	}
	wg.Wait()
	close(errCh)

	var downloadErrs []string
	for err := range errCh {
		downloadErrs = append(downloadErrs, err.Error())
	}
	if len(downloadErrs) > 0 {
		return fmt.Errorf("file download failed: %s", strings.Join(downloadErrs, "; "))
	}
	return nil
}

// buildRequest constructs a providers.Request for the given candidate model:
// system messages are joined into System, max output tokens come from
// EffectiveMaxOutputTokens(modelMax), and temperature, top_p, tools, tool
// choice, reasoning budget and (with structured generation) the output schema
// are copied over. Presence/frequency penalties, reasoning effort and
// parallel tool calls are not carried.
func (b *Builder) buildRequest(model string, modelMax int) *providers.Request {
	var system string
	var messages []domain.Message
	for _, m := range b.messages {
		if m.Role == domain.RoleSystem {
			system += m.Text()
			continue
		}
		messages = append(messages, m)
	}

	req := &providers.Request{
		Model:           model,
		System:          system,
		Messages:        messages,
		Tools:           b.Version.Tools,
		ToolChoice:      b.Version.ToolChoice,
		MaxOutputTokens: b.Version.EffectiveMaxOutputTokens(modelMax),
		Stream:          true,
	}
	if b.Version.Temperature != nil {
		req.Temperature = *b.Version.Temperature
	}
	if b.Version.TopP != nil {
		req.TopP = *b.Version.TopP
	}
	if b.Version.ReasoningBudget != nil && *b.Version.ReasoningBudget > 0 {
		req.EnableThinking = true
		req.ThinkingBudgetTokens = *b.Version.ReasoningBudget
	}
	if b.Version.UseStructuredGeneration && len(b.Version.OutputSchema) > 0 {
		req.ResponseSchema = &domain.ResponseFormat{Name: "response", Schema: b.Version.OutputSchema, Strict: true}
	}
	return req
}
