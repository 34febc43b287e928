package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nexushq/gateway/internal/domain"
)

// fakeRenderer renders "{{name}}" templates literally against variables,
// just enough to exercise Builder.render without depending on internal/template.
type fakeRenderer struct{}

func (fakeRenderer) IsTemplate(s string) bool { return strings.Contains(s, "{{") }

func (fakeRenderer) RenderTemplate(tmpl string, variables map[string]any) (string, []string, error) {
	out := tmpl
	var used []string
	for k, v := range variables {
		placeholder := "{{" + k + "}}"
		if strings.Contains(out, placeholder) {
			out = strings.ReplaceAll(out, placeholder, toString(v))
			used = append(used, k)
		}
	}
	return out, used, nil
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func textMessage(role domain.Role, text string) domain.Message {
	return domain.Message{Role: role, Content: []domain.ContentPart{domain.NewTextPart(text)}}
}

func TestBuilderRenderSubstitutesVariablesIntoPromptAndInput(t *testing.T) {
	b := &Builder{
		Version: domain.Version{
			Prompt: []domain.Message{textMessage(domain.RoleSystem, "You are {{persona}}.")},
		},
		Input: domain.AgentInput{
			Variables: map[string]any{"persona": "a helpful assistant"},
			Messages:  []domain.Message{textMessage(domain.RoleUser, "hello")},
		},
	}

	if err := b.render(fakeRenderer{}); err != nil {
		t.Fatalf("render returned error: %v", err)
	}
	if len(b.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(b.messages))
	}
	if got := b.messages[0].Text(); got != "You are a helpful assistant." {
		t.Errorf("rendered system message = %q", got)
	}
	if got := b.messages[1].Text(); got != "hello" {
		t.Errorf("untouched user message = %q", got)
	}
}

func TestBuilderRenderLeavesNonTemplateTextUntouched(t *testing.T) {
	b := &Builder{
		Version: domain.Version{Prompt: []domain.Message{textMessage(domain.RoleSystem, "plain instructions")}},
		Input:   domain.AgentInput{},
	}
	if err := b.render(fakeRenderer{}); err != nil {
		t.Fatalf("render returned error: %v", err)
	}
	if got := b.messages[0].Text(); got != "plain instructions" {
		t.Errorf("text = %q, want unchanged", got)
	}
}

func TestBuilderBuildRequestSplitsSystemMessages(t *testing.T) {
	b := &Builder{
		Version: domain.Version{},
		messages: []domain.Message{
			textMessage(domain.RoleSystem, "be terse"),
			textMessage(domain.RoleUser, "what's 2+2"),
		},
	}
	req := b.buildRequest("gpt-5", 128000)
	if req.System != "be terse" {
		t.Errorf("System = %q, want %q", req.System, "be terse")
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != domain.RoleUser {
		t.Fatalf("Messages = %+v, want exactly the user message", req.Messages)
	}
}

func TestBuilderBuildRequestAppliesGenerationParams(t *testing.T) {
	temp := 0.7
	budget := 2000
	b := &Builder{
		Version: domain.Version{Temperature: &temp, ReasoningBudget: &budget},
	}
	req := b.buildRequest("gpt-5", 128000)
	if req.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", req.Temperature)
	}
	if !req.EnableThinking || req.ThinkingBudgetTokens != 2000 {
		t.Errorf("thinking params not applied: enable=%v budget=%d", req.EnableThinking, req.ThinkingBudgetTokens)
	}
}

func TestBuilderResolveFilesDownloadsBeyondURLBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("file-bytes"))
	}))
	defer srv.Close()

	f1 := &domain.File{URL: srv.URL + "/a.png"}
	f2 := &domain.File{URL: srv.URL + "/b.png"}
	b := &Builder{
		Version: domain.Version{Provider: "openai"},
		messages: []domain.Message{
			{Role: domain.RoleUser, Content: []domain.ContentPart{domain.NewFilePart(f1), domain.NewFilePart(f2)}},
		},
	}

	maxFileURLs := func(provider string) int { return 1 }
	if err := b.resolveFiles(context.Background(), srv.Client(), maxFileURLs); err != nil {
		t.Fatalf("resolveFiles returned error: %v", err)
	}

	downloaded := 0
	for _, f := range []*domain.File{f1, f2} {
		if f.Data != "" {
			downloaded++
		}
	}
	if downloaded != 1 {
		t.Errorf("expected exactly 1 file downloaded (budget=1), got %d", downloaded)
	}
}

func TestBuilderResolveFilesNoFilesIsNoop(t *testing.T) {
	b := &Builder{messages: []domain.Message{textMessage(domain.RoleUser, "no files here")}}
	if err := b.resolveFiles(context.Background(), http.DefaultClient, func(string) int { return 0 }); err != nil {
		t.Fatalf("resolveFiles returned error: %v", err)
	}
}

func TestBuilderResolveFilesRejectsInvalidFile(t *testing.T) {
	b := &Builder{
		messages: []domain.Message{
			{Role: domain.RoleUser, Content: []domain.ContentPart{domain.NewFilePart(&domain.File{})}},
		},
	}
	if err := b.resolveFiles(context.Background(), http.DefaultClient, func(string) int { return 0 }); err == nil {
		t.Fatal("expected error for a file with neither data nor url")
	}
}
