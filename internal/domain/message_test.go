package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentPartValidate(t *testing.T) {
	require.NoError(t, NewTextPart("hi").Validate())
	require.NoError(t, NewFilePart(&File{URL: "https://example.com/a.png"}).Validate())

	bad := ContentPart{Kind: ContentText, Text: "hi", Reasoning: "oops"}
	assert.ErrorIs(t, bad.Validate(), ErrBadContentPart)

	empty := ContentPart{Kind: ContentText}
	assert.ErrorIs(t, empty.Validate(), ErrBadContentPart)
}

func TestMessageHelpers(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentPart{
			NewTextPart("Let me check "),
			NewFilePart(&File{URL: "https://example.com/a.png"}),
			NewToolCallRequestPart(ToolCallRequest{ID: "1", ToolName: "search"}),
			NewTextPart("that for you"),
		},
	}

	assert.True(t, msg.HasFiles())
	assert.Len(t, msg.FileIterator(), 1)
	assert.Len(t, msg.ToolCallRequestIterator(), 1)
	assert.Equal(t, "Let me check that for you", msg.Text())
}
