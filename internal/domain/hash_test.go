package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionIDDeterminism(t *testing.T) {
	v1 := Version{Model: "gpt-4.1", Prompt: []Message{{Role: RoleUser, Content: []ContentPart{NewTextPart("hi")}}}}
	v2 := Version{Model: "gpt-4.1", Prompt: []Message{{Role: RoleUser, Content: []ContentPart{NewTextPart("hi")}}}}

	id1 := v1.ComputeID()
	id2 := v2.ComputeID()

	require.NotEmpty(t, id1)
	assert.Equal(t, id1, id2, "identical versions must hash identically")

	v3 := v2
	v3.Model = "gpt-4.1-mini"
	id3 := v3.ComputeID()
	assert.NotEqual(t, id1, id3, "mutating a field must change the id")
}

func TestAgentInputIDDeterminism(t *testing.T) {
	a := AgentInput{Variables: map[string]any{"name": "Toulouse"}}
	b := AgentInput{Variables: map[string]any{"name": "Toulouse"}}
	assert.Equal(t, a.ComputeID(), b.ComputeID())

	c := AgentInput{Variables: map[string]any{"name": "Paris"}}
	assert.NotEqual(t, a.ComputeID(), c.ComputeID())
}

func TestHashContentMapKeyOrderIndependent(t *testing.T) {
	h1 := HashContent(map[string]any{"a": 1, "b": 2})
	h2 := HashContent(map[string]any{"b": 2, "a": 1})
	assert.Equal(t, h1, h2)
}
