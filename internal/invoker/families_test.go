package invoker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFamilyOfResolvesByLongestPrefix(t *testing.T) {
	cases := []struct {
		modelID string
		family  Family
		ok      bool
	}{
		{"anthropic.claude-3-sonnet", FamilyClaudeChat, true},
		{"amazon.titan-embed-text-v1", FamilyTitanEmbedding, true},
		{"amazon.titan-text-lite-v1", FamilyTitanText, true},
		{"meta.llama3-70b-instruct-v1", FamilyTitanText, true},
		{"mistral.mixtral-8x7b-instruct-v0:1", FamilyTitanText, true},
		{"mistral.mistral-7b-instruct-v0:2", FamilyTitanText, true},
		{"cohere.command-r-v1", "", false},
	}
	for _, tc := range cases {
		family, ok := FamilyOf(tc.modelID)
		assert.Equal(t, tc.ok, ok, tc.modelID)
		assert.Equal(t, tc.family, family, tc.modelID)
	}
}
