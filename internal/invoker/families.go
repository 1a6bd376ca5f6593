// Package invoker implements the Remote Invoker (C6): per-family request
// encoding/response decoding against the Bedrock runtime, table-driven by
// modelId prefix (§4.6).
//
// Grounded on internal/adapters/bedrock/bedrock.go's provider-keyed
// prepare*Request/parse*Response dispatch (prepareAnthropicRequest,
// prepareAmazonRequest, ...). That file dispatches on a ModelProvider enum
// populated from a hand-built modelConfigs map; this package instead keys
// directly off the modelId prefix, since §4.6 specifies the encoder
// selection as "table-driven keyed by modelId prefix" rather than a
// separately registered catalog.
package invoker

import "strings"

// Family identifies which wire shape a model speaks (§4.6).
type Family string

const (
	FamilyClaudeChat     Family = "claude-chat"
	FamilyTitanText      Family = "titan-text"
	FamilyTitanEmbedding Family = "titan-embedding"
)

// familyPrefixes maps a modelId prefix to its wire family. Llama, Mistral,
// and Mixtral models resolve to FamilyTitanText and are sent the Titan-text
// body unchanged; no family-specific field names are produced for them.
var familyPrefixes = []struct {
	prefix string
	family Family
}{
	{"anthropic.", FamilyClaudeChat},
	{"amazon.titan-embed", FamilyTitanEmbedding},
	{"amazon.titan", FamilyTitanText},
	{"meta.llama", FamilyTitanText},
	{"mistral.", FamilyTitanText},
	{"mistral.mixtral", FamilyTitanText},
}

// FamilyOf resolves modelID to its wire family by longest matching
// prefix, or ok=false if no registered family covers it.
func FamilyOf(modelID string) (Family, bool) {
	best := ""
	var bestFamily Family
	for _, p := range familyPrefixes {
		if strings.HasPrefix(modelID, p.prefix) && len(p.prefix) > len(best) {
			best = p.prefix
			bestFamily = p.family
		}
	}
	if best == "" {
		return "", false
	}
	return bestFamily, true
}
