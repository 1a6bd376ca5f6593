package invoker

import (
	"encoding/json"

	"github.com/corpnet/llmgateway/internal/models"
)

// encodeRequest builds the family-specific JSON body for req (§4.6 body
// shapes 1-2), grounded on the teacher's prepareAnthropicRequest /
// prepareAmazonRequest pair but collapsed to the three canonical shapes
// named in the spec instead of one function per upstream provider.
func encodeRequest(family Family, req models.Request) ([]byte, error) {
	switch family {
	case FamilyClaudeChat:
		body := claudeChatRequest{
			AnthropicVersion: "bedrock-2023-05-31",
			MaxTokens:        req.MaxTokens,
			Temperature:      req.Temperature,
			Messages: []claudeMessage{
				{Role: "user", Content: req.Prompt},
			},
		}
		return json.Marshal(body)
	case FamilyTitanText:
		body := titanTextRequest{
			InputText: req.Prompt,
			TextGenerationConfig: titanTextGenerationConfig{
				MaxTokenCount: req.MaxTokens,
				Temperature:   req.Temperature,
			},
		}
		return json.Marshal(body)
	default:
		return nil, models.NewError(models.ErrClient, "family does not support generation requests")
	}
}

// encodeEmbedRequest builds the Titan-style embedding body (§4.6 shape 3).
func encodeEmbedRequest(text string) ([]byte, error) {
	return json.Marshal(titanEmbeddingRequest{InputText: text})
}

// decodeResponse extracts generated text and, if the provider returned
// usage, the token counts from a family-specific response body.
func decodeResponse(family Family, body []byte) (text string, usage models.TokenUsage, hasUsage bool, err error) {
	switch family {
	case FamilyClaudeChat:
		var resp claudeChatResponse
		if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil {
			return "", models.TokenUsage{}, false, models.WrapError(models.ErrProtocol, "decoding claude-style response", jsonErr)
		}
		if len(resp.Content) == 0 {
			return "", models.TokenUsage{}, false, models.NewError(models.ErrProtocol, "claude-style response had no content blocks")
		}
		if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
			usage = models.TokenUsage{
				Input:  resp.Usage.InputTokens,
				Output: resp.Usage.OutputTokens,
				Total:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
			}
			hasUsage = true
		}
		return resp.Content[0].Text, usage, hasUsage, nil
	case FamilyTitanText:
		var resp titanTextResponse
		if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil {
			return "", models.TokenUsage{}, false, models.WrapError(models.ErrProtocol, "decoding titan-style response", jsonErr)
		}
		if len(resp.Results) == 0 {
			return "", models.TokenUsage{}, false, models.NewError(models.ErrProtocol, "titan-style response had no results")
		}
		return resp.Results[0].OutputText, models.TokenUsage{}, false, nil
	default:
		return "", models.TokenUsage{}, false, models.NewError(models.ErrProtocol, "unsupported family for response decoding")
	}
}

// decodeEmbedResponse extracts the embedding vector from a Titan-style
// embedding response (§4.6 shape 3).
func decodeEmbedResponse(body []byte) ([]float32, error) {
	var resp titanEmbeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, models.WrapError(models.ErrProtocol, "decoding titan-style embedding response", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, models.NewError(models.ErrProtocol, "embedding response had an empty vector")
	}
	return resp.Embedding, nil
}

// Wire shapes per §4.6.

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeChatRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature"`
	Messages         []claudeMessage `json:"messages"`
}

type claudeContentBlock struct {
	Text string `json:"text"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeChatResponse struct {
	Content []claudeContentBlock `json:"content"`
	Usage   claudeUsage          `json:"usage"`
}

type titanTextGenerationConfig struct {
	MaxTokenCount int     `json:"maxTokenCount"`
	Temperature   float64 `json:"temperature"`
}

type titanTextRequest struct {
	InputText            string                    `json:"inputText"`
	TextGenerationConfig titanTextGenerationConfig `json:"textGenerationConfig"`
}

type titanTextResult struct {
	OutputText string `json:"outputText"`
}

type titanTextResponse struct {
	Results []titanTextResult `json:"results"`
}

type titanEmbeddingRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}
