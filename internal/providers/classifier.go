package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// LLMClassifier asks a model to pick the expert for a query and parses its
// JSON answer.
type LLMClassifier struct {
	backend Backend
	model   string
}

// NewLLMClassifier creates a classifier. An empty model uses the backend's
// default.
func NewLLMClassifier(backend Backend, model string) (*LLMClassifier, error) {
	if backend == nil {
		return nil, fmt.Errorf("classifier backend is required")
	}
	if model == "" {
		model = backend.DefaultModel()
	}
	return &LLMClassifier{backend: backend, model: model}, nil
}

// Classify implements the router's classifier. Names are not validated
// here; the router owns substitution of unknown experts.
func (c *LLMClassifier) Classify(ctx context.Context, query string, experts []types.ExpertMetadata, userContext map[string]interface{}) (*types.Classification, error) {
	prompt, err := buildClassifierPrompt(query, experts, userContext)
	if err != nil {
		return nil, err
	}

	zero := 0.0
	completion, err := c.backend.Complete(ctx, Request{
		Expert:      "classifier",
		Model:       c.model,
		Prompt:      prompt,
		MaxTokens:   300,
		Temperature: &zero,
	})
	if err != nil {
		return nil, err
	}

	return parseClassification(completion.Text)
}

func buildClassifierPrompt(query string, experts []types.ExpertMetadata, userContext map[string]interface{}) (string, error) {
	catalog, err := json.Marshal(experts)
	if err != nil {
		return "", fmt.Errorf("failed to encode experts: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("You route questions of a personal investment assistant to one expert.\n")
	sb.WriteString("Return ONLY JSON: {\"expert\":\"...\",\"confidence\":0-100,\"alternatives\":[\"...\"],\"reasoning\":\"...\"}.\n")
	sb.WriteString("expert must be one of the names below. alternatives are other suitable names, best first.\n\n")
	sb.WriteString("Experts:\n")
	sb.Write(catalog)
	sb.WriteString("\n\nQuestion:\n")
	sb.WriteString(query)
	if len(userContext) > 0 {
		if data, err := json.Marshal(userContext); err == nil {
			sb.WriteString("\n\nUser context:\n")
			sb.Write(data)
		}
	}
	return sb.String(), nil
}

func parseClassification(content string) (*types.Classification, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	// Models sometimes wrap the object in prose.
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		content = content[start : end+1]
	}

	var decision types.Classification
	if err := json.Unmarshal([]byte(content), &decision); err != nil {
		return nil, fmt.Errorf("invalid classifier response: %w", err)
	}
	decision.Expert = strings.TrimSpace(decision.Expert)
	if decision.Expert == "" {
		return nil, fmt.Errorf("invalid classifier response: missing expert")
	}
	return &decision, nil
}
