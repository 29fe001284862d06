package providers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Request is one single-turn completion
type Request struct {
	// Expert names the caller; SDK backends ignore it
	Expert      string
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

// Completion is the text a backend produced and the tokens it billed
type Completion struct {
	Text       string
	TokensUsed int
}

// Backend is one LLM provider SDK behind a common completion call
type Backend interface {
	Name() string
	DefaultModel() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

const defaultMaxTokens = 1024

// requestFromConfig reads model, temperature, max_tokens and system_prompt
// from an expert's model_config. Unknown keys are ignored.
func requestFromConfig(cfg map[string]interface{}, fallbackModel string) Request {
	req := Request{
		Model:     stringValue(cfg, "model"),
		System:    stringValue(cfg, "system_prompt"),
		MaxTokens: defaultMaxTokens,
	}
	if req.Model == "" {
		req.Model = fallbackModel
	}
	if n, ok := numberValue(cfg, "max_tokens"); ok && n > 0 {
		req.MaxTokens = int(n)
	}
	if t, ok := numberValue(cfg, "temperature"); ok {
		req.Temperature = &t
	}
	return req
}

func stringValue(cfg map[string]interface{}, key string) string {
	if cfg == nil {
		return ""
	}
	switch v := cfg[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

// numberValue accepts the numeric shapes produced by Go literals and by
// decoding JSON columns.
func numberValue(cfg map[string]interface{}, key string) (float64, bool) {
	if cfg == nil {
		return 0, false
	}
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
