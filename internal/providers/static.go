package providers

import (
	"context"
	"fmt"
	"strings"
)

// StaticBackend answers from a fixed table. It backs local runs without
// provider credentials and the tests.
type StaticBackend struct {
	// Responses maps an expert name to its canned answer
	Responses map[string]string
	// Err, when set, is returned from every call
	Err error
}

// NewStaticBackend creates a backend over responses
func NewStaticBackend(responses map[string]string) *StaticBackend {
	return &StaticBackend{Responses: responses}
}

// Name returns the provider identifier.
func (s *StaticBackend) Name() string {
	return "static"
}

// DefaultModel is used when an expert does not name a model.
func (s *StaticBackend) DefaultModel() string {
	return "static"
}

// Complete returns the canned answer for req.Expert. Tokens are counted as
// whitespace separated words of prompt and answer.
func (s *StaticBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}

	text, ok := s.Responses[req.Expert]
	if !ok {
		text = fmt.Sprintf("[%s] Received your question: %s", req.Expert, req.Prompt)
	}
	tokens := len(strings.Fields(req.Prompt)) + len(strings.Fields(text))
	return &Completion{Text: text, TokensUsed: tokens}, nil
}
