package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NikhilSetiya/invest-assistant/pkg/config"
	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// Pricing maps a provider name to its cost per 1000 tokens
type Pricing map[string]float64

// Mux runs experts on the backend named by model_config["provider"],
// falling back to the default provider.
type Mux struct {
	mu              sync.RWMutex
	backends        map[string]Backend
	defaultProvider string
	pricing         Pricing
	now             func() time.Time
}

// NewMux creates a mux. defaultProvider must be one of backends.
func NewMux(defaultProvider string, pricing Pricing, backends ...Backend) (*Mux, error) {
	m := &Mux{
		backends: make(map[string]Backend),
		pricing:  pricing,
		now:      time.Now,
	}
	for _, b := range backends {
		m.Register(b)
	}
	if _, ok := m.backends[defaultProvider]; !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("default provider %q is not registered", defaultProvider))
	}
	m.defaultProvider = defaultProvider
	return m, nil
}

// NewMuxFromConfig registers a backend for every provider with a key plus
// the static backend. When the configured default has no key the static
// backend becomes the default.
func NewMuxFromConfig(ctx context.Context, cfg config.ProvidersConfig, httpClient *http.Client) (*Mux, error) {
	logger := logging.GetLogger()
	backends := []Backend{NewStaticBackend(nil)}

	if cfg.AnthropicAPIKey != "" {
		b, err := NewAnthropicBackend(cfg.AnthropicAPIKey, "", httpClient)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	if cfg.OpenAIAPIKey != "" {
		b, err := NewOpenAIBackend(cfg.OpenAIAPIKey, "", httpClient)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	if cfg.GoogleAPIKey != "" {
		b, err := NewGeminiBackend(ctx, cfg.GoogleAPIKey, "", httpClient)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}

	pricing := Pricing{
		"anthropic": cfg.AnthropicCostPer1K,
		"openai":    cfg.OpenAICostPer1K,
		"google":    cfg.GoogleCostPer1K,
	}

	defaultProvider := cfg.Default
	registered := false
	for _, b := range backends {
		if b.Name() == defaultProvider {
			registered = true
		}
	}
	if !registered {
		logger.Warn("Default provider has no credentials, using static responses", "provider", defaultProvider)
		defaultProvider = "static"
	}

	return NewMux(defaultProvider, pricing, backends...)
}

// Register adds or replaces a backend
func (m *Mux) Register(b Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[b.Name()] = b
}

// Providers lists the registered backend names
func (m *Mux) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.backends))
	for name := range m.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backend resolves a provider name. Unknown or empty names resolve to the
// default backend.
func (m *Mux) Backend(provider string) Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.backends[strings.ToLower(strings.TrimSpace(provider))]; ok {
		return b
	}
	return m.backends[m.defaultProvider]
}

// Invoke runs the expert once against its provider.
func (m *Mux) Invoke(ctx context.Context, expert types.Expert, query string, userContext map[string]interface{}) (*types.Invocation, error) {
	backend := m.Backend(stringValue(expert.ModelConfig, "provider"))

	req := requestFromConfig(expert.ModelConfig, backend.DefaultModel())
	req.Expert = expert.Name
	if req.System == "" {
		req.System = systemPrompt(expert)
	}
	req.Prompt = userPrompt(query, userContext)

	start := m.now()
	completion, err := backend.Complete(ctx, req)
	latency := m.now().Sub(start)
	if err != nil {
		return nil, err
	}

	return &types.Invocation{
		Response:   completion.Text,
		TokensUsed: completion.TokensUsed,
		Latency:    latency,
		Cost:       float64(completion.TokensUsed) / 1000 * m.pricing[backend.Name()],
	}, nil
}

func systemPrompt(expert types.Expert) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are %s, a specialist of a personal investment assistant.\n", expert.Name))
	if expert.Description != "" {
		sb.WriteString(expert.Description)
		sb.WriteString("\n")
	}
	if len(expert.Capabilities) > 0 {
		sb.WriteString("Capabilities: ")
		sb.WriteString(strings.Join(expert.Capabilities, ", "))
		sb.WriteString("\n")
	}
	sb.WriteString("Answer in the language of the question. Be concise and do not issue buy or sell orders.")
	return sb.String()
}

// userPrompt appends the caller's context as JSON. encoding/json sorts map
// keys so equal contexts produce equal prompts.
func userPrompt(query string, userContext map[string]interface{}) string {
	if len(userContext) == 0 {
		return query
	}
	data, err := json.Marshal(userContext)
	if err != nil {
		return query
	}
	return fmt.Sprintf("%s\n\nUser context (JSON):\n%s", query, data)
}
