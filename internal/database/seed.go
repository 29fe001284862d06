package database

import (
	"context"

	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// DefaultExperts is the starter catalog loaded into empty stores
func DefaultExperts() []types.Expert {
	return []types.Expert{
		{
			Name:         "portfolio_advisor",
			Description:  "General portfolio guidance: holdings, allocation, rebalancing and performance of the user's wallet.",
			Capabilities: []string{"portfolio", "allocation", "rebalancing", "performance"},
			ModelConfig: map[string]interface{}{
				"provider":    "anthropic",
				"model":       "claude-3-5-haiku-latest",
				"temperature": 0.3,
				"max_tokens":  800,
			},
			PerformanceScore: 90,
			IsActive:         true,
		},
		{
			Name:         "market_analyst",
			Description:  "Market conditions, quotes, indices and sector trends.",
			Capabilities: []string{"market", "quotes", "trends", "technical_analysis"},
			ModelConfig: map[string]interface{}{
				"provider":    "openai",
				"model":       "gpt-4o-mini",
				"temperature": 0.4,
				"max_tokens":  800,
			},
			PerformanceScore: 70,
			IsActive:         true,
		},
		{
			Name:         "tax_advisor",
			Description:  "Income tax on investments, capital gains, dividends taxation and yearly declaration.",
			Capabilities: []string{"tax", "capital_gains", "declaration"},
			ModelConfig: map[string]interface{}{
				"provider":    "anthropic",
				"model":       "claude-3-5-haiku-latest",
				"temperature": 0.1,
				"max_tokens":  1000,
			},
			PerformanceScore: 65,
			IsActive:         true,
		},
		{
			Name:         "news_interpreter",
			Description:  "Interprets financial news and announcements and their impact on the user's assets.",
			Capabilities: []string{"news", "sentiment", "events"},
			ModelConfig: map[string]interface{}{
				"provider":    "google",
				"model":       "gemini-2.0-flash",
				"temperature": 0.5,
			},
			PerformanceScore: 60,
			IsActive:         true,
		},
		{
			Name:         "risk_analyst",
			Description:  "Risk exposure, volatility, diversification and concentration warnings.",
			Capabilities: []string{"risk", "volatility", "diversification"},
			ModelConfig: map[string]interface{}{
				"provider":    "openai",
				"model":       "gpt-4o-mini",
				"temperature": 0.2,
			},
			PerformanceScore: 55,
			IsActive:         true,
		},
	}
}

// DefaultFallbackTemplates are served when an expert cannot answer
func DefaultFallbackTemplates() []types.FallbackTemplate {
	var out []types.FallbackTemplate
	for _, expert := range DefaultExperts() {
		out = append(out,
			types.FallbackTemplate{
				DependencyName: expert.Name,
				Scenario:       types.ScenarioTimeout,
				ResponseText:   "The analysis is taking longer than expected. Please try again in a moment.",
			},
			types.FallbackTemplate{
				DependencyName: expert.Name,
				Scenario:       types.ScenarioAPIError,
				ResponseText:   "The data provider is having trouble right now. Please try again shortly.",
			},
			types.FallbackTemplate{
				DependencyName: expert.Name,
				Scenario:       types.ScenarioDefault,
				ResponseText:   "I could not complete this request. Please rephrase it or try again later.",
			},
			types.FallbackTemplate{
				DependencyName: expert.Name,
				Scenario:       types.ScenarioCircuitOpen,
				ResponseText:   "This assistant is temporarily paused after repeated failures. Please try again in a minute.",
			},
		)
	}
	return out
}

// Seed loads the default catalog and templates into store. Existing experts
// keep their learned scores.
func Seed(ctx context.Context, store Store) error {
	for _, expert := range DefaultExperts() {
		expert := expert
		if _, err := store.GetExpert(ctx, expert.Name); err == nil {
			continue
		}
		if err := store.UpsertExpert(ctx, &expert); err != nil {
			return err
		}
	}
	for _, template := range DefaultFallbackTemplates() {
		template := template
		if err := store.UpsertFallbackTemplate(ctx, &template); err != nil {
			return err
		}
	}
	return nil
}
