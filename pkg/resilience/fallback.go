package resilience

import (
	"context"
	stderrors "errors"
	"regexp"
	"strings"

	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// UnavailableMessage is served when no fallback template is configured
const UnavailableMessage = "This service is temporarily unavailable. Please try again in a few moments."

// FallbackProvider looks up the canned response for a dependency and scenario
type FallbackProvider interface {
	GetFallbackResponse(ctx context.Context, dependency, scenario string) (string, error)
}

// FallbackFunc adapts a function to FallbackProvider
type FallbackFunc func(ctx context.Context, dependency, scenario string) (string, error)

// GetFallbackResponse implements FallbackProvider
func (f FallbackFunc) GetFallbackResponse(ctx context.Context, dependency, scenario string) (string, error) {
	return f(ctx, dependency, scenario)
}

var (
	timeoutPattern  = regexp.MustCompile(`(?i)time(d)?[ -]?out|deadline exceeded`)
	apiErrorPattern = regexp.MustCompile(`(?i)\bapi\b|\bstatus(?: code)?:? \d{3}\b|\brate limit`)
)

// ClassifyError maps the last error of an exhausted call to a fallback
// scenario: timeout, api_error or default_error.
func ClassifyError(err error) string {
	if err == nil {
		return types.ScenarioDefault
	}

	if stderrors.Is(err, context.DeadlineExceeded) || errors.IsType(err, errors.ErrorTypeTimeout) {
		return types.ScenarioTimeout
	}

	msg := err.Error()
	if timeoutPattern.MatchString(msg) {
		return types.ScenarioTimeout
	}

	if errors.IsType(err, errors.ErrorTypeExternal) || errors.IsType(err, errors.ErrorTypeRateLimit) ||
		errors.StatusCode(err) > 0 || apiErrorPattern.MatchString(msg) {
		return types.ScenarioAPIError
	}

	return types.ScenarioDefault
}

func (e *Executor) fallbackText(ctx context.Context, dependency, scenario string) string {
	if e.fallbacks == nil || scenario == types.ReasonCancelled {
		return e.config.UnavailableMessage
	}

	text, err := e.fallbacks.GetFallbackResponse(ctx, dependency, scenario)
	if err != nil {
		if !errors.IsNotFound(err) {
			e.logger.Warn("Fallback lookup failed",
				"dependency", dependency,
				"scenario", scenario,
				"error", err,
			)
		}
		return e.config.UnavailableMessage
	}
	if strings.TrimSpace(text) == "" {
		return e.config.UnavailableMessage
	}
	return text
}
