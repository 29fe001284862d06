package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ProviderError wraps an SDK error with the HTTP status it carried
type ProviderError struct {
	Provider  string
	Status    int
	Temporary bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}
	if e.Err != nil {
		if e.Status > 0 {
			return fmt.Sprintf("%s api error (status %d): %v", e.Provider, e.Status, e.Err)
		}
		return fmt.Sprintf("%s api error: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s api error (status %d)", e.Provider, e.Status)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StatusCode exposes the upstream status to the resilience layer
func (e *ProviderError) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.Status
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Temporary {
			return true
		}
		if providerErr.Status == http.StatusTooManyRequests || (providerErr.Status >= 500 && providerErr.Status <= 599) {
			return true
		}
	}
	return false
}

func wrap(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	// Context errors pass through untouched so callers can tell timeouts apart.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	pe := &ProviderError{Provider: provider, Status: status, Err: err}
	pe.Temporary = IsTransient(pe)
	return pe
}
