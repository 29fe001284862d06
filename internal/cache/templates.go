package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/resilience"
)

// TemplateCache keeps fallback templates in process so a failing dependency
// does not also cost a database round trip per request. Missing templates are
// remembered too.
type TemplateCache struct {
	source resilience.FallbackProvider
	cache  *gocache.Cache
}

type templateEntry struct {
	text  string
	found bool
}

// NewTemplateCache wraps source with a TTL cache
func NewTemplateCache(source resilience.FallbackProvider, ttl time.Duration) *TemplateCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TemplateCache{
		source: source,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

// GetFallbackResponse implements resilience.FallbackProvider
func (t *TemplateCache) GetFallbackResponse(ctx context.Context, dependency, scenario string) (string, error) {
	key := dependency + "|" + scenario
	if v, ok := t.cache.Get(key); ok {
		entry := v.(templateEntry)
		if !entry.found {
			return "", errors.NewNotFoundError("fallback template")
		}
		return entry.text, nil
	}

	text, err := t.source.GetFallbackResponse(ctx, dependency, scenario)
	switch {
	case err == nil:
		t.cache.SetDefault(key, templateEntry{text: text, found: true})
		return text, nil
	case errors.IsNotFound(err):
		t.cache.SetDefault(key, templateEntry{})
		return "", err
	default:
		return "", err
	}
}

// Flush drops every cached template
func (t *TemplateCache) Flush() {
	t.cache.Flush()
}
