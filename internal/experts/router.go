package experts

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/resilience"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// ClassifierDependency is the health registry key for the classification call
const ClassifierDependency = "classifier"

// Catalog is the part of the data store the router reads
type Catalog interface {
	GetActiveExperts(ctx context.Context) ([]types.Expert, error)
}

// Classifier picks an expert for a query from the candidate metadata
type Classifier interface {
	Classify(ctx context.Context, query string, experts []types.ExpertMetadata, userContext map[string]interface{}) (*types.Classification, error)
}

// Selection is the router's decision for one query
type Selection struct {
	Expert               types.Expert
	Confidence           float64
	Alternatives         []string
	Reasoning            string
	Method               string
	FallbackSubstitution bool
}

// RouterConfig holds the routing constants
type RouterConfig struct {
	BaselineExpert          string
	BaselineConfidence      float64
	RankedDefaultConfidence float64
	ClassifierTimeout       time.Duration
}

// DefaultRouterConfig returns the standard routing constants
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		BaselineExpert:          "portfolio_advisor",
		BaselineConfidence:      50,
		RankedDefaultConfidence: 60,
		ClassifierTimeout:       10 * time.Second,
	}
}

const (
	keywordBaseConfidence = 60
	keywordHitConfidence  = 10
	keywordMaxConfidence  = 85
)

// Router selects the expert that should answer a query
type Router struct {
	config     RouterConfig
	catalog    Catalog
	classifier Classifier
	keywords   *KeywordTable
	health     *resilience.HealthRegistry
	logger     *logging.Logger
}

// NewRouter creates a router. classifier and health may be nil; without a
// classifier every query goes through keyword routing.
func NewRouter(config RouterConfig, catalog Catalog, classifier Classifier, keywords *KeywordTable, health *resilience.HealthRegistry) (*Router, error) {
	if catalog == nil {
		return nil, errors.NewValidationError("expert catalog is required")
	}
	if keywords == nil {
		table, err := DefaultKeywordTable()
		if err != nil {
			return nil, err
		}
		keywords = table
	}
	return &Router{
		config:     config,
		catalog:    catalog,
		classifier: classifier,
		keywords:   keywords,
		health:     health,
		logger:     logging.GetLogger(),
	}, nil
}

// SelectExpert loads the active experts and picks one for query. It only
// fails when the catalog cannot be read or no expert is active.
func (r *Router) SelectExpert(ctx context.Context, query string, userContext map[string]interface{}) (*Selection, error) {
	active, err := r.catalog.GetActiveExperts(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, errors.NewNotFoundError("active expert")
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].PerformanceScore > active[j].PerformanceScore
	})

	if r.classifier != nil {
		selection, err := r.classify(ctx, query, active, userContext)
		if err == nil {
			return selection, nil
		}
		r.logger.WithContext(ctx).WithError(err).Warn("Classifier unavailable, using keyword routing")
	}

	return r.keywordSelection(query, active), nil
}

func (r *Router) classify(ctx context.Context, query string, active []types.Expert, userContext map[string]interface{}) (*Selection, error) {
	if r.health != nil && !r.health.IsHealthy(ClassifierDependency) {
		return nil, errors.NewCircuitOpenError(ClassifierDependency)
	}

	metadata := make([]types.ExpertMetadata, 0, len(active))
	for _, e := range active {
		metadata = append(metadata, e.Metadata())
	}

	callCtx := ctx
	if r.config.ClassifierTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.config.ClassifierTimeout)
		defer cancel()
	}

	start := time.Now()
	decision, err := r.classifier.Classify(callCtx, query, metadata, userContext)
	if err == nil && decision == nil {
		err = errors.NewDependencyError(ClassifierDependency, 0, "empty classification")
	}
	if r.health != nil {
		r.health.RecordOutcome(ClassifierDependency, err == nil, time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	index := indexOf(active, decision.Expert)
	if index < 0 {
		top := active[0]
		return &Selection{
			Expert:               top,
			Confidence:           r.config.RankedDefaultConfidence,
			Alternatives:         remaining(active, top.Name),
			Reasoning:            fmt.Sprintf("classifier chose unknown expert %q; using top-ranked %s", decision.Expert, top.Name),
			Method:               types.MethodSubstitution,
			FallbackSubstitution: true,
		}, nil
	}

	selected := active[index]
	alternatives := filterAlternatives(active, decision.Alternatives, selected.Name)
	if len(alternatives) == 0 {
		alternatives = remaining(active, selected.Name)
	}

	return &Selection{
		Expert:       selected,
		Confidence:   clamp(decision.Confidence, 0, 100),
		Alternatives: alternatives,
		Reasoning:    decision.Reasoning,
		Method:       types.MethodClassifier,
	}, nil
}

// keywordSelection is the deterministic routing path. The expert with the
// most keyword hits wins; ties go to the higher ranked expert.
func (r *Router) keywordSelection(query string, active []types.Expert) *Selection {
	best, bestHits := -1, 0
	for i, e := range active {
		if hits := r.keywords.Hits(e.Name, query); hits > bestHits {
			best, bestHits = i, hits
		}
	}

	if best >= 0 {
		selected := active[best]
		confidence := float64(keywordBaseConfidence + keywordHitConfidence*bestHits)
		if confidence > keywordMaxConfidence {
			confidence = keywordMaxConfidence
		}
		return &Selection{
			Expert:       selected,
			Confidence:   confidence,
			Alternatives: remaining(active, selected.Name),
			Reasoning:    fmt.Sprintf("keyword routing matched %d term(s) for %s", bestHits, selected.Name),
			Method:       types.MethodKeyword,
		}
	}

	if index := indexOf(active, r.config.BaselineExpert); index >= 0 {
		confidence := r.config.BaselineConfidence
		reasoning := "no keyword match; using baseline expert " + r.config.BaselineExpert
		if index == 0 {
			confidence = r.config.RankedDefaultConfidence
			reasoning = "no keyword match; baseline expert " + r.config.BaselineExpert + " is also top-ranked"
		}
		return &Selection{
			Expert:       active[index],
			Confidence:   confidence,
			Alternatives: remaining(active, r.config.BaselineExpert),
			Reasoning:    reasoning,
			Method:       types.MethodBaseline,
		}
	}

	top := active[0]
	return &Selection{
		Expert:       top,
		Confidence:   r.config.RankedDefaultConfidence,
		Alternatives: remaining(active, top.Name),
		Reasoning:    "no keyword match and baseline expert inactive; using top-ranked " + top.Name,
		Method:       types.MethodBaseline,
	}
}

func indexOf(experts []types.Expert, name string) int {
	for i, e := range experts {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// remaining lists active expert names in rank order, without exclude
func remaining(active []types.Expert, exclude string) []string {
	names := make([]string, 0, len(active))
	for _, e := range active {
		if e.Name != exclude {
			names = append(names, e.Name)
		}
	}
	return names
}

func filterAlternatives(active []types.Expert, proposed []string, selected string) []string {
	seen := map[string]bool{selected: true}
	var out []string
	for _, name := range proposed {
		if seen[name] || indexOf(active, name) < 0 {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
