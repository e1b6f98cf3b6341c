package gateway

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/internal/metrics"
	"github.com/BaSui01/modelgate/store"
	"github.com/BaSui01/modelgate/types"
)

// Selector picks an upstream provider for each request: weighted random
// choice restricted to enabled providers whose model map matches the
// requested model. Callers pass the snapshot their request holds, so
// selection always sees the configuration the request was authenticated
// against. Feedback hooks record transport and HTTP failures per provider;
// they inform metrics but never exclude a provider from selection and never
// trigger mid-request failover.
type Selector struct {
	metrics *metrics.Collector
	logger  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	feedback sync.Map // provider id (uint) -> *providerFeedback
}

type providerFeedback struct {
	transportErrors atomic.Int64
	lastHTTPStatus  atomic.Int64
}

// NewSelector creates a provider selector.
func NewSelector(collector *metrics.Collector, seed int64, logger *zap.Logger) *Selector {
	return &Selector{
		metrics: collector,
		logger:  logger.With(zap.String("component", "provider_selector")),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Pick selects a provider that serves the given model and returns it with
// the mapped upstream model name.
func (s *Selector) Pick(snap *store.Snapshot, model string) (*store.Provider, string, *types.Error) {
	var eligible []*store.Provider
	for _, p := range snap.Providers {
		if p.Models.Matches(model) {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil, "", types.NewError(types.ErrNoProviderForModel, "no provider supports model "+model)
	}

	chosen := s.weightedChoice(eligible)
	mapped, _ := chosen.Models.Resolve(model)
	return chosen, mapped, nil
}

// PickAny selects any enabled provider, used by endpoints that do not name
// a model.
func (s *Selector) PickAny(snap *store.Snapshot) (*store.Provider, *types.Error) {
	if len(snap.Providers) == 0 {
		return nil, types.NewError(types.ErrNoProviderForModel, "no providers configured")
	}
	return s.weightedChoice(snap.Providers), nil
}

// weightedChoice draws one provider with probability proportional to its
// weight.
func (s *Selector) weightedChoice(providers []*store.Provider) *store.Provider {
	total := 0
	for _, p := range providers {
		total += p.Weight
	}

	s.mu.Lock()
	n := s.rng.Intn(total)
	s.mu.Unlock()

	for _, p := range providers {
		n -= p.Weight
		if n < 0 {
			return p
		}
	}
	return providers[len(providers)-1]
}

// AllModels returns the sorted union of exact-match model names across all
// enabled providers. Pattern keys are excluded from the listing.
func (s *Selector) AllModels(snap *store.Snapshot) []string {
	seen := make(map[string]struct{})
	for _, p := range snap.Providers {
		for _, m := range p.Models.ExactModels() {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ReportHTTPStatus records an upstream HTTP status observed by the
// dispatcher. retryAfter is the raw Retry-After header value, empty when
// absent.
func (s *Selector) ReportHTTPStatus(provider *store.Provider, status int, retryAfter string) {
	fb := s.feedbackFor(provider.ID)
	fb.lastHTTPStatus.Store(int64(status))
	if status >= 400 {
		s.metrics.RecordProviderHTTPError(provider.Name, status)
	}
	if retryAfter != "" {
		s.logger.Debug("upstream requested backoff",
			zap.String("provider", provider.Name),
			zap.Int("status", status),
			zap.String("retry_after", retryAfter),
		)
	}
}

// ReportTransportError records a connection-level failure for the provider.
func (s *Selector) ReportTransportError(provider *store.Provider) {
	fb := s.feedbackFor(provider.ID)
	fb.transportErrors.Add(1)
	s.metrics.RecordProviderTransportError(provider.Name)
}

// TransportErrors returns the transport-error count recorded for a provider
// id, used by the detailed health endpoint.
func (s *Selector) TransportErrors(providerID uint) int64 {
	if v, ok := s.feedback.Load(providerID); ok {
		return v.(*providerFeedback).transportErrors.Load()
	}
	return 0
}

func (s *Selector) feedbackFor(id uint) *providerFeedback {
	if v, ok := s.feedback.Load(id); ok {
		return v.(*providerFeedback)
	}
	v, _ := s.feedback.LoadOrStore(id, &providerFeedback{})
	return v.(*providerFeedback)
}
