// Package registry owns the ordered set of TTS and STT provider endpoints
// and their live health state, with priority/health/id-lex ordered
// selection and failure-driven cooldown, per the Provider Registry
// component.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/normanking/voicemoded/internal/clockenv"
	"github.com/normanking/voicemoded/internal/voicetypes"
	"github.com/rs/zerolog"
)

// Filter narrows pick() candidates by requested capability.
type Filter struct {
	Voice  string
	Model  string
	Format string
}

// Registry holds the live endpoint tables behind a single RWMutex: N
// data-only endpoints behind one shared client instead of one struct per
// vendor.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[voicetypes.ProviderKind][]*voicetypes.ProviderEndpoint
	clock     clockenv.Clock
	cooldown  time.Duration
	logger    zerolog.Logger
	probe     func(context.Context, *voicetypes.ProviderEndpoint) error
}

// New constructs an empty Registry. probe performs a cheap health check
// against one endpoint (a 1-character TTS synthesis, or an empty-audio STT
// rejection) and is supplied by the caller so Registry stays transport-free.
func New(clock clockenv.Clock, cooldown time.Duration, logger zerolog.Logger, probe func(context.Context, *voicetypes.ProviderEndpoint) error) *Registry {
	if clock == nil {
		clock = clockenv.RealClock{}
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Registry{
		endpoints: map[voicetypes.ProviderKind][]*voicetypes.ProviderEndpoint{
			voicetypes.KindTTS: {},
			voicetypes.KindSTT: {},
		},
		clock:    clock,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "registry").Logger(),
		probe:    probe,
	}
}

// Register adds or replaces an endpoint by id.
func (r *Registry) Register(ep *voicetypes.ProviderEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.endpoints[ep.Kind]
	for i, existing := range list {
		if existing.ID == ep.ID {
			list[i] = ep
			return
		}
	}
	r.endpoints[ep.Kind] = append(list, ep)
}

// Unregister removes an endpoint by kind and id.
func (r *Registry) Unregister(kind voicetypes.ProviderKind, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.endpoints[kind]
	for i, ep := range list {
		if ep.ID == id {
			r.endpoints[kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// List returns an ordered snapshot of every endpoint of the given kind.
func (r *Registry) List(kind voicetypes.ProviderKind) []voicetypes.ProviderEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]voicetypes.ProviderEndpoint, len(r.endpoints[kind]))
	for i, ep := range r.endpoints[kind] {
		out[i] = *ep
	}
	sortByPriority(out)
	return out
}

// Pick returns candidates of the given kind matching filter, in effective
// priority order: configured priority, then health (healthy < degraded <
// down), then id lex order. An empty result means no_matching_provider.
func (r *Registry) Pick(kind voicetypes.ProviderKind, filter Filter) []voicetypes.ProviderEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []voicetypes.ProviderEndpoint
	for _, ep := range r.endpoints[kind] {
		if !ep.Capabilities.HasVoice(filter.Voice) || !ep.Capabilities.HasModel(filter.Model) || !ep.Capabilities.HasFormat(filter.Format) {
			continue
		}
		if ep.Health.State == voicetypes.HealthDown && r.clock.Now().Before(ep.Health.LastChecked.Add(r.cooldown)) {
			continue
		}
		out = append(out, *ep)
	}
	sortByPriority(out)
	return out
}

func sortByPriority(eps []voicetypes.ProviderEndpoint) {
	rank := map[voicetypes.HealthState]int{
		voicetypes.HealthHealthy: 0,
		voicetypes.HealthUnknown: 0,
		voicetypes.HealthDegraded: 1,
		voicetypes.HealthDown:    2,
	}
	sort.SliceStable(eps, func(i, j int) bool {
		if eps[i].Priority != eps[j].Priority {
			return eps[i].Priority < eps[j].Priority
		}
		if rank[eps[i].Health.State] != rank[eps[j].Health.State] {
			return rank[eps[i].Health.State] < rank[eps[j].Health.State]
		}
		return eps[i].ID < eps[j].ID
	})
}

// ReportSuccess marks id healthy and resets its failure count.
func (r *Registry) ReportSuccess(kind voicetypes.ProviderKind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep := r.findLocked(kind, id)
	if ep == nil {
		return
	}
	ep.Health.State = voicetypes.HealthHealthy
	ep.Health.ConsecutiveFailures = 0
	ep.Health.LastChecked = r.clock.Now()
}

// ReportFailure increments id's failure count, moving it to degraded at 1
// consecutive failure and down at 3.
func (r *Registry) ReportFailure(kind voicetypes.ProviderKind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep := r.findLocked(kind, id)
	if ep == nil {
		return
	}
	ep.Health.ConsecutiveFailures++
	ep.Health.LastChecked = r.clock.Now()
	switch {
	case ep.Health.ConsecutiveFailures >= 3:
		ep.Health.State = voicetypes.HealthDown
	default:
		ep.Health.State = voicetypes.HealthDegraded
	}
}

func (r *Registry) findLocked(kind voicetypes.ProviderKind, id string) *voicetypes.ProviderEndpoint {
	for _, ep := range r.endpoints[kind] {
		if ep.ID == id {
			return ep
		}
	}
	return nil
}

// Refresh probes one endpoint (or every endpoint, if id is empty) and
// updates its health from the probe's outcome.
func (r *Registry) Refresh(ctx context.Context, kind voicetypes.ProviderKind, id string) {
	r.mu.RLock()
	var targets []*voicetypes.ProviderEndpoint
	for _, ep := range r.endpoints[kind] {
		if id == "" || ep.ID == id {
			targets = append(targets, ep)
		}
	}
	r.mu.RUnlock()

	for _, ep := range targets {
		if r.probe == nil {
			continue
		}
		if err := r.probe(ctx, ep); err != nil {
			r.logger.Warn().Str("endpoint", ep.ID).Err(err).Msg("health probe failed")
			r.ReportFailure(kind, ep.ID)
			continue
		}
		r.ReportSuccess(kind, ep.ID)
	}
}
