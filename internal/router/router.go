// Package router owns the live traffic split of every service and routes
// individual requests to a variant by weighted random selection.
package router

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipway-sh/slipway/internal/core"
	"github.com/slipway-sh/slipway/internal/metrics"
)

// RandInt returns a uniform random integer in [0, n). It must be safe for
// concurrent use.
type RandInt func(n int) int

// Option configures a Router.
type Option func(*Router)

// WithRandInt injects the randomness source used for weighted selection.
// Tests use this to make routing deterministic.
func WithRandInt(fn RandInt) Option {
	return func(r *Router) {
		r.randInt = fn
	}
}

// Router implements core.TrafficController. Each service has its own
// lock, so routing for one service never contends with split updates for
// another.
type Router struct {
	mu       sync.RWMutex // guards the services map, not the entries
	services map[string]*serviceState
	randInt  RandInt
	logger   zerolog.Logger
}

type serviceState struct {
	mu    sync.Mutex
	split core.TrafficSplit
	order []string // variant names in cumulative-range order
	// counts survive split replacements so statistics cover the whole
	// lifetime of a service, including variants no longer in the split.
	counts map[string]int64
}

// New creates a Router with a time-seeded randomness source unless one is
// injected.
func New(logger zerolog.Logger, opts ...Option) *Router {
	r := &Router{
		services: make(map[string]*serviceState),
		logger:   logger.With().Str("component", "router").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.randInt == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		var mu sync.Mutex
		r.randInt = func(n int) int {
			mu.Lock()
			defer mu.Unlock()
			return rng.Intn(n)
		}
	}
	return r
}

// UpdateSplit atomically replaces the traffic split for a service.
// Counters for variants already known are preserved; newly introduced
// variants start at zero.
func (r *Router) UpdateSplit(service string, split core.TrafficSplit) error {
	for variant, weight := range split {
		if weight < 0 {
			return &core.InvalidSplitError{
				Service: service,
				Split:   split,
				Reason:  fmt.Sprintf("variant %s has negative weight %d", variant, weight),
			}
		}
	}
	if sum := split.Sum(); sum != core.TotalWeight {
		return &core.InvalidSplitError{
			Service: service,
			Split:   split,
			Reason:  fmt.Sprintf("weights sum to %d, want %d", sum, core.TotalWeight),
		}
	}

	applied := make(core.TrafficSplit, len(split))
	order := make([]string, 0, len(split))
	for variant, weight := range split {
		applied[variant] = weight
		order = append(order, variant)
	}
	sort.Strings(order)

	state := r.state(service, true)
	state.mu.Lock()
	state.split = applied
	state.order = order
	for _, variant := range order {
		if _, ok := state.counts[variant]; !ok {
			state.counts[variant] = 0
		}
		metrics.TrafficWeight.WithLabelValues(service, variant).Set(float64(applied[variant]))
	}
	state.mu.Unlock()

	r.logger.Info().Str("service", service).Interface("split", applied).Msg("traffic split updated")
	return nil
}

// ClearSplit removes the split for a service. Subsequent Route calls
// return DefaultVariant; request counters survive for Stats.
func (r *Router) ClearSplit(service string) {
	state := r.state(service, false)
	if state == nil {
		return
	}

	state.mu.Lock()
	for _, variant := range state.order {
		metrics.TrafficWeight.WithLabelValues(service, variant).Set(0)
	}
	state.split = nil
	state.order = nil
	state.mu.Unlock()

	r.logger.Info().Str("service", service).Msg("traffic split cleared")
}

// Route selects a variant for one request. It never observes a partially
// applied split: selection and counter update happen under the same lock
// that UpdateSplit takes.
func (r *Router) Route(service string) string {
	state := r.state(service, false)
	if state == nil {
		return core.DefaultVariant
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.split) == 0 {
		return core.DefaultVariant
	}

	draw := r.randInt(core.TotalWeight) + 1 // 1..100
	cumulative := 0
	for _, variant := range state.order {
		cumulative += state.split[variant]
		if draw <= cumulative {
			state.counts[variant]++
			metrics.RoutedRequestsTotal.WithLabelValues(service, variant).Inc()
			return variant
		}
	}

	// Unreachable with a valid split; fall back to the first variant.
	variant := state.order[0]
	state.counts[variant]++
	metrics.RoutedRequestsTotal.WithLabelValues(service, variant).Inc()
	return variant
}

// Stats returns routed-request totals for a service, or an empty result
// for unknown services.
func (r *Router) Stats(service string) core.TrafficStats {
	state := r.state(service, false)
	if state == nil {
		return core.TrafficStats{}
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	stats := core.TrafficStats{Distribution: make(map[string]core.VariantStats, len(state.counts))}
	for _, count := range state.counts {
		stats.TotalRequests += count
	}
	if stats.TotalRequests == 0 {
		return stats
	}
	for variant, count := range state.counts {
		stats.Distribution[variant] = core.VariantStats{
			Requests:   count,
			Percentage: float64(count) / float64(stats.TotalRequests) * 100,
		}
	}
	return stats
}

// Split returns a copy of the currently applied split, or nil when none
// is configured.
func (r *Router) Split(service string) core.TrafficSplit {
	state := r.state(service, false)
	if state == nil {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.split == nil {
		return nil
	}
	split := make(core.TrafficSplit, len(state.split))
	for variant, weight := range state.split {
		split[variant] = weight
	}
	return split
}

func (r *Router) state(service string, create bool) *serviceState {
	r.mu.RLock()
	state, ok := r.services[service]
	r.mu.RUnlock()
	if ok || !create {
		return state
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok = r.services[service]; ok {
		return state
	}
	state = &serviceState{counts: make(map[string]int64)}
	r.services[service] = state
	return state
}
