package metricsrc

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/slipway-sh/slipway/internal/core"
)

// Simulated derives stable, version-dependent metrics without any
// backend. The same version always yields the same values, so canary
// comparisons are reproducible across evaluation cycles.
type Simulated struct {
	mu        sync.RWMutex
	overrides map[string]map[string]float64 // service/version -> metrics
}

// NewSimulated creates a simulated metrics source.
func NewSimulated() *Simulated {
	return &Simulated{overrides: make(map[string]map[string]float64)}
}

// SetVersionMetrics pins exact metrics for a service version, replacing
// the derived values. Tests use this to script evaluation outcomes.
func (s *Simulated) SetVersionMetrics(service, version string, metrics map[string]float64) {
	copied := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		copied[k] = v
	}
	s.mu.Lock()
	s.overrides[service+"/"+version] = copied
	s.mu.Unlock()
}

func (s *Simulated) VersionMetrics(ctx context.Context, service, version string) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	pinned, ok := s.overrides[service+"/"+version]
	s.mu.RUnlock()
	if ok {
		result := make(map[string]float64, len(pinned))
		for k, v := range pinned {
			result[k] = v
		}
		return result, nil
	}

	h := fnv.New32a()
	h.Write([]byte(version))
	f := float64(h.Sum32()%100) / 1000 // 0.000 .. 0.099

	// Derived values stay comfortably inside the default deployment
	// gates so unpinned versions read as healthy.
	return map[string]float64{
		core.CriterionErrorRate:        0.01 + f/10,
		core.CriterionResponseTime:     1200 + f*200,
		core.CriterionUserSatisfaction: 0.85 + f/10,
		core.CriterionThroughput:       100 - f*10,
	}, nil
}
