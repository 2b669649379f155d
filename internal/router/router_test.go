package router

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/core"
)

func newTestRouter(opts ...Option) *Router {
	return New(zerolog.Nop(), opts...)
}

// sequenceRand returns the given draws in order, then repeats the last.
func sequenceRand(draws ...int) RandInt {
	var mu sync.Mutex
	i := 0
	return func(n int) int {
		mu.Lock()
		defer mu.Unlock()
		d := draws[i]
		if i < len(draws)-1 {
			i++
		}
		return d % n
	}
}

func TestUpdateSplitValidation(t *testing.T) {
	tests := []struct {
		name  string
		split core.TrafficSplit
		valid bool
	}{
		{"valid even split", core.TrafficSplit{"primary": 50, "secondary": 50}, true},
		{"valid single variant", core.TrafficSplit{"primary": 100}, true},
		{"sum below 100", core.TrafficSplit{"primary": 60, "secondary": 30}, false},
		{"sum above 100", core.TrafficSplit{"primary": 60, "secondary": 50}, false},
		{"negative weight", core.TrafficSplit{"primary": 120, "secondary": -20}, false},
		{"empty split", core.TrafficSplit{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter()
			err := r.UpdateSplit("svc", tt.split)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			var invalid *core.InvalidSplitError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, "svc", invalid.Service)
		})
	}
}

func TestRouteWithoutSplit(t *testing.T) {
	r := newTestRouter()
	assert.Equal(t, core.DefaultVariant, r.Route("unknown"))
}

func TestRouteRespectsWeights(t *testing.T) {
	// Draws 0..99 map to 1..100; order is alphabetical, so "baseline"
	// owns 1..80 and "canary" 81..100 with an 80/20 split.
	r := newTestRouter(WithRandInt(sequenceRand(0, 79, 80, 99)))
	require.NoError(t, r.UpdateSplit("svc", core.TrafficSplit{
		"baseline": 80,
		"canary":   20,
	}))

	assert.Equal(t, "baseline", r.Route("svc"))
	assert.Equal(t, "baseline", r.Route("svc"))
	assert.Equal(t, "canary", r.Route("svc"))
	assert.Equal(t, "canary", r.Route("svc"))
}

func TestRouteZeroWeightVariantNeverSelected(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.UpdateSplit("svc", core.TrafficSplit{
		"primary":   100,
		"secondary": 0,
	}))

	for i := 0; i < 500; i++ {
		assert.Equal(t, "primary", r.Route("svc"))
	}
}

func TestCountersSurviveSplitUpdates(t *testing.T) {
	r := newTestRouter(WithRandInt(sequenceRand(0)))
	require.NoError(t, r.UpdateSplit("svc", core.TrafficSplit{"blue": 100}))

	for i := 0; i < 10; i++ {
		r.Route("svc")
	}

	require.NoError(t, r.UpdateSplit("svc", core.TrafficSplit{"blue": 0, "green": 100}))
	for i := 0; i < 30; i++ {
		r.Route("svc")
	}

	stats := r.Stats("svc")
	assert.Equal(t, int64(40), stats.TotalRequests)
	assert.Equal(t, int64(10), stats.Distribution["blue"].Requests)
	assert.Equal(t, int64(30), stats.Distribution["green"].Requests)
	assert.InDelta(t, 25.0, stats.Distribution["blue"].Percentage, 0.001)
	assert.InDelta(t, 75.0, stats.Distribution["green"].Percentage, 0.001)
}

func TestClearSplitRestoresDefaultRouting(t *testing.T) {
	r := newTestRouter(WithRandInt(sequenceRand(0)))
	require.NoError(t, r.UpdateSplit("svc", core.TrafficSplit{"primary": 100}))
	r.Route("svc")

	r.ClearSplit("svc")

	assert.Nil(t, r.Split("svc"))
	assert.Equal(t, core.DefaultVariant, r.Route("svc"))

	// Counters from before the clear survive.
	stats := r.Stats("svc")
	assert.Equal(t, int64(1), stats.Distribution["primary"].Requests)

	// Clearing an unknown service is a no-op.
	r.ClearSplit("unknown")
}

func TestStatsUnknownService(t *testing.T) {
	r := newTestRouter()
	stats := r.Stats("nope")
	assert.Zero(t, stats.TotalRequests)
	assert.Empty(t, stats.Distribution)
}

func TestSplitReturnsCopy(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.UpdateSplit("svc", core.TrafficSplit{"primary": 100}))

	split := r.Split("svc")
	split["primary"] = 0

	assert.Equal(t, 100, r.Split("svc")["primary"])
	assert.Nil(t, r.Split("other"))
}

func TestConcurrentRoutingAndUpdates(t *testing.T) {
	r := newTestRouter()
	require.NoError(t, r.UpdateSplit("svc", core.TrafficSplit{"blue": 50, "green": 50}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Route("svc")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			_ = r.UpdateSplit("svc", core.TrafficSplit{"blue": 70, "green": 30})
			_ = r.UpdateSplit("svc", core.TrafficSplit{"blue": 30, "green": 70})
		}
	}()
	wg.Wait()

	stats := r.Stats("svc")
	assert.Equal(t, int64(1600), stats.TotalRequests)
}

func TestDistributionApproximatesWeights(t *testing.T) {
	// Deterministic uniform sweep over all 100 draw values.
	i := 0
	var mu sync.Mutex
	r := newTestRouter(WithRandInt(func(n int) int {
		mu.Lock()
		defer mu.Unlock()
		v := i % n
		i++
		return v
	}))
	require.NoError(t, r.UpdateSplit("svc", core.TrafficSplit{
		"baseline": 75,
		"canary":   25,
	}))

	for j := 0; j < 1000; j++ {
		r.Route("svc")
	}

	stats := r.Stats("svc")
	assert.Equal(t, int64(750), stats.Distribution["baseline"].Requests)
	assert.Equal(t, int64(250), stats.Distribution["canary"].Requests)
}
