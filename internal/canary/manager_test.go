package canary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/core"
	"github.com/slipway-sh/slipway/internal/events"
	"github.com/slipway-sh/slipway/internal/metricsrc"
	"github.com/slipway-sh/slipway/internal/router"
)

// failingMetrics always errors, standing in for an unreachable backend.
type failingMetrics struct{}

func (failingMetrics) VersionMetrics(ctx context.Context, service, version string) (map[string]float64, error) {
	return nil, errors.New("metrics backend unreachable")
}

type fixture struct {
	manager *Manager
	router  *router.Router
	metrics *metricsrc.Simulated
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	r := router.New(zerolog.Nop())
	m := metricsrc.NewSimulated()
	bus := events.NewBus()
	mgr := NewManager(r, m, bus, zerolog.Nop())
	t.Cleanup(mgr.Close)
	return &fixture{manager: mgr, router: r, metrics: m, bus: bus}
}

func baseConfig() core.CanaryConfiguration {
	return core.CanaryConfiguration{
		Service:            "chat",
		CanaryVersion:      "v2",
		BaselineVersion:    "v1",
		TargetPercent:      50,
		SuccessCriteria:    map[string]float64{core.CriterionErrorRate: 0.05},
		RolloutDuration:    time.Hour,
		EvaluationInterval: 10 * time.Millisecond,
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartReleaseValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*core.CanaryConfiguration)
	}{
		{"empty service", func(c *core.CanaryConfiguration) { c.Service = "" }},
		{"empty canary version", func(c *core.CanaryConfiguration) { c.CanaryVersion = "" }},
		{"empty baseline version", func(c *core.CanaryConfiguration) { c.BaselineVersion = "" }},
		{"zero target", func(c *core.CanaryConfiguration) { c.TargetPercent = 0 }},
		{"target above 100", func(c *core.CanaryConfiguration) { c.TargetPercent = 150 }},
		{"no criteria", func(c *core.CanaryConfiguration) { c.SuccessCriteria = nil }},
		{"zero duration", func(c *core.CanaryConfiguration) { c.RolloutDuration = 0 }},
		{"zero interval", func(c *core.CanaryConfiguration) { c.EvaluationInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			config := baseConfig()
			tt.mutate(&config)
			_, err := f.manager.StartRelease(config)
			assert.Error(t, err)
		})
	}
}

func TestStartReleaseBootstrapsTraffic(t *testing.T) {
	f := newFixture(t)

	id, err := f.manager.StartRelease(baseConfig())
	require.NoError(t, err)
	assert.Contains(t, id, "canary-chat-")

	split := f.router.Split("chat")
	assert.Equal(t, 5, split[core.VariantCanary])
	assert.Equal(t, 95, split[core.VariantBaseline])

	release, err := f.manager.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, core.CanaryRunning, release.Status)
	assert.Equal(t, 5, release.TrafficPercent)
}

func TestStartReleaseLowTargetCapsBootstrap(t *testing.T) {
	f := newFixture(t)
	config := baseConfig()
	config.TargetPercent = 3

	id, err := f.manager.StartRelease(config)
	require.NoError(t, err)

	assert.Equal(t, 3, f.router.Split("chat")[core.VariantCanary])
	release, err := f.manager.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 3, release.TrafficPercent)
}

func TestHealthyCanaryAdvances(t *testing.T) {
	f := newFixture(t)
	// Canary slightly worse than baseline but within the 5% relative
	// bound: 0.021 <= 0.020 * 1.05.
	f.metrics.SetVersionMetrics("chat", "v1", map[string]float64{core.CriterionErrorRate: 0.020})
	f.metrics.SetVersionMetrics("chat", "v2", map[string]float64{core.CriterionErrorRate: 0.021})

	id, err := f.manager.StartRelease(baseConfig())
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		release, err := f.manager.GetStatus(id)
		return err == nil && release.TrafficPercent >= 10
	})

	release, err := f.manager.GetStatus(id)
	require.NoError(t, err)
	require.NotEmpty(t, release.Evaluations)
	first := release.Evaluations[0]
	assert.Equal(t, core.DecisionProceed, first.Decision)
	assert.InDelta(t, 1.0, first.Confidence, 0.001)
	assert.True(t, first.Criteria[core.CriterionErrorRate].Passed)
}

func TestDegradedCanaryAborts(t *testing.T) {
	f := newFixture(t)
	f.metrics.SetVersionMetrics("chat", "v1", map[string]float64{core.CriterionErrorRate: 0.02})
	f.metrics.SetVersionMetrics("chat", "v2", map[string]float64{core.CriterionErrorRate: 0.05})

	id, err := f.manager.StartRelease(baseConfig())
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		release, err := f.manager.GetStatus(id)
		return err == nil && release.Status == core.CanaryAborted
	})

	release, err := f.manager.GetStatus(id)
	require.NoError(t, err)
	assert.NotEmpty(t, release.AbortReason)
	assert.Equal(t, 0, release.TrafficPercent)
	require.NotNil(t, release.CompletedAt)

	split := f.router.Split("chat")
	assert.Equal(t, 0, split[core.VariantCanary])
	assert.Equal(t, 100, split[core.VariantBaseline])
}

func TestMixedCriteriaHold(t *testing.T) {
	f := newFixture(t)
	config := baseConfig()
	config.SuccessCriteria = map[string]float64{
		core.CriterionErrorRate:        0.05,
		core.CriterionResponseTime:     0.10,
		core.CriterionUserSatisfaction: 0.05,
		core.CriterionThroughput:       10,
	}
	// 3 of 4 pass: confidence 0.75 sits between the abort and proceed
	// bands, so traffic holds at the bootstrap percentage.
	f.metrics.SetVersionMetrics("chat", "v1", map[string]float64{
		core.CriterionErrorRate:        0.02,
		core.CriterionResponseTime:     1000,
		core.CriterionUserSatisfaction: 0.90,
		core.CriterionThroughput:       100,
	})
	f.metrics.SetVersionMetrics("chat", "v2", map[string]float64{
		core.CriterionErrorRate:        0.02,
		core.CriterionResponseTime:     1500, // 50% slower, fails the 10% bound
		core.CriterionUserSatisfaction: 0.90,
		core.CriterionThroughput:       95,
	})

	id, err := f.manager.StartRelease(config)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		release, err := f.manager.GetStatus(id)
		return err == nil && len(release.Evaluations) >= 2
	})

	release, err := f.manager.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, core.CanaryRunning, release.Status)
	assert.Equal(t, 5, release.TrafficPercent)
	for _, eval := range release.Evaluations {
		assert.Equal(t, core.DecisionHold, eval.Decision)
		assert.InDelta(t, 0.75, eval.Confidence, 0.001)
	}
}

func TestMetricsFailureHoldsTraffic(t *testing.T) {
	r := router.New(zerolog.Nop())
	mgr := NewManager(r, failingMetrics{}, events.NewBus(), zerolog.Nop())
	t.Cleanup(mgr.Close)

	id, err := mgr.StartRelease(baseConfig())
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		release, err := mgr.GetStatus(id)
		return err == nil && len(release.Evaluations) >= 2
	})

	release, err := mgr.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, core.CanaryRunning, release.Status)
	assert.Equal(t, 5, release.TrafficPercent)
	for _, eval := range release.Evaluations {
		assert.Equal(t, core.DecisionHold, eval.Decision)
		assert.Contains(t, eval.Reason, "metrics unavailable")
	}
}

func TestTrafficNeverExceedsTarget(t *testing.T) {
	f := newFixture(t)
	config := baseConfig()
	config.TargetPercent = 20
	// Identical metrics: every evaluation proceeds.
	f.metrics.SetVersionMetrics("chat", "v1", map[string]float64{core.CriterionErrorRate: 0.02})
	f.metrics.SetVersionMetrics("chat", "v2", map[string]float64{core.CriterionErrorRate: 0.02})

	id, err := f.manager.StartRelease(config)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		release, err := f.manager.GetStatus(id)
		return err == nil && release.TrafficPercent == 20
	})

	// Let several more evaluations run; traffic must stay capped.
	time.Sleep(50 * time.Millisecond)
	release, err := f.manager.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 20, release.TrafficPercent)
	assert.LessOrEqual(t, f.router.Split("chat")[core.VariantCanary], 20)
}

func TestTrafficIsMonotonicWhileRunning(t *testing.T) {
	f := newFixture(t)
	f.metrics.SetVersionMetrics("chat", "v1", map[string]float64{core.CriterionErrorRate: 0.02})
	f.metrics.SetVersionMetrics("chat", "v2", map[string]float64{core.CriterionErrorRate: 0.02})

	id, err := f.manager.StartRelease(baseConfig())
	require.NoError(t, err)

	last := 0
	waitFor(t, 2*time.Second, func() bool {
		release, err := f.manager.GetStatus(id)
		require.NoError(t, err)
		require.GreaterOrEqual(t, release.TrafficPercent, last)
		last = release.TrafficPercent
		return release.TrafficPercent == 50
	})
}

func TestCompletionWithAutoPromote(t *testing.T) {
	f := newFixture(t)
	f.metrics.SetVersionMetrics("chat", "v1", map[string]float64{core.CriterionErrorRate: 0.02})
	f.metrics.SetVersionMetrics("chat", "v2", map[string]float64{core.CriterionErrorRate: 0.02})
	config := baseConfig()
	config.RolloutDuration = 30 * time.Millisecond
	config.AutoPromote = true

	id, err := f.manager.StartRelease(config)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		release, err := f.manager.GetStatus(id)
		return err == nil && release.Status == core.CanaryCompleted
	})

	release, err := f.manager.GetStatus(id)
	require.NoError(t, err)
	require.NotNil(t, release.CompletedAt)
	assert.Equal(t, 100, release.TrafficPercent)
	assert.Equal(t, 100, f.router.Split("chat")[core.VariantCanary])
}

func TestCompletionWithoutAutoPromote(t *testing.T) {
	f := newFixture(t)
	f.metrics.SetVersionMetrics("chat", "v1", map[string]float64{core.CriterionErrorRate: 0.02})
	f.metrics.SetVersionMetrics("chat", "v2", map[string]float64{core.CriterionErrorRate: 0.02})
	config := baseConfig()
	config.RolloutDuration = 30 * time.Millisecond

	id, err := f.manager.StartRelease(config)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		release, err := f.manager.GetStatus(id)
		return err == nil && release.Status == core.CanaryCompleted
	})

	// Traffic stays where the ladder left it.
	assert.NotEqual(t, 100, f.router.Split("chat")[core.VariantCanary])
}

func TestAbortRelease(t *testing.T) {
	f := newFixture(t)
	f.metrics.SetVersionMetrics("chat", "v1", map[string]float64{core.CriterionErrorRate: 0.02})
	f.metrics.SetVersionMetrics("chat", "v2", map[string]float64{core.CriterionErrorRate: 0.02})
	id, err := f.manager.StartRelease(baseConfig())
	require.NoError(t, err)

	require.NoError(t, f.manager.AbortRelease(id, "manual abort"))

	waitFor(t, 2*time.Second, func() bool {
		release, err := f.manager.GetStatus(id)
		return err == nil && release.Status == core.CanaryAborted
	})

	release, err := f.manager.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, "manual abort", release.AbortReason)
	assert.Equal(t, 100, f.router.Split("chat")[core.VariantBaseline])

	// A second abort of a finished release fails.
	assert.Error(t, f.manager.AbortRelease(id, "again"))
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	f.metrics.SetVersionMetrics("chat", "v1", map[string]float64{core.CriterionErrorRate: 0.02})
	f.metrics.SetVersionMetrics("chat", "v2", map[string]float64{core.CriterionErrorRate: 0.02})

	id, err := f.manager.StartRelease(baseConfig())
	require.NoError(t, err)

	require.NoError(t, f.manager.Pause(id))
	release, err := f.manager.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, core.CanaryPaused, release.Status)

	paused, err := f.manager.GetStatus(id)
	require.NoError(t, err)
	evalsWhilePaused := len(paused.Evaluations)
	time.Sleep(50 * time.Millisecond)
	paused, err = f.manager.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, evalsWhilePaused, len(paused.Evaluations))

	require.NoError(t, f.manager.Resume(id))
	waitFor(t, 2*time.Second, func() bool {
		release, err := f.manager.GetStatus(id)
		return err == nil && len(release.Evaluations) > evalsWhilePaused
	})

	// Resuming a running release fails.
	assert.Error(t, f.manager.Resume(id))
}

func TestGetStatusUnknownRelease(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.GetStatus("canary-missing")
	assert.ErrorIs(t, err, core.ErrReleaseNotFound)
	assert.ErrorIs(t, f.manager.AbortRelease("canary-missing", ""), core.ErrReleaseNotFound)
	assert.ErrorIs(t, f.manager.Pause("canary-missing"), core.ErrReleaseNotFound)
}

func TestCloseStopsAllReleases(t *testing.T) {
	f := newFixture(t)
	ids := make([]string, 0, 3)
	for _, service := range []string{"a", "b", "c"} {
		config := baseConfig()
		config.Service = service
		id, err := f.manager.StartRelease(config)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	f.manager.Close()

	for _, id := range ids {
		release, err := f.manager.GetStatus(id)
		require.NoError(t, err)
		assert.Equal(t, core.CanaryAborted, release.Status)
	}
}

func TestPausedReleaseOutlivesDeadline(t *testing.T) {
	f := newFixture(t)
	f.metrics.SetVersionMetrics("chat", "v1", map[string]float64{core.CriterionErrorRate: 0.02})
	f.metrics.SetVersionMetrics("chat", "v2", map[string]float64{core.CriterionErrorRate: 0.02})
	config := baseConfig()
	config.RolloutDuration = 30 * time.Millisecond
	config.AutoPromote = true

	id, err := f.manager.StartRelease(config)
	require.NoError(t, err)
	require.NoError(t, f.manager.Pause(id))

	// Wait well past the rollout deadline. A paused release must hold,
	// not complete and auto-promote.
	time.Sleep(100 * time.Millisecond)
	release, err := f.manager.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, core.CanaryPaused, release.Status)
	assert.Nil(t, release.CompletedAt)
	assert.NotEqual(t, 100, f.router.Split("chat")[core.VariantCanary])

	// Resuming lets the elapsed deadline take effect.
	require.NoError(t, f.manager.Resume(id))
	waitFor(t, 2*time.Second, func() bool {
		release, err := f.manager.GetStatus(id)
		return err == nil && release.Status == core.CanaryCompleted
	})
	assert.Equal(t, 100, f.router.Split("chat")[core.VariantCanary])
}

func TestStartReleaseEmitsEvent(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(16, events.CanaryLifecycle)
	defer sub.Close()

	id, err := f.manager.StartRelease(baseConfig())
	require.NoError(t, err)

	select {
	case event := <-sub.Events():
		started, ok := event.(*core.CanaryStarted)
		require.True(t, ok)
		assert.Equal(t, id, started.ReleaseID)
		assert.Equal(t, 5, started.Percent)
	case <-time.After(time.Second):
		t.Fatal("no CanaryStarted event")
	}
}
