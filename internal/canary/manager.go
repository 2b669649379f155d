// Package canary orchestrates progressive, criteria-driven rollouts of a
// candidate version against a baseline. Each release runs its own
// background control loop until it completes or aborts.
package canary

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/slipway-sh/slipway/internal/core"
	"github.com/slipway-sh/slipway/internal/metrics"
)

// Decision bands and the traffic ladder of the control loop.
const (
	abortConfidence   = 0.70
	proceedConfidence = 0.90
	bootstrapPercent  = 5
	ladderIncrement   = 25
)

var trafficLadder = []int{5, 10, 25, 50}

// Manager owns all canary releases and their background loops.
type Manager struct {
	router  core.TrafficController
	metrics core.MetricsSource
	events  core.EventSink
	logger  zerolog.Logger

	mu       sync.Mutex
	releases map[string]*release
	wg       sync.WaitGroup
}

// release pairs the run-time state with its loop's cancel handle. All
// field access goes through mu.
type release struct {
	mu     sync.Mutex
	state  core.CanaryRelease
	cancel context.CancelFunc
}

// NewManager creates a canary release manager.
func NewManager(router core.TrafficController, metricsSource core.MetricsSource, events core.EventSink, logger zerolog.Logger) *Manager {
	return &Manager{
		router:   router,
		metrics:  metricsSource,
		events:   events,
		logger:   logger.With().Str("component", "canary").Logger(),
		releases: make(map[string]*release),
	}
}

// StartRelease bootstraps traffic at min(target, 5), records the release
// and launches its control loop. It returns the release id immediately;
// the loop runs until the release reaches a terminal status.
func (m *Manager) StartRelease(config core.CanaryConfiguration) (string, error) {
	if err := validate(config); err != nil {
		return "", err
	}

	initial := config.TargetPercent
	if initial > bootstrapPercent {
		initial = bootstrapPercent
	}

	if err := m.router.UpdateSplit(config.Service, core.TrafficSplit{
		core.VariantCanary:   initial,
		core.VariantBaseline: core.TotalWeight - initial,
	}); err != nil {
		return "", err
	}

	id := fmt.Sprintf("canary-%s-%s", config.Service, uuid.NewString())
	ctx, cancel := context.WithCancel(context.Background())
	r := &release{
		state: core.CanaryRelease{
			ID:             id,
			Config:         config,
			Status:         core.CanaryRunning,
			StartedAt:      time.Now(),
			TrafficPercent: initial,
			Evaluations:    make([]core.CanaryEvaluation, 0),
		},
		cancel: cancel,
	}

	m.mu.Lock()
	m.releases[id] = r
	m.mu.Unlock()

	m.logger.Info().
		Str("release", id).
		Str("canary", config.CanaryVersion).
		Str("baseline", config.BaselineVersion).
		Int("initial_percent", initial).
		Msg("canary release started")

	m.events.Publish(&core.CanaryStarted{
		BaseEvent:       core.BaseEvent{Timestamp: time.Now(), Service: config.Service},
		ReleaseID:       id,
		CanaryVersion:   config.CanaryVersion,
		BaselineVersion: config.BaselineVersion,
		Percent:         initial,
	})

	m.wg.Add(1)
	go m.run(ctx, r)

	return id, nil
}

// GetStatus returns a snapshot of a release: live state while running or
// paused, the finalized record once terminal.
func (m *Manager) GetStatus(id string) (core.CanaryRelease, error) {
	m.mu.Lock()
	r, ok := m.releases[id]
	m.mu.Unlock()
	if !ok {
		return core.CanaryRelease{}, core.ErrReleaseNotFound
	}
	return r.snapshot(), nil
}

// AbortRelease requests an external abort. The loop performs the traffic
// revert and the terminal status write together; this call only triggers
// it and does not wait for the loop to exit.
func (m *Manager) AbortRelease(id, reason string) error {
	m.mu.Lock()
	r, ok := m.releases[id]
	m.mu.Unlock()
	if !ok {
		return core.ErrReleaseNotFound
	}

	r.mu.Lock()
	if terminal(r.state.Status) {
		r.mu.Unlock()
		return fmt.Errorf("release %s is already %s", id, r.state.Status)
	}
	if reason == "" {
		reason = "abort requested"
	}
	r.state.AbortReason = reason
	r.mu.Unlock()

	r.cancel()
	return nil
}

// Pause holds a running release: the loop stays alive but stops
// evaluating and advancing traffic.
func (m *Manager) Pause(id string) error {
	return m.transition(id, core.CanaryRunning, core.CanaryPaused)
}

// Resume continues a paused release.
func (m *Manager) Resume(id string) error {
	return m.transition(id, core.CanaryPaused, core.CanaryRunning)
}

func (m *Manager) transition(id string, from, to core.CanaryStatus) error {
	m.mu.Lock()
	r, ok := m.releases[id]
	m.mu.Unlock()
	if !ok {
		return core.ErrReleaseNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Status != from {
		return fmt.Errorf("release %s is %s, not %s", id, r.state.Status, from)
	}
	r.state.Status = to
	return nil
}

// Close aborts every in-flight release and waits for all loops to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, r := range m.releases {
		r.mu.Lock()
		if !terminal(r.state.Status) && r.state.AbortReason == "" {
			r.state.AbortReason = "manager shutting down"
		}
		r.mu.Unlock()
		r.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// run is the per-release control loop. It wakes every evaluation
// interval, completes when the rollout duration has elapsed, and
// otherwise evaluates the canary against its success criteria.
func (m *Manager) run(ctx context.Context, r *release) {
	defer m.wg.Done()

	r.mu.Lock()
	id := r.state.ID
	cfg := r.state.Config
	deadline := r.state.StartedAt.Add(cfg.RolloutDuration)
	r.mu.Unlock()

	logger := m.logger.With().Str("release", id).Logger()
	logger.Info().Msg("canary monitoring started")

	for {
		select {
		case <-ctx.Done():
			m.abort(r, "")
			return
		case <-time.After(cfg.EvaluationInterval):
		}

		// A paused release neither evaluates nor completes. The deadline
		// check runs after, so a hold survives an elapsed rollout
		// duration until the operator resumes.
		r.mu.Lock()
		paused := r.state.Status == core.CanaryPaused
		r.mu.Unlock()
		if paused {
			continue
		}

		if !time.Now().Before(deadline) {
			m.complete(r)
			return
		}

		eval := m.evaluate(ctx, r)
		metrics.CanaryEvaluationsTotal.WithLabelValues(string(eval.Decision)).Inc()
		logger.Info().
			Str("decision", string(eval.Decision)).
			Float64("confidence", eval.Confidence).
			Msg("canary evaluated")

		switch eval.Decision {
		case core.DecisionAbort:
			m.abort(r, eval.Reason)
			return
		case core.DecisionProceed:
			m.advance(r)
		case core.DecisionHold:
			// Re-evaluate next interval without changing traffic.
		}
	}
}

// evaluate runs one evaluation cycle and appends it to the release
// history. A metrics fetch failure yields a hold, not an abort: traffic
// only reverts on evidence of degradation.
func (m *Manager) evaluate(ctx context.Context, r *release) core.CanaryEvaluation {
	r.mu.Lock()
	cfg := r.state.Config
	percent := r.state.TrafficPercent
	r.mu.Unlock()

	eval := core.CanaryEvaluation{
		Timestamp: time.Now(),
		Criteria:  make(map[string]core.CriterionResult, len(cfg.SuccessCriteria)),
	}

	canaryMetrics, err := m.metrics.VersionMetrics(ctx, cfg.Service, cfg.CanaryVersion)
	if err == nil {
		eval.BaselineMetrics, err = m.metrics.VersionMetrics(ctx, cfg.Service, cfg.BaselineVersion)
	}
	if err != nil {
		eval.Decision = core.DecisionHold
		eval.Reason = fmt.Sprintf("metrics unavailable: %v", err)
		m.record(r, eval)
		return eval
	}
	eval.CanaryMetrics = canaryMetrics

	passed := 0
	for criterion, threshold := range cfg.SuccessCriteria {
		result := compare(criterion, threshold, canaryMetrics[criterion], eval.BaselineMetrics[criterion])
		eval.Criteria[criterion] = result
		if result.Passed {
			passed++
		}
	}

	eval.Confidence = float64(passed) / float64(len(cfg.SuccessCriteria))
	switch {
	case eval.Confidence < abortConfidence:
		eval.Decision = core.DecisionAbort
		eval.Reason = fmt.Sprintf("only %.0f%% of criteria passed (minimum 70%% required)", eval.Confidence*100)
	case eval.Confidence >= proceedConfidence:
		eval.Decision = core.DecisionProceed
		eval.Reason = fmt.Sprintf("%.0f%% of criteria passed - proceeding with rollout", eval.Confidence*100)
	default:
		eval.Decision = core.DecisionHold
		eval.Reason = fmt.Sprintf("%.0f%% of criteria passed - maintaining current traffic", eval.Confidence*100)
	}

	m.record(r, eval)
	m.events.Publish(&core.CanaryEvaluated{
		BaseEvent:  core.BaseEvent{Timestamp: time.Now(), Service: cfg.Service},
		ReleaseID:  r.id(),
		Decision:   eval.Decision,
		Confidence: eval.Confidence,
		Percent:    percent,
	})
	return eval
}

// compare applies criterion-specific directionality.
func compare(criterion string, threshold, canaryValue, baselineValue float64) core.CriterionResult {
	var passed bool
	switch criterion {
	case core.CriterionErrorRate, core.CriterionResponseTime:
		// Lower is better: the candidate must not exceed baseline by more
		// than the relative threshold.
		passed = canaryValue <= baselineValue*(1+threshold)
	case core.CriterionUserSatisfaction:
		// Higher is better.
		passed = canaryValue >= baselineValue*(1-threshold)
	default:
		passed = math.Abs(canaryValue-baselineValue) <= threshold
	}
	return core.CriterionResult{
		Passed:        passed,
		CanaryValue:   canaryValue,
		BaselineValue: baselineValue,
		Threshold:     threshold,
	}
}

// advance moves traffic one step up the ladder, never decreasing and
// never exceeding the configured target.
func (m *Manager) advance(r *release) {
	r.mu.Lock()
	current := r.state.TrafficPercent
	target := r.state.Config.TargetPercent
	service := r.state.Config.Service
	r.mu.Unlock()

	next := nextPercent(current, target)
	if next == current {
		return
	}

	if err := m.router.UpdateSplit(service, core.TrafficSplit{
		core.VariantCanary:   next,
		core.VariantBaseline: core.TotalWeight - next,
	}); err != nil {
		m.logger.Error().Err(err).Str("release", r.id()).Msg("failed to advance canary traffic")
		return
	}

	r.mu.Lock()
	r.state.TrafficPercent = next
	r.mu.Unlock()
	m.logger.Info().Str("release", r.id()).Int("percent", next).Msg("canary traffic advanced")
}

// nextPercent walks the 5/10/25/50 ladder, then approaches the target in
// 25-point increments, capped at the target.
func nextPercent(current, target int) int {
	next := current
	for _, step := range trafficLadder {
		if current < step {
			next = step
			break
		}
	}
	if next == current && current < target {
		next = current + ladderIncrement
	}
	if next > target {
		next = target
	}
	if next < current {
		return current
	}
	return next
}

// complete finishes a release whose rollout duration has elapsed.
func (m *Manager) complete(r *release) {
	r.mu.Lock()
	cfg := r.state.Config
	if terminal(r.state.Status) {
		r.mu.Unlock()
		return
	}
	promoted := cfg.AutoPromote
	r.mu.Unlock()

	if promoted {
		if err := m.router.UpdateSplit(cfg.Service, core.TrafficSplit{
			core.VariantCanary:   core.TotalWeight,
			core.VariantBaseline: 0,
		}); err != nil {
			m.logger.Error().Err(err).Str("release", r.id()).Msg("failed to promote canary")
			promoted = false
		}
	}

	now := time.Now()
	r.mu.Lock()
	r.state.Status = core.CanaryCompleted
	r.state.CompletedAt = &now
	if promoted {
		r.state.TrafficPercent = core.TotalWeight
	}
	r.mu.Unlock()

	metrics.CanaryReleasesTotal.WithLabelValues(cfg.Service, string(core.CanaryCompleted)).Inc()
	m.logger.Info().Str("release", r.id()).Bool("promoted", promoted).Msg("canary release completed")
	m.events.Publish(&core.CanaryReleaseCompleted{
		BaseEvent: core.BaseEvent{Timestamp: now, Service: cfg.Service},
		ReleaseID: r.id(),
		Promoted:  promoted,
	})
}

// abort reverts traffic fully to baseline and writes the terminal status.
// Revert and status write are not separable: both happen before the loop
// exits, whether the abort came from an evaluation or a cancellation.
func (m *Manager) abort(r *release, reason string) {
	r.mu.Lock()
	cfg := r.state.Config
	if terminal(r.state.Status) {
		r.mu.Unlock()
		return
	}
	if reason == "" {
		reason = r.state.AbortReason
	}
	if reason == "" {
		reason = "release canceled"
	}
	r.mu.Unlock()

	if err := m.router.UpdateSplit(cfg.Service, core.TrafficSplit{
		core.VariantCanary:   0,
		core.VariantBaseline: core.TotalWeight,
	}); err != nil {
		m.logger.Error().Err(err).Str("release", r.id()).Msg("failed to revert canary traffic")
	}

	now := time.Now()
	r.mu.Lock()
	r.state.Status = core.CanaryAborted
	r.state.AbortReason = reason
	r.state.CompletedAt = &now
	r.state.TrafficPercent = 0
	r.mu.Unlock()

	metrics.CanaryReleasesTotal.WithLabelValues(cfg.Service, string(core.CanaryAborted)).Inc()
	m.logger.Warn().Str("release", r.id()).Str("reason", reason).Msg("canary release aborted")
	m.events.Publish(&core.CanaryReleaseAborted{
		BaseEvent: core.BaseEvent{Timestamp: now, Service: cfg.Service},
		ReleaseID: r.id(),
		Reason:    reason,
	})
}

func (m *Manager) record(r *release, eval core.CanaryEvaluation) {
	r.mu.Lock()
	r.state.Evaluations = append(r.state.Evaluations, eval)
	r.mu.Unlock()
}

func (r *release) id() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ID
}

func (r *release) snapshot() core.CanaryRelease {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.state
	snap.Evaluations = append([]core.CanaryEvaluation(nil), r.state.Evaluations...)
	return snap
}

func terminal(status core.CanaryStatus) bool {
	return status == core.CanaryCompleted || status == core.CanaryAborted
}

func validate(config core.CanaryConfiguration) error {
	switch {
	case config.Service == "":
		return fmt.Errorf("service cannot be empty")
	case config.CanaryVersion == "":
		return fmt.Errorf("canary version cannot be empty")
	case config.BaselineVersion == "":
		return fmt.Errorf("baseline version cannot be empty")
	case config.TargetPercent < 1 || config.TargetPercent > core.TotalWeight:
		return fmt.Errorf("target traffic percentage must be in [1,100], got %d", config.TargetPercent)
	case len(config.SuccessCriteria) == 0:
		return fmt.Errorf("at least one success criterion is required")
	case config.RolloutDuration <= 0:
		return fmt.Errorf("rollout duration must be positive")
	case config.EvaluationInterval <= 0:
		return fmt.Errorf("evaluation interval must be positive")
	}
	return nil
}
