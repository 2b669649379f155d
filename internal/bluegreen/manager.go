// Package bluegreen orchestrates zero-downtime version replacement
// between the two fixed slots of a service.
package bluegreen

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/slipway-sh/slipway/internal/core"
	"github.com/slipway-sh/slipway/internal/metrics"
)

// Config controls the gradual traffic shift.
type Config struct {
	// ShiftSteps are the target percentages applied to the new slot, in
	// order. The last step must be 100.
	ShiftSteps []int
	// StepInterval is the pause between steps, letting metrics accumulate.
	StepInterval time.Duration
	// MaxErrorRate and MaxMeanLatencyMS gate live health after each step.
	MaxErrorRate     float64
	MaxMeanLatencyMS float64
}

// DefaultConfig returns the production shift cadence.
func DefaultConfig() Config {
	return Config{
		ShiftSteps:       []int{10, 25, 50, 75, 100},
		StepInterval:     2 * time.Second,
		MaxErrorRate:     0.05,
		MaxMeanLatencyMS: 5000,
	}
}

// DeployResult is returned on a successful blue-green deployment.
type DeployResult struct {
	DeploymentID string    `json:"deployment_id"`
	Service      string    `json:"service"`
	Version      string    `json:"version"`
	Slot         core.Slot `json:"active_slot"`
	Endpoint     string    `json:"endpoint"`
}

// RollbackResult is returned on a successful rollback.
type RollbackResult struct {
	Service      string    `json:"service"`
	DeploymentID string    `json:"rolled_back_to"`
	Slot         core.Slot `json:"active_slot"`
}

// ServiceStatus aggregates the registry view of one service.
type ServiceStatus struct {
	Service      string            `json:"service"`
	ActiveSlot   *core.Slot        `json:"active_slot,omitempty"`
	Deployments  []core.Deployment `json:"deployments"`
	TrafficStats core.TrafficStats `json:"traffic_stats"`
}

// Manager owns the deployment registry and the active-slot pointer of
// every service. At most one deploy or rollback runs per service at a
// time; different services are fully independent.
type Manager struct {
	cfg         Config
	router      core.TrafficController
	validator   core.Validator
	provisioner core.Provisioner
	metrics     core.MetricsSource
	events      core.EventSink
	logger      zerolog.Logger

	mu          sync.Mutex // guards services and deployments maps
	services    map[string]*serviceEntry
	deployments map[string]*core.Deployment
}

type serviceEntry struct {
	mu         sync.Mutex // serializes deploy/rollback for one service
	activeSlot core.Slot
	hasActive  bool
}

// NewManager creates a blue-green deployment manager.
func NewManager(cfg Config, router core.TrafficController, validator core.Validator, provisioner core.Provisioner, metricsSource core.MetricsSource, events core.EventSink, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		router:      router,
		validator:   validator,
		provisioner: provisioner,
		metrics:     metricsSource,
		events:      events,
		logger:      logger.With().Str("component", "bluegreen").Logger(),
		services:    make(map[string]*serviceEntry),
		deployments: make(map[string]*core.Deployment),
	}
}

// DeployNewVersion stages a version in the inactive slot, validates it,
// gradually shifts traffic to it and finalizes the switch. On any failure
// the live split is left fully pointing at the previous slot and the new
// deployment is marked failed and deprovisioned.
func (m *Manager) DeployNewVersion(ctx context.Context, service, version string, config map[string]string) (*DeployResult, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if version == "" {
		return nil, fmt.Errorf("version cannot be empty")
	}

	entry := m.entry(service)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	hadActive := entry.hasActive
	newSlot := core.SlotPrimary
	oldSlot := core.SlotSecondary
	if hadActive {
		newSlot = entry.activeSlot.Opposite()
		oldSlot = entry.activeSlot
	}

	id := fmt.Sprintf("%s-%s-%s-%s", service, version, newSlot, uuid.NewString())
	logger := m.logger.With().Str("service", service).Str("deployment", id).Logger()
	logger.Info().Str("version", version).Str("slot", string(newSlot)).Msg("starting blue-green deployment")

	endpoint, err := m.provisioner.Provision(ctx, core.ProvisionRequest{
		DeploymentID: id,
		Service:      service,
		Version:      version,
		Slot:         newSlot,
		Config:       config,
	})
	if err != nil {
		metrics.DeploymentsTotal.WithLabelValues(service, "provisioning_failed").Inc()
		return nil, &core.ProvisioningError{Service: service, Op: "provision", Err: err}
	}

	dep := &core.Deployment{
		ID:           id,
		Service:      service,
		Version:      version,
		Slot:         newSlot,
		Status:       core.StatusStaging,
		Endpoint:     endpoint,
		CreatedAt:    time.Now(),
		HealthStatus: "unknown",
	}
	m.register(dep)

	m.events.Publish(&core.DeploymentStarted{
		BaseEvent:    core.BaseEvent{Timestamp: time.Now(), Service: service},
		DeploymentID: id,
		Version:      version,
		Slot:         newSlot,
	})

	// Validate works on a copy: status reads take registry snapshots
	// under m.mu, so the validator must not write the registered entry.
	working := m.snapshot(dep)
	report := m.validator.Validate(ctx, &working)
	m.absorbHealth(dep, &working)
	m.events.Publish(&core.DeploymentValidated{
		BaseEvent:    core.BaseEvent{Timestamp: time.Now(), Service: service},
		DeploymentID: id,
		Passed:       report.Passed,
	})
	if !report.Passed {
		// No traffic has moved yet; fail the staged deployment in place.
		m.failDeployment(ctx, dep, "validation failed")
		metrics.DeploymentsTotal.WithLabelValues(service, "validation_failed").Inc()
		return nil, &core.ValidationFailedError{Report: report}
	}

	if err := m.shiftTraffic(ctx, dep, oldSlot, hadActive); err != nil {
		metrics.DeploymentsTotal.WithLabelValues(service, "shift_failed").Inc()
		return nil, err
	}

	m.finalizeSwitch(entry, dep, oldSlot)
	metrics.DeploymentsTotal.WithLabelValues(service, "success").Inc()

	logger.Info().Str("endpoint", endpoint).Msg("blue-green deployment completed")
	return &DeployResult{
		DeploymentID: id,
		Service:      service,
		Version:      version,
		Slot:         newSlot,
		Endpoint:     endpoint,
	}, nil
}

// shiftTraffic walks the configured steps, gating each on live health.
// On failure it restores the pre-deployment routing before returning.
func (m *Manager) shiftTraffic(ctx context.Context, dep *core.Deployment, oldSlot core.Slot, hadActive bool) error {
	service := dep.Service
	newVariant := string(dep.Slot)
	oldVariant := string(oldSlot)

	for _, step := range m.cfg.ShiftSteps {
		if err := m.router.UpdateSplit(service, core.TrafficSplit{
			newVariant: step,
			oldVariant: core.TotalWeight - step,
		}); err != nil {
			m.revertShift(ctx, dep, oldSlot, hadActive)
			return err
		}

		m.setStatus(dep, core.StatusTransitioning, step)
		m.events.Publish(&core.TrafficShifted{
			BaseEvent:    core.BaseEvent{Timestamp: time.Now(), Service: service},
			DeploymentID: dep.ID,
			Slot:         dep.Slot,
			Percent:      step,
		})
		m.logger.Info().Str("service", service).Int("percent", step).Msg("traffic shifted")

		if err := sleep(ctx, m.cfg.StepInterval); err != nil {
			m.revertShift(ctx, dep, oldSlot, hadActive)
			return fmt.Errorf("traffic shift canceled: %w", err)
		}

		if alerts := m.liveHealthAlerts(ctx, dep); len(alerts) > 0 {
			m.revertShift(ctx, dep, oldSlot, hadActive)
			return &core.TrafficShiftFailedError{Service: service, Percent: step, Alerts: alerts}
		}
	}
	return nil
}

// liveHealthAlerts checks error rate and mean latency of the new version
// against the configured gates. An unreadable metrics backend counts as
// unhealthy: the new version must prove itself before taking traffic.
func (m *Manager) liveHealthAlerts(ctx context.Context, dep *core.Deployment) []string {
	vals, err := m.metrics.VersionMetrics(ctx, dep.Service, dep.Version)
	if err != nil {
		return []string{fmt.Sprintf("live metrics unavailable: %v", err)}
	}

	var alerts []string
	if errorRate := vals[core.CriterionErrorRate]; errorRate > m.cfg.MaxErrorRate {
		alerts = append(alerts, fmt.Sprintf("high error rate: %.2f%%", errorRate*100))
	}
	if latency := vals[core.CriterionResponseTime]; latency > m.cfg.MaxMeanLatencyMS {
		alerts = append(alerts, fmt.Sprintf("high response time: %.0fms", latency))
	}
	return alerts
}

// revertShift restores the pre-deployment routing and fails the new
// deployment. With a previous active slot that means 100% on it; a
// first-ever deployment had no split at all, so the split is cleared
// rather than pointed at a slot that never held a deployment. The
// active-slot pointer was never flipped, so the registry stays
// consistent.
func (m *Manager) revertShift(ctx context.Context, dep *core.Deployment, oldSlot core.Slot, hadActive bool) {
	if !hadActive {
		m.router.ClearSplit(dep.Service)
	} else if err := m.router.UpdateSplit(dep.Service, core.TrafficSplit{
		string(oldSlot):  core.TotalWeight,
		string(dep.Slot): 0,
	}); err != nil {
		m.logger.Error().Err(err).Str("service", dep.Service).Msg("failed to restore traffic split")
	}
	m.failDeployment(ctx, dep, "health degraded during traffic shift")
}

// finalizeSwitch flips the active-slot pointer and settles statuses.
func (m *Manager) finalizeSwitch(entry *serviceEntry, dep *core.Deployment, oldSlot core.Slot) {
	if err := m.router.UpdateSplit(dep.Service, core.TrafficSplit{
		string(dep.Slot): core.TotalWeight,
		string(oldSlot):  0,
	}); err != nil {
		m.logger.Error().Err(err).Str("service", dep.Service).Msg("failed to apply final split")
	}

	m.mu.Lock()
	for _, other := range m.deployments {
		if other.Service == dep.Service && other.Slot == oldSlot && other.Status == core.StatusActive {
			other.Status = core.StatusInactive
			other.TrafficPercent = 0
		}
	}
	dep.Status = core.StatusActive
	dep.TrafficPercent = core.TotalWeight
	entry.activeSlot = dep.Slot
	entry.hasActive = true
	m.mu.Unlock()

	m.events.Publish(&core.DeploymentCompleted{
		BaseEvent:    core.BaseEvent{Timestamp: time.Now(), Service: dep.Service},
		DeploymentID: dep.ID,
		Slot:         dep.Slot,
		Endpoint:     dep.Endpoint,
	})
}

// RollbackDeployment routes 100% traffic back to the most recent inactive
// deployment in the opposite slot and flips the active-slot pointer.
func (m *Manager) RollbackDeployment(ctx context.Context, service string) (*RollbackResult, error) {
	entry := m.entry(service)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.hasActive {
		return nil, core.ErrNoActiveDeployment
	}
	currentSlot := entry.activeSlot
	previousSlot := currentSlot.Opposite()

	previous := m.latestInactive(service, previousSlot)
	if previous == nil {
		return nil, core.ErrNoPreviousDeployment
	}

	m.logger.Info().Str("service", service).Str("slot", string(previousSlot)).Msg("rolling back")

	if err := m.router.UpdateSplit(service, core.TrafficSplit{
		string(previousSlot): core.TotalWeight,
		string(currentSlot):  0,
	}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, dep := range m.deployments {
		if dep.Service == service && dep.Slot == currentSlot && dep.Status == core.StatusActive {
			dep.Status = core.StatusInactive
			dep.TrafficPercent = 0
		}
	}
	previous.Status = core.StatusActive
	previous.TrafficPercent = core.TotalWeight
	entry.activeSlot = previousSlot
	m.mu.Unlock()
	metrics.RollbacksTotal.WithLabelValues(service).Inc()

	m.events.Publish(&core.RollbackCompleted{
		BaseEvent:    core.BaseEvent{Timestamp: time.Now(), Service: service},
		DeploymentID: previous.ID,
		Slot:         previousSlot,
		Endpoint:     previous.Endpoint,
	})

	return &RollbackResult{
		Service:      service,
		DeploymentID: previous.ID,
		Slot:         previousSlot,
	}, nil
}

// GetDeploymentStatus returns the registry view and traffic stats for a
// service.
func (m *Manager) GetDeploymentStatus(service string) *ServiceStatus {
	status := &ServiceStatus{
		Service:      service,
		Deployments:  make([]core.Deployment, 0),
		TrafficStats: m.router.Stats(service),
	}

	m.mu.Lock()
	if entry, ok := m.services[service]; ok && entry.hasActive {
		slot := entry.activeSlot
		status.ActiveSlot = &slot
	}
	for _, dep := range m.deployments {
		if dep.Service == service {
			status.Deployments = append(status.Deployments, *dep)
		}
	}
	m.mu.Unlock()

	sort.Slice(status.Deployments, func(i, j int) bool {
		return status.Deployments[i].CreatedAt.Before(status.Deployments[j].CreatedAt)
	})
	return status
}

// GetDeployment returns a copy of a single registry entry.
func (m *Manager) GetDeployment(id string) (core.Deployment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deployments[id]
	if !ok {
		return core.Deployment{}, false
	}
	return *dep, true
}

// failDeployment marks a deployment failed and releases its resources.
func (m *Manager) failDeployment(ctx context.Context, dep *core.Deployment, reason string) {
	m.setStatus(dep, core.StatusFailed, 0)
	m.logger.Warn().Str("deployment", dep.ID).Str("reason", reason).Msg("deployment failed, cleaning up")

	if err := m.provisioner.Deprovision(ctx, dep.ID); err != nil {
		m.logger.Error().Err(err).Str("deployment", dep.ID).Msg("cleanup failed")
	}

	m.events.Publish(&core.DeploymentFailed{
		BaseEvent:    core.BaseEvent{Timestamp: time.Now(), Service: dep.Service},
		DeploymentID: dep.ID,
		Slot:         dep.Slot,
		Reason:       reason,
	})
}

// snapshot copies a registry entry for use outside the registry lock.
func (m *Manager) snapshot(dep *core.Deployment) core.Deployment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *dep
}

// absorbHealth merges the health fields the validator wrote on a working
// copy back into the registry entry.
func (m *Manager) absorbHealth(dep *core.Deployment, working *core.Deployment) {
	m.mu.Lock()
	dep.LastHealthCheck = working.LastHealthCheck
	dep.HealthStatus = working.HealthStatus
	dep.PerformanceMetrics = working.PerformanceMetrics
	m.mu.Unlock()
}

func (m *Manager) setStatus(dep *core.Deployment, status core.DeploymentStatus, percent int) {
	m.mu.Lock()
	dep.Status = status
	dep.TrafficPercent = percent
	m.mu.Unlock()
}

func (m *Manager) register(dep *core.Deployment) {
	m.mu.Lock()
	m.deployments[dep.ID] = dep
	m.mu.Unlock()
}

// latestInactive finds the most recently created inactive deployment of a
// service in the given slot.
func (m *Manager) latestInactive(service string, slot core.Slot) *core.Deployment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *core.Deployment
	for _, dep := range m.deployments {
		if dep.Service != service || dep.Slot != slot || dep.Status != core.StatusInactive {
			continue
		}
		if latest == nil || dep.CreatedAt.After(latest.CreatedAt) {
			latest = dep
		}
	}
	return latest
}

func (m *Manager) entry(service string) *serviceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.services[service]
	if !ok {
		entry = &serviceEntry{}
		m.services[service] = entry
	}
	return entry
}

// sleep waits for d or until ctx is canceled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
