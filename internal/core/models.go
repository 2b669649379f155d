package core

import "time"

// Slot identifies one of the two fixed deployment targets of a service.
type Slot string

const (
	SlotPrimary   Slot = "primary"
	SlotSecondary Slot = "secondary"
)

// Opposite returns the other slot.
func (s Slot) Opposite() Slot {
	if s == SlotPrimary {
		return SlotSecondary
	}
	return SlotPrimary
}

// DeploymentStatus represents the lifecycle state of a deployment.
type DeploymentStatus string

const (
	StatusInactive      DeploymentStatus = "inactive"
	StatusStaging       DeploymentStatus = "staging"
	StatusActive        DeploymentStatus = "active"
	StatusTransitioning DeploymentStatus = "transitioning"
	StatusFailed        DeploymentStatus = "failed"
)

// Deployment is one versioned instance of a service bound to a slot.
// Deployments are never removed from the registry during a process
// lifetime; inactive ones remain rollback candidates.
type Deployment struct {
	ID                 string             `json:"deployment_id"`
	Service            string             `json:"service"`
	Version            string             `json:"version"`
	Slot               Slot               `json:"slot"`
	Status             DeploymentStatus   `json:"status"`
	Endpoint           string             `json:"endpoint"`
	CreatedAt          time.Time          `json:"created_at"`
	LastHealthCheck    *time.Time         `json:"last_health_check,omitempty"`
	HealthStatus       string             `json:"health_status"`
	TrafficPercent     int                `json:"traffic_percentage"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics,omitempty"`
}

// TrafficSplit maps variant labels to integer weights. A valid split has
// non-negative weights summing to exactly 100.
type TrafficSplit map[string]int

// TotalWeight is the required sum of all weights in a split.
const TotalWeight = 100

// Variant labels used by canary releases. Blue-green splits use the slot
// names as variants.
const (
	VariantCanary   = "canary"
	VariantBaseline = "baseline"

	// DefaultVariant is returned by routing when no split is configured.
	DefaultVariant = "default"
)

// Sum returns the total weight of the split.
func (s TrafficSplit) Sum() int {
	total := 0
	for _, w := range s {
		total += w
	}
	return total
}

// VariantStats holds routed-request counts for a single variant.
type VariantStats struct {
	Requests   int64   `json:"requests"`
	Percentage float64 `json:"percentage"`
}

// TrafficStats summarizes routed requests for a service.
type TrafficStats struct {
	TotalRequests int64                   `json:"total_requests"`
	Distribution  map[string]VariantStats `json:"distribution,omitempty"`
}

// CheckResult is the outcome of a single validation check.
type CheckResult struct {
	Name     string                 `json:"name"`
	Passed   bool                   `json:"passed"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
}

// ValidationReport aggregates the results of one validation run.
// It is immutable once produced.
type ValidationReport struct {
	DeploymentID string        `json:"deployment_id"`
	Passed       bool          `json:"passed"`
	Checks       []CheckResult `json:"checks"`
	Errors       []string      `json:"errors,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// CanaryStatus represents the lifecycle state of a canary release.
type CanaryStatus string

const (
	CanaryRunning   CanaryStatus = "running"
	CanaryCompleted CanaryStatus = "completed"
	CanaryAborted   CanaryStatus = "aborted"
	CanaryPaused    CanaryStatus = "paused"
)

// CanaryDecision is the outcome of one evaluation cycle.
type CanaryDecision string

const (
	DecisionProceed CanaryDecision = "proceed"
	DecisionHold    CanaryDecision = "hold"
	DecisionAbort   CanaryDecision = "abort"
)

// Success criteria with directional semantics. Lower-is-better criteria
// pass when the candidate does not exceed baseline by more than the
// relative threshold; user_satisfaction is higher-is-better. Any other
// criterion is bounded by absolute difference.
const (
	CriterionErrorRate        = "error_rate"
	CriterionResponseTime     = "response_time"
	CriterionUserSatisfaction = "user_satisfaction"
	CriterionThroughput       = "throughput"
)

// CanaryConfiguration is the immutable input to a canary release.
type CanaryConfiguration struct {
	Service            string             `json:"service"`
	CanaryVersion      string             `json:"canary_version"`
	BaselineVersion    string             `json:"baseline_version"`
	TargetPercent      int                `json:"canary_traffic_percentage"`
	SuccessCriteria    map[string]float64 `json:"success_criteria"`
	RolloutDuration    time.Duration      `json:"rollout_duration"`
	EvaluationInterval time.Duration      `json:"evaluation_interval"`
	AutoPromote        bool               `json:"auto_promote"`
}

// CriterionResult records a single criterion comparison.
type CriterionResult struct {
	Passed        bool    `json:"passed"`
	CanaryValue   float64 `json:"canary_value"`
	BaselineValue float64 `json:"baseline_value"`
	Threshold     float64 `json:"threshold"`
}

// CanaryEvaluation is one evaluation cycle of a canary release.
type CanaryEvaluation struct {
	Timestamp       time.Time                  `json:"timestamp"`
	CanaryMetrics   map[string]float64         `json:"canary_metrics,omitempty"`
	BaselineMetrics map[string]float64         `json:"baseline_metrics,omitempty"`
	Criteria        map[string]CriterionResult `json:"criteria_results,omitempty"`
	Decision        CanaryDecision             `json:"decision"`
	Reason          string                     `json:"reason"`
	Confidence      float64                    `json:"confidence"`
}

// CanaryRelease is the run-time state of one canary in progress. The
// evaluation history is append-only and never pruned during a run.
type CanaryRelease struct {
	ID             string              `json:"canary_id"`
	Config         CanaryConfiguration `json:"config"`
	Status         CanaryStatus        `json:"status"`
	StartedAt      time.Time           `json:"start_time"`
	CompletedAt    *time.Time          `json:"completion_time,omitempty"`
	TrafficPercent int                 `json:"current_traffic_percentage"`
	Evaluations    []CanaryEvaluation  `json:"evaluations"`
	AbortReason    string              `json:"abort_reason,omitempty"`
}
