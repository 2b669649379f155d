package core

import "time"

// Event is a deployment or canary lifecycle event.
type Event interface {
	EventTime() time.Time
}

// BaseEvent provides common event fields.
type BaseEvent struct {
	Timestamp time.Time
	Service   string
}

func (e BaseEvent) EventTime() time.Time {
	return e.Timestamp
}

// DeploymentStarted indicates a new deployment was staged.
type DeploymentStarted struct {
	BaseEvent
	DeploymentID string
	Version      string
	Slot         Slot
}

// DeploymentValidated indicates the validation pipeline finished.
type DeploymentValidated struct {
	BaseEvent
	DeploymentID string
	Passed       bool
}

// TrafficShifted indicates one step of a gradual shift was applied.
type TrafficShifted struct {
	BaseEvent
	DeploymentID string
	Slot         Slot
	Percent      int
}

// DeploymentCompleted indicates a blue-green switch finished successfully.
type DeploymentCompleted struct {
	BaseEvent
	DeploymentID string
	Slot         Slot
	Endpoint     string
}

// DeploymentFailed indicates a deployment failed and was cleaned up.
type DeploymentFailed struct {
	BaseEvent
	DeploymentID string
	Slot         Slot
	Reason       string
}

// RollbackCompleted indicates traffic was switched back to a previous
// deployment.
type RollbackCompleted struct {
	BaseEvent
	DeploymentID string
	Slot         Slot
	Endpoint     string
}

// CanaryStarted indicates a canary release began.
type CanaryStarted struct {
	BaseEvent
	ReleaseID       string
	CanaryVersion   string
	BaselineVersion string
	Percent         int
}

// CanaryEvaluated indicates one evaluation cycle finished.
type CanaryEvaluated struct {
	BaseEvent
	ReleaseID  string
	Decision   CanaryDecision
	Confidence float64
	Percent    int
}

// CanaryReleaseCompleted indicates a canary release ran its full
// duration.
type CanaryReleaseCompleted struct {
	BaseEvent
	ReleaseID string
	Promoted  bool
}

// CanaryReleaseAborted indicates a canary release was aborted and
// traffic reverted to baseline.
type CanaryReleaseAborted struct {
	BaseEvent
	ReleaseID string
	Reason    string
}
