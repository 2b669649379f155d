package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoActiveDeployment is returned when a rollback is requested for a
	// service that has no active deployment.
	ErrNoActiveDeployment = errors.New("no active deployment for service")

	// ErrNoPreviousDeployment is returned when a rollback is requested and
	// the opposite slot holds no inactive deployment to roll back to.
	ErrNoPreviousDeployment = errors.New("no previous deployment available for rollback")

	// ErrReleaseNotFound is returned for unknown canary release ids.
	ErrReleaseNotFound = errors.New("canary release not found")
)

// InvalidSplitError reports a traffic split with negative weights or a
// total different from 100.
type InvalidSplitError struct {
	Service string
	Split   TrafficSplit
	Reason  string
}

func (e *InvalidSplitError) Error() string {
	return fmt.Sprintf("invalid traffic split for %s: %s", e.Service, e.Reason)
}

// ValidationFailedError is returned when pre-traffic validation fails.
// No traffic has been moved when this error is returned.
type ValidationFailedError struct {
	Report *ValidationReport
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("deployment validation failed: %s", strings.Join(e.Report.Errors, "; "))
}

// TrafficShiftFailedError is returned when live health degrades during a
// gradual traffic shift. The split has been restored to the previous slot
// when this error is returned.
type TrafficShiftFailedError struct {
	Service string
	Percent int
	Alerts  []string
}

func (e *TrafficShiftFailedError) Error() string {
	return fmt.Sprintf("traffic shift for %s failed at %d%%: %s", e.Service, e.Percent, strings.Join(e.Alerts, "; "))
}

// ProvisioningError wraps a failure from the provisioning collaborator.
type ProvisioningError struct {
	Service string
	Op      string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s for %s failed: %v", e.Op, e.Service, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}
