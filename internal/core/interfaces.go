package core

import "context"

// TrafficController owns the live traffic splits and routes requests.
type TrafficController interface {
	// UpdateSplit atomically replaces the split for a service. It returns
	// an *InvalidSplitError when weights are negative or do not sum to 100.
	UpdateSplit(service string, split TrafficSplit) error
	// ClearSplit removes the split for a service, returning routing to
	// DefaultVariant. Request counters are kept.
	ClearSplit(service string)
	// Route picks a variant for one request using the current split, or
	// DefaultVariant when no split is configured.
	Route(service string) string
	// Stats reports routed-request totals per variant.
	Stats(service string) TrafficStats
}

// Validator runs the health validation pipeline against a deployment.
type Validator interface {
	Validate(ctx context.Context, d *Deployment) *ValidationReport
}

// ProvisionRequest carries everything the provisioning collaborator needs
// to create a served endpoint for a deployment.
type ProvisionRequest struct {
	DeploymentID string
	Service      string
	Version      string
	Slot         Slot
	Config       map[string]string
}

// Provisioner creates and destroys served endpoints. It may be slow and
// may fail; failures surface as deployment failures.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (endpoint string, err error)
	Deprovision(ctx context.Context, deploymentID string) error
}

// MetricsSource reports live performance metrics for a service version:
// error_rate, response_time, user_satisfaction and throughput.
type MetricsSource interface {
	VersionMetrics(ctx context.Context, service, version string) (map[string]float64, error)
}

// EventSink receives lifecycle events from the engine. Subscribing is a
// concern of the concrete bus, not of the publishers.
type EventSink interface {
	Publish(event Event)
}
