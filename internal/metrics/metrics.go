// Package metrics holds the Prometheus instrumentation of the engine
// itself, exposed on /metrics. It is unrelated to the MetricsSource
// collaborator that canary evaluation reads from.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeploymentsTotal counts finished blue-green deployments by outcome.
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slipway_deployments_total",
		Help: "Blue-green deployments by service and outcome.",
	}, []string{"service", "outcome"})

	// RollbacksTotal counts explicit rollbacks.
	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slipway_rollbacks_total",
		Help: "Rollbacks by service.",
	}, []string{"service"})

	// CanaryEvaluationsTotal counts canary evaluation cycles by decision.
	CanaryEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slipway_canary_evaluations_total",
		Help: "Canary evaluation cycles by decision.",
	}, []string{"decision"})

	// CanaryReleasesTotal counts finished canary releases by final status.
	CanaryReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slipway_canary_releases_total",
		Help: "Finished canary releases by final status.",
	}, []string{"service", "status"})

	// EventsDroppedTotal counts lifecycle events lost to subscribers that
	// could not keep up.
	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slipway_events_dropped_total",
		Help: "Lifecycle events dropped because a subscriber's buffer was full.",
	})

	// TrafficWeight mirrors the currently applied split weights.
	TrafficWeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "slipway_traffic_weight",
		Help: "Currently applied traffic weight per service and variant.",
	}, []string{"service", "variant"})

	// RoutedRequestsTotal counts routing decisions.
	RoutedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slipway_routed_requests_total",
		Help: "Routing decisions per service and variant.",
	}, []string{"service", "variant"})
)
