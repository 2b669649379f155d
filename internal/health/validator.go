// Package health runs the fixed validation pipeline a candidate
// deployment must pass before any traffic is moved to it.
package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipway-sh/slipway/internal/core"
)

// Prober performs the individual probes against a deployment endpoint.
// Real probing is delegated here so the pipeline itself stays free of
// transport concerns.
type Prober interface {
	// Ping reports the endpoint's health status label.
	Ping(ctx context.Context, endpoint string) (string, error)
	// Invoke sends one test input and returns the response body.
	Invoke(ctx context.Context, endpoint, input string) (string, error)
	// Compatibility reports the interface compatibility score in [0,1].
	Compatibility(ctx context.Context, endpoint string) (float64, error)
}

// Fixed thresholds of the pipeline.
const (
	responsePassRate  = 0.8
	meanLatencyMaxMS  = 3000
	p95LatencyMaxMS   = 5000
	meanLatencyWarnMS = 2000
	minCompatibility  = 0.95
	latencySamples    = 5
	minResponseLength = 5
)

// Test battery for response-quality sampling.
var testInputs = []string{
	"Hello, how are you?",
	"What is 2+2?",
	"Summarize this text: The quick brown fox jumps over the lazy dog.",
}

// Validator implements core.Validator.
type Validator struct {
	prober Prober
	logger zerolog.Logger
}

// NewValidator creates a Validator backed by the given prober.
func NewValidator(prober Prober, logger zerolog.Logger) *Validator {
	return &Validator{
		prober: prober,
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Validate runs every check in order. A check's own failure becomes a
// failed check result; it never prevents the remaining checks from
// running. The report fails overall if any check failed.
func (v *Validator) Validate(ctx context.Context, d *core.Deployment) *core.ValidationReport {
	v.logger.Info().Str("deployment", d.ID).Msg("starting validation")

	report := &core.ValidationReport{
		DeploymentID: d.ID,
		Passed:       true,
	}

	checks := []struct {
		name string
		fn   func(context.Context, *core.Deployment) (core.CheckResult, error)
	}{
		{"endpoint_connectivity", v.checkConnectivity},
		{"model_response_validation", v.checkResponses},
		{"performance_validation", v.checkPerformance},
		{"api_compatibility", v.checkCompatibility},
	}

	for _, check := range checks {
		result, err := check.fn(ctx, d)
		if err != nil {
			result = core.CheckResult{
				Name:    check.name,
				Passed:  false,
				Message: fmt.Sprintf("%s check failed: %v", check.name, err),
			}
		}
		report.Checks = append(report.Checks, result)
		if !result.Passed {
			report.Passed = false
			report.Errors = append(report.Errors, result.Message)
		}
		report.Warnings = append(report.Warnings, result.Warnings...)
	}

	v.logger.Info().Str("deployment", d.ID).Bool("passed", report.Passed).Msg("validation completed")
	return report
}

func (v *Validator) checkConnectivity(ctx context.Context, d *core.Deployment) (core.CheckResult, error) {
	status, err := v.prober.Ping(ctx, d.Endpoint)
	if err != nil {
		return core.CheckResult{}, err
	}

	now := time.Now()
	d.LastHealthCheck = &now
	d.HealthStatus = status

	return core.CheckResult{
		Name:    "endpoint_connectivity",
		Passed:  status == "healthy",
		Message: fmt.Sprintf("endpoint health: %s", status),
		Details: map[string]interface{}{
			"endpoint": d.Endpoint,
			"status":   status,
		},
	}, nil
}

func (v *Validator) checkResponses(ctx context.Context, d *core.Deployment) (core.CheckResult, error) {
	passed := 0
	results := make([]map[string]interface{}, 0, len(testInputs))

	for i, input := range testInputs {
		response, err := v.prober.Invoke(ctx, d.Endpoint, input)
		ok := err == nil && len(response) > minResponseLength
		if ok {
			passed++
		}
		results = append(results, map[string]interface{}{
			"test_case":       i + 1,
			"passed":          ok,
			"response_length": len(response),
		})
	}

	rate := float64(passed) / float64(len(testInputs))
	return core.CheckResult{
		Name:    "model_response_validation",
		Passed:  rate >= responsePassRate,
		Message: fmt.Sprintf("model response validation: %.0f%% success rate", rate*100),
		Details: map[string]interface{}{
			"tests_passed": passed,
			"total_tests":  len(testInputs),
			"test_results": results,
		},
	}, nil
}

func (v *Validator) checkPerformance(ctx context.Context, d *core.Deployment) (core.CheckResult, error) {
	samples := make([]float64, 0, latencySamples)
	for i := 0; i < latencySamples; i++ {
		start := time.Now()
		if _, err := v.prober.Invoke(ctx, d.Endpoint, "ping"); err != nil {
			return core.CheckResult{}, err
		}
		samples = append(samples, float64(time.Since(start).Microseconds())/1000)
	}

	mean := 0.0
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	p95 := sorted[int(0.95*float64(len(sorted)))]

	var warnings []string
	if mean > meanLatencyWarnMS {
		warnings = append(warnings, fmt.Sprintf("average response time above optimal: %.0fms", mean))
	}

	if d.PerformanceMetrics == nil {
		d.PerformanceMetrics = make(map[string]float64)
	}
	d.PerformanceMetrics["avg_response_time_ms"] = mean
	d.PerformanceMetrics["p95_response_time_ms"] = p95

	return core.CheckResult{
		Name:     "performance_validation",
		Passed:   mean <= meanLatencyMaxMS && p95 <= p95LatencyMaxMS,
		Message:  fmt.Sprintf("performance: %.0fms avg, %.0fms p95", mean, p95),
		Warnings: warnings,
		Details: map[string]interface{}{
			"avg_response_time_ms": mean,
			"p95_response_time_ms": p95,
			"avg_threshold_ms":     float64(meanLatencyMaxMS),
			"p95_threshold_ms":     float64(p95LatencyMaxMS),
		},
	}, nil
}

func (v *Validator) checkCompatibility(ctx context.Context, d *core.Deployment) (core.CheckResult, error) {
	score, err := v.prober.Compatibility(ctx, d.Endpoint)
	if err != nil {
		return core.CheckResult{}, err
	}

	return core.CheckResult{
		Name:    "api_compatibility",
		Passed:  score >= minCompatibility,
		Message: fmt.Sprintf("API compatibility: %.0f%%", score*100),
		Details: map[string]interface{}{
			"compatibility_score": score,
		},
	}, nil
}
