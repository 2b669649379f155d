// Package metricsrc provides live per-version performance metrics for
// deployment decisions. Prometheus is the production source; Simulated
// serves tests and demos.
package metricsrc

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/slipway-sh/slipway/internal/core"
)

const queryTimeout = 10 * time.Second

// Prometheus implements core.MetricsSource by querying a Prometheus
// server for the standard criteria series.
type Prometheus struct {
	api    promv1.API
	logger zerolog.Logger
}

// NewPrometheus creates a metrics source backed by the Prometheus server
// at address.
func NewPrometheus(address string, logger zerolog.Logger) (*Prometheus, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return &Prometheus{
		api:    promv1.NewAPI(client),
		logger: logger.With().Str("component", "metricsrc").Logger(),
	}, nil
}

// VersionMetrics queries the four standard criteria for one service
// version. Series that yield no samples are omitted from the result.
func (p *Prometheus) VersionMetrics(ctx context.Context, service, version string) (map[string]float64, error) {
	selector := fmt.Sprintf(`service=%q,version=%q`, service, version)
	queries := map[string]string{
		core.CriterionErrorRate: fmt.Sprintf(
			`sum(rate(http_requests_total{%s,code=~"5.."}[5m])) / sum(rate(http_requests_total{%s}[5m]))`,
			selector, selector),
		core.CriterionResponseTime: fmt.Sprintf(
			`histogram_quantile(0.5, sum(rate(http_request_duration_seconds_bucket{%s}[5m])) by (le)) * 1000`,
			selector),
		core.CriterionUserSatisfaction: fmt.Sprintf(
			`avg(user_satisfaction_score{%s})`, selector),
		core.CriterionThroughput: fmt.Sprintf(
			`sum(rate(http_requests_total{%s}[5m]))`, selector),
	}

	result := make(map[string]float64, len(queries))
	for criterion, query := range queries {
		value, ok, err := p.query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s for %s/%s: %w", criterion, service, version, err)
		}
		if ok {
			result[criterion] = value
		}
	}
	return result, nil
}

func (p *Prometheus) query(ctx context.Context, query string) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	value, warnings, err := p.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, false, err
	}
	for _, w := range warnings {
		p.logger.Warn().Str("query", query).Str("warning", w).Msg("prometheus query warning")
	}

	vector, ok := value.(model.Vector)
	if !ok || len(vector) == 0 {
		return 0, false, nil
	}
	return float64(vector[0].Value), true, nil
}
