package health

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SimulatedProber answers probes without any network I/O. It stands in
// for a real model endpoint in demos and tests.
type SimulatedProber struct {
	// Latency is added to every Invoke to simulate processing time.
	Latency time.Duration
}

// NewSimulatedProber creates a prober with a small fixed latency.
func NewSimulatedProber() *SimulatedProber {
	return &SimulatedProber{Latency: time.Millisecond}
}

func (p *SimulatedProber) Ping(ctx context.Context, endpoint string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "healthy", nil
}

func (p *SimulatedProber) Invoke(ctx context.Context, endpoint, input string) (string, error) {
	if p.Latency > 0 {
		timer := time.NewTimer(p.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	lower := strings.ToLower(input)
	switch {
	case strings.Contains(lower, "hello"):
		return "Hello! I'm doing well, thank you for asking.", nil
	case strings.Contains(input, "2+2"):
		return "2+2 equals 4.", nil
	case strings.Contains(lower, "summarize"):
		return "A fox jumps over a dog.", nil
	default:
		return fmt.Sprintf("I understand you asked: %s", input), nil
	}
}

func (p *SimulatedProber) Compatibility(ctx context.Context, endpoint string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 1.0, nil
}
