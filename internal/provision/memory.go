package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/slipway-sh/slipway/internal/core"
)

// Memory fabricates endpoints without creating any real infrastructure.
type Memory struct {
	baseDomain string

	mu        sync.Mutex
	endpoints map[string]string // deployment id -> endpoint
}

// NewMemory creates an in-memory provisioner. Endpoints take the form
// https://<service>-<slot>.<baseDomain>.
func NewMemory(baseDomain string) *Memory {
	if baseDomain == "" {
		baseDomain = "slipway.local"
	}
	return &Memory{
		baseDomain: baseDomain,
		endpoints:  make(map[string]string),
	}
}

func (m *Memory) Provision(ctx context.Context, req core.ProvisionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("https://%s-%s.%s", req.Service, req.Slot, m.baseDomain)
	m.mu.Lock()
	m.endpoints[req.DeploymentID] = endpoint
	m.mu.Unlock()
	return endpoint, nil
}

func (m *Memory) Deprovision(ctx context.Context, deploymentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.endpoints, deploymentID)
	m.mu.Unlock()
	return nil
}

// Provisioned reports whether a deployment currently holds an endpoint.
func (m *Memory) Provisioned(deploymentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.endpoints[deploymentID]
	return ok
}
