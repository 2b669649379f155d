// Package dns keeps a stable service hostname pointed at whichever
// deployment is currently serving traffic. It listens to lifecycle
// events and upserts a CNAME record whenever the active endpoint moves.
package dns

import (
	"context"
	"fmt"
	"strings"
	"sync"

	cf "github.com/cloudflare/cloudflare-go"
	"github.com/rs/zerolog"

	"github.com/slipway-sh/slipway/internal/core"
	"github.com/slipway-sh/slipway/internal/events"
)

// Config holds the Cloudflare publishing settings. With Enabled false
// the publisher records intent locally and performs no API calls.
type Config struct {
	Enabled    bool
	APIToken   string
	ZoneID     string
	BaseDomain string
}

// Publisher implements endpoint publishing via Cloudflare DNS.
type Publisher struct {
	api    *cf.API
	config Config
	logger zerolog.Logger

	mu      sync.Mutex
	records map[string]string // service -> record id ("" while disabled)
}

// NewPublisher creates a Publisher. The Cloudflare API client is only
// constructed when publishing is enabled.
func NewPublisher(config Config, logger zerolog.Logger) (*Publisher, error) {
	p := &Publisher{
		config:  config,
		logger:  logger.With().Str("component", "dns").Logger(),
		records: make(map[string]string),
	}
	if !config.Enabled {
		return p, nil
	}

	api, err := cf.NewWithAPIToken(config.APIToken)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudflare client: %w", err)
	}
	p.api = api
	return p, nil
}

// PublishEndpoint points <service>.<base domain> at the endpoint host.
// An existing record for the service is updated in place.
func (p *Publisher) PublishEndpoint(ctx context.Context, service, endpoint string) error {
	name := sanitizeForDNS(service)
	fullDomain := fmt.Sprintf("%s.%s", name, p.config.BaseDomain)
	target := endpointHost(endpoint)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.config.Enabled {
		p.logger.Info().Str("domain", fullDomain).Str("target", target).Msg("dns publishing disabled, recording intent only")
		p.records[service] = ""
		return nil
	}

	zone := cf.ZoneIdentifier(p.config.ZoneID)
	proxied := false

	if recordID, ok := p.records[service]; ok && recordID != "" {
		_, err := p.api.UpdateDNSRecord(ctx, zone, cf.UpdateDNSRecordParams{
			ID:      recordID,
			Type:    "CNAME",
			Name:    name,
			Content: target,
			TTL:     120,
			Proxied: &proxied,
		})
		if err != nil {
			return fmt.Errorf("failed to update DNS record for %s: %w", fullDomain, err)
		}
		p.logger.Info().Str("domain", fullDomain).Str("target", target).Msg("dns record updated")
		return nil
	}

	record, err := p.api.CreateDNSRecord(ctx, zone, cf.CreateDNSRecordParams{
		Type:    "CNAME",
		Name:    name,
		Content: target,
		TTL:     120,
		Proxied: &proxied,
	})
	if err != nil {
		return fmt.Errorf("failed to create DNS record for %s: %w", fullDomain, err)
	}
	p.records[service] = record.ID
	p.logger.Info().Str("domain", fullDomain).Str("record", record.ID).Str("target", target).Msg("dns record created")
	return nil
}

// Run consumes endpoint-change events until the context ends,
// republishing the service hostname whenever a deployment completes or
// a rollback restores a previous one.
func (p *Publisher) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(16, events.EndpointChanges)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			var service, endpoint string
			switch e := event.(type) {
			case *core.DeploymentCompleted:
				service, endpoint = e.Service, e.Endpoint
			case *core.RollbackCompleted:
				service, endpoint = e.Service, e.Endpoint
			default:
				continue
			}
			if err := p.PublishEndpoint(ctx, service, endpoint); err != nil {
				p.logger.Error().Err(err).Str("service", service).Msg("failed to publish endpoint")
			}
		}
	}
}

// endpointHost strips the URL scheme; DNS records target bare hosts.
func endpointHost(endpoint string) string {
	host := endpoint
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.IndexAny(host, "/"); idx >= 0 {
		host = host[:idx]
	}
	return host
}

func sanitizeForDNS(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 32
		default:
			return '-'
		}
	}, name)

	for strings.Contains(sanitized, "--") {
		sanitized = strings.ReplaceAll(sanitized, "--", "-")
	}
	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		sanitized = "svc"
	}
	return sanitized
}
