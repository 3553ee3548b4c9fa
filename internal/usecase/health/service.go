// Package health aggregates dependency liveness for the readiness endpoint.
package health

import (
	"context"
	"time"
)

// Pinger checks one dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Service probes the service's dependencies.
type Service struct {
	search   Pinger
	apiDB    Pinger
	upstream Pinger
	timeout  time.Duration
}

// New creates the health service.
func New(search, apiDB, upstream Pinger) *Service {
	return &Service{search: search, apiDB: apiDB, upstream: upstream, timeout: 2 * time.Second}
}

// Status is one dependency's probe result.
type Status struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Report is the aggregated health snapshot. The upstream database is
// reported but does not gate readiness: jobs fail cleanly when it is down,
// while status and alias reads keep working.
type Report struct {
	Ready      bool              `json:"ready"`
	Components map[string]Status `json:"components"`
}

// Check probes every dependency with a bounded budget.
func (s *Service) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	components := map[string]Status{
		"search":      s.probe(ctx, s.search),
		"api_db":      s.probe(ctx, s.apiDB),
		"upstream_db": s.probe(ctx, s.upstream),
	}

	return Report{
		Ready:      components["search"].Healthy && components["api_db"].Healthy,
		Components: components,
	}
}

func (s *Service) probe(ctx context.Context, p Pinger) Status {
	if err := p.Ping(ctx); err != nil {
		return Status{Healthy: false, Error: err.Error()}
	}
	return Status{Healthy: true}
}
