// Package mcp routes tool requests to the sidecar tool servers.
package mcp

import (
	"strings"

	"github.com/ashureev/mcp-chat-gateway/internal/config"
	"github.com/ashureev/mcp-chat-gateway/internal/domain"
	"github.com/ashureev/mcp-chat-gateway/internal/errx"
)

// ErrUnknownAgent is returned when an agent identifier matches no backend.
var ErrUnknownAgent = errx.Resolution("unknown agent_id")

// Resolver selects a backend by substring markers in an agent identifier.
// Backends are scanned in order and the first match wins.
type Resolver struct {
	backends []domain.Backend
}

// NewResolver creates a resolver over an ordered backend list.
func NewResolver(backends ...domain.Backend) *Resolver {
	return &Resolver{backends: backends}
}

// DefaultBackends returns the AWS and Kubernetes backends in match order.
func DefaultBackends(cfg config.BackendConfig) []domain.Backend {
	return []domain.Backend{
		{
			Name:    domain.BackendAWS,
			BaseURL: cfg.AWSBaseURL(),
			Markers: []string{"aws"},
		},
		{
			Name:    domain.BackendKubernetes,
			BaseURL: cfg.K8sBaseURL(),
			Markers: []string{"k8s", "kubernetes"},
		},
	}
}

// Resolve returns the first backend whose marker occurs in agentID.
func (r *Resolver) Resolve(agentID string) (domain.Backend, error) {
	if agentID == "" {
		return domain.Backend{}, ErrUnknownAgent
	}
	for _, b := range r.backends {
		for _, marker := range b.Markers {
			if strings.Contains(agentID, marker) {
				return b, nil
			}
		}
	}
	return domain.Backend{}, ErrUnknownAgent
}

// Backends returns the configured backends in match order.
func (r *Resolver) Backends() []domain.Backend {
	out := make([]domain.Backend, len(r.backends))
	copy(out, r.backends)
	return out
}
