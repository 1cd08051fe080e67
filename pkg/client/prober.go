package client

import (
	"context"
	"errors"
	"sync"

	"github.com/cuemby/relay/pkg/types"
)

// ErrNoControlEndpoint is returned when probing is attempted without a
// configured control endpoint
var ErrNoControlEndpoint = errors.New("client: no control endpoint configured")

// Prober answers the worker registry's RPC needs: canonical details and
// discovery go to the configured control endpoint, health probes go to the
// worker's own endpoint. Connections are cached per address.
type Prober struct {
	controlAddr string

	mu    sync.Mutex
	conns map[string]*Client
}

// NewProber creates a prober; controlAddr may be empty, in which case
// details and discovery fail until one is configured
func NewProber(controlAddr string) *Prober {
	return &Prober{
		controlAddr: controlAddr,
		conns:       make(map[string]*Client),
	}
}

func (p *Prober) client(addr string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[addr]; ok {
		return c, nil
	}
	c, err := New(addr)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = c
	return c, nil
}

func (p *Prober) control() (*Client, error) {
	if p.controlAddr == "" {
		return nil, ErrNoControlEndpoint
	}
	return p.client(p.controlAddr)
}

// GetServerDetails fetches the canonical record for serverID from the
// control endpoint
func (p *Prober) GetServerDetails(ctx context.Context, serverID string) (*types.WorkerRecord, error) {
	c, err := p.control()
	if err != nil {
		return nil, err
	}
	return c.GetServerDetails(ctx, serverID)
}

// CheckHealth probes the worker at its advertised endpoint
func (p *Prober) CheckHealth(ctx context.Context, rec *types.WorkerRecord) (types.HealthState, error) {
	if len(rec.Endpoints) == 0 {
		return "", errors.New("client: worker has no endpoints")
	}
	c, err := p.client(rec.Endpoints[0])
	if err != nil {
		return "", err
	}
	resp, err := c.CheckHealth(ctx)
	if err != nil {
		return "", err
	}
	if resp.Status == "healthy" {
		return types.HealthHealthy, nil
	}
	return types.HealthUnhealthy, nil
}

// DiscoverServers lists the server ids known to the control endpoint
func (p *Prober) DiscoverServers(ctx context.Context) ([]string, error) {
	c, err := p.control()
	if err != nil {
		return nil, err
	}
	servers, err := c.DiscoverServers(ctx, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(servers))
	for _, s := range servers {
		ids = append(ids, s.ServerID)
	}
	return ids, nil
}

// Close tears down every cached connection
func (p *Prober) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for addr, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, addr)
	}
	return firstErr
}
