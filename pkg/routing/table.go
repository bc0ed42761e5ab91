// Package routing maps circuit services to the nodes hosting them. Only
// circuits the directory holds as Active are routable.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"circuitmesh/pkg/protocol"
	"circuitmesh/pkg/types"
)

var (
	ErrNotRoutable    = errors.New("circuit is not routable")
	ErrUnknownService = errors.New("service not part of circuit")
)

// Source is the durable view of committed circuits.
type Source interface {
	Get(id types.CircuitID) (*types.Circuit, bool)
	List() []types.Circuit
	Routable(id types.CircuitID) bool
}

// CommitFeed announces newly committed circuits.
type CommitFeed interface {
	SubscribeCommits() (<-chan protocol.CircuitCommitNotification, func())
}

// Route is where a service of a circuit lives.
type Route struct {
	CircuitID types.CircuitID
	ServiceID types.ServiceID
	NodeID    types.NodeID
	Endpoints []string
}

type circuitRoutes map[types.ServiceID]Route

// Table caches routes for active circuits
type Table struct {
	source Source
	logger *zap.Logger

	mu     sync.RWMutex
	routes map[types.CircuitID]circuitRoutes
}

// NewTable creates a routing table seeded with every active circuit in source.
func NewTable(source Source, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Table{
		source: source,
		logger: logger,
		routes: make(map[types.CircuitID]circuitRoutes),
	}
	for _, c := range source.List() {
		if c.Status == types.CircuitActive {
			t.routes[c.ID] = buildRoutes(&c)
		}
	}
	return t
}

func buildRoutes(c *types.Circuit) circuitRoutes {
	endpoints := make(map[types.NodeID][]string, len(c.Members))
	for _, m := range c.Members {
		endpoints[m.ID] = m.Endpoints
	}
	out := make(circuitRoutes, len(c.Services))
	for _, s := range c.Services {
		out[s.ID] = Route{
			CircuitID: c.ID,
			ServiceID: s.ID,
			NodeID:    s.NodeID,
			Endpoints: append([]string(nil), endpoints[s.NodeID]...),
		}
	}
	return out
}

// Run refreshes the table on every commit notification until ctx is done or
// the feed closes.
func (t *Table) Run(ctx context.Context, feed CommitFeed) error {
	commits, cancel := feed.SubscribeCommits()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-commits:
			if !ok {
				return nil
			}
			t.Refresh(n.CircuitID)
		}
	}
}

// Refresh reloads one circuit from the source.
func (t *Table) Refresh(id types.CircuitID) {
	c, ok := t.source.Get(id)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !ok || c.Status != types.CircuitActive {
		if _, had := t.routes[id]; had {
			t.logger.Info("Circuit no longer routable", zap.String("circuit_id", string(id)))
		}
		delete(t.routes, id)
		return
	}
	t.routes[id] = buildRoutes(c)
	t.logger.Debug("Routes updated",
		zap.String("circuit_id", string(id)),
		zap.Int("services", len(c.Services)))
}

// Resolve returns the route to service within circuit. The directory is
// consulted on every call so a disbanded circuit stops resolving at once.
func (t *Table) Resolve(circuit types.CircuitID, service types.ServiceID) (Route, error) {
	if !t.source.Routable(circuit) {
		t.mu.Lock()
		delete(t.routes, circuit)
		t.mu.Unlock()
		return Route{}, fmt.Errorf("%w: %s", ErrNotRoutable, circuit)
	}

	t.mu.RLock()
	routes, ok := t.routes[circuit]
	t.mu.RUnlock()
	if !ok {
		// committed but the notification has not arrived yet
		t.Refresh(circuit)
		t.mu.RLock()
		routes, ok = t.routes[circuit]
		t.mu.RUnlock()
		if !ok {
			return Route{}, fmt.Errorf("%w: %s", ErrNotRoutable, circuit)
		}
	}

	r, ok := routes[service]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s/%s", ErrUnknownService, circuit, service)
	}
	r.Endpoints = append([]string(nil), r.Endpoints...)
	return r, nil
}

// Circuits returns the ids of every circuit with cached routes.
func (t *Table) Circuits() []types.CircuitID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.CircuitID, 0, len(t.routes))
	for id := range t.routes {
		out = append(out, id)
	}
	return out
}
