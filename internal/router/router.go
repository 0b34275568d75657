package router

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/schema"
	"main/pkg/exception"
)

// Request is the normalized new-order instruction handed to an adapter.
type Request struct {
	OrderID     string
	Symbol      string
	Side        schema.Side
	Type        schema.OrderType
	TimeInForce schema.TimeInForce
	Qty         schema.Quantity
	Price       schema.Price
	HasPrice    bool
}

// Ack is the synchronous broker response to a send or cancel.
type Ack struct {
	BrokerOrderID string
	Accepted      bool
	Reason        string
}

// Adapter is one broker connector. Send and Cancel may block on the wire
// and must honor ctx; the router never calls them under its own lock.
type Adapter interface {
	ID() string
	Send(ctx context.Context, req Request) (Ack, error)
	Cancel(ctx context.Context, orderID, brokerOrderID string) error
}

type slot struct {
	adapter  Adapter
	spec     schema.AdapterSpec
	health   Health
	inflight int
	failures int
	downAt   time.Time
}

// Router picks the adapter for each order: among the healthy adapters
// configured for the symbol that still have inflight headroom, the least
// loaded wins, priority breaking ties. Selection and load accounting share
// one mutex; the actual send happens outside it.
type Router struct {
	registry *schema.Registry
	cooldown time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

// New creates a router over the registry's adapter table.
func New(registry *schema.Registry) *Router {
	return &Router{
		registry: registry,
		cooldown: 30 * time.Second,
		slots:    make(map[string]*slot),
	}
}

// Register binds a live adapter to its registry spec.
func (r *Router) Register(a Adapter) error {
	spec, ok := r.registry.Adapter(a.ID())
	if !ok {
		return errors.Errorf("adapter not in registry: %s", a.ID())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[a.ID()] = &slot{adapter: a, spec: spec, health: HealthHealthy}
	return nil
}

// Pick selects an adapter for the symbol and reserves one inflight slot on
// it. The caller must pair every successful Pick with a Complete.
func (r *Router) Pick(symbol string) (Adapter, error) {
	spec, ok := r.registry.Symbol(symbol)
	if !ok {
		return nil, errors.Wrapf(exception.ErrUnknownSymbol, "%s", symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var best *slot
	for _, name := range spec.Adapters {
		s, ok := r.slots[name]
		if !ok {
			continue
		}
		if s.health == HealthDown {
			// down adapters get a probe slot back after the cooldown
			if now.Sub(s.downAt) < r.cooldown {
				continue
			}
			s.health = HealthDegraded
		}
		if s.inflight >= s.spec.MaxInflight {
			continue
		}
		if best == nil || less(s, best) {
			best = s
		}
	}
	if best == nil {
		return nil, errors.Wrapf(exception.ErrRoutingFailure, "no eligible adapter for %s", symbol)
	}
	best.inflight++
	return best.adapter, nil
}

// less orders candidate slots: healthy before degraded, then least loaded,
// then higher priority (lower number wins).
func less(a, b *slot) bool {
	if a.health != b.health {
		return a.health == HealthHealthy
	}
	if a.inflight != b.inflight {
		return a.inflight < b.inflight
	}
	return a.spec.Priority < b.spec.Priority
}

// AdapterByID returns the registered adapter without load accounting, for
// follow-up calls that must land on the same connector.
func (r *Router) AdapterByID(id string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, false
	}
	return s.adapter, true
}

// Complete releases the inflight slot reserved by Pick and feeds the
// health tracker with the send outcome.
func (r *Router) Complete(adapterID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, found := r.slots[adapterID]
	if !found {
		return
	}
	if s.inflight > 0 {
		s.inflight--
	}
	if ok {
		s.failures = 0
		s.health = HealthHealthy
		return
	}
	s.failures++
	switch {
	case s.failures >= downAfter:
		if s.health != HealthDown {
			s.health = HealthDown
			s.downAt = time.Now()
		}
	case s.failures >= degradeAfter:
		if s.health == HealthHealthy {
			s.health = HealthDegraded
		}
	}
}

// SetHealth overrides an adapter's health, for operator control.
func (r *Router) SetHealth(adapterID string, h Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[adapterID]
	if !ok {
		return
	}
	s.health = h
	s.failures = 0
	if h == HealthDown {
		s.downAt = time.Now()
	}
}

// Status is a point-in-time view of one adapter slot.
type Status struct {
	ID       string `json:"id"`
	Health   string `json:"health"`
	Inflight int    `json:"inflight"`
	Max      int    `json:"max"`
	Priority int    `json:"priority"`
}

// Snapshot reports every registered adapter's state.
func (r *Router) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.slots))
	for id, s := range r.slots {
		out = append(out, Status{
			ID:       id,
			Health:   s.health.String(),
			Inflight: s.inflight,
			Max:      s.spec.MaxInflight,
			Priority: s.spec.Priority,
		})
	}
	return out
}
