package om

import (
	"context"
	"sync"

	"main/internal/eventstore"
	"main/internal/schema"
)

// Machine holds the materialized order cache. Per-order write serialization
// is the caller's responsibility; the machine only guards its map.
type Machine struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMachine creates an empty machine.
func NewMachine() *Machine {
	return &Machine{orders: make(map[string]*Order)}
}

// Order returns a copy of the cached order.
func (m *Machine) Order(id string) (Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Version returns the event count of the cached order, 0 when unknown.
func (m *Machine) Version(id string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[id]; ok {
		return o.Version
	}
	return 0
}

// Apply folds one appended event into the cache.
func (m *Machine) Apply(ev schema.Event) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[ev.OrderID]
	if !ok {
		o = &Order{}
		m.orders[ev.OrderID] = o
	}
	if err := o.Apply(ev); err != nil {
		if o.Version == 0 {
			delete(m.orders, ev.OrderID)
		}
		return Order{}, err
	}
	return *o, nil
}

// Range calls fn with a copy of every cached order until fn returns false.
func (m *Machine) Range(fn func(Order) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if !fn(*o) {
			return
		}
	}
}

// Count returns the number of cached orders.
func (m *Machine) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

// Rebuild discards the cache and re-derives every order from the store.
// Replay is deterministic: re-processing an event stream always converges
// on the same materialized state.
func (m *Machine) Rebuild(ctx context.Context, store *eventstore.Store) (uint64, error) {
	m.mu.Lock()
	m.orders = make(map[string]*Order)
	m.mu.Unlock()

	var since uint64
	for {
		batch, err := store.ReadSince(ctx, since, 1024)
		if err != nil {
			return since, err
		}
		if len(batch) == 0 {
			return since, nil
		}
		for _, ev := range batch {
			since = ev.StoreSeq
			if ev.OrderID == schema.PolicyStream || ev.OrderID == schema.ReconStream {
				continue
			}
			if _, err := m.Apply(ev); err != nil {
				return since, err
			}
		}
	}
}
