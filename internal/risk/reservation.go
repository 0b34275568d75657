package risk

import (
	"sync"

	"main/internal/schema"
)

// Reservation is the capacity an approved order holds against the counters
// until the order reaches a terminal state. Settle applies fills and frees
// the remainder; Release frees everything.
type Reservation struct {
	once sync.Once

	engine   *Engine
	clientID string
	symbol   string

	qty      schema.Quantity
	notional schema.Notional
	margin   schema.Notional
	buy      bool
}

// Settle finalizes the reservation after the order went terminal. filledQty
// is the cumulative executed quantity; the unfilled remainder of the open
// notional and margin is released, the filled portion stays as exposure.
func (r *Reservation) Settle(filledQty schema.Quantity) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		if filledQty > r.qty {
			filledQty = r.qty
		}
		remaining := r.qty - filledQty

		var freedNotional, freedMargin schema.Notional
		if r.qty > 0 {
			freedNotional = schema.Notional(int64(r.notional) * int64(remaining) / int64(r.qty))
			freedMargin = schema.Notional(int64(r.margin) * int64(remaining) / int64(r.qty))
		}

		r.engine.settle(r, remaining, freedNotional, freedMargin)
	})
}

// Release frees the entire reservation, as if nothing filled.
func (r *Reservation) Release() {
	r.Settle(0)
}
