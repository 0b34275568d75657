package router

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"main/internal/schema"
	"main/pkg/exception"
)

// SimAdapter is an in-process paper broker. It acks every order with a
// generated broker order id and, when wired with a report callback, emits
// a full fill after a configurable latency. Disconnect makes every call
// fail, for exercising routing failover.
type SimAdapter struct {
	id      string
	latency time.Duration

	mu        sync.Mutex
	connected bool
	rejectPct int
	rng       *rand.Rand
	seq       map[string]uint64

	// onReport receives simulated execution reports, keyed by the
	// internal order id the report belongs to.
	onReport func(orderID string, rep schema.ExecutionReport)
}

// NewSimAdapter creates a connected paper adapter.
func NewSimAdapter(id string, latency time.Duration) *SimAdapter {
	return &SimAdapter{
		id:        id,
		latency:   latency,
		connected: true,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		seq:       make(map[string]uint64),
	}
}

// OnReport installs the execution report sink.
func (a *SimAdapter) OnReport(fn func(orderID string, rep schema.ExecutionReport)) {
	a.mu.Lock()
	a.onReport = fn
	a.mu.Unlock()
}

// SetRejectPercent makes the given share of sends come back rejected.
func (a *SimAdapter) SetRejectPercent(pct int) {
	a.mu.Lock()
	a.rejectPct = pct
	a.mu.Unlock()
}

// SetConnected toggles the simulated link.
func (a *SimAdapter) SetConnected(on bool) {
	a.mu.Lock()
	a.connected = on
	a.mu.Unlock()
}

func (a *SimAdapter) ID() string { return a.id }

// Send acks the order and schedules a fill report.
func (a *SimAdapter) Send(ctx context.Context, req Request) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return Ack{}, exception.ErrRoutingFailure
	}
	if a.rejectPct > 0 && a.rng.Intn(100) < a.rejectPct {
		a.mu.Unlock()
		return Ack{Accepted: false, Reason: "rejected by venue"}, nil
	}
	brokerID := ulid.Make().String()
	sink := a.onReport
	a.mu.Unlock()

	if sink != nil {
		go a.fillAfter(req, brokerID, sink)
	}
	return Ack{BrokerOrderID: brokerID, Accepted: true}, nil
}

// Cancel acks any known order; the paper venue holds no book so there is
// nothing to unwind.
func (a *SimAdapter) Cancel(ctx context.Context, orderID, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return exception.ErrRoutingFailure
	}
	return nil
}

func (a *SimAdapter) fillAfter(req Request, brokerID string, sink func(string, schema.ExecutionReport)) {
	time.Sleep(a.latency)

	a.mu.Lock()
	a.seq[req.OrderID]++
	seq := a.seq[req.OrderID]
	a.mu.Unlock()

	price := req.Price
	if !req.HasPrice {
		price = 0
	}
	sink(req.OrderID, schema.ExecutionReport{
		BrokerOrderID: brokerID,
		TradeID:       ulid.Make().String(),
		Sequence:      seq,
		FillQty:       req.Qty,
		Price:         price,
		LeavesQty:     0,
	})
}
