package core

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/idem"
	"main/internal/obs"
	"main/internal/om"
	"main/internal/risk"
	"main/internal/router"
	"main/internal/schema"
	"main/pkg/exception"
)

// SubmitRequest is a validated, scaled submission. Qty and Price are
// already in the symbol's integer scale.
type SubmitRequest struct {
	ClientID       string
	ClientOrderID  string
	IdempotencyKey string
	Symbol         string
	Side           schema.Side
	Type           schema.OrderType
	TimeInForce    schema.TimeInForce
	Qty            schema.Quantity
	Price          schema.Price
	HasPrice       bool
}

// SubmitResult reports where the submission landed. Duplicate means the
// idempotency index collapsed this request onto an earlier order.
type SubmitResult struct {
	OrderID   string
	Duplicate bool
	State     om.State
	Reason    string
}

// Submit runs the synchronous half of the pipeline: dedup, the submitted
// and validated events, the risk decision and adapter selection. The wire
// send happens on a separate goroutine after the stripe is released.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	started := time.Now()
	if err := s.validate(req); err != nil {
		return SubmitResult{}, err
	}

	key := idem.Key{ClientID: req.ClientID, ClientOrderID: req.ClientOrderID}
	if key.ClientOrderID == "" {
		key.ClientOrderID = req.IdempotencyKey
	}

	orderID := obs.NewCorrelationID()
	rsv, err := s.index.Reserve(ctx, key, orderID, started)
	if err != nil {
		return SubmitResult{}, err
	}
	if rsv.Existing {
		existing, ok := s.machine.Order(rsv.OrderID)
		if !ok {
			// the key is bound but no event chain exists, so the
			// original submission never persisted; replaying it as a
			// success would acknowledge an order that is not on the log
			return SubmitResult{}, errors.Wrapf(exception.ErrStoreUnavailable,
				"idempotency key bound to %s with no events", rsv.OrderID)
		}
		if s.metrics != nil {
			s.metrics.DuplicatesTotal.Inc()
		}
		return SubmitResult{OrderID: rsv.OrderID, Duplicate: true, State: existing.State}, nil
	}

	mu := s.locks.lock(orderID)
	result, adapter, order, err := s.decide(ctx, orderID, req)
	mu.Unlock()
	if err != nil {
		if _, ok := s.machine.Order(orderID); !ok {
			// nothing landed on the log; unbind so a retry can win
			if rerr := s.index.Release(ctx, key, orderID); rerr != nil {
				logs.Errorf("release idempotency key order=%s, err: %+v", orderID, rerr)
			}
		}
		return SubmitResult{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveSubmit(time.Since(started))
	}

	if adapter != nil {
		go s.dispatch(adapter, order)
	}
	return result, nil
}

func (s *Service) validate(req SubmitRequest) error {
	switch {
	case req.ClientID == "":
		return errors.Wrap(exception.ErrValidation, "clientId is required")
	case req.ClientOrderID == "" && req.IdempotencyKey == "":
		return errors.Wrap(exception.ErrValidation, "clientOrderId or idempotency key is required")
	case req.Side == schema.SideUnknown:
		return errors.Wrap(exception.ErrValidation, "side must be buy or sell")
	case req.Type == schema.OrderTypeUnknown:
		return errors.Wrap(exception.ErrValidation, "unknown order type")
	case req.Qty <= 0:
		return errors.Wrap(exception.ErrValidation, "qty must be positive")
	case req.Type == schema.OrderTypeLimit && (!req.HasPrice || req.Price <= 0):
		return errors.Wrap(exception.ErrValidation, "limit order requires a price")
	case req.Type == schema.OrderTypeMarket && req.HasPrice:
		return errors.Wrap(exception.ErrValidation, "market order must not carry a price")
	}
	if _, ok := s.registry.Symbol(req.Symbol); !ok {
		return errors.Wrapf(exception.ErrUnknownSymbol, "%s", req.Symbol)
	}
	return nil
}

// decide appends the synchronous event chain under the held stripe and
// returns the adapter to send on, nil when the order stopped short of
// routing.
func (s *Service) decide(ctx context.Context, orderID string, req SubmitRequest) (SubmitResult, router.Adapter, om.Order, error) {
	submitted := schema.OrderSubmitted{
		ClientOrderID:  req.ClientOrderID,
		ClientID:       req.ClientID,
		IdempotencyKey: req.IdempotencyKey,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		TimeInForce:    req.TimeInForce,
		Qty:            req.Qty,
		Price:          req.Price,
		HasPrice:       req.HasPrice,
	}
	if _, err := s.appendLocked(ctx, orderID, schema.EventOrderSubmitted, submitted); err != nil {
		return SubmitResult{}, nil, om.Order{}, err
	}
	if _, err := s.appendLocked(ctx, orderID, schema.EventOrderValidated, schema.OrderValidated{}); err != nil {
		return SubmitResult{}, nil, om.Order{}, err
	}

	refPrice := s.referencePrice(req.Symbol)
	price := req.Price
	if !req.HasPrice {
		price = refPrice
	}
	decision := s.risk.Evaluate(risk.Candidate{
		OrderID:  orderID,
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Qty:      req.Qty,
		Price:    req.Price,
		HasPrice: req.HasPrice,
		Notional: s.notional(req.Symbol, req.Qty, price),
	}, refPrice, time.Now())

	evaluated := schema.RiskEvaluated{
		Approved:      decision.Approved,
		Reason:        decision.Reason,
		Checks:        decision.Checks,
		PolicyVersion: decision.PolicyVersion,
	}
	order, err := s.appendLocked(ctx, orderID, schema.EventRiskEvaluated, evaluated)
	if err != nil {
		decision.Reservation.Release()
		return SubmitResult{}, nil, om.Order{}, err
	}
	if !decision.Approved {
		if s.metrics != nil {
			s.metrics.RiskRejects.WithLabelValues(decision.Reason).Inc()
		}
		return SubmitResult{OrderID: orderID, State: order.State, Reason: decision.Reason}, nil, om.Order{}, nil
	}
	s.holdReservation(orderID, decision.Reservation)

	adapter, err := s.router.Pick(req.Symbol)
	if err == nil && s.metrics != nil {
		s.metrics.AdapterInflight.WithLabelValues(adapter.ID()).Inc()
	}
	if err != nil {
		order, ferr := s.appendLocked(ctx, orderID, schema.EventOrderFailed, schema.OrderFailed{
			Code:   "routing_failure",
			Reason: err.Error(),
		})
		if ferr != nil {
			return SubmitResult{}, nil, om.Order{}, ferr
		}
		return SubmitResult{OrderID: orderID, State: order.State, Reason: "routing_failure"}, nil, om.Order{}, nil
	}

	order, err = s.appendLocked(ctx, orderID, schema.EventOrderRouted, schema.OrderRouted{AdapterID: adapter.ID()})
	if err != nil {
		s.completeSend(adapter.ID(), true)
		return SubmitResult{}, nil, om.Order{}, err
	}
	return SubmitResult{OrderID: orderID, State: order.State}, adapter, order, nil
}

// completeSend releases the inflight slot reserved by Pick and keeps the
// inflight gauge in step with the router's own accounting.
func (s *Service) completeSend(adapterID string, ok bool) {
	s.router.Complete(adapterID, ok)
	if s.metrics != nil {
		s.metrics.AdapterInflight.WithLabelValues(adapterID).Dec()
	}
}

// dispatch performs the wire send for a routed order. It owns the inflight
// slot reserved by Pick and re-takes the stripe for each append.
func (s *Service) dispatch(adapter router.Adapter, order om.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	mu := s.locks.lock(order.ID)
	_, err := s.appendLocked(ctx, order.ID, schema.EventOrderSent, schema.OrderSent{AdapterID: adapter.ID()})
	mu.Unlock()
	if err != nil {
		s.completeSend(adapter.ID(), true)
		logs.Errorf("mark sent order=%s, err: %+v", order.ID, err)
		return
	}

	started := time.Now()
	ack, err := adapter.Send(ctx, router.Request{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Type:        order.Type,
		TimeInForce: order.TimeInForce,
		Qty:         order.Qty,
		Price:       order.Price,
		HasPrice:    order.HasPrice,
	})
	if s.metrics != nil {
		s.metrics.AdapterSend.WithLabelValues(adapter.ID()).Observe(time.Since(started).Seconds())
	}
	s.completeSend(adapter.ID(), err == nil)

	mu = s.locks.lock(order.ID)
	defer mu.Unlock()

	switch {
	case err != nil:
		if _, aerr := s.appendLocked(ctx, order.ID, schema.EventOrderFailed, schema.OrderFailed{
			Code:   "send_failure",
			Reason: err.Error(),
		}); aerr != nil {
			logs.Errorf("mark failed order=%s, err: %+v", order.ID, aerr)
		}

	case !ack.Accepted:
		if _, aerr := s.appendLocked(ctx, order.ID, schema.EventOrderRejected, schema.OrderRejected{
			Code:   "broker_reject",
			Reason: ack.Reason,
		}); aerr != nil {
			logs.Errorf("mark rejected order=%s, err: %+v", order.ID, aerr)
		}

	default:
		s.recon.BindBroker(ack.BrokerOrderID, order.ID)
		if _, aerr := s.appendLocked(ctx, order.ID, schema.EventBrokerAck, schema.BrokerAck{
			AdapterID:     adapter.ID(),
			BrokerOrderID: ack.BrokerOrderID,
		}); aerr != nil {
			logs.Errorf("mark acked order=%s, err: %+v", order.ID, aerr)
		}
	}
}

// Cancel moves an order to CANCELLED. Orders already on the wire get a
// broker cancel first; the terminal event lands only after the broker
// accepted it.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (om.Order, error) {
	order, ok := s.machine.Order(orderID)
	if !ok {
		return om.Order{}, errors.Wrapf(exception.ErrUnknownOrder, "%s", orderID)
	}
	if order.State.IsTerminal() {
		return order, errors.Wrapf(exception.ErrOrderTerminal, "%s is %s", orderID, order.State)
	}

	// wire cancel outside the stripe, on the connector holding the order
	if order.AdapterID != "" && order.BrokerOrderID != "" {
		adapter, ok := s.router.AdapterByID(order.AdapterID)
		if ok {
			if err := adapter.Cancel(ctx, orderID, order.BrokerOrderID); err != nil {
				return order, errors.Wrap(err, "broker cancel")
			}
		}
	}

	mu := s.locks.lock(orderID)
	defer mu.Unlock()

	cur, ok := s.machine.Order(orderID)
	if !ok || cur.State.IsTerminal() {
		return cur, errors.Wrapf(exception.ErrOrderTerminal, "%s", orderID)
	}
	return s.appendLocked(ctx, orderID, schema.EventOrderCancelled, schema.OrderCancelled{
		Reason:       reason,
		RemainingQty: cur.RemainingQty,
	})
}
