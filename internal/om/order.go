package om

import (
	"fmt"

	"github.com/yanun0323/errors"

	"main/internal/codec"
	"main/internal/schema"
	"main/pkg/exception"
)

// Order is the materialized view of one order stream. It is a cache; the
// authoritative representation is always a replay of the stream from empty.
type Order struct {
	ID            string
	ClientOrderID string
	ClientID      string
	Symbol        string
	Side          schema.Side
	Type          schema.OrderType
	TimeInForce   schema.TimeInForce
	Qty           schema.Quantity
	Price         schema.Price
	HasPrice      bool

	State         State
	FilledQty     schema.Quantity
	RemainingQty  schema.Quantity
	AdapterID     string
	BrokerOrderID string
	LastExecSeq   uint64
	CreatedAt     int64
	UpdatedAt     int64

	// Version is the number of events applied, used as the expected
	// version for optimistic appends.
	Version uint64
}

// Apply folds one event into the order. It mutates the receiver only when
// the transition is legal and returns exception.ErrInvalidTransition
// otherwise, leaving the order untouched.
func (o *Order) Apply(ev schema.Event) error {
	next, err := transition(o.State, ev.Kind)
	if err != nil {
		return err
	}

	switch ev.Kind {
	case schema.EventOrderSubmitted:
		var p schema.OrderSubmitted
		if err := codec.Decode(ev, &p); err != nil {
			return err
		}
		o.ID = ev.OrderID
		o.ClientOrderID = p.ClientOrderID
		o.ClientID = p.ClientID
		o.Symbol = p.Symbol
		o.Side = p.Side
		o.Type = p.Type
		o.TimeInForce = p.TimeInForce
		o.Qty = p.Qty
		o.Price = p.Price
		o.HasPrice = p.HasPrice
		o.RemainingQty = p.Qty
		o.CreatedAt = ev.At

	case schema.EventRiskEvaluated:
		var p schema.RiskEvaluated
		if err := codec.Decode(ev, &p); err != nil {
			return err
		}
		if !p.Approved {
			next = StateRiskBlocked
		}

	case schema.EventOrderRouted:
		var p schema.OrderRouted
		if err := codec.Decode(ev, &p); err != nil {
			return err
		}
		o.AdapterID = p.AdapterID

	case schema.EventBrokerAck:
		var p schema.BrokerAck
		if err := codec.Decode(ev, &p); err != nil {
			return err
		}
		o.BrokerOrderID = p.BrokerOrderID

	case schema.EventExecutionReport:
		var p schema.ExecutionReport
		if err := codec.Decode(ev, &p); err != nil {
			return err
		}
		if p.FillQty <= 0 || p.FillQty > o.RemainingQty {
			return errors.Wrap(exception.ErrInvalidFill,
				fmt.Sprintf("order %s fill %d remaining %d", o.ID, p.FillQty, o.RemainingQty))
		}
		if o.BrokerOrderID == "" {
			o.BrokerOrderID = p.BrokerOrderID
		}
		o.FilledQty += p.FillQty
		o.RemainingQty -= p.FillQty
		if p.Sequence > o.LastExecSeq {
			o.LastExecSeq = p.Sequence
		}
		if o.RemainingQty == 0 {
			next = StateFilled
		} else {
			next = StatePartFilled
		}
	}

	o.State = next
	o.UpdatedAt = ev.At
	o.Version++
	return nil
}

// Fold replays an event stream from empty and returns the derived order.
func Fold(events []schema.Event) (Order, error) {
	var o Order
	for _, ev := range events {
		if err := o.Apply(ev); err != nil {
			return Order{}, err
		}
	}
	return o, nil
}

// transition computes the next state for an event kind, before payload
// interpretation refines it (risk outcome, terminal fill).
func transition(cur State, kind schema.EventKind) (State, error) {
	switch kind {
	case schema.EventOrderSubmitted:
		if cur == StateUnknown {
			return StateReceived, nil
		}
	case schema.EventOrderValidated:
		if cur == StateReceived {
			return StateValidated, nil
		}
	case schema.EventRiskEvaluated:
		if cur == StateValidated {
			return StateRiskCheckPassed, nil
		}
	case schema.EventOrderRouted:
		if cur == StateRiskCheckPassed {
			return StateRouted, nil
		}
	case schema.EventOrderSent:
		if cur == StateRouted {
			return StateSent, nil
		}
	case schema.EventBrokerAck:
		if cur == StateSent {
			return StateAcked, nil
		}
		// ack racing behind an implicit-ack fill keeps the fill state
		if cur == StatePartFilled {
			return StatePartFilled, nil
		}
	case schema.EventExecutionReport:
		// a report straight from SENT is an implicit ack
		if cur == StateSent || cur == StateAcked || cur == StatePartFilled {
			return StatePartFilled, nil
		}
	case schema.EventOrderRejected:
		if cur == StateSent || cur == StateAcked {
			return StateRejected, nil
		}
	case schema.EventOrderCancelled:
		if !cur.IsTerminal() && cur != StateUnknown {
			return StateCancelled, nil
		}
	case schema.EventOrderExpired:
		if cur == StateSent || cur == StateAcked || cur == StatePartFilled {
			return StateExpired, nil
		}
	case schema.EventOrderFailed:
		if !cur.IsTerminal() && cur != StateUnknown {
			return StateFailed, nil
		}
	case schema.EventReconciliationException:
		// Exceptions attach to any stream without moving the order.
		if cur != StateUnknown {
			return cur, nil
		}
	}
	return cur, errors.Wrap(exception.ErrInvalidTransition,
		fmt.Sprintf("%s on %s", kind, cur))
}
