package recon

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/om"
	"main/internal/policy"
	"main/internal/schema"
	"main/pkg/exception"
)

// Sink is how the engine lands its conclusions back on the event log. The
// implementation owns per-order locking and optimistic appends.
type Sink interface {
	// ApplyReport appends an execution report event to the order stream.
	ApplyReport(ctx context.Context, orderID string, rep schema.ExecutionReport) error
	// FailOrder moves an order to FAILED with the given reason code.
	FailOrder(ctx context.Context, orderID, code, reason string) error
	// RaiseException records a reconciliation exception. orderID may be
	// empty for exceptions that match no order.
	RaiseException(ctx context.Context, orderID string, ex schema.ReconciliationException) error
	// FilledVolume sums executed quantity per symbol from reports landed
	// within [from, to).
	FilledVolume(ctx context.Context, from, to time.Time) (map[string]schema.Quantity, error)
}

// InboundReport is a broker report before it has been tied to an order.
// OrderID is set when the adapter echoes our id; otherwise resolution falls
// back to the broker order id index and then to fuzzy matching.
type InboundReport struct {
	OrderID       string
	BrokerOrderID string
	Symbol        string
	Report        schema.ExecutionReport
	At            time.Time
}

// Engine ties broker execution reports back to the order ledger: resolves
// which order a report belongs to, enforces per-order report ordering with
// a bounded reorder buffer, and raises exceptions for everything that does
// not line up.
type Engine struct {
	machine *om.Machine
	policy  *policy.Store
	sink    Sink

	mu sync.Mutex
	// brokers maps broker order id to internal order id; pending holds
	// out-of-order reports per order; trades holds applied trade ids for
	// reports that carry no sequence.
	brokers map[string]string
	pending map[string][]schema.ExecutionReport
	trades  map[string]map[string]struct{}
}

// NewEngine creates a reconciliation engine over the materialized cache.
func NewEngine(machine *om.Machine, store *policy.Store, sink Sink) *Engine {
	return &Engine{
		machine: machine,
		policy:  store,
		sink:    sink,
		brokers: make(map[string]string),
		pending: make(map[string][]schema.ExecutionReport),
		trades:  make(map[string]map[string]struct{}),
	}
}

// NoteTrade records an applied trade id so redelivered unsequenced reports
// stay no-ops. Also used to reseed the dedup set from the log on restart.
func (e *Engine) NoteTrade(orderID, tradeID string) {
	if tradeID == "" {
		return
	}
	e.mu.Lock()
	set := e.trades[orderID]
	if set == nil {
		set = make(map[string]struct{})
		e.trades[orderID] = set
	}
	set[tradeID] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) tradeSeen(orderID, tradeID string) bool {
	if tradeID == "" {
		return false
	}
	e.mu.Lock()
	_, ok := e.trades[orderID][tradeID]
	e.mu.Unlock()
	return ok
}

// BindBroker records the broker order id learned from an ack.
func (e *Engine) BindBroker(brokerOrderID, orderID string) {
	if brokerOrderID == "" {
		return
	}
	e.mu.Lock()
	e.brokers[brokerOrderID] = orderID
	e.mu.Unlock()
}

// ResolveBroker looks up the order bound to a broker order id.
func (e *Engine) ResolveBroker(brokerOrderID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.brokers[brokerOrderID]
	return id, ok
}

// OnReport processes one inbound broker report. Duplicates are dropped,
// gaps are buffered up to the reorder window, and reports that resolve to
// no order raise an orphan exception instead of failing.
func (e *Engine) OnReport(ctx context.Context, in InboundReport) error {
	orderID, err := e.resolve(ctx, in)
	if err != nil || orderID == "" {
		return err
	}
	if in.Report.BrokerOrderID == "" {
		in.Report.BrokerOrderID = in.BrokerOrderID
	}
	return e.sequence(ctx, orderID, in.Report)
}

// resolve decides which order the report belongs to. An empty order id with
// a nil error means the report ended as an exception.
func (e *Engine) resolve(ctx context.Context, in InboundReport) (string, error) {
	if in.OrderID != "" {
		if _, ok := e.machine.Order(in.OrderID); ok {
			return in.OrderID, nil
		}
	}
	if in.BrokerOrderID != "" {
		if id, ok := e.ResolveBroker(in.BrokerOrderID); ok {
			return id, nil
		}
	}

	if id, ok := e.fuzzyMatch(in); ok {
		logs.Infof("fuzzy matched report broker=%s to order=%s", in.BrokerOrderID, id)
		e.BindBroker(in.BrokerOrderID, id)
		return id, nil
	}

	return "", e.sink.RaiseException(ctx, "", schema.ReconciliationException{
		Kind:          schema.ExceptionOrphanFill,
		Detail:        "report matches no order",
		Symbol:        in.Symbol,
		BrokerOrderID: in.BrokerOrderID,
		Qty:           in.Report.FillQty,
	})
}

// fuzzyMatch finds the single in-flight order the report could belong to:
// same symbol, fill quantity within tolerance of the remaining quantity,
// order touched within the match window. Ambiguity counts as no match.
func (e *Engine) fuzzyMatch(in InboundReport) (string, bool) {
	limits := e.policy.Snapshot().Limits
	cutoff := in.At.Add(-limits.MatchWindow).UnixNano()

	var found string
	var dup bool
	e.machine.Range(func(o om.Order) bool {
		if o.Symbol != in.Symbol || o.State.IsTerminal() {
			return true
		}
		switch o.State {
		case om.StateSent, om.StateAcked, om.StatePartFilled:
		default:
			return true
		}
		if o.UpdatedAt < cutoff {
			return true
		}
		diff := o.RemainingQty - in.Report.FillQty
		if diff < 0 {
			diff = -diff
		}
		if diff > limits.QtyTolerance {
			return true
		}
		if found != "" {
			dup = true
			return false
		}
		found = o.ID
		return true
	})
	if found == "" || dup {
		return "", false
	}
	return found, true
}

// sequence enforces the per-order report order using the last applied
// sequence as the watermark. In-order reports apply immediately and drain
// the buffer; future reports wait in a bounded buffer; past reports are
// duplicates and drop silently. Reports without a sequence apply directly,
// deduplicated by trade id.
func (e *Engine) sequence(ctx context.Context, orderID string, rep schema.ExecutionReport) error {
	o, ok := e.machine.Order(orderID)
	if !ok {
		return errors.Wrapf(exception.ErrUnknownOrder, "%s", orderID)
	}

	if rep.Sequence == 0 {
		if e.tradeSeen(orderID, rep.TradeID) {
			return nil
		}
		if err := e.apply(ctx, orderID, rep); err != nil {
			return err
		}
		e.NoteTrade(orderID, rep.TradeID)
		return nil
	}

	switch {
	case rep.Sequence <= o.LastExecSeq:
		// at or below the watermark: a redelivery, already applied
		return nil

	case rep.Sequence > o.LastExecSeq+1:
		return e.buffer(ctx, orderID, rep)
	}

	if err := e.apply(ctx, orderID, rep); err != nil {
		return err
	}
	return e.drain(ctx, orderID)
}

func (e *Engine) buffer(ctx context.Context, orderID string, rep schema.ExecutionReport) error {
	limit := e.policy.Snapshot().Limits.ReorderWindow
	e.mu.Lock()
	buf := e.pending[orderID]
	for _, b := range buf {
		if b.Sequence == rep.Sequence {
			e.mu.Unlock()
			return nil
		}
	}
	overflow := limit > 0 && len(buf) >= limit
	if !overflow {
		e.pending[orderID] = append(buf, rep)
	}
	e.mu.Unlock()

	if overflow {
		return e.sink.RaiseException(ctx, orderID, schema.ReconciliationException{
			Kind:          schema.ExceptionUnmatchedQty,
			Detail:        "reorder buffer overflow, report dropped",
			BrokerOrderID: rep.BrokerOrderID,
			Qty:           rep.FillQty,
		})
	}
	return nil
}

// drain flushes buffered reports that have become in-order.
func (e *Engine) drain(ctx context.Context, orderID string) error {
	for {
		o, ok := e.machine.Order(orderID)
		if !ok {
			return nil
		}

		e.mu.Lock()
		buf := e.pending[orderID]
		next := -1
		for i, b := range buf {
			if b.Sequence == o.LastExecSeq+1 {
				next = i
				break
			}
		}
		if next < 0 {
			if len(buf) == 0 {
				delete(e.pending, orderID)
			}
			e.mu.Unlock()
			return nil
		}
		rep := buf[next]
		e.pending[orderID] = append(buf[:next], buf[next+1:]...)
		e.mu.Unlock()

		if err := e.apply(ctx, orderID, rep); err != nil {
			return err
		}
	}
}

// apply lands one in-order report, downgrading fill-invariant violations to
// exceptions so a bad report never wedges the stream.
func (e *Engine) apply(ctx context.Context, orderID string, rep schema.ExecutionReport) error {
	err := e.sink.ApplyReport(ctx, orderID, rep)
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, exception.ErrInvalidFill):
		return e.sink.RaiseException(ctx, orderID, schema.ReconciliationException{
			Kind:          schema.ExceptionUnmatchedQty,
			Detail:        "fill exceeds remaining quantity",
			BrokerOrderID: rep.BrokerOrderID,
			Qty:           rep.FillQty,
		})
	case stderrors.Is(err, exception.ErrInvalidTransition):
		return e.sink.RaiseException(ctx, orderID, schema.ReconciliationException{
			Kind:          schema.ExceptionBadTransition,
			Detail:        "report arrived in incompatible state",
			BrokerOrderID: rep.BrokerOrderID,
			Qty:           rep.FillQty,
		})
	default:
		return err
	}
}
