package core

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/codec"
	"main/internal/om"
	"main/internal/recon"
	"main/internal/schema"
	"main/pkg/exception"
)

// The service is the reconciliation engine's sink: recon decides what an
// inbound report means, the service owns landing it on the log.
var _ recon.Sink = (*Service)(nil)

// ApplyReport appends one in-order execution report to the order stream.
func (s *Service) ApplyReport(ctx context.Context, orderID string, rep schema.ExecutionReport) error {
	mu := s.locks.lock(orderID)
	defer mu.Unlock()

	o, ok := s.machine.Order(orderID)
	if !ok {
		return errors.Wrapf(exception.ErrUnknownOrder, "%s", orderID)
	}
	// recon screens sequences against a cache snapshot taken outside this
	// stripe; the authoritative watermark check happens here, under it
	if rep.Sequence > 0 && rep.Sequence <= o.LastExecSeq {
		return nil
	}
	_, err := s.appendLocked(ctx, orderID, schema.EventExecutionReport, rep)
	return err
}

// FailOrder moves a non-terminal order to FAILED.
func (s *Service) FailOrder(ctx context.Context, orderID, code, reason string) error {
	mu := s.locks.lock(orderID)
	defer mu.Unlock()

	order, ok := s.machine.Order(orderID)
	if !ok {
		return errors.Wrapf(exception.ErrUnknownOrder, "%s", orderID)
	}
	if order.State.IsTerminal() {
		return nil
	}
	_, err := s.appendLocked(ctx, orderID, schema.EventOrderFailed, schema.OrderFailed{
		Code:   code,
		Reason: reason,
	})
	return err
}

// RaiseException records a reconciliation exception, on the order's own
// stream when one is known and on the reserved exception stream otherwise.
func (s *Service) RaiseException(ctx context.Context, orderID string, ex schema.ReconciliationException) error {
	if s.metrics != nil {
		s.metrics.ExceptionsTotal.WithLabelValues(string(ex.Kind)).Inc()
	}
	logs.Errorf("recon exception kind=%s order=%s detail=%s", ex.Kind, orderID, ex.Detail)

	if orderID == "" {
		return s.appendReserved(ctx, schema.ReconStream, schema.EventReconciliationException, ex)
	}

	mu := s.locks.lock(orderID)
	defer mu.Unlock()
	if _, ok := s.machine.Order(orderID); !ok {
		return errors.Wrapf(exception.ErrUnknownOrder, "%s", orderID)
	}
	_, err := s.appendLocked(ctx, orderID, schema.EventReconciliationException, ex)
	return err
}

// appendReserved lands events on the streams that bypass the order cache.
// Reserved streams take stripes from their own table, never from the order
// stripes a caller may already hold.
func (s *Service) appendReserved(ctx context.Context, stream string, kind schema.EventKind, payload any) error {
	mu := s.reserved.lock(stream)
	defer mu.Unlock()

	body, err := codec.Encode(payload)
	if err != nil {
		return err
	}
	version, err := s.store.OrderVersion(ctx, stream)
	if err != nil {
		return err
	}
	ev := schema.NewEvent(kind, stream, time.Now().UnixNano(), body)
	appended, err := s.store.Append(ctx, ev, version)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ObserveEvent(appended)
	}
	if dropped := s.fanout.Publish(appended); dropped > 0 && s.metrics != nil {
		s.metrics.FanoutDrops.Add(float64(dropped))
	}
	return nil
}

// OnExecutionReport feeds one inbound broker report into reconciliation.
func (s *Service) OnExecutionReport(ctx context.Context, in recon.InboundReport) error {
	if in.At.IsZero() {
		in.At = time.Now()
	}
	return s.recon.OnReport(ctx, in)
}

// EndOfDay runs the statement comparison.
func (s *Service) EndOfDay(ctx context.Context, stmt recon.Statement) error {
	return s.recon.EndOfDay(ctx, stmt)
}

// FilledVolume sums executed quantity per symbol from reports landed in
// [from, to), derived from the log rather than the all-time order cache.
func (s *Service) FilledVolume(ctx context.Context, from, to time.Time) (map[string]schema.Quantity, error) {
	out := make(map[string]schema.Quantity)
	var cursor uint64
	for {
		batch, err := s.store.ReadSince(ctx, cursor, 1024)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return out, nil
		}
		for _, ev := range batch {
			cursor = ev.StoreSeq
			if ev.Kind != schema.EventExecutionReport {
				continue
			}
			if ev.At < from.UnixNano() || ev.At >= to.UnixNano() {
				continue
			}
			var rep schema.ExecutionReport
			if derr := codec.Decode(ev, &rep); derr != nil {
				return nil, derr
			}
			if o, ok := s.machine.Order(ev.OrderID); ok {
				out[o.Symbol] += rep.FillQty
			}
		}
	}
}

// RunSweeper periodically fails orders stuck in SENT past the ack SLA.
func (s *Service) RunSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			failed, err := s.recon.SweepSLA(ctx, now)
			if err != nil {
				logs.Errorf("sla sweep, err: %+v", err)
			} else if failed > 0 {
				logs.Infof("sla sweep failed %d orders", failed)
			}
		}
	}
}

// SimReportSink adapts the service into the callback shape in-process
// adapters use for execution reports.
func SimReportSink(ctx context.Context, s *Service) func(orderID string, rep schema.ExecutionReport) {
	return func(orderID string, rep schema.ExecutionReport) {
		err := s.OnExecutionReport(ctx, recon.InboundReport{
			OrderID:       orderID,
			BrokerOrderID: rep.BrokerOrderID,
			Report:        rep,
			At:            time.Now(),
		})
		if err != nil {
			logs.Errorf("apply simulated report order=%s, err: %+v", orderID, err)
		}
	}
}

// Exceptions lists recorded reconciliation exceptions, newest last.
func (s *Service) Exceptions(ctx context.Context) ([]schema.ReconciliationException, error) {
	events, err := s.store.ReadOrder(ctx, schema.ReconStream)
	if err != nil {
		return nil, err
	}
	out := make([]schema.ReconciliationException, 0, len(events))
	for _, ev := range events {
		if ev.Kind != schema.EventReconciliationException {
			continue
		}
		var ex schema.ReconciliationException
		if derr := codec.Decode(ev, &ex); derr != nil {
			return nil, derr
		}
		out = append(out, ex)
	}
	return out, nil
}

// OpenOrders lists every non-terminal order.
func (s *Service) OpenOrders() []om.Order {
	var out []om.Order
	s.machine.Range(func(o om.Order) bool {
		if !o.State.IsTerminal() {
			out = append(out, o)
		}
		return true
	})
	return out
}
