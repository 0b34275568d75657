package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/om"
	"main/internal/schema"
	"main/pkg/exception"
)

// SweepSLA fails every order that has sat in SENT past the ack SLA and
// records a stale-order exception for each. Returns the number of orders
// failed.
func (e *Engine) SweepSLA(ctx context.Context, now time.Time) (int, error) {
	sla := e.policy.Snapshot().Limits.AckSLA
	if sla <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-sla).UnixNano()

	var stale []om.Order
	e.machine.Range(func(o om.Order) bool {
		if o.State == om.StateSent && o.UpdatedAt > 0 && o.UpdatedAt < cutoff {
			stale = append(stale, o)
		}
		return true
	})

	for _, o := range stale {
		logs.Infof("ack sla breached, failing order=%s adapter=%s", o.ID, o.AdapterID)
		if err := e.sink.FailOrder(ctx, o.ID, "ack_sla", "no broker response within sla"); err != nil {
			return 0, err
		}
		ex := schema.ReconciliationException{
			Kind:   schema.ExceptionStaleOrder,
			Detail: fmt.Sprintf("order stuck in SENT past %s", sla),
			Symbol: o.Symbol,
		}
		if err := e.sink.RaiseException(ctx, o.ID, ex); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// StatementLine is one symbol's executed volume on a broker statement.
type StatementLine struct {
	Symbol string          `json:"symbol"`
	Volume schema.Quantity `json:"volume"`
}

// Statement is the broker's end-of-day view of executed volume.
type Statement struct {
	Date  string          `json:"date"`
	Lines []StatementLine `json:"lines"`
}

// EndOfDay compares the broker statement against the ledger's executed
// volume per symbol on the statement's date. Drift beyond the configured
// threshold raises a volume-drift exception and trips the symbol circuit
// breaker; trading on the symbol stays halted until an operator clears it.
func (e *Engine) EndOfDay(ctx context.Context, stmt Statement) error {
	day, err := time.Parse("2006-01-02", stmt.Date)
	if err != nil {
		return errors.Wrapf(exception.ErrValidation, "statement date %q", stmt.Date)
	}
	limits := e.policy.Snapshot().Limits

	ledger, err := e.sink.FilledVolume(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		return err
	}

	for _, line := range stmt.Lines {
		ours := ledger[line.Symbol]
		diff := int64(ours - line.Volume)
		if diff < 0 {
			diff = -diff
		}
		if line.Volume == 0 && diff == 0 {
			continue
		}

		base := int64(line.Volume)
		if base == 0 {
			base = 1
		}
		driftBps := diff * 10_000 / base
		if driftBps <= limits.DriftThresholdBps {
			continue
		}

		logs.Errorf("statement drift symbol=%s ledger=%d broker=%d bps=%d",
			line.Symbol, ours, line.Volume, driftBps)
		ex := schema.ReconciliationException{
			Kind:   schema.ExceptionVolumeDrift,
			Detail: fmt.Sprintf("date=%s ledger=%d broker=%d drift=%dbps", stmt.Date, ours, line.Volume, driftBps),
			Symbol: line.Symbol,
			Qty:    schema.Quantity(diff),
		}
		if err := e.sink.RaiseException(ctx, "", ex); err != nil {
			return err
		}
		e.policy.TripBreaker("symbol", line.Symbol)
	}
	return nil
}
