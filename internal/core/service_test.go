package core

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/eventstore"
	"main/internal/idem"
	"main/internal/om"
	"main/internal/policy"
	"main/internal/recon"
	"main/internal/router"
	"main/internal/schema"
	"main/pkg/exception"
)

type fixture struct {
	service *Service
	store   *eventstore.Store
	policy  *policy.Store
	router  *router.Router
	reg     *schema.Registry
	sim     *router.SimAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := eventstore.Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := schema.NewRegistry()
	require.NoError(t, reg.AddAdapter(schema.AdapterSpec{Name: "sim", Priority: 1, MaxInflight: 64}))
	require.NoError(t, reg.AddSymbol(schema.SymbolSpec{
		Name:     "AAPL",
		Scale:    schema.ScaleSpec{PriceScale: 2, QuantityScale: 0},
		Adapters: []string{"sim"},
	}))

	limits := policy.DefaultLimits()
	limits.AckSLA = time.Minute
	pol := policy.NewStore(limits)

	r := router.New(reg)
	sim := router.NewSimAdapter("sim", 10*time.Millisecond)
	require.NoError(t, r.Register(sim))

	service := NewService(Config{
		Store:       store,
		Index:       idem.NewSQLiteIndex(store.DB(), idem.DefaultTTL),
		Policy:      pol,
		Registry:    reg,
		Router:      r,
		SendTimeout: time.Second,
	})
	service.SetReferencePrice("AAPL", 15_000)

	return &fixture{service: service, store: store, policy: pol, router: r, reg: reg, sim: sim}
}

// wireFills connects the paper adapter's execution reports back into
// reconciliation, closing the loop from submit to fill.
func (f *fixture) wireFills(ctx context.Context) {
	f.sim.OnReport(SimReportSink(ctx, f.service))
}

func limitBuy(clientOrderID string, qty schema.Quantity, price schema.Price) SubmitRequest {
	return SubmitRequest{
		ClientID:      "acct-1",
		ClientOrderID: clientOrderID,
		Symbol:        "AAPL",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Qty:           qty,
		Price:         price,
		HasPrice:      true,
	}
}

func waitForState(t *testing.T, s *Service, orderID string, want om.State) om.Order {
	t.Helper()
	var got om.Order
	require.Eventually(t, func() bool {
		o, ok := s.Order(orderID)
		got = o
		return ok && o.State == want
	}, 2*time.Second, 5*time.Millisecond, "order %s never reached %s, last seen %s", orderID, want, got.State)
	return got
}

func TestSubmitToFilled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.wireFills(ctx)

	res, err := f.service.Submit(ctx, limitBuy("c-1", 100, 15_000))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, om.StateRouted, res.State)

	o := waitForState(t, f.service, res.OrderID, om.StateFilled)
	assert.Equal(t, schema.Quantity(100), o.FilledQty)
	assert.Zero(t, o.RemainingQty)
	assert.NotEmpty(t, o.BrokerOrderID)
	assert.Equal(t, "sim", o.AdapterID)

	events, err := f.service.Events(ctx, res.OrderID)
	require.NoError(t, err)
	kinds := make([]schema.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []schema.EventKind{
		schema.EventOrderSubmitted,
		schema.EventOrderValidated,
		schema.EventRiskEvaluated,
		schema.EventOrderRouted,
		schema.EventOrderSent,
		schema.EventBrokerAck,
		schema.EventExecutionReport,
	}, kinds)

	exes, err := f.service.Exceptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, exes)
}

func TestDuplicateSubmissionCollapses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.wireFills(ctx)

	first, err := f.service.Submit(ctx, limitBuy("c-dup", 100, 15_000))
	require.NoError(t, err)
	waitForState(t, f.service, first.OrderID, om.StateFilled)

	second, err := f.service.Submit(ctx, limitBuy("c-dup", 100, 15_000))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, om.StateFilled, second.State)

	assert.Equal(t, 1, f.service.Machine().Count())
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []struct {
		name string
		mut  func(*SubmitRequest)
	}{
		{"missing client", func(r *SubmitRequest) { r.ClientID = "" }},
		{"missing dedup key", func(r *SubmitRequest) { r.ClientOrderID = "" }},
		{"zero qty", func(r *SubmitRequest) { r.Qty = 0 }},
		{"limit without price", func(r *SubmitRequest) { r.HasPrice = false; r.Price = 0 }},
		{"market with price", func(r *SubmitRequest) { r.Type = schema.OrderTypeMarket }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := limitBuy("c-bad", 100, 15_000)
			tc.mut(&req)
			_, err := f.service.Submit(ctx, req)
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, exception.ErrValidation))
		})
	}

	req := limitBuy("c-sym", 100, 15_000)
	req.Symbol = "GME"
	_, err := f.service.Submit(ctx, req)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, exception.ErrUnknownSymbol))
}

func TestRiskRejectionIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.policy.SetGlobalHalt(true, "ops")

	res, err := f.service.Submit(ctx, limitBuy("c-halt", 100, 15_000))
	require.NoError(t, err)
	assert.Equal(t, om.StateRiskBlocked, res.State)
	assert.Equal(t, "kill_switch", res.Reason)

	// the decision is on the log, checks included
	events, err := f.service.Events(ctx, res.OrderID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventRiskEvaluated, events[2].Kind)
}

func TestCancelInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// no report sink wired: the order acks and then sits open

	res, err := f.service.Submit(ctx, limitBuy("c-cxl", 100, 15_000))
	require.NoError(t, err)
	waitForState(t, f.service, res.OrderID, om.StateAcked)

	o, err := f.service.Cancel(ctx, res.OrderID, "client request")
	require.NoError(t, err)
	assert.Equal(t, om.StateCancelled, o.State)
	assert.Equal(t, schema.Quantity(100), o.RemainingQty)

	// terminal orders refuse a second cancel
	_, err = f.service.Cancel(ctx, res.OrderID, "again")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, exception.ErrOrderTerminal))
}

func TestCancelUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Cancel(context.Background(), "no-such-order", "x")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, exception.ErrUnknownOrder))
}

func TestDisconnectedAdapterFailsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sim.SetConnected(false)

	res, err := f.service.Submit(ctx, limitBuy("c-down", 100, 15_000))
	require.NoError(t, err)
	assert.Equal(t, om.StateRouted, res.State)

	o := waitForState(t, f.service, res.OrderID, om.StateFailed)
	assert.Equal(t, schema.Quantity(0), o.FilledQty)
}

func TestPolicyChangesAreAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.policy.SetGlobalHalt(true, "ops")
	f.policy.SetGlobalHalt(false, "ops")

	events, err := f.store.ReadOrder(ctx, schema.PolicyStream)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventPolicyChanged, events[0].Kind)
}

func TestRebuildConverges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.wireFills(ctx)

	filled, err := f.service.Submit(ctx, limitBuy("c-r1", 100, 15_000))
	require.NoError(t, err)
	waitForState(t, f.service, filled.OrderID, om.StateFilled)

	blocked := limitBuy("c-r2", 100, 25_000) // outside the price band
	res2, err := f.service.Submit(ctx, blocked)
	require.NoError(t, err)
	require.Equal(t, om.StateRiskBlocked, res2.State)

	// a fresh service over the same log derives the same state
	rebuilt := NewService(Config{
		Store:    f.store,
		Index:    idem.NewSQLiteIndex(f.store.DB(), idem.DefaultTTL),
		Policy:   f.policy,
		Registry: f.reg,
		Router:   f.router,
	})
	require.NoError(t, rebuilt.Rebuild(ctx))

	require.Equal(t, f.service.Machine().Count(), rebuilt.Machine().Count())
	f.service.Machine().Range(func(want om.Order) bool {
		got, ok := rebuilt.Order(want.ID)
		require.True(t, ok, want.ID)
		assert.Equal(t, want, got)
		return true
	})

	// the broker id index came back too
	o, _ := f.service.Order(filled.OrderID)
	id, ok := rebuilt.Recon().ResolveBroker(o.BrokerOrderID)
	require.True(t, ok)
	assert.Equal(t, filled.OrderID, id)
}

func TestPolicyAuditDoesNotShareOrderStripes(t *testing.T) {
	f := newFixture(t)

	// hold the order stripe the policy stream would hash to; the audit
	// append takes its stripe from the reserved table and must not block
	mu := f.service.locks.lock(schema.PolicyStream)
	defer mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.policy.SetGlobalHalt(true, "ops")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("policy audit blocked on an order stripe")
	}
}

func TestBreakerTripAuditsDuringSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	limits := policy.DefaultLimits()
	limits.AckSLA = time.Minute
	limits.BreakerRejections = 1
	f.policy.UpdateLimits(limits, "ops")

	// far outside the price band, so the rejection trips both breakers
	// while the submit path still holds the order's stripe
	res, err := f.service.Submit(ctx, limitBuy("c-trip", 100, 30_000))
	require.NoError(t, err)
	require.Equal(t, om.StateRiskBlocked, res.State)

	snap := f.policy.Snapshot()
	assert.True(t, snap.HaltedClients["acct-1"])
	assert.True(t, snap.HaltedSymbols["AAPL"])

	// limits update plus two breaker trips, all on the audit stream
	events, err := f.store.ReadOrder(ctx, schema.PolicyStream)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestDuplicateReportSequenceIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// no report sink wired: the order acks and then sits open

	res, err := f.service.Submit(ctx, limitBuy("c-seq", 100, 15_000))
	require.NoError(t, err)
	waitForState(t, f.service, res.OrderID, om.StateAcked)

	rep := schema.ExecutionReport{TradeID: "t-1", Sequence: 1, FillQty: 40, Price: 15_000}
	require.NoError(t, f.service.ApplyReport(ctx, res.OrderID, rep))
	require.NoError(t, f.service.ApplyReport(ctx, res.OrderID, rep))

	o, _ := f.service.Order(res.OrderID)
	assert.Equal(t, schema.Quantity(40), o.FilledQty)
	assert.Equal(t, uint64(1), o.LastExecSeq)

	events, err := f.service.Events(ctx, res.OrderID)
	require.NoError(t, err)
	var fills int
	for _, ev := range events {
		if ev.Kind == schema.EventExecutionReport {
			fills++
		}
	}
	assert.Equal(t, 1, fills)
}

func TestDanglingIdempotencyBindingFailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// bind the key to an order id that has no events on the log
	index := idem.NewSQLiteIndex(f.store.DB(), idem.DefaultTTL)
	key := idem.Key{ClientID: "acct-1", ClientOrderID: "c-ghost"}
	rsv, err := index.Reserve(ctx, key, "ghost-order", time.Now())
	require.NoError(t, err)
	require.False(t, rsv.Existing)

	// replaying the binding as a success would acknowledge an order that
	// was never persisted
	_, err = f.service.Submit(ctx, limitBuy("c-ghost", 100, 15_000))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, exception.ErrStoreUnavailable))
}

func TestEnvelopeCarriesAdapter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.wireFills(ctx)

	res, err := f.service.Submit(ctx, limitBuy("c-adp", 100, 15_000))
	require.NoError(t, err)
	waitForState(t, f.service, res.OrderID, om.StateFilled)

	events, err := f.service.Events(ctx, res.OrderID)
	require.NoError(t, err)
	byKind := make(map[schema.EventKind]schema.Event, len(events))
	for _, ev := range events {
		byKind[ev.Kind] = ev
	}

	assert.Equal(t, "sim", byKind[schema.EventOrderRouted].AdapterID)
	assert.Equal(t, "sim", byKind[schema.EventOrderSent].AdapterID)
	assert.Equal(t, "sim", byKind[schema.EventBrokerAck].AdapterID)
	assert.Empty(t, byKind[schema.EventOrderSubmitted].AdapterID)
}

func TestEndOfDayUsesLedgerWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.wireFills(ctx)

	res, err := f.service.Submit(ctx, limitBuy("c-eod", 100, 15_000))
	require.NoError(t, err)
	waitForState(t, f.service, res.OrderID, om.StateFilled)

	events, err := f.service.Events(ctx, res.OrderID)
	require.NoError(t, err)
	var fillDate string
	for _, ev := range events {
		if ev.Kind == schema.EventExecutionReport {
			fillDate = time.Unix(0, ev.At).UTC().Format("2006-01-02")
		}
	}
	require.NotEmpty(t, fillDate)

	// the statement for the fill's date matches the ledger
	stmt := recon.Statement{Date: fillDate, Lines: []recon.StatementLine{
		{Symbol: "AAPL", Volume: 100},
	}}
	require.NoError(t, f.service.Recon().EndOfDay(ctx, stmt))

	// a statement for a day with no activity sees none of today's volume
	old := recon.Statement{Date: "2020-01-02", Lines: []recon.StatementLine{
		{Symbol: "AAPL", Volume: 0},
	}}
	require.NoError(t, f.service.Recon().EndOfDay(ctx, old))

	exes, err := f.service.Exceptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, exes)
	assert.False(t, f.policy.Snapshot().HaltedSymbols["AAPL"])
}
