package om

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/codec"
	"main/internal/schema"
	"main/pkg/exception"
)

func ev(t *testing.T, kind schema.EventKind, orderID string, payload any) schema.Event {
	t.Helper()
	body, err := codec.Encode(payload)
	require.NoError(t, err)
	return schema.NewEvent(kind, orderID, 1_700_000_000_000_000_000, body)
}

func submitted(t *testing.T, id string, qty schema.Quantity) schema.Event {
	t.Helper()
	return ev(t, schema.EventOrderSubmitted, id, schema.OrderSubmitted{
		ClientOrderID: "c-1",
		ClientID:      "acct-1",
		Symbol:        "AAPL",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Qty:           qty,
		Price:         1500000,
		HasPrice:      true,
	})
}

func approved(t *testing.T, id string) []schema.Event {
	t.Helper()
	return []schema.Event{
		submitted(t, id, 100),
		ev(t, schema.EventOrderValidated, id, schema.OrderValidated{}),
		ev(t, schema.EventRiskEvaluated, id, schema.RiskEvaluated{Approved: true}),
		ev(t, schema.EventOrderRouted, id, schema.OrderRouted{AdapterID: "paper"}),
		ev(t, schema.EventOrderSent, id, schema.OrderSent{AdapterID: "paper"}),
		ev(t, schema.EventBrokerAck, id, schema.BrokerAck{AdapterID: "paper", BrokerOrderID: "B-1"}),
	}
}

func TestFoldHappyPath(t *testing.T) {
	events := approved(t, "ord-1")
	events = append(events,
		ev(t, schema.EventExecutionReport, "ord-1", schema.ExecutionReport{Sequence: 1, FillQty: 40, Price: 1500000, LeavesQty: 60}),
		ev(t, schema.EventExecutionReport, "ord-1", schema.ExecutionReport{Sequence: 2, FillQty: 60, Price: 1500000}),
	)

	order, err := Fold(events)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, order.State)
	assert.Equal(t, schema.Quantity(100), order.FilledQty)
	assert.Equal(t, schema.Quantity(0), order.RemainingQty)
	assert.Equal(t, uint64(2), order.LastExecSeq)
	assert.Equal(t, "B-1", order.BrokerOrderID)
	assert.Equal(t, uint64(len(events)), order.Version)
	assert.True(t, order.State.IsTerminal())
}

func TestRiskBlockedIsTerminal(t *testing.T) {
	events := []schema.Event{
		submitted(t, "ord-2", 10),
		ev(t, schema.EventOrderValidated, "ord-2", schema.OrderValidated{}),
		ev(t, schema.EventRiskEvaluated, "ord-2", schema.RiskEvaluated{Approved: false, Reason: "kill_switch"}),
	}
	order, err := Fold(events)
	require.NoError(t, err)
	assert.Equal(t, StateRiskBlocked, order.State)

	err = order.Apply(ev(t, schema.EventOrderRouted, "ord-2", schema.OrderRouted{AdapterID: "paper"}))
	assert.True(t, stderrors.Is(err, exception.ErrInvalidTransition))
}

func TestOverfillRejected(t *testing.T) {
	order, err := Fold(approved(t, "ord-3"))
	require.NoError(t, err)

	err = order.Apply(ev(t, schema.EventExecutionReport, "ord-3", schema.ExecutionReport{Sequence: 1, FillQty: 101}))
	require.True(t, stderrors.Is(err, exception.ErrInvalidFill))

	// the failed apply must not mutate the order
	assert.Equal(t, StateAcked, order.State)
	assert.Equal(t, schema.Quantity(100), order.RemainingQty)
	assert.Equal(t, uint64(len(approved(t, "ord-3"))), order.Version)
}

func TestZeroFillRejected(t *testing.T) {
	order, err := Fold(approved(t, "ord-4"))
	require.NoError(t, err)

	err = order.Apply(ev(t, schema.EventExecutionReport, "ord-4", schema.ExecutionReport{Sequence: 1, FillQty: 0}))
	assert.True(t, stderrors.Is(err, exception.ErrInvalidFill))
}

func TestImplicitAckFromSent(t *testing.T) {
	events := approved(t, "ord-5")[:5] // up to SENT, no ack
	order, err := Fold(events)
	require.NoError(t, err)
	require.Equal(t, StateSent, order.State)

	err = order.Apply(ev(t, schema.EventExecutionReport, "ord-5", schema.ExecutionReport{Sequence: 1, FillQty: 30}))
	require.NoError(t, err)
	assert.Equal(t, StatePartFilled, order.State)

	// the late ack keeps the fill state
	err = order.Apply(ev(t, schema.EventBrokerAck, "ord-5", schema.BrokerAck{BrokerOrderID: "B-9"}))
	require.NoError(t, err)
	assert.Equal(t, StatePartFilled, order.State)
	assert.Equal(t, "B-9", order.BrokerOrderID)
}

func TestCancelStates(t *testing.T) {
	testCases := []struct {
		desc   string
		events int // prefix of the approved chain
		ok     bool
	}{
		{"received", 1, true},
		{"validated", 2, true},
		{"routed", 4, true},
		{"sent", 5, true},
		{"acked", 6, true},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			order, err := Fold(approved(t, "ord-6")[:tc.events])
			require.NoError(t, err)

			err = order.Apply(ev(t, schema.EventOrderCancelled, "ord-6", schema.OrderCancelled{RemainingQty: order.RemainingQty}))
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, StateCancelled, order.State)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestCancelAfterFilledRejected(t *testing.T) {
	events := approved(t, "ord-7")
	events = append(events, ev(t, schema.EventExecutionReport, "ord-7", schema.ExecutionReport{Sequence: 1, FillQty: 100}))
	order, err := Fold(events)
	require.NoError(t, err)
	require.Equal(t, StateFilled, order.State)

	err = order.Apply(ev(t, schema.EventOrderCancelled, "ord-7", schema.OrderCancelled{}))
	assert.True(t, stderrors.Is(err, exception.ErrInvalidTransition))
}

func TestExceptionIsStateNeutral(t *testing.T) {
	order, err := Fold(approved(t, "ord-8"))
	require.NoError(t, err)
	before := order.State

	err = order.Apply(ev(t, schema.EventReconciliationException, "ord-8", schema.ReconciliationException{
		Kind:   schema.ExceptionUnmatchedQty,
		Detail: "tolerance exceeded",
	}))
	require.NoError(t, err)
	assert.Equal(t, before, order.State)
}

func TestMachineCache(t *testing.T) {
	m := NewMachine()
	_, err := m.Apply(submitted(t, "ord-9", 5))
	require.NoError(t, err)

	assert.Equal(t, 1, m.Count())
	assert.Equal(t, uint64(1), m.Version("ord-9"))
	_, ok := m.Order("missing")
	assert.False(t, ok)
}
