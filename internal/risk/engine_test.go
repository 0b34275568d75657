package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/policy"
	"main/internal/schema"
)

func limitsForTest() policy.Limits {
	l := policy.DefaultLimits()
	l.MaxOrderQty = 1000
	l.MaxOrderNotional = 100_000
	l.MaxAccountNotional = 150_000
	l.MaxPosition = 2000
	l.VelocityLimit = 3
	l.VelocityWindow = time.Minute
	l.PriceToleranceBps = 500
	l.MarginRequirementBps = 200
	l.MaxMarginUtilizationBps = 8000
	l.BreakerRejections = 3
	l.BreakerWindow = time.Minute
	return l
}

func candidate(qty schema.Quantity, price schema.Price) Candidate {
	return Candidate{
		OrderID:  "ord-1",
		ClientID: "acct-1",
		Symbol:   "AAPL",
		Side:     schema.SideBuy,
		Qty:      qty,
		Price:    price,
		HasPrice: true,
		Notional: schema.Notional(int64(qty) * int64(price) / 100),
	}
}

func checkNames(d Decision) []string {
	names := make([]string, 0, len(d.Checks))
	for _, c := range d.Checks {
		names = append(names, c.Name)
	}
	return names
}

func TestEvaluateApproves(t *testing.T) {
	engine := NewEngine(policy.NewStore(limitsForTest()))
	now := time.Now()

	d := engine.Evaluate(candidate(100, 1000), 1000, now)
	require.True(t, d.Approved)
	require.NotNil(t, d.Reservation)
	assert.Empty(t, d.Reason)
	assert.Equal(t, []string{
		CheckKillSwitch, CheckInstrument, CheckPriceSanity, CheckOrderCaps,
		CheckAccountCaps, CheckPositionLimit, CheckVelocity, CheckMargin,
	}, checkNames(d))
	for _, c := range d.Checks {
		assert.True(t, c.Passed, c.Name)
	}
}

func TestKillSwitchShortCircuits(t *testing.T) {
	store := policy.NewStore(limitsForTest())
	store.SetGlobalHalt(true, "ops")
	engine := NewEngine(store)

	d := engine.Evaluate(candidate(100, 1000), 1000, time.Now())
	require.False(t, d.Approved)
	assert.Equal(t, CheckKillSwitch, d.Reason)
	assert.Nil(t, d.Reservation)
	// nothing after the failing check ran
	assert.Equal(t, []string{CheckKillSwitch}, checkNames(d))
}

func TestScopedKillSwitch(t *testing.T) {
	store := policy.NewStore(limitsForTest())
	store.SetClientHalt("acct-1", true, "ops")
	engine := NewEngine(store)

	blocked := engine.Evaluate(candidate(100, 1000), 1000, time.Now())
	assert.False(t, blocked.Approved)

	other := candidate(100, 1000)
	other.ClientID = "acct-2"
	allowed := engine.Evaluate(other, 1000, time.Now())
	assert.True(t, allowed.Approved)
}

func TestInstrumentLists(t *testing.T) {
	store := policy.NewStore(limitsForTest())
	store.SetSymbolLists([]string{"MSFT"}, nil, "ops")
	engine := NewEngine(store)

	d := engine.Evaluate(candidate(100, 1000), 1000, time.Now())
	require.False(t, d.Approved)
	assert.Equal(t, CheckInstrument, d.Reason)
}

func TestPriceSanity(t *testing.T) {
	engine := NewEngine(policy.NewStore(limitsForTest()))

	// 10% off a 500bps band
	d := engine.Evaluate(candidate(100, 1100), 1000, time.Now())
	require.False(t, d.Approved)
	assert.Equal(t, CheckPriceSanity, d.Reason)

	// no reference price: the check passes with a note
	d = engine.Evaluate(candidate(100, 1100), 0, time.Now())
	assert.True(t, d.Approved)
}

func TestOrderCaps(t *testing.T) {
	engine := NewEngine(policy.NewStore(limitsForTest()))

	d := engine.Evaluate(candidate(1001, 10), 10, time.Now())
	require.False(t, d.Approved)
	assert.Equal(t, CheckOrderCaps, d.Reason)

	big := candidate(1000, 100_000)
	big.Notional = 1_000_000
	d = engine.Evaluate(big, 100_000, time.Now())
	require.False(t, d.Approved)
	assert.Equal(t, CheckOrderCaps, d.Reason)
}

func TestAccountCapSpansOrders(t *testing.T) {
	engine := NewEngine(policy.NewStore(limitsForTest()))
	now := time.Now()

	first := engine.Evaluate(candidate(900, 10_000), 10_000, now)
	require.True(t, first.Approved) // 90k of the 150k account cap

	second := engine.Evaluate(candidate(900, 10_000), 10_000, now)
	require.False(t, second.Approved)
	assert.Equal(t, CheckAccountCaps, second.Reason)

	// releasing the first order frees the headroom
	first.Reservation.Release()
	third := engine.Evaluate(candidate(900, 10_000), 10_000, now)
	assert.True(t, third.Approved)
}

func TestVelocitySlidingWindow(t *testing.T) {
	engine := NewEngine(policy.NewStore(limitsForTest()))
	base := time.Now()

	for i := 0; i < 3; i++ {
		d := engine.Evaluate(candidate(10, 100), 100, base.Add(time.Duration(i)*time.Second))
		require.True(t, d.Approved, "submission %d", i)
		d.Reservation.Release()
	}

	over := engine.Evaluate(candidate(10, 100), 100, base.Add(3*time.Second))
	require.False(t, over.Approved)
	assert.Equal(t, CheckVelocity, over.Reason)

	// outside the window the log has slid
	later := engine.Evaluate(candidate(10, 100), 100, base.Add(2*time.Minute))
	assert.True(t, later.Approved)
}

func TestMarginUtilization(t *testing.T) {
	engine := NewEngine(policy.NewStore(limitsForTest()))
	engine.SetAccount("acct-1", 1000)

	// notional 50_000 at 200bps needs 1000 margin, over 80% of 1000
	d := engine.Evaluate(candidate(500, 10_000), 10_000, time.Now())
	require.False(t, d.Approved)
	assert.Equal(t, CheckMargin, d.Reason)

	engine.SetAccount("acct-1", 10_000)
	d = engine.Evaluate(candidate(500, 10_000), 10_000, time.Now())
	assert.True(t, d.Approved)
}

func TestSettleReleasesUnfilledPortion(t *testing.T) {
	engine := NewEngine(policy.NewStore(limitsForTest()))
	now := time.Now()

	d := engine.Evaluate(candidate(1000, 10_000), 10_000, now)
	require.True(t, d.Approved)
	before := engine.ScopeExposure(ClientScope("acct-1"))
	require.Equal(t, schema.Notional(100_000), before.OpenNotional)

	// 40% filled: 60% of the notional comes back, position keeps the fill
	d.Reservation.Settle(400)
	after := engine.ScopeExposure(ClientScope("acct-1"))
	assert.Equal(t, schema.Notional(40_000), after.OpenNotional)

	pos := engine.ScopeExposure(SymbolScope("AAPL"))
	assert.Equal(t, schema.Quantity(400), pos.Position)

	// settling twice is a no-op
	d.Reservation.Settle(400)
	assert.Equal(t, after.OpenNotional, engine.ScopeExposure(ClientScope("acct-1")).OpenNotional)
}

func TestCircuitBreakerTripsScope(t *testing.T) {
	store := policy.NewStore(limitsForTest())
	store.SetSymbolLists([]string{"MSFT"}, nil, "ops")
	engine := NewEngine(store)
	now := time.Now()

	// three instrument-list rejections inside the window trip the
	// client and symbol breakers
	for i := 0; i < 3; i++ {
		d := engine.Evaluate(candidate(10, 100), 100, now.Add(time.Duration(i)*time.Second))
		require.False(t, d.Approved)
	}

	snap := store.Snapshot()
	assert.True(t, snap.HaltedClients["acct-1"])
	assert.True(t, snap.HaltedSymbols["AAPL"])

	// the halt persists until an operator lifts it
	d := engine.Evaluate(candidate(10, 100), 100, now.Add(time.Hour))
	require.False(t, d.Approved)
	assert.Equal(t, CheckKillSwitch, d.Reason)

	store.SetClientHalt("acct-1", false, "ops")
	store.SetSymbolHalt("AAPL", false, "ops")
	engine.ResetBreaker("client", "acct-1")
	engine.ResetBreaker("symbol", "AAPL")
	store.SetSymbolLists(nil, nil, "ops")

	ok := engine.Evaluate(candidate(10, 100), 100, now.Add(time.Hour))
	assert.True(t, ok.Approved)
}

func TestRestoreRebuildsCounters(t *testing.T) {
	limits := limitsForTest()
	engine := NewEngine(policy.NewStore(limits))

	engine.Restore([]RestoreOrder{
		{ClientID: "acct-1", Symbol: "AAPL", Side: schema.SideBuy, OpenQty: 600, FilledQty: 400, OpenNotional: 60_000},
		{ClientID: "acct-1", Symbol: "MSFT", Side: schema.SideSell, OpenQty: 100, FilledQty: 0, OpenNotional: 10_000},
	}, limits)

	client := engine.ScopeExposure(ClientScope("acct-1"))
	assert.Equal(t, schema.Notional(70_000), client.OpenNotional)

	aapl := engine.ScopeExposure(SymbolScope("AAPL"))
	assert.Equal(t, schema.Quantity(1000), aapl.Position)

	msft := engine.ScopeExposure(SymbolScope("MSFT"))
	assert.Equal(t, schema.Quantity(-100), msft.Position)

	global := engine.ScopeExposure(ScopeGlobal)
	assert.Equal(t, schema.Notional(70_000), global.OpenNotional)
}
