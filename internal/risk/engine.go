package risk

import (
	"sync"
	"time"

	"main/internal/policy"
	"main/internal/schema"
)

// Check names used as stable reason codes in RiskEvaluated payloads.
const (
	CheckKillSwitch    = "kill_switch"
	CheckInstrument    = "instrument_list"
	CheckPriceSanity   = "price_sanity"
	CheckOrderCaps     = "order_caps"
	CheckAccountCaps   = "account_caps"
	CheckPositionLimit = "position_limit"
	CheckVelocity      = "velocity"
	CheckMargin        = "margin"
)

// Candidate is the pre-trade view of an order handed to Evaluate. Price is
// the effective price (limit price, or the reference for market orders) and
// Notional is already computed in quote scale by the caller.
type Candidate struct {
	OrderID  string
	ClientID string
	Symbol   string
	Side     schema.Side
	Qty      schema.Quantity
	Price    schema.Price
	HasPrice bool
	Notional schema.Notional
}

// Decision is the outcome of one evaluation. Reservation is non-nil iff
// Approved; the caller must Settle it once the order goes terminal.
type Decision struct {
	Approved      bool
	Reason        string
	Checks        []schema.CheckOutcome
	PolicyVersion uint64
	Reservation   *Reservation
}

// Engine runs the ordered pre-trade checks against sharded per-scope
// counters. The counters are a cache over the event log; Restore rebuilds
// them after a restart.
type Engine struct {
	policy *policy.Store

	mu     sync.Mutex
	scopes map[string]*scope
}

// NewEngine creates an engine bound to the given policy store.
func NewEngine(store *policy.Store) *Engine {
	return &Engine{
		policy: store,
		scopes: make(map[string]*scope),
	}
}

func (e *Engine) scope(key string) *scope {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.scopes[key]
	if !ok {
		s = &scope{key: key}
		e.scopes[key] = s
	}
	return s
}

// SetAccount seeds the balance used by the margin check.
func (e *Engine) SetAccount(clientID string, balance schema.Notional) {
	s := e.scope(ClientScope(clientID))
	s.mu.Lock()
	s.balance = balance
	s.mu.Unlock()
}

// Evaluate runs the checks in fixed order, short-circuiting on the first
// failure. Every check that ran is recorded in the decision. On approval
// the capacity is reserved atomically under the scope locks, so two
// concurrent orders can never both pass against the same remaining headroom.
func (e *Engine) Evaluate(c Candidate, refPrice schema.Price, now time.Time) Decision {
	snap := e.policy.Snapshot()
	limits := snap.Limits
	d := Decision{PolicyVersion: snap.Version}

	fail := func(name, detail string) Decision {
		d.Checks = append(d.Checks, schema.CheckOutcome{Name: name, Detail: detail})
		d.Reason = name
		e.noteRejection(c, now, limits)
		return d
	}
	pass := func(name, detail string) {
		d.Checks = append(d.Checks, schema.CheckOutcome{Name: name, Passed: true, Detail: detail})
	}

	if halted, reason := snap.Halted(c.ClientID, c.Symbol); halted {
		return fail(CheckKillSwitch, reason)
	}
	pass(CheckKillSwitch, "")

	if !snap.SymbolAllowed(c.Symbol) {
		return fail(CheckInstrument, "symbol not tradable")
	}
	pass(CheckInstrument, "")

	if c.HasPrice && refPrice > 0 && limits.PriceToleranceBps > 0 {
		diff := int64(c.Price) - int64(refPrice)
		if diff < 0 {
			diff = -diff
		}
		if diff*10_000 > limits.PriceToleranceBps*int64(refPrice) {
			return fail(CheckPriceSanity, "price outside reference band")
		}
		pass(CheckPriceSanity, "")
	} else {
		pass(CheckPriceSanity, "no reference price")
	}

	if limits.MaxOrderQty > 0 && c.Qty > limits.MaxOrderQty {
		return fail(CheckOrderCaps, "qty over per-order cap")
	}
	if limits.MaxOrderNotional > 0 && c.Notional > limits.MaxOrderNotional {
		return fail(CheckOrderCaps, "notional over per-order cap")
	}
	pass(CheckOrderCaps, "")

	res := e.reserve(c, limits, now, &d)
	if res == nil {
		// d.Reason was set inside the locked section; the locks are
		// released here, so the breaker can take the scope locks again.
		e.noteRejection(c, now, limits)
		return d
	}

	d.Approved = true
	d.Reservation = res
	return d
}

// reserve runs the counter-backed checks and the reservation as one atomic
// step under the scope locks, taken in a fixed global -> client -> symbol
// order. Two concurrent orders can never both pass against the same
// remaining headroom. Returns nil on rejection with d.Reason set.
func (e *Engine) reserve(c Candidate, limits policy.Limits, now time.Time, d *Decision) *Reservation {
	global := e.scope(ScopeGlobal)
	client := e.scope(ClientScope(c.ClientID))
	symbol := e.scope(SymbolScope(c.Symbol))

	global.mu.Lock()
	defer global.mu.Unlock()
	client.mu.Lock()
	defer client.mu.Unlock()
	symbol.mu.Lock()
	defer symbol.mu.Unlock()

	fail := func(name, detail string) *Reservation {
		d.Checks = append(d.Checks, schema.CheckOutcome{Name: name, Detail: detail})
		d.Reason = name
		return nil
	}
	pass := func(name string) {
		d.Checks = append(d.Checks, schema.CheckOutcome{Name: name, Passed: true})
	}

	if limits.MaxAccountNotional > 0 && client.openNotional+c.Notional > limits.MaxAccountNotional {
		return fail(CheckAccountCaps, "account open notional exhausted")
	}
	pass(CheckAccountCaps)

	next := symbol.position
	if c.Side == schema.SideBuy {
		next += c.Qty
	} else {
		next -= c.Qty
	}
	abs := next
	if abs < 0 {
		abs = -abs
	}
	if limits.MaxPosition > 0 && abs > limits.MaxPosition {
		return fail(CheckPositionLimit, "projected position over limit")
	}
	pass(CheckPositionLimit)

	if limits.VelocityLimit > 0 && limits.VelocityWindow > 0 {
		for _, s := range []*scope{global, client, symbol} {
			if s.velocityCount(now, limits.VelocityWindow) >= limits.VelocityLimit {
				return fail(CheckVelocity, "submission rate exceeded: "+s.key)
			}
		}
	}
	pass(CheckVelocity)

	margin := schema.Notional(int64(c.Notional) * limits.MarginRequirementBps / 10_000)
	if limits.MaxMarginUtilizationBps > 0 && client.balance > 0 {
		used := int64(client.marginUsed + margin)
		if used*10_000 > limits.MaxMarginUtilizationBps*int64(client.balance) {
			return fail(CheckMargin, "margin utilization over cap")
		}
	}
	pass(CheckMargin)

	stamp := now.UnixNano()
	global.stamps = append(global.stamps, stamp)
	client.stamps = append(client.stamps, stamp)
	symbol.stamps = append(symbol.stamps, stamp)

	global.openNotional += c.Notional
	client.openNotional += c.Notional
	client.marginUsed += margin
	if c.Side == schema.SideBuy {
		symbol.position += c.Qty
	} else {
		symbol.position -= c.Qty
	}

	return &Reservation{
		engine:   e,
		clientID: c.ClientID,
		symbol:   c.Symbol,
		qty:      c.Qty,
		notional: c.Notional,
		margin:   margin,
		buy:      c.Side == schema.SideBuy,
	}
}

// settle reverses the unfilled part of a reservation. remaining is the
// unexecuted quantity being released.
func (e *Engine) settle(r *Reservation, remaining schema.Quantity, notional, margin schema.Notional) {
	global := e.scope(ScopeGlobal)
	client := e.scope(ClientScope(r.clientID))
	symbol := e.scope(SymbolScope(r.symbol))

	global.mu.Lock()
	global.openNotional -= notional
	global.mu.Unlock()

	client.mu.Lock()
	client.openNotional -= notional
	client.marginUsed -= margin
	client.mu.Unlock()

	symbol.mu.Lock()
	if r.buy {
		symbol.position -= remaining
	} else {
		symbol.position += remaining
	}
	symbol.mu.Unlock()
}

// noteRejection feeds the circuit breaker for every scope the rejected
// order touched. Crossing the threshold trips the scope kill-switch, which
// stays down until an operator resets it.
func (e *Engine) noteRejection(c Candidate, now time.Time, limits policy.Limits) {
	trip := func(s *scope, kind, id string) {
		s.mu.Lock()
		tripped := s.recordRejection(now, limits.BreakerRejections, limits.BreakerWindow)
		s.mu.Unlock()
		if tripped {
			e.policy.TripBreaker(kind, id)
		}
	}
	trip(e.scope(ClientScope(c.ClientID)), "client", c.ClientID)
	trip(e.scope(SymbolScope(c.Symbol)), "symbol", c.Symbol)
}

// ResetBreaker clears the breaker latch for a scope after an operator has
// lifted the corresponding kill-switch.
func (e *Engine) ResetBreaker(scopeKind, id string) {
	switch scopeKind {
	case "global":
		e.scope(ScopeGlobal).resetBreaker()
	case "client":
		e.scope(ClientScope(id)).resetBreaker()
	case "symbol":
		e.scope(SymbolScope(id)).resetBreaker()
	}
}

// Exposure is a point-in-time view of one scope's counters.
type Exposure struct {
	OpenNotional schema.Notional
	Position     schema.Quantity
	MarginUsed   schema.Notional
}

// ScopeExposure reads the counters for one scope key.
func (e *Engine) ScopeExposure(key string) Exposure {
	s := e.scope(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Exposure{OpenNotional: s.openNotional, Position: s.position, MarginUsed: s.marginUsed}
}

// RestoreOrder is the slice of materialized order state Restore needs.
type RestoreOrder struct {
	ClientID     string
	Symbol       string
	Side         schema.Side
	OpenQty      schema.Quantity // unfilled quantity still reserved
	FilledQty    schema.Quantity
	OpenNotional schema.Notional // notional still reserved
}

// Restore rebuilds the counters from materialized orders after a restart.
// Non-terminal approved orders re-reserve their remaining capacity; filled
// quantity lands in the symbol position. The velocity and breaker logs
// restart empty, which only under-counts briefly after a restart.
func (e *Engine) Restore(orders []RestoreOrder, limits policy.Limits) {
	e.mu.Lock()
	for _, s := range e.scopes {
		s.mu.Lock()
		s.openNotional = 0
		s.position = 0
		s.marginUsed = 0
		s.stamps = s.stamps[:0]
		s.rejections = s.rejections[:0]
		s.mu.Unlock()
	}
	e.mu.Unlock()

	for _, o := range orders {
		global := e.scope(ScopeGlobal)
		client := e.scope(ClientScope(o.ClientID))
		symbol := e.scope(SymbolScope(o.Symbol))

		margin := schema.Notional(int64(o.OpenNotional) * limits.MarginRequirementBps / 10_000)

		global.mu.Lock()
		global.openNotional += o.OpenNotional
		global.mu.Unlock()

		client.mu.Lock()
		client.openNotional += o.OpenNotional
		client.marginUsed += margin
		client.mu.Unlock()

		symbol.mu.Lock()
		delta := o.OpenQty + o.FilledQty
		if o.Side == schema.SideBuy {
			symbol.position += delta
		} else {
			symbol.position -= delta
		}
		symbol.mu.Unlock()
	}
}
