package policy

import (
	"time"

	"main/internal/schema"
)

// Limits is the versioned set of trading limits read by the risk engine and
// reconciliation. All monetary values are scaled integers; bps values are
// basis points.
type Limits struct {
	MaxOrderQty        schema.Quantity `json:"maxOrderQty"`
	MaxOrderNotional   schema.Notional `json:"maxOrderNotional"`
	MaxAccountNotional schema.Notional `json:"maxAccountNotional"`
	MaxPosition        schema.Quantity `json:"maxPosition"`

	// Velocity control: sliding log of submission timestamps per scope.
	VelocityLimit  int           `json:"velocityLimit"`
	VelocityWindow time.Duration `json:"velocityWindow"`

	PriceToleranceBps int64 `json:"priceToleranceBps"`

	// Margin model: required margin = notional * MarginRequirementBps;
	// utilization after reserve must stay under MaxMarginUtilizationBps.
	MarginRequirementBps    int64 `json:"marginRequirementBps"`
	MaxMarginUtilizationBps int64 `json:"maxMarginUtilizationBps"`

	// Circuit breaker: BreakerRejections rejections for one scope inside
	// BreakerWindow flip the scope kill-switch until an operator resets it.
	BreakerRejections int           `json:"breakerRejections"`
	BreakerWindow     time.Duration `json:"breakerWindow"`

	// AckSLA bounds how long an order may sit in SENT without a broker
	// response before reconciliation fails it.
	AckSLA time.Duration `json:"ackSla"`

	// Fuzzy matching for adapters that cannot echo a broker order id.
	QtyTolerance schema.Quantity `json:"qtyTolerance"`
	MatchWindow  time.Duration   `json:"matchWindow"`

	// ReorderWindow bounds the per-order out-of-order report buffer.
	ReorderWindow int `json:"reorderWindow"`

	// DriftThresholdBps bounds acceptable statement-vs-ledger volume drift.
	DriftThresholdBps int64 `json:"driftThresholdBps"`
}

// DefaultLimits returns conservative defaults for unset fields.
func DefaultLimits() Limits {
	return Limits{
		MaxOrderQty:             10_000_000,
		MaxOrderNotional:        1_000_000_000,
		MaxAccountNotional:      10_000_000_000,
		MaxPosition:             100_000_000,
		VelocityLimit:           10,
		VelocityWindow:          time.Minute,
		PriceToleranceBps:       500,
		MarginRequirementBps:    200,
		MaxMarginUtilizationBps: 8000,
		BreakerRejections:       5,
		BreakerWindow:           time.Minute,
		AckSLA:                  30 * time.Second,
		QtyTolerance:            0,
		MatchWindow:             time.Minute,
		ReorderWindow:           64,
		DriftThresholdBps:       10,
	}
}

// Snapshot is an immutable view of the committed policy. Readers always see
// a complete version; writers replace the whole snapshot.
type Snapshot struct {
	Version        uint64
	Limits         Limits
	GlobalHalt     bool
	HaltedClients  map[string]bool
	HaltedSymbols  map[string]bool
	AllowedSymbols map[string]bool // empty means all symbols allowed
	DeniedSymbols  map[string]bool
}

// SymbolAllowed applies the allow/deny lists.
func (s *Snapshot) SymbolAllowed(symbol string) bool {
	if s.DeniedSymbols[symbol] {
		return false
	}
	if len(s.AllowedSymbols) > 0 && !s.AllowedSymbols[symbol] {
		return false
	}
	return true
}

// Halted reports whether a kill-switch blocks the given client and symbol.
func (s *Snapshot) Halted(clientID, symbol string) (bool, string) {
	if s.GlobalHalt {
		return true, "kill_switch_global"
	}
	if s.HaltedClients[clientID] {
		return true, "kill_switch_client"
	}
	if s.HaltedSymbols[symbol] {
		return true, "kill_switch_symbol"
	}
	return false, ""
}
