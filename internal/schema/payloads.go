package schema

// Price is a scaled integer. The scale is defined per symbol in the registry.
type Price int64

// Quantity is a scaled integer. The scale is defined per symbol in the registry.
type Quantity int64

// Notional is a scaled integer product of price and quantity.
type Notional int64

// Side describes order direction.
type Side uint16

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

// String returns the wire name of the side.
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide converts a wire name to a Side.
func ParseSide(s string) Side {
	switch s {
	case "buy", "BUY", "Buy":
		return SideBuy
	case "sell", "SELL", "Sell":
		return SideSell
	default:
		return SideUnknown
	}
}

// OrderType describes order type.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

// String returns the wire name of the order type.
func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	default:
		return "unknown"
	}
}

// ParseOrderType converts a wire name to an OrderType.
func ParseOrderType(s string) OrderType {
	switch s {
	case "limit", "LIMIT":
		return OrderTypeLimit
	case "market", "MARKET", "":
		return OrderTypeMarket
	default:
		return OrderTypeUnknown
	}
}

// TimeInForce describes order time-in-force.
type TimeInForce uint16

const (
	TimeInForceGTC TimeInForce = iota
	TimeInForceIOC
	TimeInForceFOK
	TimeInForceDay
)

// ParseTimeInForce converts a wire name to a TimeInForce. Empty defaults to GTC.
func ParseTimeInForce(s string) TimeInForce {
	switch s {
	case "ioc", "IOC":
		return TimeInForceIOC
	case "fok", "FOK":
		return TimeInForceFOK
	case "day", "DAY":
		return TimeInForceDay
	default:
		return TimeInForceGTC
	}
}

// OrderSubmitted is the payload for EventOrderSubmitted.
type OrderSubmitted struct {
	ClientOrderID  string   `json:"clientOrderId,omitempty"`
	ClientID       string   `json:"clientId"`
	IdempotencyKey string   `json:"idempotencyKey"`
	Symbol         string   `json:"symbol"`
	Side           Side     `json:"side"`
	Type           OrderType `json:"type"`
	TimeInForce    TimeInForce `json:"tif"`
	Qty            Quantity `json:"qty"`
	Price          Price    `json:"price,omitempty"`
	HasPrice       bool     `json:"hasPrice"`
}

// OrderValidated is the payload for EventOrderValidated.
type OrderValidated struct{}

// CheckOutcome records the result of a single risk check.
type CheckOutcome struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// RiskEvaluated is the payload for EventRiskEvaluated.
// Checks holds the outcome of every check that ran, not only the aggregate.
type RiskEvaluated struct {
	Approved bool           `json:"approved"`
	Reason   string         `json:"reason,omitempty"`
	Checks   []CheckOutcome `json:"checks"`
	PolicyVersion uint64    `json:"policyVersion"`
}

// OrderRouted is the payload for EventOrderRouted.
type OrderRouted struct {
	AdapterID string `json:"adapterId"`
	Reason    string `json:"reason,omitempty"`
}

// OrderSent is the payload for EventOrderSent.
type OrderSent struct {
	AdapterID string `json:"adapterId"`
}

// BrokerAck is the payload for EventBrokerAck.
type BrokerAck struct {
	AdapterID     string `json:"adapterId"`
	BrokerOrderID string `json:"brokerOrderId"`
}

// ExecutionReport is the payload for EventExecutionReport.
// Sequence is the broker-assigned report sequence for the order; FillQty is
// the delta quantity applied by this report.
type ExecutionReport struct {
	BrokerOrderID string   `json:"brokerOrderId"`
	TradeID       string   `json:"tradeId,omitempty"`
	Sequence      uint64   `json:"sequence"`
	FillQty       Quantity `json:"fillQty"`
	Price         Price    `json:"price"`
	LeavesQty     Quantity `json:"leavesQty"`
}

// OrderRejected is the payload for EventOrderRejected.
type OrderRejected struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// OrderCancelled is the payload for EventOrderCancelled.
type OrderCancelled struct {
	Reason       string   `json:"reason,omitempty"`
	RemainingQty Quantity `json:"remainingQty"`
}

// OrderExpired is the payload for EventOrderExpired.
type OrderExpired struct {
	Reason string `json:"reason,omitempty"`
}

// OrderFailed is the payload for EventOrderFailed.
type OrderFailed struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// ExceptionKind classifies a reconciliation exception.
type ExceptionKind string

const (
	ExceptionOrphanFill    ExceptionKind = "orphan_fill"
	ExceptionUnmatchedQty  ExceptionKind = "unmatched_qty"
	ExceptionStaleOrder    ExceptionKind = "stale_order"
	ExceptionVolumeDrift   ExceptionKind = "volume_drift"
	ExceptionBadTransition ExceptionKind = "invalid_transition"
)

// ReconciliationException is the payload for EventReconciliationException.
type ReconciliationException struct {
	Kind          ExceptionKind `json:"kind"`
	Detail        string        `json:"detail"`
	Symbol        string        `json:"symbol,omitempty"`
	BrokerOrderID string        `json:"brokerOrderId,omitempty"`
	Qty           Quantity      `json:"qty,omitempty"`
	Resolved      bool          `json:"resolved"`
}

// PolicyChanged is the payload for EventPolicyChanged.
type PolicyChanged struct {
	Actor   string `json:"actor"`
	Version uint64 `json:"version"`
	Change  string `json:"change"`
	Scope   string `json:"scope,omitempty"`
}
