package schema

// SchemaVersion is the current event schema version.
const SchemaVersion uint16 = 1

// EventKind defines the category of an event in the order log.
type EventKind uint16

const (
	EventUnknown EventKind = iota
	EventOrderSubmitted
	EventOrderValidated
	EventRiskEvaluated
	EventOrderRouted
	EventOrderSent
	EventBrokerAck
	EventExecutionReport
	EventOrderRejected
	EventOrderCancelled
	EventOrderExpired
	EventOrderFailed
	EventReconciliationException
	EventPolicyChanged
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOrderSubmitted:
		return "OrderSubmitted"
	case EventOrderValidated:
		return "OrderValidated"
	case EventRiskEvaluated:
		return "RiskEvaluated"
	case EventOrderRouted:
		return "OrderRouted"
	case EventOrderSent:
		return "OrderSent"
	case EventBrokerAck:
		return "BrokerAck"
	case EventExecutionReport:
		return "ExecutionReport"
	case EventOrderRejected:
		return "OrderRejected"
	case EventOrderCancelled:
		return "OrderCancelled"
	case EventOrderExpired:
		return "OrderExpired"
	case EventOrderFailed:
		return "OrderFailed"
	case EventReconciliationException:
		return "ReconciliationException"
	case EventPolicyChanged:
		return "PolicyChanged"
	default:
		return "Unknown"
	}
}

// Event is an immutable fact appended to the order log.
// StoreSeq is assigned by the store on append and is globally monotonic.
// OrderSeq is the 1-based sequence of the event within its order stream.
type Event struct {
	StoreSeq    uint64
	OrderSeq    uint64
	Kind        EventKind
	Version     uint16
	OrderID     string
	Correlation string
	AdapterID   string
	At          int64
	Payload     []byte
}

// NewEvent builds an event with the current schema version.
func NewEvent(kind EventKind, orderID string, at int64, payload []byte) Event {
	return Event{
		Kind:    kind,
		Version: SchemaVersion,
		OrderID: orderID,
		At:      at,
		Payload: payload,
	}
}

// PolicyStream is the reserved stream id for policy audit events.
const PolicyStream = "$policy"

// ReconStream is the reserved stream id for exceptions that cannot be
// attached to a known order, such as orphan broker fills.
const ReconStream = "$recon"
