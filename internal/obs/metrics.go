package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"main/internal/schema"
)

// Metrics holds the Prometheus instruments for the order router.
type Metrics struct {
	OrdersTotal     *prometheus.CounterVec // labels: outcome
	EventsTotal     *prometheus.CounterVec // labels: kind
	RiskRejects     *prometheus.CounterVec // labels: check
	DuplicatesTotal prometheus.Counter
	ExceptionsTotal *prometheus.CounterVec // labels: kind
	AppendConflicts prometheus.Counter
	FanoutDrops     prometheus.Counter

	SubmitLatency prometheus.Histogram
	AppendLatency prometheus.Histogram
	AdapterSend   *prometheus.HistogramVec // labels: adapter

	OrdersOpen      prometheus.Gauge
	AdapterInflight *prometheus.GaugeVec // labels: adapter
	KillSwitch      *prometheus.GaugeVec // labels: scope
}

// NewMetrics builds and registers the instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_orders_total",
			Help: "Orders processed by terminal outcome",
		}, []string{"outcome"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_events_total",
			Help: "Events appended to the ledger by kind",
		}, []string{"kind"}),
		RiskRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_risk_rejects_total",
			Help: "Risk rejections by failing check",
		}, []string{"check"}),
		DuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_duplicate_submissions_total",
			Help: "Submissions collapsed by the idempotency index",
		}),
		ExceptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_recon_exceptions_total",
			Help: "Reconciliation exceptions raised by kind",
		}, []string{"kind"}),
		AppendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_append_conflicts_total",
			Help: "Optimistic append conflicts on the event log",
		}),
		FanoutDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_fanout_drops_total",
			Help: "Events dropped by full subscriber queues",
		}),
		SubmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "router_submit_seconds",
			Help:    "Submission latency from request to routed decision",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		AppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "router_append_seconds",
			Help:    "Event log append latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		AdapterSend: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_adapter_send_seconds",
			Help:    "Broker adapter send latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"adapter"}),
		OrdersOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_orders_open",
			Help: "Orders currently in a non-terminal state",
		}),
		AdapterInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_adapter_inflight",
			Help: "Requests currently outstanding per adapter",
		}, []string{"adapter"}),
		KillSwitch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_kill_switch",
			Help: "Engaged kill switches per scope kind",
		}, []string{"scope"}),
	}

	reg.MustRegister(
		m.OrdersTotal,
		m.EventsTotal,
		m.RiskRejects,
		m.DuplicatesTotal,
		m.ExceptionsTotal,
		m.AppendConflicts,
		m.FanoutDrops,
		m.SubmitLatency,
		m.AppendLatency,
		m.AdapterSend,
		m.OrdersOpen,
		m.AdapterInflight,
		m.KillSwitch,
	)
	return m
}

// ObserveEvent counts one appended event.
func (m *Metrics) ObserveEvent(ev schema.Event) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(ev.Kind.String()).Inc()
}

// ObserveSubmit records one end-to-end submission.
func (m *Metrics) ObserveSubmit(d time.Duration) {
	if m == nil {
		return
	}
	m.SubmitLatency.Observe(d.Seconds())
}
