package core

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/codec"
	"main/internal/eventstore"
	"main/internal/idem"
	"main/internal/obs"
	"main/internal/om"
	"main/internal/policy"
	"main/internal/recon"
	"main/internal/risk"
	"main/internal/router"
	"main/internal/schema"
	"main/pkg/exception"
)

// Config carries the collaborators Service wires together.
type Config struct {
	Store    *eventstore.Store
	Index    idem.Index
	Policy   *policy.Store
	Registry *schema.Registry
	Router   *router.Router
	Metrics  *obs.Metrics

	// SendTimeout bounds one adapter send attempt.
	SendTimeout time.Duration
}

// Service drives the order pipeline over the event log. All writes go
// through appendLocked under the order's stripe so version checks and
// cache updates stay consistent.
type Service struct {
	store    *eventstore.Store
	machine  *om.Machine
	index    idem.Index
	risk     *risk.Engine
	router   *router.Router
	policy   *policy.Store
	recon    *recon.Engine
	registry *schema.Registry
	fanout   *bus.Fanout
	metrics  *obs.Metrics

	sendTimeout time.Duration
	locks       keyedMutex
	// reserved serves the $policy and $recon streams. A policy audit can
	// fire while an order stripe is held, so reserved streams never share
	// the order stripe table.
	reserved keyedMutex

	mu           sync.Mutex
	reservations map[string]*risk.Reservation
	refPrices    map[string]schema.Price
}

// NewService assembles the pipeline and hooks policy auditing into the
// event log.
func NewService(cfg Config) *Service {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	s := &Service{
		store:        cfg.Store,
		machine:      om.NewMachine(),
		index:        cfg.Index,
		router:       cfg.Router,
		policy:       cfg.Policy,
		registry:     cfg.Registry,
		fanout:       bus.NewFanout(1024),
		metrics:      cfg.Metrics,
		sendTimeout:  cfg.SendTimeout,
		reservations: make(map[string]*risk.Reservation),
		refPrices:    make(map[string]schema.Price),
	}
	s.risk = risk.NewEngine(cfg.Policy)
	s.recon = recon.NewEngine(s.machine, cfg.Policy, s)

	cfg.Policy.OnChange(func(p schema.PolicyChanged) {
		if err := s.appendPolicy(context.Background(), p); err != nil {
			logs.Errorf("audit policy change v%d, err: %+v", p.Version, err)
		}
		s.observePolicy()
	})
	return s
}

// observePolicy reflects the committed kill-switch state in the gauges.
func (s *Service) observePolicy() {
	if s.metrics == nil {
		return
	}
	snap := s.policy.Snapshot()
	global := 0.0
	if snap.GlobalHalt {
		global = 1
	}
	s.metrics.KillSwitch.WithLabelValues("global").Set(global)
	s.metrics.KillSwitch.WithLabelValues("client").Set(float64(len(snap.HaltedClients)))
	s.metrics.KillSwitch.WithLabelValues("symbol").Set(float64(len(snap.HaltedSymbols)))
}

// Machine exposes the materialized order cache for read paths.
func (s *Service) Machine() *om.Machine { return s.machine }

// Risk exposes the risk engine for operator endpoints.
func (s *Service) Risk() *risk.Engine { return s.risk }

// Recon exposes the reconciliation engine for report ingestion.
func (s *Service) Recon() *recon.Engine { return s.recon }

// Subscribe attaches a consumer to the appended-event fanout.
func (s *Service) Subscribe() *bus.Queue { return s.fanout.Subscribe() }

// SetReferencePrice installs the price the sanity check compares against.
func (s *Service) SetReferencePrice(symbol string, price schema.Price) {
	s.mu.Lock()
	s.refPrices[symbol] = price
	s.mu.Unlock()
}

func (s *Service) referencePrice(symbol string) schema.Price {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refPrices[symbol]
}

// Order returns the materialized view of one order.
func (s *Service) Order(id string) (om.Order, bool) {
	return s.machine.Order(id)
}

// Events returns the full stream of one order.
func (s *Service) Events(ctx context.Context, id string) ([]schema.Event, error) {
	return s.store.ReadOrder(ctx, id)
}

// appendLocked appends one event to a stream the caller has locked,
// updates the cache and fans the event out. expectedVersion comes from the
// cache, which is authoritative while the stripe is held.
func (s *Service) appendLocked(ctx context.Context, orderID string, kind schema.EventKind, payload any) (om.Order, error) {
	body, err := codec.Encode(payload)
	if err != nil {
		return om.Order{}, err
	}
	ev := schema.NewEvent(kind, orderID, time.Now().UnixNano(), body)
	ev.Correlation = obs.NewCorrelationID()
	switch p := payload.(type) {
	case schema.OrderRouted:
		ev.AdapterID = p.AdapterID
	case schema.OrderSent:
		ev.AdapterID = p.AdapterID
	case schema.BrokerAck:
		ev.AdapterID = p.AdapterID
	}

	// dry-run against a copy first, so an illegal transition never
	// reaches the log and poisons replay
	probe, _ := s.machine.Order(orderID)
	if err := probe.Apply(ev); err != nil {
		return om.Order{}, err
	}

	started := time.Now()
	appended, err := s.store.Append(ctx, ev, s.machine.Version(orderID))
	if err != nil {
		if s.metrics != nil && stderrors.Is(err, exception.ErrConflict) {
			s.metrics.AppendConflicts.Inc()
		}
		return om.Order{}, err
	}
	if s.metrics != nil {
		s.metrics.AppendLatency.Observe(time.Since(started).Seconds())
		s.metrics.ObserveEvent(appended)
	}

	order, err := s.machine.Apply(appended)
	if err != nil {
		// the event is on the log but the cache refused it; replay on
		// next start converges, still this should never happen
		logs.Errorf("cache rejected appended event order=%s kind=%s, err: %+v", orderID, kind, err)
		return om.Order{}, err
	}

	if dropped := s.fanout.Publish(appended); dropped > 0 && s.metrics != nil {
		s.metrics.FanoutDrops.Add(float64(dropped))
	}
	if s.metrics != nil && kind == schema.EventOrderSubmitted {
		s.metrics.OrdersOpen.Inc()
	}
	if order.State.IsTerminal() {
		s.settle(order)
	}
	return order, nil
}

// settle finalizes the risk reservation once an order is terminal.
func (s *Service) settle(o om.Order) {
	s.mu.Lock()
	res := s.reservations[o.ID]
	delete(s.reservations, o.ID)
	s.mu.Unlock()
	res.Settle(o.FilledQty)

	if s.metrics != nil {
		s.metrics.OrdersTotal.WithLabelValues(o.State.String()).Inc()
		s.metrics.OrdersOpen.Dec()
	}
}

func (s *Service) holdReservation(orderID string, res *risk.Reservation) {
	s.mu.Lock()
	s.reservations[orderID] = res
	s.mu.Unlock()
}

// appendPolicy lands a policy audit record on the reserved policy stream.
func (s *Service) appendPolicy(ctx context.Context, p schema.PolicyChanged) error {
	return s.appendReserved(ctx, schema.PolicyStream, schema.EventPolicyChanged, p)
}

// Rebuild restores every projection from the event log: the order cache,
// the broker order id index and the risk counters. Orders that were
// mid-flight when the process died stay where the log left them; the SLA
// sweep picks up the ones the broker never answered.
func (s *Service) Rebuild(ctx context.Context) error {
	seq, err := s.machine.Rebuild(ctx, s.store)
	if err != nil {
		return errors.Wrap(err, "rebuild order cache")
	}

	var restore []risk.RestoreOrder
	s.machine.Range(func(o om.Order) bool {
		if o.BrokerOrderID != "" {
			s.recon.BindBroker(o.BrokerOrderID, o.ID)
		}
		if o.State.IsTerminal() || o.State == om.StateReceived || o.State == om.StateValidated {
			return true
		}
		restore = append(restore, risk.RestoreOrder{
			ClientID:     o.ClientID,
			Symbol:       o.Symbol,
			Side:         o.Side,
			OpenQty:      o.RemainingQty,
			FilledQty:    o.FilledQty,
			OpenNotional: s.notional(o.Symbol, o.RemainingQty, o.Price),
		})
		return true
	})
	s.risk.Restore(restore, s.policy.Snapshot().Limits)
	if s.metrics != nil {
		s.metrics.OrdersOpen.Set(float64(len(restore)))
	}

	// reseed trade-id dedup so redelivered unsequenced reports stay
	// no-ops across a restart
	var cursor uint64
	for {
		batch, err := s.store.ReadSince(ctx, cursor, 1024)
		if err != nil {
			return errors.Wrap(err, "rebuild trade index")
		}
		if len(batch) == 0 {
			break
		}
		for _, ev := range batch {
			cursor = ev.StoreSeq
			if ev.Kind != schema.EventExecutionReport {
				continue
			}
			var rep schema.ExecutionReport
			if derr := codec.Decode(ev, &rep); derr != nil {
				return errors.Wrap(derr, "rebuild trade index")
			}
			s.recon.NoteTrade(ev.OrderID, rep.TradeID)
		}
	}

	logs.Infof("rebuilt %d orders from %d events", s.machine.Count(), seq)
	return nil
}

// notional converts a price and quantity into quote units using the
// symbol's quantity scale.
func (s *Service) notional(symbol string, qty schema.Quantity, price schema.Price) schema.Notional {
	spec, ok := s.registry.Symbol(symbol)
	if !ok {
		return 0
	}
	return schema.Notional(int64(price) * int64(qty) / pow10(int(spec.Scale.QuantityScale)))
}

func pow10(n int) int64 {
	out := int64(1)
	for i := 0; i < n; i++ {
		out *= 10
	}
	return out
}
