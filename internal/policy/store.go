package policy

import (
	"fmt"
	"sync"
	"sync/atomic"

	"main/internal/schema"
)

// AuditFunc receives every committed policy change for the audit stream.
type AuditFunc func(schema.PolicyChanged)

// Store holds the committed policy. Reads are lock-free snapshot loads;
// every mutation commits a new version and emits an audit record.
type Store struct {
	mu    sync.Mutex
	cur   atomic.Value // *Snapshot
	audit AuditFunc
}

// NewStore creates a store at version 1 with the given limits.
func NewStore(limits Limits) *Store {
	s := &Store{}
	s.cur.Store(&Snapshot{
		Version:        1,
		Limits:         limits,
		HaltedClients:  map[string]bool{},
		HaltedSymbols:  map[string]bool{},
		AllowedSymbols: map[string]bool{},
		DeniedSymbols:  map[string]bool{},
	})
	return s
}

// OnChange registers the audit sink. Must be called before mutations.
func (s *Store) OnChange(fn AuditFunc) {
	s.audit = fn
}

// Snapshot returns the latest committed policy.
func (s *Store) Snapshot() *Snapshot {
	return s.cur.Load().(*Snapshot)
}

func (s *Store) commit(next *Snapshot, actor, change, scope string) {
	next.Version = s.Snapshot().Version + 1
	s.cur.Store(next)
	if s.audit != nil {
		s.audit(schema.PolicyChanged{
			Actor:   actor,
			Version: next.Version,
			Change:  change,
			Scope:   scope,
		})
	}
}

func clone(cur *Snapshot) *Snapshot {
	next := &Snapshot{
		Version:        cur.Version,
		Limits:         cur.Limits,
		GlobalHalt:     cur.GlobalHalt,
		HaltedClients:  make(map[string]bool, len(cur.HaltedClients)),
		HaltedSymbols:  make(map[string]bool, len(cur.HaltedSymbols)),
		AllowedSymbols: make(map[string]bool, len(cur.AllowedSymbols)),
		DeniedSymbols:  make(map[string]bool, len(cur.DeniedSymbols)),
	}
	for k, v := range cur.HaltedClients {
		next.HaltedClients[k] = v
	}
	for k, v := range cur.HaltedSymbols {
		next.HaltedSymbols[k] = v
	}
	for k, v := range cur.AllowedSymbols {
		next.AllowedSymbols[k] = v
	}
	for k, v := range cur.DeniedSymbols {
		next.DeniedSymbols[k] = v
	}
	return next
}

// SetGlobalHalt engages or releases the global kill-switch.
func (s *Store) SetGlobalHalt(on bool, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := clone(s.Snapshot())
	next.GlobalHalt = on
	s.commit(next, actor, fmt.Sprintf("global_halt=%t", on), "global")
}

// SetClientHalt engages or releases a per-client kill-switch.
func (s *Store) SetClientHalt(clientID string, on bool, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := clone(s.Snapshot())
	if on {
		next.HaltedClients[clientID] = true
	} else {
		delete(next.HaltedClients, clientID)
	}
	s.commit(next, actor, fmt.Sprintf("client_halt=%t", on), "client:"+clientID)
}

// SetSymbolHalt engages or releases a per-symbol kill-switch.
func (s *Store) SetSymbolHalt(symbol string, on bool, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := clone(s.Snapshot())
	if on {
		next.HaltedSymbols[symbol] = true
	} else {
		delete(next.HaltedSymbols, symbol)
	}
	s.commit(next, actor, fmt.Sprintf("symbol_halt=%t", on), "symbol:"+symbol)
}

// SetSymbolLists replaces the instrument allow/deny lists.
func (s *Store) SetSymbolLists(allowed, denied []string, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := clone(s.Snapshot())
	next.AllowedSymbols = make(map[string]bool, len(allowed))
	next.DeniedSymbols = make(map[string]bool, len(denied))
	for _, sym := range allowed {
		next.AllowedSymbols[sym] = true
	}
	for _, sym := range denied {
		next.DeniedSymbols[sym] = true
	}
	s.commit(next, actor, "symbol_lists", "global")
}

// UpdateLimits replaces the limit set.
func (s *Store) UpdateLimits(limits Limits, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := clone(s.Snapshot())
	next.Limits = limits
	s.commit(next, actor, "limits", "global")
}

// TripBreaker flips a scope kill-switch from the automatic circuit breaker.
// The switch stays engaged until an operator resets it.
func (s *Store) TripBreaker(scopeKind, id string) {
	switch scopeKind {
	case "global":
		s.SetGlobalHalt(true, "circuit_breaker")
	case "client":
		s.SetClientHalt(id, true, "circuit_breaker")
	case "symbol":
		s.SetSymbolHalt(id, true, "circuit_breaker")
	}
}
