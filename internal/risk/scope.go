package risk

import (
	"sync"
	"time"

	"main/internal/schema"
)

// Scope keys partition the counters so unrelated flows never contend on a
// single global lock.
const (
	ScopeGlobal = "global"
)

// ClientScope builds the counter key for a client.
func ClientScope(clientID string) string {
	return "client:" + clientID
}

// SymbolScope builds the counter key for a symbol.
func SymbolScope(symbol string) string {
	return "symbol:" + symbol
}

// scope holds the fast-path aggregate counters for one scope key. All
// fields are guarded by mu; locks are only held across counter math, never
// across I/O.
type scope struct {
	mu sync.Mutex

	key          string
	openNotional schema.Notional
	position     schema.Quantity

	// balance and marginUsed are meaningful for client scopes only.
	balance    schema.Notional
	marginUsed schema.Notional

	// stamps is the sliding submission log for velocity control,
	// rejections the sliding rejection log for the circuit breaker.
	stamps     []int64
	rejections []int64
	tripped    bool
}

// pruneStamps drops entries older than the window. Caller holds mu.
func pruneStamps(log []int64, now time.Time, window time.Duration) []int64 {
	cutoff := now.Add(-window).UnixNano()
	idx := 0
	for idx < len(log) && log[idx] <= cutoff {
		idx++
	}
	if idx == 0 {
		return log
	}
	return append(log[:0], log[idx:]...)
}

// velocityCount returns submissions within the window. Caller holds mu.
func (s *scope) velocityCount(now time.Time, window time.Duration) int {
	s.stamps = pruneStamps(s.stamps, now, window)
	return len(s.stamps)
}

// recordRejection appends to the rejection log and reports whether the
// breaker threshold has been crossed. Caller holds mu.
func (s *scope) recordRejection(now time.Time, threshold int, window time.Duration) bool {
	if threshold <= 0 || window <= 0 {
		return false
	}
	s.rejections = pruneStamps(s.rejections, now, window)
	s.rejections = append(s.rejections, now.UnixNano())
	if s.tripped || len(s.rejections) < threshold {
		return false
	}
	s.tripped = true
	return true
}

// resetBreaker clears the trip latch after an operator reset.
func (s *scope) resetBreaker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tripped = false
	s.rejections = s.rejections[:0]
}
