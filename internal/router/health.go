package router

// Health classifies an adapter's availability for routing.
type Health uint8

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthDown
)

// Consecutive send failures before the health tracker demotes an adapter.
const (
	degradeAfter = 3
	downAfter    = 6
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthDown:
		return "down"
	default:
		return "unknown"
	}
}

// ParseHealth maps the wire name back to a Health value.
func ParseHealth(s string) (Health, bool) {
	switch s {
	case "healthy":
		return HealthHealthy, true
	case "degraded":
		return HealthDegraded, true
	case "down":
		return HealthDown, true
	default:
		return HealthHealthy, false
	}
}
