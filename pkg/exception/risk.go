package exception

import "errors"

// ErrRoutingFailure means no healthy adapter could take the order.
// Retryable by an operator, never by silent resubmission.
var ErrRoutingFailure = errors.New("router: no healthy adapter")
