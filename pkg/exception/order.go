package exception

import "errors"

var (
	ErrValidation        = errors.New("order: invalid request")
	ErrUnknownOrder      = errors.New("order: not found")
	ErrUnknownSymbol     = errors.New("order: unknown symbol")
	ErrOrderTerminal     = errors.New("order: already in terminal state")
	ErrInvalidTransition = errors.New("order: invalid state transition")
	ErrInvalidFill       = errors.New("order: fill exceeds remaining quantity")
)
