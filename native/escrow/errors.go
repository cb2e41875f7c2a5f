package escrow

import (
	"errors"

	coreerrors "oyamarket/core/errors"
)

var (
	// ErrUnauthorized is returned when the caller does not hold the role an
	// operation requires.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrInvalidState is returned when the order is not in a state that
	// permits the operation.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrConfigurationMissing is returned when an order needs the reward
	// ledger but none was configured when it was created, or when the
	// controller may not mint on it.
	ErrConfigurationMissing = errors.New("escrow: configuration missing")
	ErrInvalidOrder         = errors.New("escrow: invalid order")
	ErrInvalidWinner        = errors.New("escrow: winner must be buyer or seller")
	ErrInvalidConfiguration = errors.New("escrow: invalid configuration")
	ErrOrderNotFound        = errors.New("escrow: order not found")
	ErrUnknownOperation     = errors.New("escrow: unknown operation")

	errNilState = errors.New("escrow: state not configured")
)

// Ledger failures propagated unchanged from the value and reward ledgers.
var (
	ErrInsufficientBalance   = coreerrors.ErrInsufficientBalance
	ErrInsufficientAllowance = coreerrors.ErrInsufficientAllowance
)
