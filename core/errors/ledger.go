package errors

import stderrors "errors"

// Ledger failures surfaced to callers of transfer, transferFrom and mint.
var (
	ErrInsufficientBalance   = stderrors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = stderrors.New("ledger: insufficient allowance")
	ErrMissingRole           = stderrors.New("ledger: caller lacks required role")
	ErrUnknownToken          = stderrors.New("ledger: unknown token")
	ErrBalanceOverflow       = stderrors.New("ledger: balance overflow")
	ErrNegativeAmount        = stderrors.New("ledger: negative amount")
	ErrInvalidToken          = stderrors.New("ledger: invalid token definition")
)
