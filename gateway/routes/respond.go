package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	coreerrors "oyamarket/core/errors"
	"oyamarket/crypto"
	"oyamarket/native/escrow"
	"oyamarket/services/indexer"
)

const maxRequestBody = 1 << 20 // 1 MiB

var errInvalidRequest = errors.New("invalid request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps domain failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, coreerrors.ErrMissingRole):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, coreerrors.ErrInsufficientBalance), errors.Is(err, coreerrors.ErrInsufficientAllowance):
		return http.StatusPaymentRequired
	case errors.Is(err, escrow.ErrConfigurationMissing):
		return http.StatusPreconditionFailed
	case errors.Is(err, escrow.ErrOrderNotFound),
		errors.Is(err, coreerrors.ErrUnknownToken),
		errors.Is(err, indexer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, escrow.ErrInvalidOrder),
		errors.Is(err, escrow.ErrInvalidWinner),
		errors.Is(err, escrow.ErrInvalidConfiguration),
		errors.Is(err, escrow.ErrUnknownOperation),
		errors.Is(err, coreerrors.ErrNegativeAmount),
		errors.Is(err, coreerrors.ErrBalanceOverflow),
		errors.Is(err, coreerrors.ErrInvalidToken):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body required")
		}
		return badRequest("decode body: %v", err)
	}
	return nil
}

func parseAddress(field, raw string) ([20]byte, error) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return addr, badRequest("%s: %v", field, err)
	}
	return addr, nil
}

func parseOptionalAddress(field, raw string) ([20]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return [20]byte{}, nil
	}
	return parseAddress(field, raw)
}

func urlAddress(r *http.Request, param string) ([20]byte, error) {
	return parseAddress(param, chi.URLParam(r, param))
}

func parseAmount(field, raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, badRequest("%s: invalid decimal amount %q", field, raw)
	}
	if amount.Sign() < 0 {
		return nil, badRequest("%s: amount must not be negative", field)
	}
	return amount, nil
}
