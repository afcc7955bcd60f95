package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"ReserveLedger/internal/backstop"
	"ReserveLedger/internal/custody"
	"ReserveLedger/internal/engine"
	"ReserveLedger/internal/fixedpoint"
	"ReserveLedger/internal/oracle"
	"ReserveLedger/internal/rates"
	"ReserveLedger/internal/reserve"
)

// statusForError maps engine error kinds to HTTP statuses: 400 for validation
// failures, 403 for authorization, 409 for state-machine conflicts, 422 for
// health and liquidity rejections.
func statusForError(err error) int {
	switch {
	case errors.Is(err, reserve.ErrInvalidAmount),
		errors.Is(err, fixedpoint.ErrArithmeticOverflow),
		errors.Is(err, fixedpoint.ErrDivisionByZero),
		errors.Is(err, fixedpoint.ErrNegativeValue),
		errors.Is(err, rates.ErrRateChangeExceedsLimit):
		return http.StatusBadRequest

	case errors.Is(err, engine.ErrUnauthorized),
		errors.Is(err, custody.ErrNotOwner):
		return http.StatusForbidden

	case errors.Is(err, engine.ErrPositionNotFound),
		errors.Is(err, custody.ErrNotHeld):
		return http.StatusNotFound

	case errors.Is(err, engine.ErrLiquidationNotFound),
		errors.Is(err, engine.ErrLiquidationNotExpired),
		errors.Is(err, engine.ErrGracePeriodExpired),
		errors.Is(err, engine.ErrHealthFactorOK),
		errors.Is(err, engine.ErrDebtRemaining),
		errors.Is(err, custody.ErrAlreadyHeld):
		return http.StatusConflict

	case errors.Is(err, engine.ErrHealthFactorTooLow),
		errors.Is(err, engine.ErrInsufficientCollateral),
		errors.Is(err, reserve.ErrInsufficientLiquidity),
		errors.Is(err, backstop.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity

	case errors.Is(err, oracle.ErrPriceUnavailable),
		errors.Is(err, oracle.ErrPriceStale):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// reasonForError labels rejection metrics with a stable kind name.
func reasonForError(err error) string {
	switch {
	case errors.Is(err, reserve.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, reserve.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, engine.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, engine.ErrHealthFactorTooLow):
		return "health_factor_too_low"
	case errors.Is(err, engine.ErrHealthFactorOK):
		return "health_factor_ok"
	case errors.Is(err, engine.ErrLiquidationNotExpired):
		return "liquidation_not_expired"
	case errors.Is(err, engine.ErrGracePeriodExpired):
		return "grace_period_expired"
	case errors.Is(err, engine.ErrLiquidationNotFound):
		return "liquidation_not_found"
	case errors.Is(err, engine.ErrDebtRemaining):
		return "debt_remaining"
	case errors.Is(err, engine.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, rates.ErrRateChangeExceedsLimit):
		return "rate_change_exceeds_limit"
	case errors.Is(err, fixedpoint.ErrArithmeticOverflow):
		return "arithmetic_overflow"
	case errors.Is(err, fixedpoint.ErrDivisionByZero):
		return "division_by_zero"
	case errors.Is(err, oracle.ErrPriceUnavailable), errors.Is(err, oracle.ErrPriceStale):
		return "price_unavailable"
	case errors.Is(err, backstop.ErrInsufficientFunds):
		return "backstop_insufficient"
	default:
		return "other"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusInternalServerError, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
