package server

import (
	"encoding/json"
	"errors"
	"net/http"

	nativecommon "lendpool/native/common"
	"lendpool/native/pool"
	"lendpool/services/poold/idempotency"
	"lendpool/services/poold/oracle"
)

var (
	errBadRequest   = errors.New("bad request")
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
	errNotFound     = errors.New("not found")
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

// toStatus maps ledger and service errors to an HTTP status and a stable code.
func toStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, pool.ErrInvalidAmount), errors.Is(err, pool.ErrAmountOverflow):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, pool.ErrInvalidPrice):
		return http.StatusBadRequest, "invalid_price"
	case errors.Is(err, pool.ErrInvalidTimestamp):
		return http.StatusBadRequest, "invalid_timestamp"
	case errors.Is(err, pool.ErrUnknownAsset):
		return http.StatusBadRequest, "unknown_asset"
	case errors.Is(err, pool.ErrReservedAccount):
		return http.StatusBadRequest, "reserved_account"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, pool.ErrUnknownLoan), errors.Is(err, errNotFound):
		return http.StatusNotFound, "unknown_loan"
	case errors.Is(err, pool.ErrAlreadyRepaid):
		return http.StatusConflict, "already_repaid"
	case errors.Is(err, idempotency.ErrMismatch):
		return http.StatusConflict, "idempotency_mismatch"
	case errors.Is(err, pool.ErrUnderpayment):
		return http.StatusUnprocessableEntity, "underpayment"
	case errors.Is(err, pool.ErrInsufficientCustody):
		return http.StatusUnprocessableEntity, "insufficient_custody"
	case errors.Is(err, pool.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded), errors.Is(err, nativecommon.ErrQuotaCounterOverflow):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, errChallengeLimit):
		return http.StatusTooManyRequests, "challenge_limit"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "paused"
	case errors.Is(err, oracle.ErrStale), errors.Is(err, oracle.ErrUnavailable):
		return http.StatusServiceUnavailable, "price_unavailable"
	case errors.Is(err, pool.ErrHalted), errors.Is(err, pool.ErrInvariantViolation):
		return http.StatusInternalServerError, "halted"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError logs input failures at debug level and keeps them out of the 5xx
// class; ledger failures log at error level.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := toStatus(err)
	message := err.Error()
	attrs := []any{"path", r.URL.Path, "requestId", requestID(r.Context()), "code", code, "error", err}
	switch {
	case pool.IsRecoverable(err):
		if status >= http.StatusInternalServerError {
			status, code = http.StatusBadRequest, "bad_request"
		}
		s.logger.Debug("request rejected", attrs...)
	case status == http.StatusInternalServerError:
		s.logger.Error("request failed", attrs...)
		if code == "internal" {
			message = "internal error"
		}
	default:
		s.logger.Info("request refused", attrs...)
	}
	writeJSON(w, status, errorBody{Error: message, Code: code, RequestID: requestID(r.Context())})
}
