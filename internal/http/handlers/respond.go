package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/civickiosk/server/internal/apperr"
)

// maxBodyBytes bounds request bodies; every request here is a handful of fields
const maxBodyBytes = 64 << 10

// errorResponse is the body of every non-payment error
type errorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message,omitempty"`
	AttemptsRemaining *int   `json:"attemptsRemaining,omitempty"`
}

// paymentFailure is the body of payment route errors
type paymentFailure struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

var statusByCode = map[apperr.Code]int{
	apperr.CodeInvalidRequest:     http.StatusBadRequest,
	apperr.CodeInvalidAmount:      http.StatusUnprocessableEntity,
	apperr.CodeInvalidAccount:     http.StatusUnprocessableEntity,
	apperr.CodeUnknownDepartment:  http.StatusBadRequest,
	apperr.CodeAccountNotFound:    http.StatusNotFound,
	apperr.CodeAccountNotLinked:   http.StatusForbidden,
	apperr.CodeChallengeNotFound:  http.StatusNotFound,
	apperr.CodeInvalidOTP:         http.StatusUnauthorized,
	apperr.CodeExpired:            http.StatusGone,
	apperr.CodeOTPExhausted:       http.StatusGone,
	apperr.CodeOTPSuperseded:      http.StatusGone,
	apperr.CodeOTPAlreadyUsed:     http.StatusConflict,
	apperr.CodeRateLimited:        http.StatusTooManyRequests,
	apperr.CodeDeliveryFailed:     http.StatusBadGateway,
	apperr.CodeAlreadyPaid:        http.StatusConflict,
	apperr.CodeOrderNotFound:      http.StatusNotFound,
	apperr.CodeSignatureInvalid:   http.StatusBadRequest,
	apperr.CodeAlreadyFinalized:   http.StatusConflict,
	apperr.CodeNotVerified:        http.StatusConflict,
	apperr.CodeNotDemo:            http.StatusConflict,
	apperr.CodeGatewayUnavailable: http.StatusServiceUnavailable,
	apperr.CodeGatewayRejected:    http.StatusBadGateway,
	apperr.CodeUnauthorized:       http.StatusUnauthorized,
	apperr.CodeInternal:           http.StatusInternalServerError,
}

// StatusFor maps a reason code to its HTTP status
func StatusFor(code apperr.Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// respondWithError sends a JSON error response with a reason code
func respondWithError(w http.ResponseWriter, statusCode int, code apperr.Code, message string) {
	respondWithJSON(w, statusCode, errorResponse{Error: string(code), Message: message})
}

// respondWithAppError maps err to a status and reason code. Causes are logged,
// never returned.
func respondWithAppError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Wrap(apperr.CodeInternal, "internal error", err)
	}
	status := StatusFor(appErr.Code)
	logFailure(r, log, status, appErr)
	respondWithJSON(w, status, errorResponse{
		Error:             string(appErr.Code),
		Message:           appErr.Message,
		AttemptsRemaining: appErr.AttemptsRemaining,
	})
}

// respondWithPaymentError is respondWithAppError in the payment routes' shape
func respondWithPaymentError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Wrap(apperr.CodeInternal, "internal error", err)
	}
	status := StatusFor(appErr.Code)
	logFailure(r, log, status, appErr)
	respondWithJSON(w, status, paymentFailure{Reason: string(appErr.Code), Message: appErr.Message})
}

func logFailure(r *http.Request, log *slog.Logger, status int, appErr *apperr.Error) {
	if status < http.StatusInternalServerError {
		return
	}
	log.ErrorContext(r.Context(), "request failed",
		slog.String("path", r.URL.Path),
		slog.String("code", string(appErr.Code)),
		slog.Any("error", appErr),
	)
}

// decodeJSON reads a JSON body into dst, rejecting unknown trailing data
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.CodeInvalidRequest, "request body is required")
		}
		return apperr.Wrap(apperr.CodeInvalidRequest, "invalid request body", err)
	}
	return nil
}
