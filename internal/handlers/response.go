package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/tradelink/settlement/internal/gateway"
	"github.com/tradelink/settlement/internal/services"
)

const maxBodyBytes = 1_048_576

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{validator: validator.New()}
}

func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response. Field details are filled
// from validator errors or a service ValidationError.
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	errorResp := ErrorResponse{Error: message}

	var fieldErrs validator.ValidationErrors
	var inputErr *services.ValidationError
	switch {
	case errors.As(validationErr, &fieldErrs):
		errorResp.Details = make(map[string]string)
		for _, err := range fieldErrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	case errors.As(validationErr, &inputErr):
		errorResp.Details = map[string]string{inputErr.Field: inputErr.Message}
	}

	writeJSON(w, statusCode, errorResp)
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

// decodeJSON reads exactly one JSON object from the body and validates it.
// It writes the error response itself and reports whether the caller may
// continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, vh *ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := vh.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

// statusFor maps service and gateway errors onto HTTP status codes.
func statusFor(err error) int {
	var inputErr *services.ValidationError
	switch {
	case errors.As(err, &inputErr), errors.Is(err, gateway.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrPaymentNotFound),
		errors.Is(err, services.ErrEscrowNotFound),
		errors.Is(err, gateway.ErrUnknownGateway):
		return http.StatusNotFound
	case errors.Is(err, services.ErrStateConflict),
		errors.Is(err, services.ErrEscrowNotActive),
		errors.Is(err, services.ErrRefundInProgress),
		errors.Is(err, services.ErrHoldExists),
		errors.Is(err, services.ErrPaymentNotCompleted):
		return http.StatusConflict
	case errors.Is(err, services.ErrInsufficientFundsForRefund),
		errors.Is(err, gateway.ErrInsufficientCapturedAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrOutcomeUnknown):
		return http.StatusAccepted
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrGatewayTerminal), errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func sendServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
		msg = "Internal server error"
	}
	SendErrorResponse(w, msg, code, err)
}
