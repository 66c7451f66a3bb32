package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xraph/vmledger"
	"github.com/xraph/vmledger/vm"
)

// Error codes carried in every error response.
const (
	codeInsufficientCredits  = "InsufficientCredits"
	codeInvalidTransition    = "InvalidTransition"
	codeInvalidInstanceClass = "InvalidInstanceClass"
	codeInvalidAmount        = "InvalidAmount"
	codeValidation           = "ValidationError"
	codeNameTaken            = "NameTaken"
	codeAlreadyExists        = "AlreadyExists"
	codeNotFound             = "NotFound"
	codeUnauthorized         = "Unauthorized"
	codeConcurrencyConflict  = "ConcurrencyConflict"
	codeProvisionFailed      = "ProvisionFailed"
	codeTimeout              = "Timeout"
	codePersistenceFailure   = "PersistenceFailure"
	codeRateLimited          = "RateLimited"
	codeUnavailable          = "Unavailable"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	// CurrentState is the VM's status when a transition was refused.
	CurrentState vm.Status `json:"current_state,omitempty"`
	// VM is the VM left in the error state by a failed provision.
	VM *vm.VM `json:"vm,omitempty"`
}

// statusFor maps an engine error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	var terr *vm.TransitionError
	switch {
	case errors.Is(err, vmledger.ErrInsufficientCredits):
		return http.StatusBadRequest, codeInsufficientCredits
	case errors.As(err, &terr), errors.Is(err, vmledger.ErrInvalidTransition):
		return http.StatusConflict, codeInvalidTransition
	case errors.Is(err, vmledger.ErrInvalidInstanceClass):
		return http.StatusBadRequest, codeInvalidInstanceClass
	case errors.Is(err, vmledger.ErrInvalidAmount), errors.Is(err, vmledger.ErrCurrencyMismatch):
		return http.StatusBadRequest, codeInvalidAmount
	case vmledger.IsValidation(err):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, vmledger.ErrVMNameTaken):
		return http.StatusConflict, codeNameTaken
	case errors.Is(err, vmledger.ErrAlreadyExists):
		return http.StatusConflict, codeAlreadyExists
	case vmledger.IsNotFound(err):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, vmledger.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable, codeConcurrencyConflict
	case errors.Is(err, vmledger.ErrProvisionFailed):
		return http.StatusBadGateway, codeProvisionFailed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeTimeout
	default:
		return http.StatusInternalServerError, codePersistenceFailure
	}
}

// writeEngineError writes err with its mapped status. Internal failures are
// not echoed to the client; the request ID ties them to the server log.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error, v *vm.VM) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestID(r.Context()),
			"error", err,
		)
		msg = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	resp := &ErrorResponse{Code: code, Message: msg}
	var terr *vm.TransitionError
	if errors.As(err, &terr) {
		resp.CurrentState = terr.From
	}
	if code == codeProvisionFailed {
		resp.VM = v
	}
	writeErrorResponse(w, r, status, resp)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string, v *vm.VM) {
	writeErrorResponse(w, r, status, &ErrorResponse{Code: code, Message: msg, VM: v})
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, resp *ErrorResponse) {
	resp.RequestID = RequestID(r.Context())
	writeJSON(w, status, map[string]*ErrorResponse{"error": resp})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
