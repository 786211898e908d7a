package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/basket/haggle/internal/negotiation"
)

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// StatusFor maps a protocol error code to its HTTP status.
func StatusFor(code negotiation.Code) int {
	switch code {
	case negotiation.CodeUnauthorized:
		return http.StatusForbidden
	case negotiation.CodeNotFound:
		return http.StatusNotFound
	case negotiation.CodeNotActive, negotiation.CodeNotYourTurn,
		negotiation.CodeRoundLimitExceeded, negotiation.CodeQueueConflict:
		return http.StatusConflict
	case negotiation.CodeExpired:
		return http.StatusGone
	case negotiation.CodePriceOutOfBounds:
		return http.StatusUnprocessableEntity
	case negotiation.CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err. Protocol errors keep their code and reason, body
// problems become validation errors and anything else is an opaque 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *negotiation.Error
	var be *bodyError
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &pe):
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", pe.Code, "reason", pe.Reason)
		writeJSON(w, StatusFor(pe.Code), errorBody{Error: string(pe.Code), Reason: pe.Reason})
	case errors.As(err, &be):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(negotiation.CodeValidation), Reason: be.reason})
	case errors.As(err, &mbe):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: string(negotiation.CodeValidation), Reason: "request body too large"})
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Reason: "internal error"})
	}
}
