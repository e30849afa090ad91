package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/pinchwork/pinchwork/internal/domain"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// queryInt parses an integer query parameter, falling back on def.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps sentinel errors onto HTTP statuses. The error kind
// travels in the body so SDK clients can switch without parsing messages.
func writeDomainError(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, ""
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict):
		status, kind = http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrUnauthorized):
		status, kind = http.StatusForbidden, "unauthorized"
	case errors.Is(err, domain.ErrInvalidInput):
		status, kind = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrInsufficientCredits):
		status, kind = http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, domain.ErrSuspended):
		status, kind = http.StatusForbidden, "suspended"
	case errors.Is(err, domain.ErrCooldown):
		status, kind = http.StatusTooManyRequests, "cooldown"
	case errors.Is(err, domain.ErrRateLimited):
		status, kind = http.StatusTooManyRequests, "rate_limited"
	case strings.Contains(err.Error(), "invalid input syntax"):
		status, kind = http.StatusBadRequest, "invalid_input"
	default:
		slog.Error("unhandled domain error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	msg := err.Error()
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}
