package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/pricequorum/pricequorum/internal/oracle"
)

// apiResponse is the uniform envelope for every JSON body. Data is set
// on success, Error on failure, never both.
type apiResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// writeJSON writes a data envelope. Success tracks the status code, so
// a 503 health report does not claim success while carrying its checks.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	resp := apiResponse{
		Success:   status < http.StatusBadRequest,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, `{"success":false,"error":"json encoding failed"}`, http.StatusInternalServerError)
	}
}

// writeError writes a failure envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	resp := apiResponse{
		Success:   false,
		Error:     message,
		Timestamp: time.Now().Unix(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, `{"success":false,"error":"json encoding failed"}`, http.StatusInternalServerError)
	}
}

// statusForError maps the consensus error taxonomy onto HTTP statuses.
// Anything outside the taxonomy is a backend fault and gets a generic
// 500 so internals never leak to callers.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, oracle.ErrNoPriceData), errors.Is(err, oracle.ErrNoFeed):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, oracle.ErrPriceDeviation):
		return http.StatusConflict, err.Error()
	case errors.Is(err, oracle.ErrStale):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// canonicalSymbol maps the public dash form onto the internal slash
// form: "btc-usd" becomes "BTC/USD". Symbols already in internal form
// pass through unchanged.
func canonicalSymbol(raw string) string {
	return strings.ToUpper(strings.ReplaceAll(raw, "-", "/"))
}
