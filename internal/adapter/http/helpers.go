package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roundtable-chat/roundtable/internal/domain"
)

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit. An empty body
// decodes to the zero value.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "", "request body too large")
		case errors.Is(err, io.EOF):
			return v, true
		default:
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, fallback int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

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

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}

// statusFor maps a domain failure kind to an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "validation_failed":
		return http.StatusBadRequest
	case "generation_locked":
		return http.StatusLocked
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	kind := domain.Kind(err)
	status := statusFor(kind)
	switch {
	case status == http.StatusInternalServerError:
		writeInternalError(w, err)
	case kind == "not_found":
		writeError(w, status, kind, fallbackMsg)
	default:
		writeError(w, status, kind, failureMessage(err))
	}
}

// failureMessage strips the wrapped sentinel so the client sees the
// context first, e.g. "content is required".
func failureMessage(err error) string {
	msg := err.Error()
	if s := domain.Sentinel(err); s != nil {
		if trimmed := strings.TrimSuffix(msg, ": "+s.Error()); trimmed != "" {
			return trimmed
		}
	}
	return msg
}

// writeInternalError logs the actual error server-side and returns a generic message to the client.
func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "", "internal server error")
}
