package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rzbill/chatrelay/internal/eventlog"
)

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeStatusError also carries a machine readable status.
func writeStatusError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "status": code})
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeNoContent writes a 204 No Content response.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// principal reads the caller identity from the trusted header. A missing or
// blank header means a guest.
func principal(r *http.Request, header string) *string {
	if header == "" {
		return nil
	}
	v := strings.TrimSpace(r.Header.Get(header))
	if v == "" {
		return nil
	}
	return &v
}

// resumeOffset returns the offset a client asked to resume from, via the
// Last-Event-ID header or the from query parameter.
func resumeOffset(r *http.Request) (*eventlog.EntryID, bool) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("from")
	}
	if raw == "" {
		return nil, true
	}
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil, false
	}
	id := eventlog.EntryID(n)
	return &id, true
}
