package httpx

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const maxJSONBodyBytes = 1 << 20 // 1MB

func NewRequestID() string { return "req_" + uuid.NewString() }

// RequestID returns the caller-supplied X-Request-Id or a fresh id.
func RequestID(r *http.Request) string {
	if r != nil {
		if v := strings.TrimSpace(r.Header.Get("X-Request-Id")); v != "" && len(v) <= 128 {
			return v
		}
	}
	return NewRequestID()
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes a single JSON value, rejecting bodies over 1MB. Keys dst
// does not declare are ignored so clients can send extra fields.
func ReadJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func WriteError(w http.ResponseWriter, requestID string, status int, code, message string, details any) {
	if requestID == "" {
		requestID = NewRequestID()
	}
	resp := map[string]any{
		"request_id": requestID,
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// ClientIP returns the peer address of r, or the first X-Forwarded-For hop when
// trustForwarded is set. Only set it behind a proxy that overwrites the header.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if r == nil {
		return "unknown"
	}
	if !trustForwarded {
		return remoteHost(r)
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if v := strings.TrimSpace(strings.Split(xff, ",")[0]); v != "" {
			return v
		}
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if strings.TrimSpace(r.RemoteAddr) == "" {
		return "unknown"
	}
	return strings.TrimSpace(r.RemoteAddr)
}
