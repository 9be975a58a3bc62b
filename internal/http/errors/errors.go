// Package errors writes JSON error responses and logs the cause with the
// request id.
package errors

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type body struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Write sends {"error": message} with the given status.
func Write(w http.ResponseWriter, r *http.Request, status int, message string) {
	WriteJSON(w, status, body{Error: message, RequestID: middleware.GetReqID(r.Context())})
}

// WriteDetail is Write with an explanation for the client.
func WriteDetail(w http.ResponseWriter, r *http.Request, status int, message, detail string) {
	WriteJSON(w, status, body{Error: message, Detail: detail, RequestID: middleware.GetReqID(r.Context())})
}

func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	LogError(r, message, err)

	// The cause stays in the log.
	Write(w, r, http.StatusInternalServerError, "internal server error")
}

func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logf(r, "[WARN]", "bad request: %v", err)
	Write(w, r, http.StatusBadRequest, clientMessage)
}

// TooManyRequests answers a rate limited request.
func TooManyRequests(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	logf(r, "[WARN]", "rate limit exceeded for %s %s", r.Method, r.URL.Path)
	Write(w, r, http.StatusTooManyRequests, "rate limit exceeded")
}

func LogError(r *http.Request, message string, err error) {
	logf(r, "[ERROR]", "%s: %v", message, err)
}

func LogInfo(r *http.Request, message string) {
	logf(r, "[INFO]", "%s", message)
}

func logf(r *http.Request, level, format string, args ...any) {
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		log.Printf(level+" RequestID=%s: "+format, append([]any{requestID}, args...)...)
		return
	}
	log.Printf(level+" "+format, args...)
}
