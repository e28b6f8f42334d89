package web

// Unified error responses: technical details are logged server-side with
// the request ID; clients get a user-friendly message, an action, and a
// code to quote to support. Never a stack trace, never a raw cell value.

import (
	"encoding/json"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"cohortvault/internal/logging"
	"cohortvault/internal/pipeline"
)

// ErrorResponse is the JSON body for API errors.
type ErrorResponse struct {
	Error  string `json:"error"`
	Action string `json:"action,omitempty"`
	Code   string `json:"code"`
}

// UserMessageRateLimited is returned when a client exceeds its budget.
var UserMessageRateLimited = pipeline.UserMessage{
	Message: "Too many requests",
	Action:  "Please wait a moment before trying again",
	Code:    "RATE001",
}

// respondError logs the technical error and writes the mapped message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	msg := pipeline.MapError(err)
	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", msg.Code,
		"request_id", chimw.GetReqID(r.Context()),
	)
	respondErrorJSON(w, msg, statusCode)
}

func respondErrorJSON(w http.ResponseWriter, msg pipeline.UserMessage, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:  msg.Message,
		Action: msg.Action,
		Code:   msg.Code,
	})
}

// respondJSON writes a success payload.
func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
