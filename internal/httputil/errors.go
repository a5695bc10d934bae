package httputil

import (
	"encoding/json"
	"net/http"
)

// APIError matches the Anthropic error response format.
type APIError struct {
	Type  string       `json:"type"`
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{
		Type: "error",
		Error: APIErrorBody{
			Type:      errType,
			Message:   message,
			RequestID: requestID,
		},
	})
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", message)
}

// WriteNotImplementedError covers endpoint/provider combinations the proxy
// refuses to forward, such as token counting against a dedicated provider.
func WriteNotImplementedError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusNotImplemented, "not_supported_error", message)
}

func WriteUpstreamUnreachableError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadGateway, "upstream_unreachable_error", message)
}

func WriteUpstreamTimeoutError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusGatewayTimeout, "upstream_timeout_error", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "api_error", message)
}
