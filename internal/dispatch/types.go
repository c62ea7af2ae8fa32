package dispatch

import (
	"encoding/json"
)

// Status is the client-facing outcome of a dispatch.
type Status string

// Statuses. Exactly one applies to each response.
const (
	// StatusSuccess means the backend answered and declared success.
	StatusSuccess Status = "success"
	// StatusError means the backend answered and declared failure.
	StatusError Status = "error"
	// StatusUnregistered covers requests that cannot be routed or whose
	// credential was rejected. The message tells which.
	StatusUnregistered Status = "unregistered"
	// StatusUnreachable means the backend could not be contacted.
	StatusUnreachable Status = "unreachable"
	// StatusUnauthorized means the caller lacks the route's permission bits.
	StatusUnauthorized Status = "unauthorized"
	// StatusConnectError means the backend reply could not be understood.
	StatusConnectError Status = "connect_error"
)

// Messages of early terminations.
const (
	MessageServiceNotRegistered = "Service not registered"
	MessagePathNotInService     = "Path not in service"
	MessagePermissionDenied     = "Permission denied"
)

// emptyPayload is returned when no backend payload exists.
var emptyPayload = json.RawMessage(`{}`)

// Request is a client's dispatch request.
type Request struct {
	APIKey        string          `json:"apiKey,omitempty"`
	ClientName    string          `json:"clientName"`
	ClientVersion string          `json:"clientVersion"`
	ServiceName   string          `json:"serviceName"`
	Path          string          `json:"path"`
	Debug         bool            `json:"debug"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// Method is the client's HTTP verb, matched against the route method.
	Method string `json:"-"`
	// Token is the bearer credential, if any.
	Token string `json:"-"`
}

// Response is the body returned to the client.
type Response struct {
	Success bool            `json:"success"`
	ID      string          `json:"id"`
	Status  Status          `json:"status"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

// Result pairs a response with the HTTP status code to send.
type Result struct {
	HTTPCode int
	Response Response
}

// newResponse builds a response whose Success flag always agrees with
// its status.
func newResponse(id string, status Status, message string, payload json.RawMessage) Response {
	if len(payload) == 0 {
		payload = emptyPayload
	}
	return Response{
		Success: status == StatusSuccess,
		ID:      id,
		Status:  status,
		Message: message,
		Payload: payload,
	}
}
