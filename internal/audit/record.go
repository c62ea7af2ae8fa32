// Package audit builds the per-request audit record of the gateway and
// writes it as JSON lines.
//
// Exactly one record is produced for every dispatched request, including
// requests rejected before reaching a backend. Writing is asynchronous by
// default so the client response never waits on log persistence; when the
// buffer is full the record is dropped and counted rather than blocking.
package audit

import (
	"encoding/json"
	"time"
)

// Identification names who talked to whom.
type Identification struct {
	ConnectVersion string `json:"connectVersion"`
	ClientName     string `json:"clientName"`
	ClientVersion  string `json:"clientVersion"`
	ServiceName    string `json:"serviceName"`
	ServiceVersion string `json:"serviceVersion"`
}

// RequestLine summarizes the outcome of the request.
type RequestLine struct {
	Success  bool   `json:"success"`
	Path     string `json:"path"`
	Method   string `json:"method"`
	HTTPCode int    `json:"httpCode"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// Data carries both payload directions. PayloadOut is absent when the
// request terminated before a backend answered.
type Data struct {
	Debug      bool            `json:"debug"`
	UserData   any             `json:"userData"`
	PayloadIn  json.RawMessage `json:"payloadIn,omitempty"`
	PayloadOut json.RawMessage `json:"payloadOut,omitempty"`
}

// Record is one audit entry.
type Record struct {
	ID             string         `json:"id"`
	TimestampIn    float64        `json:"timestampIn"`
	TimestampOut   float64        `json:"timestampOut"`
	Identification Identification `json:"identification"`
	Request        RequestLine    `json:"request"`
	Data           Data           `json:"data"`
}

// NewRecord starts a record for a request that arrived at in.
func NewRecord(id string, in time.Time) *Record {
	return &Record{
		ID:          id,
		TimestampIn: Millis(in),
	}
}

// Finish stamps the departure time.
func (r *Record) Finish(out time.Time) {
	r.TimestampOut = Millis(out)
}

// Millis converts t to epoch milliseconds keeping sub-millisecond
// precision.
func Millis(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}
