package client

import (
	"encoding/json"
	"time"
)

// Record is the state of one plugin.
type Record struct {
	Callsign      string    `json:"callsign"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Configuration string    `json:"configuration,omitempty"`
	Preconditions []string  `json:"preconditions"`
	AutoStart     bool      `json:"autostart"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Download is an outstanding transfer.
type Download struct {
	Key         uint64    `json:"key"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Hash        string    `json:"hash,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// ResumeEntry is one persisted download.
type ResumeEntry struct {
	Destination string `json:"destination"`
	Source      string `json:"source"`
	Hash        string `json:"hash,omitempty"`
}

// Subsystems is the last published satisfied set.
type Subsystems struct {
	Satisfied []string  `json:"satisfied"`
	Since     time.Time `json:"since,omitempty"`
}

// ProcessInfo describes the daemon process.
type ProcessInfo struct {
	PID        int            `json:"pid"`
	StartedAt  time.Time      `json:"started_at"`
	Uptime     float64        `json:"uptime_seconds"`
	Goroutines int            `json:"goroutines"`
	TTL        float64        `json:"ttl_seconds"`
	Plugins    map[string]int `json:"plugins"`
	Downloads  int            `json:"downloads"`
}

// Link is an event channel connected to the daemon.
type Link struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	Principal   string    `json:"principal,omitempty"`
	Events      []string  `json:"events,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	Delivered   uint64    `json:"delivered"`
}

// Token is a bearer token issued by /login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Event is a notification pushed over the events websocket.
type Event struct {
	Name   string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Error is a JSON-RPC error returned by the daemon.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Code string `json:"code"`
	} `json:"data"`
}

func (e *Error) Error() string { return e.Message }

// Kind is the daemon's symbolic error code, e.g. "not_found".
func (e *Error) Kind() string { return e.Data.Code }

// errorResponse is the REST error body.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
