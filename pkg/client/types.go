package client

import "time"

// ServiceStatus is the state of one managed server.
type ServiceStatus struct {
	Service   string    `json:"service"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// HealthCheck is the outcome of a single diagnostic.
type HealthCheck struct {
	CheckName string    `json:"check_name"`
	IsHealthy bool      `json:"is_healthy"`
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthReport aggregates every diagnostic.
type HealthReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []HealthCheck `json:"checks"`
}

// PortConflict describes a foreign process holding a port.
type PortConflict struct {
	Port             int    `json:"port"`
	PID              int    `json:"pid"`
	Name             string `json:"name"`
	Path             string `json:"path,omitempty"`
	IsSystemCritical bool   `json:"is_system_critical"`
}

// PortBinding is one row of the listener table.
type PortBinding struct {
	Port         int    `json:"port"`
	LocalAddress string `json:"local_address"`
	PID          int    `json:"pid"`
	ProcessName  string `json:"process_name,omitempty"`
}

// PortInfo reports whether a port is free.
type PortInfo struct {
	Port      int           `json:"port"`
	Available bool          `json:"available"`
	Conflict  *PortConflict `json:"conflict,omitempty"`
}

type freePortResponse struct {
	Port  int  `json:"port"`
	Found bool `json:"found"`
}

// Site is a provisioned virtual host.
type Site struct {
	SiteName     string `json:"site_name"`
	Hostname     string `json:"hostname"`
	DocumentRoot string `json:"document_root"`
}

// LogEntry is a tailed log line.
type LogEntry struct {
	Source    string    `json:"source"`
	Line      string    `json:"line"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

type logsResponse struct {
	Source  string     `json:"source"`
	Entries []LogEntry `json:"entries"`
}

// HistoryEvent is a recorded status transition.
type HistoryEvent struct {
	Service    string    `json:"service"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	PID        int       `json:"pid"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type historyResponse struct {
	Events []HistoryEvent `json:"events"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error    string        `json:"error"`
	Conflict *PortConflict `json:"conflict,omitempty"`
}
