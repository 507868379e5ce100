package core

import (
	"time"

	"reactsql/chat"
)

// ChatRequest is the body of both chat endpoints.
type ChatRequest struct {
	Question string `json:"question"` // Natural-language question about the database
}

// Envelope is the JSON shape of every non-streaming response: exactly one of
// Data and Error is set.
type Envelope struct {
	Data  any       `json:"data"`
	Error *APIError `json:"error,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    int    `json:"code"`    // HTTP status code
	Message string `json:"message"` // Human-readable reason
	Type    string `json:"type"`    // Machine-readable kind, e.g. "validation_error"
}

// Error kinds reported in APIError.Type.
const (
	ErrorTypeValidation  = "validation_error"
	ErrorTypeUnavailable = "service_unavailable"
	ErrorTypeNotFound    = "not_found"
	ErrorTypeInternal    = "internal_error"
	ErrorTypeRateLimited = "rate_limited"
)

// ChatResponse is the data of a non-streaming answer.
type ChatResponse struct {
	QueryID       string           `json:"query_id"`
	Question      string           `json:"question"`
	Answer        string           `json:"answer"`
	Steps         []chat.ReActStep `json:"steps"`
	Summary       chat.StepSummary `json:"summary"`
	ExecutionFlow []string         `json:"execution_flow"`
	ExecutionTime float64          `json:"execution_time"` // seconds
	Success       bool             `json:"success"`
	Error         string           `json:"error,omitempty"`
}

// StopRequest asks the server to cancel a running query.
type StopRequest struct {
	QueryID string `json:"query_id"` // query_id announced by execution_start
}

// StopResponse reports the outcome of a StopRequest.
type StopResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Stopped bool   `json:"stopped"` // false when the query had already finished
}

// HealthResponse is the data of GET /api/v1/health.
type HealthResponse struct {
	Status   string    `json:"status"`
	Database string    `json:"database"`
	Time     time.Time `json:"time"`
}

// StatusResponse is the data of GET /api/v1/status.
type StatusResponse struct {
	Provider         string       `json:"provider"`
	Model            string       `json:"model"`
	Tables           []string     `json:"tables"`
	ActiveExecutions []string     `json:"active_executions"`
	Queries          HistoryStats `json:"queries"`
	Uptime           float64      `json:"uptime_seconds"`
}

// TablesResponse is the data of GET /api/v1/tables.
type TablesResponse struct {
	Tables []string `json:"tables"`
}

// QueriesResponse is the data of GET /api/v1/queries, newest first.
type QueriesResponse struct {
	Queries []QueryRecord `json:"queries"`
}
