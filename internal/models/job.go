package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Redis.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// MaxAttempts is the fixed retry budget per job.
const MaxAttempts = 3

// DateLayout is the calendar-day format used for job dates and per-day keys.
const DateLayout = "2006-01-02"

// Job is one unit of recompute work for a single employee and calendar day.
type Job struct {
	ID                  string     `json:"id"`
	EmployeeID          string     `json:"employee_id"`
	EmployeeName        string     `json:"employee_name"`
	DeviceID            string     `json:"device_id"`
	DeviceName          string     `json:"device_name"`
	Date                string     `json:"date"`
	Status              string     `json:"status"`
	Attempts            int        `json:"attempts"`
	MaxAttempts         int        `json:"max_attempts"`
	CreatedAt           time.Time  `json:"created_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	ProcessingTimeMs    int64      `json:"processing_time_ms,omitempty"`
	Error               *string    `json:"error,omitempty"`
	ErrorTrace          *string    `json:"error_trace,omitempty"`
}

// ValidStatus reports whether s is a known job status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Stats merges stored per-day counters with live queue lengths.
// Pending and Processing are derived from list/set sizes at read time,
// never stored, so they cannot drift across crashes.
type Stats struct {
	Date                  string     `json:"date"`
	TotalToday            int64      `json:"total_today"`
	Completed             int64      `json:"completed"`
	Failed                int64      `json:"failed"`
	Pending               int64      `json:"pending"`
	Processing            int64      `json:"processing"`
	TotalProcessingTimeMs int64      `json:"total_processing_time_ms"`
	LastProcessedAt       *time.Time `json:"last_processed_at,omitempty"`
	SuccessRate           float64    `json:"success_rate"`
	AvgProcessingTimeMs   float64    `json:"avg_processing_time_ms"`
}

// ProcessorStatus is the worker loop's externally visible state.
type ProcessorStatus struct {
	IsProcessing bool `json:"is_processing"`
	ShouldStop   bool `json:"should_stop"`
	Healthy      bool `json:"healthy"`
}

// Health levels for the aggregated operator signal.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Health combines processor liveness and today's stats into one tri-state
// summary. Recommendations carry remediation hints for non-healthy states.
type Health struct {
	Status          string          `json:"status"`
	Stats           Stats           `json:"stats"`
	Processor       ProcessorStatus `json:"processor"`
	Recommendations []string        `json:"recommendations,omitempty"`
}
