package domain

import "time"

// DedupRecord collapses repeats of (imei, alarm_type) inside the dedup window.
type DedupRecord struct {
	IMEI             string    `json:"imei"`
	AlarmType        string    `json:"alarm_type"`
	FirstOccurrence  time.Time `json:"first_occurrence"`
	LastOccurrence   time.Time `json:"last_occurrence"`
	OccurrenceCount  int       `json:"occurrence_count"`
	NotificationSent bool      `json:"notification_sent"`
}

// AttemptStatus is the terminal outcome recorded for a notification attempt.
// The partial unique index on (alarm_id, channel) applies only to "success",
// so the two values must never be conflated.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// NotificationAttempt is one audit row. At most one success row exists per
// (AlarmID, Channel).
type NotificationAttempt struct {
	ID                int64         `json:"id"`
	AlarmID           int64         `json:"alarm_id"`
	IMEI              string        `json:"imei"`
	GPSTime           time.Time     `json:"gps_time"`
	Channel           Channel       `json:"channel"`
	Recipient         string        `json:"recipient"`
	Status            AttemptStatus `json:"status"`
	Error             string        `json:"error,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	Provider          string        `json:"provider"`
	ModemID           int64         `json:"modem_id,omitempty"`
	ModemName         string        `json:"modem_name,omitempty"`
	SentAt            time.Time     `json:"sent_at"`
}

// DLQItem is a terminally-failed alarm parked for replay. Reprocessed=true is
// terminal; a re-failure creates a new item.
type DLQItem struct {
	ID            string     `json:"id"`
	AlarmID       int64      `json:"alarm_id"`
	IMEI          string     `json:"imei"`
	Channel       Channel    `json:"channel"`
	Payload       []byte     `json:"payload"`
	ErrorMessage  string     `json:"error_message"`
	ErrorType     string     `json:"error_type"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Reprocessed   bool       `json:"reprocessed"`
	ReprocessedAt *time.Time `json:"reprocessed_at,omitempty"`
}

// DLQSummary aggregates the DLQ for the reprocessor and the ops endpoint.
type DLQSummary struct {
	Total       int64            `json:"total"`
	ByChannel   map[Channel]int64 `json:"by_channel"`
	ByErrorType map[string]int64 `json:"by_error_type"`
	AvgAge      time.Duration    `json:"avg_age"`
	MaxAttempts int              `json:"max_attempts"`
}

// SystemRunState is the global consumer gate.
type SystemRunState string

const (
	StateRunning    SystemRunState = "running"
	StatePaused     SystemRunState = "paused"
	StateRestarting SystemRunState = "restarting"
)

// SystemState is the singleton pause/resume + mock-mode row.
type SystemState struct {
	State        SystemRunState `json:"state"`
	UseMockSMS   bool           `json:"use_mock_sms"`
	UseMockEmail bool           `json:"use_mock_email"`
	PausedAt     *time.Time     `json:"paused_at,omitempty"`
	PausedBy     string         `json:"paused_by,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// WorkerStatus classifies a registered consumer instance by heartbeat age.
type WorkerStatus string

const (
	WorkerActive WorkerStatus = "active"
	WorkerStale  WorkerStatus = "stale"
	WorkerDead   WorkerStatus = "dead"
)

// Worker is one registered consumer instance (id = hostname+pid).
type Worker struct {
	ID            string       `json:"id"`
	Hostname      string       `json:"hostname"`
	PID           int          `json:"pid"`
	StartedAt     time.Time    `json:"started_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Status        WorkerStatus `json:"status"`
}
