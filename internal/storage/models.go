package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// NamespacePreferences holds the exposure notification preferences. Tokens
// live in their own table, not in the settings kv.
const NamespacePreferences = "exposure_notification_pref"

// Job status values.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type TokenRecord struct {
	Token     string
	Responded bool
	UpdatedAt time.Time
}

type Job struct {
	ID              string
	Name            string // empty for one-shot jobs
	Type            string
	Periodic        bool
	IntervalMinutes int
	Status          string // "pending", "running", "completed", "failed"
	Attempts        int
	RunAfter        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastError       string
}

type HostEvent struct {
	ID         string
	ObjectName string
	EventName  string
	Token      string
	FiredAt    time.Time
}
