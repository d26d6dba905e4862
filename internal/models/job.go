package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job represents an asynchronous task persisted in Postgres.
// Payload and Result are opaque to the queue; each job type owns their shape
// and decodes them into its own struct.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	AvailableAt time.Time       `json:"available_at"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorText   *string         `json:"error_text,omitempty"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether no further automatic transition can occur.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
