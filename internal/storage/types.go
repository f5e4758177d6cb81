package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON state snapshot plus a JSON Lines audit log
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records the outcome of one proactive send.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	RunID   string    `json:"run_id"`
	TaskID  string    `json:"task_id"`
	Family  string    `json:"family"`
	UserID  string    `json:"user_id"`
	Outcome string    `json:"outcome"` // "sent" or "aborted"
	Reason  string    `json:"reason,omitempty"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms,omitempty"`
	DelayMS int64     `json:"delay_ms,omitempty"`
}
