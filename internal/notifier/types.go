package notifier

import "time"

// Config controls outbound pacing and the async alert pipeline.
type Config struct {
	// RatePerSec caps sends across both paths.
	RatePerSec int
	// SendTimeout bounds one transport call.
	SendTimeout time.Duration

	// AlertChatID enables the alert pipeline when non-zero.
	AlertChatID     int64
	Workers         int
	QueueSize       int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
}

// NotificationEvent is published on the event bus for delivery events.
type NotificationEvent struct {
	Kind   string    `json:"kind"` // "proactive" or "alert"
	ChatID int64     `json:"chat_id"`
	Key    string    `json:"key,omitempty"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
