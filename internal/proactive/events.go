package proactive

import "time"

// Event types published on the bus.
const (
	EventActivity  = "proactive.activity"
	EventScheduled = "proactive.scheduled"
	EventSent      = "proactive.sent"
	EventAborted   = "proactive.aborted"
	EventRestarted = "proactive.loop_restarted"
)

// Abort reasons.
const (
	ReasonNotWhitelisted      = "not_whitelisted"
	ReasonStale               = "stale"
	ReasonConversationMissing = "conversation_missing"
	ReasonGenerateFailed      = "generate_failed"
	ReasonBadRole             = "bad_role"
	ReasonEmptyReply          = "empty_reply"
	ReasonSendFailed          = "send_failed"
	ReasonScheduleFailed      = "schedule_failed"
)

// SendEvent is the payload of scheduled, sent and aborted events.
type SendEvent struct {
	RunID  string        `json:"run_id"`
	TaskID string        `json:"task_id"`
	Family string        `json:"family"`
	UserID string        `json:"user_id"`
	Delay  time.Duration `json:"delay,omitempty"`
	Reason string        `json:"reason,omitempty"`
	Error  string        `json:"error,omitempty"`
	Took   time.Duration `json:"took,omitempty"`
	At     time.Time     `json:"at"`
}

// ActivityEvent is the payload of EventActivity.
type ActivityEvent struct {
	UserID      string    `json:"user_id"`
	Acknowledge bool      `json:"acknowledge"`
	Cancelled   int       `json:"cancelled"`
	At          time.Time `json:"at"`
}

// RestartEvent is the payload of EventRestarted.
type RestartEvent struct {
	Loop     string        `json:"loop"`
	Restarts int           `json:"restarts"`
	Backoff  time.Duration `json:"backoff"`
	Error    string        `json:"error"`
}
