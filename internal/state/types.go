package state

import "time"

// ConversationRef is the opaque handle needed to resume a conversation:
// a conversation id plus the origin it came from.
type ConversationRef struct {
	ID     string `json:"id"`
	Origin string `json:"origin,omitempty"`
}

func (r ConversationRef) Valid() bool { return r.ID != "" }

// UserRecord is the per-user scheduling state. Values returned by the Store
// are copies.
type UserRecord struct {
	UserID           string
	Conversation     ConversationRef
	LastActivityAt   time.Time
	ConsecutiveSends int
	Awaiting         bool

	// Generation increments on every inbound activity. In memory only.
	Generation uint64
	// EscalationPending is set while an escalation send is registered.
	// In memory only.
	EscalationPending bool
}

// HistoryEntry remembers the last proactive send to a user.
type HistoryEntry struct {
	UserID       string
	Conversation ConversationRef
	SentAt       time.Time
}

// Candidate is a user a daily trigger may target.
type Candidate struct {
	UserID       string
	Conversation ConversationRef
	// Tracked is false for users known only from history.
	Tracked bool
}

// Escalation identifies a reserved escalation send.
type Escalation struct {
	UserID       string
	Conversation ConversationRef
	Seq          int
	Generation   uint64
}

// Marker is the persisted form of one daily-sent set.
type Marker struct {
	Family string
	Day    string
	Users  []string
}

type ShareEntry struct {
	UserID string
	At     time.Time
}

// Snapshot is the persisted state.
type Snapshot struct {
	SavedAt  time.Time
	Records  []UserRecord
	History  []HistoryEntry
	Awaiting []string
	Markers  []Marker
	Sharing  []ShareEntry
}

// Whitelist is consulted before creating, updating or iterating records.
type Whitelist interface {
	Enabled() bool
	Contains(userID string) bool
}
