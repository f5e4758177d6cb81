package storage

import (
	"strings"
	"time"

	"nudgebot/internal/state"
)

const stateVersion = 1

// stateDoc is the on-disk form of state.Snapshot.
type stateDoc struct {
	Version  int          `json:"version"`
	SavedAt  string       `json:"saved_at"`
	Users    []userDoc    `json:"users"`
	History  []historyDoc `json:"history"`
	Awaiting []string     `json:"awaiting"`
	Markers  []markerDoc  `json:"markers"`
	Sharing  []shareDoc   `json:"sharing"`
}

type userDoc struct {
	UserID           string `json:"user_id"`
	ConversationID   string `json:"conversation_id"`
	Origin           string `json:"origin,omitempty"`
	LastActivityAt   string `json:"last_activity_at"`
	ConsecutiveSends int    `json:"consecutive_sends"`
	Awaiting         bool   `json:"awaiting,omitempty"`
}

type historyDoc struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Origin         string `json:"origin,omitempty"`
	SentAt         string `json:"sent_at"`
}

type markerDoc struct {
	Family string   `json:"family"`
	Day    string   `json:"day"`
	Users  []string `json:"users"`
}

type shareDoc struct {
	UserID string `json:"user_id"`
	At     string `json:"at"`
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// timeParser parses stored timestamps, substituting now for bad values and
// counting them.
type timeParser struct {
	now time.Time
	bad int
}

func (p *timeParser) parse(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil || t.IsZero() {
		p.bad++
		return p.now
	}
	return t
}

func encodeState(snap state.Snapshot) stateDoc {
	doc := stateDoc{Version: stateVersion, SavedAt: formatTime(snap.SavedAt), Awaiting: snap.Awaiting}
	for _, r := range snap.Records {
		doc.Users = append(doc.Users, userDoc{
			UserID:           r.UserID,
			ConversationID:   r.Conversation.ID,
			Origin:           r.Conversation.Origin,
			LastActivityAt:   formatTime(r.LastActivityAt),
			ConsecutiveSends: r.ConsecutiveSends,
			Awaiting:         r.Awaiting,
		})
	}
	for _, h := range snap.History {
		doc.History = append(doc.History, historyDoc{
			UserID:         h.UserID,
			ConversationID: h.Conversation.ID,
			Origin:         h.Conversation.Origin,
			SentAt:         formatTime(h.SentAt),
		})
	}
	for _, m := range snap.Markers {
		doc.Markers = append(doc.Markers, markerDoc{Family: m.Family, Day: m.Day, Users: m.Users})
	}
	for _, s := range snap.Sharing {
		doc.Sharing = append(doc.Sharing, shareDoc{UserID: s.UserID, At: formatTime(s.At)})
	}
	return doc
}

func decodeState(doc stateDoc, p *timeParser) state.Snapshot {
	snap := state.Snapshot{Awaiting: doc.Awaiting}
	if doc.SavedAt != "" {
		snap.SavedAt = p.parse(doc.SavedAt)
	}
	for _, u := range doc.Users {
		snap.Records = append(snap.Records, state.UserRecord{
			UserID:           u.UserID,
			Conversation:     state.ConversationRef{ID: u.ConversationID, Origin: u.Origin},
			LastActivityAt:   p.parse(u.LastActivityAt),
			ConsecutiveSends: u.ConsecutiveSends,
			Awaiting:         u.Awaiting,
		})
	}
	for _, h := range doc.History {
		snap.History = append(snap.History, state.HistoryEntry{
			UserID:       h.UserID,
			Conversation: state.ConversationRef{ID: h.ConversationID, Origin: h.Origin},
			SentAt:       p.parse(h.SentAt),
		})
	}
	for _, m := range doc.Markers {
		snap.Markers = append(snap.Markers, state.Marker{Family: m.Family, Day: m.Day, Users: m.Users})
	}
	for _, s := range doc.Sharing {
		snap.Sharing = append(snap.Sharing, state.ShareEntry{UserID: s.UserID, At: p.parse(s.At)})
	}
	return snap
}
