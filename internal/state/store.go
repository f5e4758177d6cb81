// Package state is the single owner of per-user scheduling state: activity
// records, escalation history, awaiting-reply flags, daily-sent markers and
// sharing cooldowns. Every mutation goes through Store methods under one lock.
package state

import (
	"sort"
	"sync"
	"time"

	"nudgebot/internal/eligibility"
)

type dailyMarker struct {
	day   string
	users map[string]struct{}
}

type Store struct {
	wl Whitelist

	mu       sync.Mutex
	records  map[string]*UserRecord
	history  map[string]HistoryEntry
	awaiting map[string]struct{}
	// ack holds one-shot acknowledgement tokens moved out of awaiting by
	// RecordActivity and consumed by ConsumeAcknowledgement.
	ack     map[string]struct{}
	markers map[string]*dailyMarker
	sharing map[string]time.Time
}

// NewStore returns an empty store. A nil whitelist allows everyone.
func NewStore(wl Whitelist) *Store {
	return &Store{
		wl:       wl,
		records:  map[string]*UserRecord{},
		history:  map[string]HistoryEntry{},
		awaiting: map[string]struct{}{},
		ack:      map[string]struct{}{},
		markers:  map[string]*dailyMarker{},
		sharing:  map[string]time.Time{},
	}
}

func (s *Store) allowed(userID string) bool {
	if s.wl == nil || !s.wl.Enabled() {
		return true
	}
	return s.wl.Contains(userID)
}

// Allowed reports whether the whitelist admits userID.
func (s *Store) Allowed(userID string) bool { return s.allowed(userID) }

// RecordActivity upserts the user's record for an inbound message at now.
// It resets the escalation counter and reports whether the user was awaiting
// a reply; that flag is cleared in the same critical section. ok is false
// when the whitelist rejects the user (any existing record is evicted).
func (s *Store) RecordActivity(userID string, ref ConversationRef, now time.Time) (acknowledge, ok bool) {
	if userID == "" {
		return false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.allowed(userID) {
		s.evictLocked(userID)
		return false, false
	}

	r := s.records[userID]
	if r == nil {
		r = &UserRecord{UserID: userID}
		if h, found := s.history[userID]; found {
			r.Conversation = h.Conversation
		}
		s.records[userID] = r
	}
	if ref.Valid() {
		r.Conversation = ref
	}
	r.LastActivityAt = now
	r.ConsecutiveSends = 0
	r.EscalationPending = false
	r.Generation++

	if _, waiting := s.awaiting[userID]; waiting {
		delete(s.awaiting, userID)
		s.ack[userID] = struct{}{}
		acknowledge = true
	}
	return acknowledge, true
}

// ConsumeAcknowledgement returns true once per reply to a proactive send.
func (s *Store) ConsumeAcknowledgement(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, tok := s.ack[userID]
	_, waiting := s.awaiting[userID]
	delete(s.ack, userID)
	delete(s.awaiting, userID)
	return tok || waiting
}

// EvictIfNotWhitelisted removes userID's record when whitelist enforcement
// is on and the id is not listed.
func (s *Store) EvictIfNotWhitelisted(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allowed(userID) {
		return false
	}
	return s.evictLocked(userID)
}

// EvictAllNotWhitelisted sweeps every record and returns the evicted ids.
func (s *Store) EvictAllNotWhitelisted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.records {
		if !s.allowed(id) && s.evictLocked(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) evictLocked(userID string) bool {
	_, had := s.records[userID]
	delete(s.records, userID)
	delete(s.awaiting, userID)
	delete(s.ack, userID)
	return had
}

func (s *Store) Get(userID string) (UserRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[userID]
	if !ok {
		return UserRecord{}, false
	}
	return s.copyLocked(r), true
}

func (s *Store) copyLocked(r *UserRecord) UserRecord {
	cp := *r
	_, cp.Awaiting = s.awaiting[r.UserID]
	return cp
}

// Records returns copies of every record, sorted by user id.
func (s *Store) Records() []UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UserRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, s.copyLocked(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// History returns the last-send history, sorted by user id.
func (s *Store) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, 0, len(s.history))
	for _, h := range s.history {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// NoteSent records a delivered proactive message: the user now awaits a
// reply and the history entry points at this send.
func (s *Store) NoteSent(userID string, ref ConversationRef, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaiting[userID] = struct{}{}
	s.history[userID] = HistoryEntry{UserID: userID, Conversation: ref, SentAt: now}
}

// ---- escalation ----

// ResetInactivity restarts the inactivity clock for a record whose window
// expired. It is a no-op if the user spoke since gen was observed.
func (s *Store) ResetInactivity(userID string, gen uint64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[userID]
	if r == nil || r.Generation != gen || r.EscalationPending {
		return false
	}
	r.LastActivityAt = now
	return true
}

// BeginEscalation reserves the next escalation send: the counter is
// incremented and the record flagged pending before any delay elapses.
func (s *Store) BeginEscalation(userID string, gen uint64) (Escalation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[userID]
	if r == nil || r.Generation != gen || r.EscalationPending || !s.allowed(userID) {
		return Escalation{}, false
	}
	r.ConsecutiveSends++
	r.EscalationPending = true
	return Escalation{UserID: userID, Conversation: r.Conversation, Seq: r.ConsecutiveSends, Generation: gen}, true
}

// EscalationCurrent reports whether e is still the live reservation.
func (s *Store) EscalationCurrent(e Escalation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[e.UserID]
	return r != nil && r.Generation == e.Generation && r.EscalationPending && r.ConsecutiveSends == e.Seq
}

// CompleteEscalation finishes a delivered escalation send. The inactivity
// clock restarts at now so the next step (if under the cap) waits a full
// threshold again.
func (s *Store) CompleteEscalation(e Escalation, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[e.UserID]
	if r == nil || r.Generation != e.Generation || !r.EscalationPending {
		return
	}
	r.EscalationPending = false
	r.LastActivityAt = now
}

// AbortEscalation releases a reservation whose send did not go out. The
// counter is rolled back and the inactivity clock restarted.
func (s *Store) AbortEscalation(e Escalation, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[e.UserID]
	if r == nil || r.Generation != e.Generation || !r.EscalationPending {
		return
	}
	r.EscalationPending = false
	if r.ConsecutiveSends > 0 {
		r.ConsecutiveSends--
	}
	r.LastActivityAt = now
}

// ---- daily markers ----

// BeginDay aligns family's marker with now's local date. It returns true when
// the date advanced past a previously seen day, after clearing the marker.
func (s *Store) BeginDay(family string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eligibility.DayKey(now)
	m := s.markers[family]
	if m == nil {
		s.markers[family] = &dailyMarker{day: key, users: map[string]struct{}{}}
		return false
	}
	if m.day == key {
		return false
	}
	m.day = key
	m.users = map[string]struct{}{}
	return true
}

func (s *Store) markerLocked(family string, now time.Time) *dailyMarker {
	key := eligibility.DayKey(now)
	m := s.markers[family]
	if m == nil || m.day != key {
		m = &dailyMarker{day: key, users: map[string]struct{}{}}
		s.markers[family] = m
	}
	return m
}

// MarkSent adds userID to today's marker for family. It returns false if
// the user was already marked today.
func (s *Store) MarkSent(family, userID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.markerLocked(family, now)
	if _, ok := m.users[userID]; ok {
		return false
	}
	m.users[userID] = struct{}{}
	return true
}

// Candidates returns whitelisted users not yet marked today for family:
// current records plus, when includeHistory is set, users known only from
// send history. The result is deduplicated and sorted by user id.
func (s *Store) Candidates(family string, now time.Time, includeHistory bool) []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked map[string]struct{}
	if m := s.markers[family]; m != nil && m.day == eligibility.DayKey(now) {
		marked = m.users
	}
	skip := func(id string) bool {
		if _, ok := marked[id]; ok {
			return true
		}
		return !s.allowed(id)
	}

	out := make([]Candidate, 0, len(s.records))
	for id, r := range s.records {
		if skip(id) {
			continue
		}
		out = append(out, Candidate{UserID: id, Conversation: r.Conversation, Tracked: true})
	}
	if includeHistory {
		for id, h := range s.history {
			if _, tracked := s.records[id]; tracked || skip(id) {
				continue
			}
			out = append(out, Candidate{UserID: id, Conversation: h.Conversation})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ---- sharing ----

func (s *Store) LastShared(userID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.sharing[userID]
	return t, ok
}

func (s *Store) MarkShared(userID string, now time.Time) {
	s.mu.Lock()
	s.sharing[userID] = now
	s.mu.Unlock()
}

func (s *Store) ResetSharing() {
	s.mu.Lock()
	s.sharing = map[string]time.Time{}
	s.mu.Unlock()
}

// ---- persistence ----

// Snapshot captures the persisted part of the state. A pending escalation is
// not counted: the send it reserved does not survive a restart.
func (s *Store) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{SavedAt: now}
	for _, r := range s.records {
		cp := s.copyLocked(r)
		if cp.EscalationPending && cp.ConsecutiveSends > 0 {
			cp.ConsecutiveSends--
		}
		cp.EscalationPending = false
		cp.Generation = 0
		snap.Records = append(snap.Records, cp)
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].UserID < snap.Records[j].UserID })

	for _, h := range s.history {
		snap.History = append(snap.History, h)
	}
	sort.Slice(snap.History, func(i, j int) bool { return snap.History[i].UserID < snap.History[j].UserID })

	for id := range s.awaiting {
		snap.Awaiting = append(snap.Awaiting, id)
	}
	sort.Strings(snap.Awaiting)

	families := make([]string, 0, len(s.markers))
	for f := range s.markers {
		families = append(families, f)
	}
	sort.Strings(families)
	for _, f := range families {
		m := s.markers[f]
		users := make([]string, 0, len(m.users))
		for id := range m.users {
			users = append(users, id)
		}
		sort.Strings(users)
		snap.Markers = append(snap.Markers, Marker{Family: f, Day: m.day, Users: users})
	}

	for id, at := range s.sharing {
		snap.Sharing = append(snap.Sharing, ShareEntry{UserID: id, At: at})
	}
	sort.Slice(snap.Sharing, func(i, j int) bool { return snap.Sharing[i].UserID < snap.Sharing[j].UserID })
	return snap
}

// Restore replaces the store content with snap. Awaiting flags stored on
// records and in the awaiting list are merged.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*UserRecord, len(snap.Records))
	s.awaiting = map[string]struct{}{}
	s.ack = map[string]struct{}{}
	for _, r := range snap.Records {
		if r.UserID == "" {
			continue
		}
		cp := r
		cp.EscalationPending = false
		cp.Generation = 0
		if cp.ConsecutiveSends < 0 {
			cp.ConsecutiveSends = 0
		}
		if cp.Awaiting {
			s.awaiting[cp.UserID] = struct{}{}
		}
		cp.Awaiting = false
		s.records[cp.UserID] = &cp
	}
	for _, id := range snap.Awaiting {
		if id != "" {
			s.awaiting[id] = struct{}{}
		}
	}

	s.history = make(map[string]HistoryEntry, len(snap.History))
	for _, h := range snap.History {
		if h.UserID != "" {
			s.history[h.UserID] = h
		}
	}

	s.markers = map[string]*dailyMarker{}
	for _, m := range snap.Markers {
		users := make(map[string]struct{}, len(m.Users))
		for _, id := range m.Users {
			users[id] = struct{}{}
		}
		s.markers[m.Family] = &dailyMarker{day: m.Day, users: users}
	}

	s.sharing = make(map[string]time.Time, len(snap.Sharing))
	for _, e := range snap.Sharing {
		if e.UserID != "" {
			s.sharing[e.UserID] = e.At
		}
	}
}
