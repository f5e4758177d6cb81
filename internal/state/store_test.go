package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudgebot/internal/whitelist"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func ref(id string) ConversationRef { return ConversationRef{ID: id, Origin: "telegram:private"} }

func TestRecordActivityAcknowledgement(t *testing.T) {
	s := NewStore(nil)

	ack, ok := s.RecordActivity("u1", ref("c1"), t0)
	require.True(t, ok)
	require.False(t, ack)

	s.NoteSent("u1", ref("c1"), t0.Add(time.Hour))
	r, _ := s.Get("u1")
	require.True(t, r.Awaiting)

	ack, _ = s.RecordActivity("u1", ref("c1"), t0.Add(2*time.Hour))
	require.True(t, ack)
	r, _ = s.Get("u1")
	require.False(t, r.Awaiting)

	// one-shot token for the request hook
	require.True(t, s.ConsumeAcknowledgement("u1"))
	require.False(t, s.ConsumeAcknowledgement("u1"))

	ack, _ = s.RecordActivity("u1", ref("c1"), t0.Add(3*time.Hour))
	require.False(t, ack)
}

func TestRecordActivityResetsEscalation(t *testing.T) {
	s := NewStore(nil)
	s.RecordActivity("u1", ref("c1"), t0)
	r, _ := s.Get("u1")

	e, ok := s.BeginEscalation("u1", r.Generation)
	require.True(t, ok)
	require.Equal(t, 1, e.Seq)
	require.True(t, s.EscalationCurrent(e))

	_, ok = s.BeginEscalation("u1", r.Generation)
	require.False(t, ok, "second reservation while pending")

	s.RecordActivity("u1", ConversationRef{}, t0.Add(time.Minute))
	require.False(t, s.EscalationCurrent(e))
	r, _ = s.Get("u1")
	assert.Zero(t, r.ConsecutiveSends)
	assert.False(t, r.EscalationPending)
	assert.Equal(t, ref("c1"), r.Conversation, "empty ref keeps the stored one")

	// late completion of the stale reservation changes nothing
	s.CompleteEscalation(e, t0.Add(2*time.Minute))
	r2, _ := s.Get("u1")
	assert.Equal(t, r, r2)
}

func TestEscalationAbortRollsBack(t *testing.T) {
	s := NewStore(nil)
	s.RecordActivity("u1", ref("c1"), t0)
	r, _ := s.Get("u1")
	e, _ := s.BeginEscalation("u1", r.Generation)

	s.AbortEscalation(e, t0.Add(time.Hour))
	r, _ = s.Get("u1")
	require.Zero(t, r.ConsecutiveSends)
	require.False(t, r.EscalationPending)
	require.Equal(t, t0.Add(time.Hour), r.LastActivityAt)

	e, _ = s.BeginEscalation("u1", r.Generation)
	s.CompleteEscalation(e, t0.Add(2*time.Hour))
	r, _ = s.Get("u1")
	require.Equal(t, 1, r.ConsecutiveSends)
	require.Equal(t, t0.Add(2*time.Hour), r.LastActivityAt)
}

func TestResetInactivityGuards(t *testing.T) {
	s := NewStore(nil)
	require.False(t, s.ResetInactivity("nobody", 0, t0))

	s.RecordActivity("u1", ref("c1"), t0)
	r, _ := s.Get("u1")
	stale := r.Generation

	// the user spoke after the generation was observed
	s.RecordActivity("u1", ref("c1"), t0.Add(time.Minute))
	require.False(t, s.ResetInactivity("u1", stale, t0.Add(3*time.Hour)))
	r, _ = s.Get("u1")
	require.Equal(t, t0.Add(time.Minute), r.LastActivityAt)

	e, ok := s.BeginEscalation("u1", r.Generation)
	require.True(t, ok)
	require.False(t, s.ResetInactivity("u1", r.Generation, t0.Add(3*time.Hour)), "escalation pending")
	r, _ = s.Get("u1")
	require.Equal(t, t0.Add(time.Minute), r.LastActivityAt)

	s.AbortEscalation(e, t0.Add(2*time.Hour))
	r, _ = s.Get("u1")
	require.True(t, s.ResetInactivity("u1", r.Generation, t0.Add(3*time.Hour)))
	r, _ = s.Get("u1")
	require.Equal(t, t0.Add(3*time.Hour), r.LastActivityAt)
	require.Zero(t, r.ConsecutiveSends)
}

func TestWhitelistGating(t *testing.T) {
	wl := whitelist.New(true, []string{"u1", "u2"})
	s := NewStore(wl)

	_, ok := s.RecordActivity("stranger", ref("c9"), t0)
	require.False(t, ok)
	require.Zero(t, s.Len())

	s.RecordActivity("u1", ref("c1"), t0)
	s.RecordActivity("u2", ref("c2"), t0)
	require.False(t, s.EvictIfNotWhitelisted("u1"))

	wl.Apply(true, []string{"u2"})
	require.Equal(t, []string{"u1"}, s.EvictAllNotWhitelisted())
	_, found := s.Get("u1")
	require.False(t, found)
	require.Equal(t, 1, s.Len())

	r, _ := s.Get("u2")
	_, ok = s.BeginEscalation("u2", r.Generation)
	require.True(t, ok)

	wl.Apply(false, nil)
	_, ok = s.RecordActivity("stranger", ref("c9"), t0)
	require.True(t, ok)
}

func TestDailyMarkersRollOver(t *testing.T) {
	s := NewStore(nil)
	const fam = "greeting.morning"
	day1 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	require.False(t, s.BeginDay(fam, day1))
	require.True(t, s.MarkSent(fam, "u1", day1))
	require.False(t, s.MarkSent(fam, "u1", day1), "at most once per day")
	require.True(t, s.MarkSent("greeting.night", "u1", day1), "families are marked separately")

	require.False(t, s.BeginDay(fam, day1.Add(time.Hour)))
	require.True(t, s.BeginDay(fam, day2))
	require.True(t, s.MarkSent(fam, "u1", day2))
}

func TestCandidatesMergeHistory(t *testing.T) {
	wl := whitelist.New(false, nil)
	s := NewStore(wl)
	const fam = "greeting.night"

	s.RecordActivity("b", ref("cb"), t0)
	s.NoteSent("a", ref("ca"), t0)  // history only
	s.NoteSent("b", ref("cb2"), t0) // tracked and historical
	s.NoteSent("c", ref("cc"), t0)
	s.MarkSent(fam, "c", t0)

	got := s.Candidates(fam, t0, true)
	require.Equal(t, []Candidate{
		{UserID: "a", Conversation: ref("ca")},
		{UserID: "b", Conversation: ref("cb"), Tracked: true},
	}, got)

	require.Len(t, s.Candidates(fam, t0, false), 1)

	wl.Apply(true, []string{"b"})
	got = s.Candidates(fam, t0, true)
	require.Len(t, got, 1)
	require.Equal(t, "b", got[0].UserID)
}

func TestHistoryRestoresConversation(t *testing.T) {
	s := NewStore(nil)
	s.NoteSent("u1", ref("c1"), t0)
	s.RecordActivity("u1", ConversationRef{}, t0.Add(time.Minute))
	r, ok := s.Get("u1")
	require.True(t, ok)
	require.Equal(t, ref("c1"), r.Conversation)
}

func TestSnapshotRestore(t *testing.T) {
	s := NewStore(nil)
	s.RecordActivity("u1", ref("c1"), t0)
	s.RecordActivity("u2", ref("c2"), t0.Add(time.Minute))
	s.NoteSent("u2", ref("c2"), t0.Add(2*time.Minute))
	s.MarkSent("meal.lunch", "u1", t0)
	s.MarkShared("u1", t0)

	r, _ := s.Get("u1")
	s.BeginEscalation("u1", r.Generation) // pending: not persisted as a send

	snap := s.Snapshot(t0)
	require.Len(t, snap.Records, 2)
	require.Zero(t, snap.Records[0].ConsecutiveSends)
	require.Equal(t, []string{"u2"}, snap.Awaiting)

	restored := NewStore(nil)
	restored.Restore(snap)
	require.Equal(t, snap, restored.Snapshot(t0))
	require.False(t, restored.MarkSent("meal.lunch", "u1", t0), "marker survives restore")
	last, ok := restored.LastShared("u1")
	require.True(t, ok)
	require.Equal(t, t0, last)
}

func TestConcurrentActivityAndEscalation(t *testing.T) {
	s := NewStore(nil)
	s.RecordActivity("u1", ref("c1"), t0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r, _ := s.Get("u1")
			if e, ok := s.BeginEscalation("u1", r.Generation); ok {
				s.CompleteEscalation(e, t0)
			}
		}()
		go func() {
			defer wg.Done()
			s.RecordActivity("u1", ref("c1"), t0)
		}()
	}
	wg.Wait()
	r, _ := s.Get("u1")
	require.GreaterOrEqual(t, r.ConsecutiveSends, 0)
	require.LessOrEqual(t, r.ConsecutiveSends, 50)
}
