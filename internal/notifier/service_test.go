package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nudgebot/internal/conversation"
	"nudgebot/internal/proactive"
	"nudgebot/internal/state"
	kit "nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

var errBlocked = errors.New("Forbidden: bot was blocked by the user")

type fakeSender struct {
	mu    sync.Mutex
	sent  []kit.ChatTarget
	texts []string
	fail  int // fail the next n calls
	err   error
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return kit.MessageRef{}, f.err
	}
	f.sent = append(f.sent, to)
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestConversationRefRoundTrip(t *testing.T) {
	ref := ConversationRef(-100123, 7, true)
	require.Equal(t, state.ConversationRef{ID: "-100123/7", Origin: "telegram:group"}, ref)
	to, err := ParseTarget(ref)
	require.NoError(t, err)
	require.Equal(t, kit.ChatTarget{ChatID: -100123, ThreadID: 7}, to)

	to, err = ParseTarget(ConversationRef(42, 0, false))
	require.NoError(t, err)
	require.Equal(t, kit.ChatTarget{ChatID: 42}, to)

	for _, bad := range []string{"", "abc", "12/x", "0"} {
		_, err := ParseTarget(state.ConversationRef{ID: bad})
		require.ErrorIs(t, err, ErrBadTarget, bad)
	}
}

func TestSendRecordsAssistantTurn(t *testing.T) {
	snd := &fakeSender{}
	book := conversation.New(conversation.Config{})
	s := New(Config{RatePerSec: 100}, snd, logx.Nop(), WithRecorder(book))

	ref := ConversationRef(42, 0, false)
	require.NoError(t, s.Send(context.Background(), ref, "good morning"))
	require.Equal(t, 1, snd.count())
	require.Equal(t, []proactive.Turn{{Role: proactive.RoleAssistant, Content: "good morning"}}, book.History(ref))
	require.Len(t, s.Snapshot(), 1)
}

func TestSendForgetsUnreachableChat(t *testing.T) {
	snd := &fakeSender{fail: 1, err: errBlocked}
	book := conversation.New(conversation.Config{})
	s := New(Config{RatePerSec: 100}, snd, logx.Nop(),
		WithRecorder(book),
		WithUndeliverable(func(err error) bool { return errors.Is(err, errBlocked) }),
	)
	ref := ConversationRef(42, 0, false)
	book.Append(ref, proactive.RoleUser, "hi", time.Now())

	require.ErrorIs(t, s.Send(context.Background(), ref, "hello?"), errBlocked)
	_, err := book.Resolve(context.Background(), ref)
	require.ErrorIs(t, err, proactive.ErrConversationNotFound)
}

func TestSendDoesNotRetry(t *testing.T) {
	snd := &fakeSender{fail: 1, err: errors.New("timeout")}
	s := New(Config{RatePerSec: 100, RetryMax: 3}, snd, logx.Nop())
	require.Error(t, s.Send(context.Background(), ConversationRef(1, 0, false), "x"))
	require.Zero(t, snd.count())
}

func TestAlertsDisabledWithoutChat(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop())
	s.Start(context.Background())
	require.ErrorIs(t, s.SendAlert(context.Background(), "x"), ErrDisabled)
	s.Stop(context.Background())
}

func TestAlertPipelineRetriesAndDedups(t *testing.T) {
	snd := &fakeSender{fail: 1, err: errors.New("flaky")}
	s := New(Config{
		RatePerSec:  100,
		AlertChatID: 99,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}, snd, logx.Nop())
	s.Start(context.Background())

	require.NoError(t, s.SendAlert(context.Background(), "[WARN] disk full"))
	require.NoError(t, s.SendAlert(context.Background(), "[WARN] disk full"), "deduped silently")
	require.NoError(t, s.SendAlert(context.Background(), "[ERROR] other"))

	require.Eventually(t, func() bool { return snd.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	require.ErrorIs(t, s.SendAlert(context.Background(), "late"), ErrStopped)

	snd.mu.Lock()
	defer snd.mu.Unlock()
	for _, to := range snd.sent {
		require.Equal(t, int64(99), to.ChatID)
	}
}
