// Package conversation keeps a short rolling history per chat. It backs the
// reply path and resolves conversation handles for proactive sends.
package conversation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"nudgebot/internal/proactive"
	"nudgebot/internal/state"
)

const defaultMaxTurns = 20

type Config struct {
	// MaxTurns bounds the turns kept per chat.
	MaxTurns int
	// IdleTTL drops a chat's history after this long without a turn.
	// Zero keeps history until Forget.
	IdleTTL time.Duration
}

type chat struct {
	ref      state.ConversationRef
	turns    []proactive.Turn
	lastSeen time.Time
}

// Book is safe for concurrent use.
type Book struct {
	cfg Config

	mu    sync.Mutex
	chats map[string]*chat
	// gone holds chats the sink reported as unreachable. They resolve as
	// not found until the user writes again.
	gone map[string]struct{}
}

var _ proactive.ConversationResolver = (*Book)(nil)

func New(cfg Config) *Book {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	return &Book{cfg: cfg, chats: map[string]*chat{}, gone: map[string]struct{}{}}
}

// Append records one turn for ref. Empty content is ignored.
func (b *Book) Append(ref state.ConversationRef, role, content string, now time.Time) {
	if !ref.Valid() || strings.TrimSpace(content) == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if role == proactive.RoleUser {
		delete(b.gone, ref.ID)
	}
	c := b.chats[ref.ID]
	if c == nil {
		c = &chat{ref: ref}
		b.chats[ref.ID] = c
	}
	c.ref = ref
	c.lastSeen = now
	c.turns = append(c.turns, proactive.Turn{Role: role, Content: content})
	if over := len(c.turns) - b.cfg.MaxTurns; over > 0 {
		c.turns = append(c.turns[:0:0], c.turns[over:]...)
	}
}

// History returns a copy of the turns kept for ref.
func (b *Book) History(ref state.ConversationRef) []proactive.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.chats[ref.ID]
	if c == nil {
		return nil
	}
	return append([]proactive.Turn(nil), c.turns...)
}

// Resolve returns the history for ref. A chat with no history is still
// resolvable (a user known from a previous run); only chats marked gone fail.
func (b *Book) Resolve(ctx context.Context, ref state.ConversationRef) (proactive.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return proactive.Conversation{}, err
	}
	if !ref.Valid() {
		return proactive.Conversation{}, proactive.ErrConversationNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, gone := b.gone[ref.ID]; gone {
		return proactive.Conversation{}, proactive.ErrConversationNotFound
	}
	var conv proactive.Conversation
	if c := b.chats[ref.ID]; c != nil {
		conv.History = append([]proactive.Turn(nil), c.turns...)
	}
	return conv, nil
}

// Forget drops ref's history and marks it unreachable.
func (b *Book) Forget(ref state.ConversationRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.chats, ref.ID)
	b.gone[ref.ID] = struct{}{}
}

// Prune drops histories idle for longer than IdleTTL and returns how many
// were removed.
func (b *Book) Prune(now time.Time) int {
	if b.cfg.IdleTTL <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, c := range b.chats {
		if now.Sub(c.lastSeen) > b.cfg.IdleTTL {
			delete(b.chats, id)
			n++
		}
	}
	return n
}

// Chats lists the chat ids with history, sorted.
func (b *Book) Chats() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.chats))
	for id := range b.chats {
		out = append(out, id)
	}
	b.mu.Unlock()
	sort.Strings(out)
	return out
}
