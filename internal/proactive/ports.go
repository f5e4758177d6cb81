package proactive

import (
	"context"
	"errors"

	"nudgebot/internal/state"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrConversationNotFound is returned by resolvers for handles that no
// longer point at a reachable conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// Turn is one message of conversation context.
type Turn struct {
	Role    string
	Content string
}

// Reply is a generated message. Role must be RoleAssistant for the text to
// be sent.
type Reply struct {
	Text string
	Role string
}

// Request is an outbound generation request. Hosts pass their reply requests
// through Service.AugmentRequest before generating.
type Request struct {
	Prompt       string
	SystemPrompt string
	History      []Turn
}

// Conversation is what a resolver knows about a conversation handle.
type Conversation struct {
	SystemPrompt string
	History      []Turn
}

type Generator interface {
	Generate(ctx context.Context, prompt, systemPrompt string, history []Turn) (Reply, error)
}

type Sink interface {
	Send(ctx context.Context, ref state.ConversationRef, text string) error
}

type ConversationResolver interface {
	Resolve(ctx context.Context, ref state.ConversationRef) (Conversation, error)
}
