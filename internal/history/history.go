// Package history retrieves prior conversation turns and prunes them to a
// caller-supplied token budget.
//
// DESIGN: Pruning walks the stored sequence from most-recent to oldest,
// accumulating estimated tokens, and stops including as soon as the next
// older message would exceed the budget. The surviving suffix is then
// returned in original chronological order. Only user/assistant turns are
// persisted; system messages are never part of stored history.
//
// Token estimation is a deterministic function of text length: the
// cl100k_base encoder when it loads, len/4 as the documented fallback.
// The estimator is replaceable but must stay monotonic in text length so
// pruning behavior is testable.
package history

import (
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/relayforge/completion-gateway/internal/schema"
	"github.com/relayforge/completion-gateway/internal/store"
)

// TokenCounter estimates the token cost of a text.
type TokenCounter func(text string) int

// fallbackCharsPerToken backs the len/4 estimate when no encoder loads.
const fallbackCharsPerToken = 4

// NewTiktokenCounter returns a cl100k_base-backed counter, degrading to
// the len/4 estimate if the encoding cannot be loaded (offline installs).
func NewTiktokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn().Err(err).Msg("cl100k_base unavailable, falling back to len/4 token estimate")
		return FallbackCounter
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
}

// FallbackCounter is the documented len/4 approximation.
func FallbackCounter(text string) int {
	return len(text) / fallbackCharsPerToken
}

// Manager retrieves and prunes conversation history.
type Manager struct {
	store *store.SessionStore
	count TokenCounter
}

// NewManager creates a history manager over the shared session store.
// A nil counter selects the tiktoken-backed default.
func NewManager(st *store.SessionStore, counter TokenCounter) *Manager {
	if counter == nil {
		counter = NewTiktokenCounter()
	}
	return &Manager{store: st, count: counter}
}

// Fetch returns the conversation's stored messages pruned to maxTokens.
// Returns the empty sequence when the store holds no entry. The result is
// always a chronologically ordered suffix of the stored sequence; the
// single most recent message survives even when it alone exceeds the
// budget.
func (m *Manager) Fetch(conversationID string, maxTokens int) []schema.Message {
	sess := m.store.GetConversation(conversationID)
	if sess == nil || len(sess.Messages) == 0 {
		return nil
	}

	stored := sess.Messages
	kept := 0
	budget := 0
	for i := len(stored) - 1; i >= 0; i-- {
		cost := m.count(stored[i].Content)
		if kept > 0 && budget+cost > maxTokens {
			break
		}
		budget += cost
		kept++
		if budget > maxTokens {
			// The most recent message alone blew the budget; keep it and
			// nothing older.
			break
		}
	}

	pruned := make([]schema.Message, kept)
	copy(pruned, stored[len(stored)-kept:])

	log.Debug().
		Str("conversation", conversationID).
		Int("stored", len(stored)).
		Int("kept", kept).
		Int("estimated_tokens", budget).
		Int("budget", maxTokens).
		Msg("history pruned")
	return pruned
}

// Append records turns onto the conversation, creating the session on
// first write. System messages are dropped: they are never stored.
func (m *Manager) Append(conversationID string, msgs ...schema.Message) {
	sess := m.store.GetConversation(conversationID)
	if sess == nil {
		sess = &store.ConversationSession{ConversationID: conversationID}
	}
	for _, msg := range msgs {
		if msg.Role != schema.RoleUser && msg.Role != schema.RoleAssistant {
			continue
		}
		sess.Messages = append(sess.Messages, msg)
	}
	m.store.PutConversation(sess)
}

// Remove drops the conversation entirely.
func (m *Manager) Remove(conversationID string) {
	m.store.RemoveConversation(conversationID)
}
