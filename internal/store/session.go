package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/completion-gateway/internal/schema"
)

// ConversationSession is the stored per-conversation state. Owned by the
// history manager's backing store; mutated only by append-on-write from
// the transport layer and read-pruned on fetch.
type ConversationSession struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []schema.Message `json:"messages"`
	LastAccessed   time.Time        `json:"last_accessed"`
}

// ExtractionSessionData is the per-extraction-batch state: parallel claim
// and reference lists plus the model-combination labels that produced
// them. Created once per batch, read many times by evaluation callers.
type ExtractionSessionData struct {
	SessionID         string                 `json:"session_id"`
	Claims            []string               `json:"claims"`
	References        []string               `json:"references"`
	ModelCombinations []string               `json:"model_combinations"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	LastAccessed      time.Time              `json:"last_accessed"`
}

// conversation keys are namespaced so extraction batches and
// conversations never collide in the shared store.
func conversationKey(id string) string { return "conv:" + id }
func extractionKey(id string) string   { return "extract:" + id }

// GetConversation returns the stored conversation, or nil when absent.
func (s *SessionStore) GetConversation(conversationID string) *ConversationSession {
	v, ok := s.Get(conversationKey(conversationID))
	if !ok {
		return nil
	}
	sess, ok := v.(*ConversationSession)
	if !ok {
		return nil
	}
	return sess
}

// PutConversation stores a conversation session.
func (s *SessionStore) PutConversation(sess *ConversationSession) {
	sess.LastAccessed = time.Now()
	s.Put(conversationKey(sess.ConversationID), sess)
}

// RemoveConversation deletes a conversation session.
func (s *SessionStore) RemoveConversation(conversationID string) {
	s.Remove(conversationKey(conversationID))
}

// CreateExtraction stores a new extraction batch and returns its id.
func (s *SessionStore) CreateExtraction(claims, references, modelCombinations []string, metadata map[string]interface{}) string {
	id := uuid.NewString()
	now := time.Now()
	s.Put(extractionKey(id), &ExtractionSessionData{
		SessionID:         id,
		Claims:            claims,
		References:        references,
		ModelCombinations: modelCombinations,
		Metadata:          metadata,
		CreatedAt:         now,
		LastAccessed:      now,
	})
	return id
}

// GetExtraction returns the extraction batch for an id, or the
// SessionNotFound error when the id is unknown or expired.
func (s *SessionStore) GetExtraction(sessionID string) (*ExtractionSessionData, error) {
	v, ok := s.Get(extractionKey(sessionID))
	if !ok {
		return nil, fmt.Errorf("%w: extraction session %q", schema.ErrSessionNotFound, sessionID)
	}
	data, ok := v.(*ExtractionSessionData)
	if !ok {
		return nil, fmt.Errorf("%w: extraction session %q", schema.ErrSessionNotFound, sessionID)
	}
	data.LastAccessed = time.Now()
	return data, nil
}

// RemoveExtraction deletes an extraction batch.
func (s *SessionStore) RemoveExtraction(sessionID string) {
	s.Remove(extractionKey(sessionID))
}
