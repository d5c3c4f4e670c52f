// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and backs tests and local mode.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sealedai/relay/internal/app/domain/prompt"
	"github.com/sealedai/relay/internal/app/domain/session"
	"github.com/sealedai/relay/internal/app/storage"
	"github.com/sealedai/relay/tee/types"
)

// Store holds all records behind one RWMutex. Every read and write passes
// through clone helpers so callers never alias internal state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
	prompts  map[string]prompt.Prompt
}

var _ storage.SessionStore = (*Store)(nil)
var _ storage.PromptStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[string]session.Session),
		prompts:  make(map[string]prompt.Prompt),
	}
}

// --- SessionStore -----------------------------------------------------------

func (s *Store) CreateSession(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	} else if _, exists := s.sessions[sess.ID]; exists {
		return session.Session{}, fmt.Errorf("session %s already exists", sess.ID)
	}

	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	s.sessions[sess.ID] = cloneSession(sess)
	return cloneSession(sess), nil
}

func (s *Store) UpdateSession(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.sessions[sess.ID]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", sess.ID, storage.ErrNotFound)
	}

	sess.CreatedAt = original.CreatedAt
	sess.UpdatedAt = time.Now().UTC()

	s.sessions[sess.ID] = cloneSession(sess)
	return cloneSession(sess), nil
}

func (s *Store) TransitionSession(_ context.Context, sess session.Session, from session.Status) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.sessions[sess.ID]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", sess.ID, storage.ErrNotFound)
	}
	if original.Status != from {
		return session.Session{}, fmt.Errorf("session %s is %s, expected %s: %w", sess.ID, original.Status, from, storage.ErrConflict)
	}

	sess.CreatedAt = original.CreatedAt
	sess.UpdatedAt = time.Now().UTC()

	s.sessions[sess.ID] = cloneSession(sess)
	return cloneSession(sess), nil
}

func (s *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return cloneSession(sess), nil
}

func (s *Store) ListSessions(_ context.Context, ownerID string) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []session.Session
	for _, sess := range s.sessions {
		if ownerID == "" || sess.OwnerID == ownerID {
			result = append(result, cloneSession(sess))
		}
	}
	return result, nil
}

func (s *Store) ListSessionsByStatus(_ context.Context, status session.Status) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []session.Session
	for _, sess := range s.sessions {
		if sess.Status == status {
			result = append(result, cloneSession(sess))
		}
	}
	return result, nil
}

// --- PromptStore ------------------------------------------------------------

func (s *Store) CreatePrompt(_ context.Context, p prompt.Prompt) (prompt.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if _, exists := s.prompts[p.ID]; exists {
		return prompt.Prompt{}, fmt.Errorf("prompt %s already exists", p.ID)
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.prompts[p.ID] = clonePrompt(p)
	return clonePrompt(p), nil
}

func (s *Store) TransitionPrompt(_ context.Context, p prompt.Prompt, from prompt.Status) (prompt.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.prompts[p.ID]
	if !ok {
		return prompt.Prompt{}, fmt.Errorf("prompt %s: %w", p.ID, storage.ErrNotFound)
	}
	if original.Status != from {
		return prompt.Prompt{}, fmt.Errorf("prompt %s is %s, expected %s: %w", p.ID, original.Status, from, storage.ErrConflict)
	}

	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	s.prompts[p.ID] = clonePrompt(p)
	return clonePrompt(p), nil
}

func (s *Store) GetPrompt(_ context.Context, id string) (prompt.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prompts[id]
	if !ok {
		return prompt.Prompt{}, fmt.Errorf("prompt %s: %w", id, storage.ErrNotFound)
	}
	return clonePrompt(p), nil
}

func (s *Store) ListPrompts(_ context.Context, sessionID string) ([]prompt.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []prompt.Prompt
	for _, p := range s.prompts {
		if sessionID == "" || p.SessionID == sessionID {
			result = append(result, clonePrompt(p))
		}
	}
	return result, nil
}

func (s *Store) AggregateUsage(_ context.Context, sessionID string) (types.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total types.Usage
	for _, p := range s.prompts {
		if p.SessionID != sessionID || p.Status != prompt.StatusCompleted {
			continue
		}
		total.PromptTokens += p.Usage.PromptTokens
		total.CompletionTokens += p.Usage.CompletionTokens
		total.TotalTokens += p.Usage.TotalTokens
	}
	return total, nil
}

// --- clone helpers ----------------------------------------------------------

func cloneSession(sess session.Session) session.Session {
	out := sess
	if sess.EncryptedCredential != nil {
		cred := *sess.EncryptedCredential
		cred.Ciphertext = cloneBytes(sess.EncryptedCredential.Ciphertext)
		out.EncryptedCredential = &cred
	}
	if sess.RetainedKey != nil {
		key := *sess.RetainedKey
		key.Key = cloneBytes(sess.RetainedKey.Key)
		key.Nonce = cloneBytes(sess.RetainedKey.Nonce)
		out.RetainedKey = &key
	}
	if sess.ActivatedAt != nil {
		at := *sess.ActivatedAt
		out.ActivatedAt = &at
	}
	return out
}

func clonePrompt(p prompt.Prompt) prompt.Prompt {
	out := p
	out.EncryptedResponse = cloneBytes(p.EncryptedResponse)
	out.IV = cloneBytes(p.IV)
	if p.Proof != nil {
		proof := *p.Proof
		out.Proof = &proof
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
