package storage

import (
	"context"
	"errors"

	"github.com/sealedai/relay/internal/app/domain/prompt"
	"github.com/sealedai/relay/internal/app/domain/session"
	"github.com/sealedai/relay/tee/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a guarded transition lost the race: the
	// stored status no longer matches the expected one.
	ErrConflict = errors.New("status transition conflict")
)

// SessionStore persists confidential session records.
type SessionStore interface {
	CreateSession(ctx context.Context, sess session.Session) (session.Session, error)
	UpdateSession(ctx context.Context, sess session.Session) (session.Session, error)

	// TransitionSession writes sess only if the stored status still equals
	// from. The compare-and-set keeps concurrent activations, revocations
	// and sweeps from clobbering a terminal state. ErrConflict on a lost
	// race, ErrNotFound for unknown ids.
	TransitionSession(ctx context.Context, sess session.Session, from session.Status) (session.Session, error)

	GetSession(ctx context.Context, id string) (session.Session, error)
	ListSessions(ctx context.Context, ownerID string) ([]session.Session, error)
	ListSessionsByStatus(ctx context.Context, status session.Status) ([]session.Session, error)
}

// PromptStore persists prompt execution records.
type PromptStore interface {
	CreatePrompt(ctx context.Context, p prompt.Prompt) (prompt.Prompt, error)

	// TransitionPrompt is the prompt-side compare-and-set, with the same
	// semantics as TransitionSession.
	TransitionPrompt(ctx context.Context, p prompt.Prompt, from prompt.Status) (prompt.Prompt, error)

	GetPrompt(ctx context.Context, id string) (prompt.Prompt, error)
	ListPrompts(ctx context.Context, sessionID string) ([]prompt.Prompt, error)

	// AggregateUsage sums token usage over a session's completed prompts.
	AggregateUsage(ctx context.Context, sessionID string) (types.Usage, error)
}
