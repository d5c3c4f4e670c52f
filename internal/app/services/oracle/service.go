// Package oracle coordinates prompt executions: it validates the session at
// submit time, binds the prompt text, dispatches the phase-2 task, and
// records the encrypted response. The coordinator never sees prompt
// plaintext after binding, response plaintext, or key material.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sealedai/relay/internal/app/domain/prompt"
	"github.com/sealedai/relay/internal/app/domain/session"
	"github.com/sealedai/relay/internal/app/metrics"
	"github.com/sealedai/relay/internal/app/storage"
	"github.com/sealedai/relay/pkg/logger"
	"github.com/sealedai/relay/tee/engine"
	"github.com/sealedai/relay/tee/types"
)

// DefaultPhaseTimeout bounds the wait for the phase-2 output record.
// Independent of the session-side timeout.
const DefaultPhaseTimeout = 5 * time.Minute

// Config wires the prompt coordinator.
type Config struct {
	Sessions storage.SessionStore
	Prompts  storage.PromptStore
	// Engine dispatches the oracle execution task.
	Engine types.TaskEngine
	// Relay binds prompt text for enclave-side pickup.
	Relay types.SecretRelay
	// PhaseTimeout overrides DefaultPhaseTimeout.
	PhaseTimeout time.Duration
	Log          *logger.Logger
}

// Service is the prompt execution coordinator.
type Service struct {
	sessions     storage.SessionStore
	prompts      storage.PromptStore
	engine       types.TaskEngine
	relay        types.SecretRelay
	phaseTimeout time.Duration
	log          *logger.Logger
}

// New constructs the service.
func New(cfg Config) (*Service, error) {
	if cfg.Sessions == nil || cfg.Prompts == nil {
		return nil, fmt.Errorf("oracle: session and prompt stores are required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("oracle: task engine is required")
	}
	if cfg.Relay == nil {
		return nil, fmt.Errorf("oracle: secret relay is required")
	}
	timeout := cfg.PhaseTimeout
	if timeout <= 0 {
		timeout = DefaultPhaseTimeout
	}
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("oracle")
	}
	return &Service{
		sessions:     cfg.Sessions,
		prompts:      cfg.Prompts,
		engine:       cfg.Engine,
		relay:        cfg.Relay,
		phaseTimeout: timeout,
		log:          log,
	}, nil
}

// SubmitInput carries one prompt submission. Prompt text is consumed here:
// it is pushed to the relay and only its hash ever comes back.
type SubmitInput struct {
	SessionID   string
	OwnerID     string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Submit validates the session, registers the prompt, and dispatches the
// phase-2 task. The session check happens here, at submit time - an overdue
// session is rejected even if the expiry sweep has not settled it yet.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (prompt.Prompt, error) {
	if in.Prompt == "" {
		return prompt.Prompt{}, fmt.Errorf("oracle: prompt text is required")
	}

	sess, err := s.sessions.GetSession(ctx, in.SessionID)
	if err != nil {
		return prompt.Prompt{}, err
	}
	if in.OwnerID != "" && sess.OwnerID != in.OwnerID {
		return prompt.Prompt{}, fmt.Errorf("session %s: %w", in.SessionID, storage.ErrNotFound)
	}

	now := time.Now()
	if sess.Status == session.StatusActive && sess.ExpiredAt(now) {
		return prompt.Prompt{}, fmt.Errorf("oracle: session %s: %w", in.SessionID, types.ErrSessionExpired)
	}
	if !sess.AcceptsPrompts(now) {
		return prompt.Prompt{}, fmt.Errorf("oracle: session %s is %s: %w", in.SessionID, sess.Status, types.ErrSessionNotActive)
	}

	promptID := uuid.NewString()
	promptSecret := types.PromptSecretName(promptID)

	// The pending record exists before any side effect leaves the
	// coordinator: a failed push or dispatch then lands in failed instead of
	// leaving an orphaned task behind a prompt that was never registered.
	p, err := s.prompts.CreatePrompt(ctx, prompt.Prompt{
		ID:               promptID,
		SessionID:        sess.ID,
		OwnerID:          sess.OwnerID,
		Status:           prompt.StatusPending,
		Provider:         sess.Provider,
		Model:            in.Model,
		MaxTokens:        in.MaxTokens,
		Temperature:      in.Temperature,
		PromptSecretName: promptSecret,
	})
	if err != nil {
		return prompt.Prompt{}, err
	}

	if pushed, err := s.relay.Push(ctx, promptSecret, in.Prompt); err != nil {
		s.failPrompt(ctx, p, prompt.StatusPending, fmt.Sprintf("bind prompt: %v", err))
		return prompt.Prompt{}, fmt.Errorf("oracle: bind prompt: %w", err)
	} else if !pushed {
		s.failPrompt(ctx, p, prompt.StatusPending, "bind prompt: secret name already bound")
		return prompt.Prompt{}, fmt.Errorf("oracle: bind prompt: %w", types.ErrSecretExists)
	}

	taskID, err := s.engine.Dispatch(ctx, engine.OracleRequest(engine.OracleParams{
		Provider:         sess.Provider,
		Model:            in.Model,
		MaxTokens:        in.MaxTokens,
		Temperature:      in.Temperature,
		PromptSecret:     promptSecret,
		SessionKeySecret: sess.KeySecretName,
		CredentialSecret: sess.CredentialSecretName,
	}))
	if err != nil {
		s.failPrompt(ctx, p, prompt.StatusPending, fmt.Sprintf("dispatch execution: %v", err))
		return prompt.Prompt{}, fmt.Errorf("oracle: dispatch execution: %w", err)
	}

	p.TaskID = taskID
	p.Status = prompt.StatusProcessing
	if p, err = s.prompts.TransitionPrompt(ctx, p, prompt.StatusPending); err != nil {
		return prompt.Prompt{}, err
	}

	go s.awaitCompletion(context.WithoutCancel(ctx), p, sess.ExpiresAt)

	s.log.WithField("prompt_id", promptID).WithField("task_id", taskID).Info("prompt dispatched")
	return p, nil
}

// awaitCompletion records the phase-2 output. Engine failures, malformed
// records and failure records land in failed with a retained reason. An await
// timeout does not: the prompt stays processing and the await re-arms, so a
// late record still completes it.
func (s *Service) awaitCompletion(ctx context.Context, p prompt.Prompt, sessionExpiry time.Time) {
	record, ok := s.awaitOracleRecord(ctx, p, sessionExpiry)
	if !ok {
		return
	}

	var out types.OracleOutput
	if err := json.Unmarshal(record, &out); err != nil {
		s.failPrompt(ctx, p, prompt.StatusProcessing, fmt.Sprintf("decode oracle record: %v", err))
		return
	}
	if !out.Success {
		s.failPrompt(ctx, p, prompt.StatusProcessing, out.Error)
		return
	}

	now := time.Now().UTC()
	p.Status = prompt.StatusCompleted
	p.Model = out.Model
	p.EncryptedResponse = out.EncryptedResponse
	p.IV = out.IV
	p.Proof = out.Proof
	p.Usage = out.Usage
	p.CompletedAt = &now

	if _, err := s.prompts.TransitionPrompt(ctx, p, prompt.StatusProcessing); err != nil {
		s.log.WithError(err).WithField("prompt_id", p.ID).Warn("prompt completion lost")
		return
	}
	metrics.RecordPromptExecution(p.Provider, string(prompt.StatusCompleted), time.Since(p.CreatedAt))
	metrics.RecordTokenUsage(p.Provider, out.Usage.PromptTokens, out.Usage.CompletionTokens)
	s.log.WithField("prompt_id", p.ID).Info("prompt completed")
}

// awaitOracleRecord blocks until the phase-2 output record is fetchable.
// Timeouts are not terminal: the task may still be running, so the await
// re-arms while the prompt is still processing and the session has not yet
// passed its own expiry.
func (s *Service) awaitOracleRecord(ctx context.Context, p prompt.Prompt, sessionExpiry time.Time) ([]byte, bool) {
	for {
		record, err := s.engine.AwaitResult(ctx, p.TaskID, s.phaseTimeout)
		if err == nil {
			return record, true
		}
		if !errors.Is(err, types.ErrTaskTimeout) {
			s.failPrompt(ctx, p, prompt.StatusProcessing, fmt.Sprintf("await oracle execution: %v", err))
			return nil, false
		}
		s.log.WithField("prompt_id", p.ID).WithField("task_id", p.TaskID).Warn("oracle result still pending")

		current, err := s.prompts.GetPrompt(ctx, p.ID)
		if err != nil || current.Status != prompt.StatusProcessing {
			return nil, false
		}
		if time.Now().After(sessionExpiry) {
			s.log.WithField("prompt_id", p.ID).Warn("stopped awaiting oracle result past session expiry")
			return nil, false
		}
	}
}

func (s *Service) failPrompt(ctx context.Context, p prompt.Prompt, from prompt.Status, reason string) {
	p.Status = prompt.StatusFailed
	p.FailureReason = reason
	if _, err := s.prompts.TransitionPrompt(ctx, p, from); err != nil {
		s.log.WithError(err).WithField("prompt_id", p.ID).Warn("prompt failure not recorded")
		return
	}
	metrics.RecordPromptExecution(p.Provider, string(prompt.StatusFailed), time.Since(p.CreatedAt))
	s.log.WithField("prompt_id", p.ID).WithField("reason", reason).Warn("prompt failed")
}

// Get returns the prompt, enforcing ownership when ownerID is non-empty.
func (s *Service) Get(ctx context.Context, id, ownerID string) (prompt.Prompt, error) {
	p, err := s.prompts.GetPrompt(ctx, id)
	if err != nil {
		return prompt.Prompt{}, err
	}
	if ownerID != "" && p.OwnerID != ownerID {
		return prompt.Prompt{}, fmt.Errorf("prompt %s: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

// List returns a session's prompts.
func (s *Service) List(ctx context.Context, sessionID string) ([]prompt.Prompt, error) {
	return s.prompts.ListPrompts(ctx, sessionID)
}

// Await blocks until the prompt reaches a terminal state or the timeout
// elapses, returning the latest record either way.
func (s *Service) Await(ctx context.Context, id, ownerID string, timeout time.Duration) (prompt.Prompt, error) {
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		p, err := s.Get(ctx, id, ownerID)
		if err != nil {
			return prompt.Prompt{}, err
		}
		if p.Status.IsTerminal() || time.Now().After(deadline) {
			return p, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return prompt.Prompt{}, ctx.Err()
		}
	}
}

// SessionUsage sums token usage over a session's completed prompts.
func (s *Service) SessionUsage(ctx context.Context, sessionID string) (types.Usage, error) {
	return s.prompts.AggregateUsage(ctx, sessionID)
}
