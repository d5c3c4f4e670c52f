// Package sessions manages the confidential session lifecycle: creation
// dispatches the phase-1 key generation task, activation confirms its output
// record, and revocation and expiry close the session down.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sealedai/relay/internal/app/domain/session"
	"github.com/sealedai/relay/internal/app/metrics"
	"github.com/sealedai/relay/internal/app/storage"
	"github.com/sealedai/relay/pkg/logger"
	"github.com/sealedai/relay/tee/engine"
	"github.com/sealedai/relay/tee/types"
)

const (
	// DefaultTTL bounds a session when the caller does not pick one.
	DefaultTTL = time.Hour
	// MaxTTL is the hard ceiling on session lifetime.
	MaxTTL = 24 * time.Hour
	// DefaultPhaseTimeout bounds the wait for the phase-1 output record.
	// Independent of the prompt-side timeout.
	DefaultPhaseTimeout = 5 * time.Minute
)

// Config wires the session service.
type Config struct {
	Store storage.SessionStore
	// Engine dispatches the key generation task.
	Engine types.TaskEngine
	// Relay binds the caller's credential for enclave-side pickup.
	Relay types.SecretRelay
	// PhaseTimeout overrides DefaultPhaseTimeout.
	PhaseTimeout time.Duration
	// RetainKeys enables server-side session key retention when a caller
	// requests it. Off by default: the key then exists only in the caller's
	// hands and the relay.
	RetainKeys bool
	Log        *logger.Logger
}

// Service is the session state machine coordinator.
type Service struct {
	store        storage.SessionStore
	engine       types.TaskEngine
	relay        types.SecretRelay
	phaseTimeout time.Duration
	retainKeys   bool
	log          *logger.Logger

	// mailbox holds each session key for exactly one caller-ward delivery.
	// Never persisted; ClaimKey pops the entry.
	mailboxMu sync.Mutex
	mailbox   map[string]*types.SessionKey
}

// New constructs the service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sessions: store is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("sessions: task engine is required")
	}
	if cfg.Relay == nil {
		return nil, fmt.Errorf("sessions: secret relay is required")
	}
	timeout := cfg.PhaseTimeout
	if timeout <= 0 {
		timeout = DefaultPhaseTimeout
	}
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("sessions")
	}
	return &Service{
		store:        cfg.Store,
		engine:       cfg.Engine,
		relay:        cfg.Relay,
		phaseTimeout: timeout,
		retainKeys:   cfg.RetainKeys,
		log:          log,
		mailbox:      make(map[string]*types.SessionKey),
	}, nil
}

// CreateInput carries the session creation request. Credential is consumed
// here: it is pushed to the relay and never stored.
type CreateInput struct {
	OwnerID    string
	Provider   string
	Credential string
	TTL        time.Duration
	// RetainKey asks the coordinator to keep the session key server-side.
	// Honored only when the deployment enables retention.
	RetainKey bool
}

// CreateResult pairs the pending session with the phase-1 task id.
type CreateResult struct {
	Session session.Session
	TaskID  string
}

// Create registers a pending session, binds the credential, and dispatches
// key generation. Activation happens asynchronously when the phase-1 record
// arrives; callers poll Get until the session leaves pending.
func (s *Service) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	if in.Credential == "" {
		return CreateResult{}, types.ErrMissingCredential
	}
	if in.Provider == "" {
		return CreateResult{}, fmt.Errorf("sessions: provider is required")
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	sessionID := uuid.NewString()
	expiresAt := time.Now().Add(ttl).UTC()

	// The pending record exists before any side effect leaves the
	// coordinator: a failed push or dispatch then lands in failed instead of
	// leaving an orphaned task behind a session that was never registered.
	sess, err := s.store.CreateSession(ctx, session.Session{
		ID:        sessionID,
		OwnerID:   in.OwnerID,
		Provider:  in.Provider,
		Status:    session.StatusPending,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return CreateResult{}, err
	}

	credentialSecret := types.InboundCredentialSecretName(sessionID)
	if pushed, err := s.relay.Push(ctx, credentialSecret, in.Credential); err != nil {
		s.failSession(ctx, sess, fmt.Sprintf("bind credential: %v", err))
		return CreateResult{}, fmt.Errorf("sessions: bind credential: %w", err)
	} else if !pushed {
		s.failSession(ctx, sess, "bind credential: secret name already bound")
		return CreateResult{}, fmt.Errorf("sessions: bind credential: %w", types.ErrSecretExists)
	}

	taskID, err := s.engine.Dispatch(ctx, engine.KeyGenRequest(sessionID, expiresAt, credentialSecret))
	if err != nil {
		s.failSession(ctx, sess, fmt.Sprintf("dispatch key generation: %v", err))
		return CreateResult{}, fmt.Errorf("sessions: dispatch key generation: %w", err)
	}

	sess.TaskID = taskID
	if sess, err = s.store.UpdateSession(ctx, sess); err != nil {
		return CreateResult{}, err
	}

	go s.awaitActivation(context.WithoutCancel(ctx), sess, in.RetainKey && s.retainKeys)

	s.log.WithField("session_id", sessionID).WithField("task_id", taskID).Info("session created")
	return CreateResult{Session: sess, TaskID: taskID}, nil
}

// awaitActivation confirms the phase-1 output record and moves the session
// out of pending. Engine failures, malformed records and failure records land
// in failed with a retained reason. An await timeout does not: the session
// stays pending and the await re-arms, so a late record still activates it.
func (s *Service) awaitActivation(ctx context.Context, sess session.Session, retainKey bool) {
	record, ok := s.awaitKeyGenRecord(ctx, sess)
	if !ok {
		return
	}

	var out types.KeyGenOutput
	if err := json.Unmarshal(record, &out); err != nil {
		s.failSession(ctx, sess, fmt.Sprintf("decode key generation record: %v", err))
		return
	}
	if !out.Success {
		s.failSession(ctx, sess, out.Error)
		return
	}

	now := time.Now().UTC()
	sess.Status = session.StatusActive
	sess.KeySecretName = types.SessionKeySecretName(sess.ID)
	sess.CredentialSecretName = types.CredentialSecretName(sess.ID)
	sess.EncryptedCredential = out.EncryptedCredential
	sess.ActivatedAt = &now
	if retainKey {
		sess.RetainedKey = out.SessionKey
	}

	if _, err := s.store.TransitionSession(ctx, sess, session.StatusPending); err != nil {
		s.log.WithError(err).WithField("session_id", sess.ID).Warn("session activation lost")
		return
	}

	s.mailboxMu.Lock()
	s.mailbox[sess.ID] = out.SessionKey
	s.mailboxMu.Unlock()

	metrics.RecordSessionTransition(string(session.StatusActive))
	metrics.RecordKeyGeneration(time.Since(sess.CreatedAt))
	s.log.WithField("session_id", sess.ID).Info("session activated")
}

// awaitKeyGenRecord blocks until the phase-1 output record is fetchable.
// Timeouts are not terminal: the task may still be running, so the await
// re-arms while the session is still pending and not yet past its own expiry.
func (s *Service) awaitKeyGenRecord(ctx context.Context, sess session.Session) ([]byte, bool) {
	for {
		record, err := s.engine.AwaitResult(ctx, sess.TaskID, s.phaseTimeout)
		if err == nil {
			return record, true
		}
		if !errors.Is(err, types.ErrTaskTimeout) {
			s.failSession(ctx, sess, fmt.Sprintf("await key generation: %v", err))
			return nil, false
		}
		s.log.WithField("session_id", sess.ID).WithField("task_id", sess.TaskID).Warn("key generation result still pending")

		current, err := s.store.GetSession(ctx, sess.ID)
		if err != nil || current.Status != session.StatusPending {
			return nil, false
		}
		if time.Now().After(sess.ExpiresAt) {
			s.log.WithField("session_id", sess.ID).Warn("stopped awaiting key generation past session expiry")
			return nil, false
		}
	}
}

func (s *Service) failSession(ctx context.Context, sess session.Session, reason string) {
	sess.Status = session.StatusFailed
	sess.FailureReason = reason
	if _, err := s.store.TransitionSession(ctx, sess, session.StatusPending); err != nil {
		s.log.WithError(err).WithField("session_id", sess.ID).Warn("session failure not recorded")
		return
	}
	metrics.RecordSessionTransition(string(session.StatusFailed))
	s.log.WithField("session_id", sess.ID).WithField("reason", reason).Warn("session failed")
}

// ClaimKey hands the session key to the owner exactly once. The mailbox
// entry is popped on delivery; a second claim fails even though the session
// stays active. Retained keys (opt-in deployments) remain claimable through
// the stored record instead.
func (s *Service) ClaimKey(ctx context.Context, id, ownerID string) (types.SessionKey, error) {
	sess, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return types.SessionKey{}, err
	}
	if sess.Status == session.StatusPending {
		return types.SessionKey{}, fmt.Errorf("sessions: %s: %w", id, types.ErrSessionNotActive)
	}

	s.mailboxMu.Lock()
	key, ok := s.mailbox[id]
	delete(s.mailbox, id)
	s.mailboxMu.Unlock()

	if ok && key != nil {
		return *key, nil
	}
	if sess.RetainedKey != nil {
		return *sess.RetainedKey, nil
	}
	return types.SessionKey{}, fmt.Errorf("sessions: %s: %w", id, types.ErrKeyClaimed)
}

// Get returns the session, enforcing ownership when ownerID is non-empty.
func (s *Service) Get(ctx context.Context, id, ownerID string) (session.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	if ownerID != "" && sess.OwnerID != ownerID {
		return session.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return sess, nil
}

// List returns the owner's sessions.
func (s *Service) List(ctx context.Context, ownerID string) ([]session.Session, error) {
	return s.store.ListSessions(ctx, ownerID)
}

// Revoke moves an active session to revoked. Pending and terminal sessions
// cannot be revoked.
func (s *Service) Revoke(ctx context.Context, id, ownerID string) (session.Session, error) {
	sess, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return session.Session{}, err
	}
	if !sess.Status.CanTransition(session.StatusRevoked) {
		return session.Session{}, fmt.Errorf("sessions: %s is %s: %w", id, sess.Status, types.ErrSessionNotActive)
	}

	from := sess.Status
	sess.Status = session.StatusRevoked
	revoked, err := s.store.TransitionSession(ctx, sess, from)
	if err != nil {
		return session.Session{}, err
	}
	metrics.RecordSessionTransition(string(session.StatusRevoked))
	s.log.WithField("session_id", id).Info("session revoked")
	return revoked, nil
}

// ExpireDue moves overdue active sessions to expired. Returns the number of
// sessions expired. Racing revocations are not errors: a lost transition
// means another writer already closed the session.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	active, err := s.store.ListSessionsByStatus(ctx, session.StatusActive)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sess := range active {
		if !sess.ExpiredAt(now) {
			continue
		}
		sess.Status = session.StatusExpired
		if _, err := s.store.TransitionSession(ctx, sess, session.StatusActive); err != nil {
			s.log.WithError(err).WithField("session_id", sess.ID).Debug("expiry transition lost")
			continue
		}
		expired++
		metrics.RecordSessionTransition(string(session.StatusExpired))
		s.log.WithField("session_id", sess.ID).Info("session expired")
	}
	return expired, nil
}
