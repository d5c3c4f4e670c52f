// Package postgres implements the storage interfaces backed by PostgreSQL.
//
// Schema (managed by the deployment's migrations):
//
//	oracle_sessions(id, owner_id, provider, status, expires_at,
//	    key_secret_name, credential_secret_name, encrypted_credential,
//	    retained_key, failure_reason, task_id, created_at, updated_at,
//	    activated_at)
//	oracle_prompts(id, session_id, owner_id, status, provider, model,
//	    max_tokens, temperature, prompt_secret_name, encrypted_response, iv,
//	    proof, prompt_tokens, completion_tokens, total_tokens,
//	    failure_reason, task_id, created_at, updated_at, completed_at)
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sealedai/relay/internal/app/domain/prompt"
	"github.com/sealedai/relay/internal/app/domain/session"
	"github.com/sealedai/relay/internal/app/storage"
	"github.com/sealedai/relay/tee/types"
)

// Store implements the storage interfaces using a database/sql handle. The
// lib/pq driver is registered by the binary that opens the handle.
type Store struct {
	db *sql.DB
}

var _ storage.SessionStore = (*Store)(nil)
var _ storage.PromptStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- SessionStore -----------------------------------------------------------

const sessionColumns = `id, owner_id, provider, status, expires_at,
	key_secret_name, credential_secret_name, encrypted_credential,
	retained_key, failure_reason, task_id, created_at, updated_at, activated_at`

func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	credJSON, keyJSON, err := encodeSessionBlobs(sess)
	if err != nil {
		return session.Session{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oracle_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, sess.ID, sess.OwnerID, sess.Provider, sess.Status, sess.ExpiresAt,
		sess.KeySecretName, sess.CredentialSecretName, credJSON,
		keyJSON, sess.FailureReason, sess.TaskID, sess.CreatedAt, sess.UpdatedAt, sess.ActivatedAt)
	if err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	sess.UpdatedAt = time.Now().UTC()

	credJSON, keyJSON, err := encodeSessionBlobs(sess)
	if err != nil {
		return session.Session{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE oracle_sessions
		SET status = $2, expires_at = $3, key_secret_name = $4,
		    credential_secret_name = $5, encrypted_credential = $6,
		    retained_key = $7, failure_reason = $8, task_id = $9,
		    updated_at = $10, activated_at = $11
		WHERE id = $1
	`, sess.ID, sess.Status, sess.ExpiresAt, sess.KeySecretName,
		sess.CredentialSecretName, credJSON, keyJSON, sess.FailureReason,
		sess.TaskID, sess.UpdatedAt, sess.ActivatedAt)
	if err != nil {
		return session.Session{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return session.Session{}, fmt.Errorf("session %s: %w", sess.ID, storage.ErrNotFound)
	}
	return sess, nil
}

func (s *Store) TransitionSession(ctx context.Context, sess session.Session, from session.Status) (session.Session, error) {
	sess.UpdatedAt = time.Now().UTC()

	credJSON, keyJSON, err := encodeSessionBlobs(sess)
	if err != nil {
		return session.Session{}, err
	}

	// The status guard in the WHERE clause is the compare-and-set: a racing
	// writer that already moved the session makes this a zero-row update.
	result, err := s.db.ExecContext(ctx, `
		UPDATE oracle_sessions
		SET status = $3, expires_at = $4, key_secret_name = $5,
		    credential_secret_name = $6, encrypted_credential = $7,
		    retained_key = $8, failure_reason = $9, task_id = $10,
		    updated_at = $11, activated_at = $12
		WHERE id = $1 AND status = $2
	`, sess.ID, from, sess.Status, sess.ExpiresAt, sess.KeySecretName,
		sess.CredentialSecretName, credJSON, keyJSON, sess.FailureReason,
		sess.TaskID, sess.UpdatedAt, sess.ActivatedAt)
	if err != nil {
		return session.Session{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, getErr := s.GetSession(ctx, sess.ID); errors.Is(getErr, storage.ErrNotFound) {
			return session.Session{}, getErr
		}
		return session.Session{}, fmt.Errorf("session %s, expected %s: %w", sess.ID, from, storage.ErrConflict)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM oracle_sessions
		WHERE id = $1
	`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return sess, err
}

func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM oracle_sessions
		WHERE owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSessions(rows)
}

func (s *Store) ListSessionsByStatus(ctx context.Context, status session.Status) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM oracle_sessions
		WHERE status = $1
		ORDER BY created_at
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSessions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		sess        session.Session
		credRaw     []byte
		keyRaw      []byte
		activatedAt sql.NullTime
	)

	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Provider, &sess.Status, &sess.ExpiresAt,
		&sess.KeySecretName, &sess.CredentialSecretName, &credRaw,
		&keyRaw, &sess.FailureReason, &sess.TaskID, &sess.CreatedAt, &sess.UpdatedAt, &activatedAt)
	if err != nil {
		return session.Session{}, err
	}

	if len(credRaw) > 0 {
		var cred types.EncryptedCredential
		if err := json.Unmarshal(credRaw, &cred); err != nil {
			return session.Session{}, fmt.Errorf("decode encrypted credential: %w", err)
		}
		sess.EncryptedCredential = &cred
	}
	if len(keyRaw) > 0 {
		var key types.SessionKey
		if err := json.Unmarshal(keyRaw, &key); err != nil {
			return session.Session{}, fmt.Errorf("decode retained key: %w", err)
		}
		sess.RetainedKey = &key
	}
	if activatedAt.Valid {
		at := activatedAt.Time
		sess.ActivatedAt = &at
	}
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]session.Session, error) {
	var result []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func encodeSessionBlobs(sess session.Session) ([]byte, []byte, error) {
	var credJSON, keyJSON []byte
	var err error
	if sess.EncryptedCredential != nil {
		if credJSON, err = json.Marshal(sess.EncryptedCredential); err != nil {
			return nil, nil, fmt.Errorf("encode encrypted credential: %w", err)
		}
	}
	if sess.RetainedKey != nil {
		if keyJSON, err = json.Marshal(sess.RetainedKey); err != nil {
			return nil, nil, fmt.Errorf("encode retained key: %w", err)
		}
	}
	return credJSON, keyJSON, nil
}

// --- PromptStore ------------------------------------------------------------

const promptColumns = `id, session_id, owner_id, status, provider, model,
	max_tokens, temperature, prompt_secret_name, encrypted_response, iv,
	proof, prompt_tokens, completion_tokens, total_tokens, failure_reason,
	task_id, created_at, updated_at, completed_at`

func (s *Store) CreatePrompt(ctx context.Context, p prompt.Prompt) (prompt.Prompt, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	proofJSON, err := encodeProof(p)
	if err != nil {
		return prompt.Prompt{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oracle_prompts (`+promptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, p.ID, p.SessionID, p.OwnerID, p.Status, p.Provider, p.Model,
		p.MaxTokens, p.Temperature, p.PromptSecretName, p.EncryptedResponse, p.IV,
		proofJSON, p.Usage.PromptTokens, p.Usage.CompletionTokens, p.Usage.TotalTokens,
		p.FailureReason, p.TaskID, p.CreatedAt, p.UpdatedAt, p.CompletedAt)
	if err != nil {
		return prompt.Prompt{}, err
	}
	return p, nil
}

func (s *Store) TransitionPrompt(ctx context.Context, p prompt.Prompt, from prompt.Status) (prompt.Prompt, error) {
	p.UpdatedAt = time.Now().UTC()

	proofJSON, err := encodeProof(p)
	if err != nil {
		return prompt.Prompt{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE oracle_prompts
		SET status = $3, encrypted_response = $4, iv = $5, proof = $6,
		    prompt_tokens = $7, completion_tokens = $8, total_tokens = $9,
		    failure_reason = $10, task_id = $11, updated_at = $12, completed_at = $13
		WHERE id = $1 AND status = $2
	`, p.ID, from, p.Status, p.EncryptedResponse, p.IV, proofJSON,
		p.Usage.PromptTokens, p.Usage.CompletionTokens, p.Usage.TotalTokens,
		p.FailureReason, p.TaskID, p.UpdatedAt, p.CompletedAt)
	if err != nil {
		return prompt.Prompt{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, getErr := s.GetPrompt(ctx, p.ID); errors.Is(getErr, storage.ErrNotFound) {
			return prompt.Prompt{}, getErr
		}
		return prompt.Prompt{}, fmt.Errorf("prompt %s, expected %s: %w", p.ID, from, storage.ErrConflict)
	}
	return p, nil
}

func (s *Store) GetPrompt(ctx context.Context, id string) (prompt.Prompt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+promptColumns+`
		FROM oracle_prompts
		WHERE id = $1
	`, id)

	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return prompt.Prompt{}, fmt.Errorf("prompt %s: %w", id, storage.ErrNotFound)
	}
	return p, err
}

func (s *Store) ListPrompts(ctx context.Context, sessionID string) ([]prompt.Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+promptColumns+`
		FROM oracle_prompts
		WHERE session_id = $1
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []prompt.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) AggregateUsage(ctx context.Context, sessionID string) (types.Usage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(total_tokens), 0)
		FROM oracle_prompts
		WHERE session_id = $1 AND status = $2
	`, sessionID, prompt.StatusCompleted)

	var usage types.Usage
	if err := row.Scan(&usage.PromptTokens, &usage.CompletionTokens, &usage.TotalTokens); err != nil {
		return types.Usage{}, err
	}
	return usage, nil
}

func scanPrompt(row rowScanner) (prompt.Prompt, error) {
	var (
		p           prompt.Prompt
		proofRaw    []byte
		completedAt sql.NullTime
	)

	err := row.Scan(&p.ID, &p.SessionID, &p.OwnerID, &p.Status, &p.Provider, &p.Model,
		&p.MaxTokens, &p.Temperature, &p.PromptSecretName, &p.EncryptedResponse, &p.IV,
		&proofRaw, &p.Usage.PromptTokens, &p.Usage.CompletionTokens, &p.Usage.TotalTokens,
		&p.FailureReason, &p.TaskID, &p.CreatedAt, &p.UpdatedAt, &completedAt)
	if err != nil {
		return prompt.Prompt{}, err
	}

	if len(proofRaw) > 0 {
		var proof types.Proof
		if err := json.Unmarshal(proofRaw, &proof); err != nil {
			return prompt.Prompt{}, fmt.Errorf("decode proof: %w", err)
		}
		p.Proof = &proof
	}
	if completedAt.Valid {
		at := completedAt.Time
		p.CompletedAt = &at
	}
	return p, nil
}

func encodeProof(p prompt.Prompt) ([]byte, error) {
	if p.Proof == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p.Proof)
	if err != nil {
		return nil, fmt.Errorf("encode proof: %w", err)
	}
	return raw, nil
}
