package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/lib/pq"

	"github.com/sealedai/relay/internal/app/domain/prompt"
	"github.com/sealedai/relay/internal/app/domain/session"
	"github.com/sealedai/relay/internal/app/storage"
	"github.com/sealedai/relay/internal/platform/migrations"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func TestTransitionSessionGuardsOnStatus(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	mock.ExpectExec(`UPDATE oracle_sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sess := session.Session{ID: "sess-1", Status: session.StatusActive, ExpiresAt: time.Now().Add(time.Hour)}
	if _, err := store.TransitionSession(context.Background(), sess, session.StatusPending); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransitionSessionConflict(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	// Zero rows updated, but the row exists: lost race.
	mock.ExpectExec(`UPDATE oracle_sessions`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM oracle_sessions`).
		WillReturnRows(sessionRows().AddRow(
			"sess-1", "owner", "openai", "revoked", time.Now(),
			"", "", nil, nil, "", "", time.Now(), time.Now(), nil,
		))

	sess := session.Session{ID: "sess-1", Status: session.StatusExpired}
	_, err := store.TransitionSession(context.Background(), sess, session.StatusActive)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestTransitionSessionNotFound(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	mock.ExpectExec(`UPDATE oracle_sessions`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM oracle_sessions`).
		WillReturnError(sql.ErrNoRows)

	sess := session.Session{ID: "ghost", Status: session.StatusActive}
	_, err := store.TransitionSession(context.Background(), sess, session.StatusPending)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAggregateUsageCountsCompletedOnly(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(prompt_tokens\), 0\)`).
		WithArgs("sess-1", string(prompt.StatusCompleted)).
		WillReturnRows(sqlmock.NewRows([]string{"p", "c", "t"}).AddRow(3, 5, 8))

	usage, err := store.AggregateUsage(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if usage.TotalTokens != 8 {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func sessionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "owner_id", "provider", "status", "expires_at",
		"key_secret_name", "credential_secret_name", "encrypted_credential",
		"retained_key", "failure_reason", "task_id", "created_at", "updated_at", "activated_at",
	})
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	store := New(db)

	sess, err := store.CreateSession(ctx, session.Session{
		OwnerID:   "owner-it",
		Provider:  "openai",
		Status:    session.StatusPending,
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	sess.Status = session.StatusActive
	if sess, err = store.TransitionSession(ctx, sess, session.StatusPending); err != nil {
		t.Fatalf("activate: %v", err)
	}

	p, err := store.CreatePrompt(ctx, prompt.Prompt{
		SessionID: sess.ID,
		OwnerID:   "owner-it",
		Status:    prompt.StatusPending,
	})
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}

	p.Status = prompt.StatusProcessing
	if _, err := store.TransitionPrompt(ctx, p, prompt.StatusPending); err != nil {
		t.Fatalf("transition prompt: %v", err)
	}
}
