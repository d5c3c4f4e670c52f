// Package migrations applies the coordinator's database schema. Statements
// are idempotent so Apply can run on every startup.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS oracle_sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		key_secret_name TEXT NOT NULL DEFAULT '',
		credential_secret_name TEXT NOT NULL DEFAULT '',
		encrypted_credential JSONB,
		retained_key JSONB,
		failure_reason TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		activated_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_oracle_sessions_owner ON oracle_sessions (owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_oracle_sessions_status ON oracle_sessions (status)`,
	`CREATE TABLE IF NOT EXISTS oracle_prompts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES oracle_sessions (id),
		owner_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		max_tokens INTEGER NOT NULL DEFAULT 0,
		temperature DOUBLE PRECISION NOT NULL DEFAULT 0,
		prompt_secret_name TEXT NOT NULL DEFAULT '',
		encrypted_response BYTEA,
		iv BYTEA,
		proof JSONB,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_oracle_prompts_session ON oracle_prompts (session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_oracle_prompts_status ON oracle_prompts (status)`,
}

// Apply runs every schema statement in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
