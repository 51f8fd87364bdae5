// Package db provides database connection helpers, schema migration, and small data access helpers.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection for the given DSN. The DSN comes from
// config; defaulting happens there, not here.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			discord_id TEXT NOT NULL,
			yt_channel_id TEXT NOT NULL,
			yt_channel_n BIGINT NOT NULL DEFAULT 0,
			token TEXT NOT NULL,
			yt_video_id TEXT,
			yt_comment_id TEXT,
			last_verified TIMESTAMPTZ,
			last_channel_verified TIMESTAMPTZ,
			last_checked TIMESTAMPTZ,
			failed_checks BIGINT NOT NULL DEFAULT 0,
			user_yt_channel_id TEXT,
			channel_name TEXT,
			member_on_last_update BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			PRIMARY KEY (discord_id, yt_channel_id, yt_channel_n)
		)`,
		`CREATE TABLE IF NOT EXISTS servers (
			server_id TEXT PRIMARY KEY,
			roles JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_user_yt_channel_id ON users(user_yt_channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_yt_channel_id ON users(yt_channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_last_checked ON users(last_checked)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// SetKV upserts a kv row. Used for job heartbeats and small operational state.
func SetKV(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns the stored value for key, or "" when absent.
func GetKV(ctx context.Context, db *sql.DB, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// Heartbeat records the current UTC time under the given job key.
func Heartbeat(ctx context.Context, db *sql.DB, job string) {
	_ = SetKV(ctx, db, job, time.Now().UTC().Format(time.RFC3339))
}
