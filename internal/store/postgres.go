package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vibedev/agentd/internal/common/config"
	"github.com/vibedev/agentd/internal/common/logger"
	"github.com/vibedev/agentd/internal/runtime"
)

// terminalStatuses are excluded from ListActive.
var terminalStatuses = []string{"completed", "failed", "cancelled"}

// PostgresStore persists session records in Postgres via pgxpool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewPostgresStore connects to Postgres, verifies the connection, and
// ensures the sessions table exists.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: log}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("Connected to Postgres session store")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agent_sessions (
			session_id    TEXT PRIMARY KEY,
			remote_run_id TEXT NOT NULL DEFAULT '',
			prompt        TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			model         JSONB NOT NULL DEFAULT '{}',
			status        TEXT NOT NULL,
			error         TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	return nil
}

// Create inserts a new session record.
func (s *PostgresStore) Create(ctx context.Context, rec *SessionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	modelJSON, err := json.Marshal(rec.Model)
	if err != nil {
		return fmt.Errorf("failed to serialize model config: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_sessions (session_id, remote_run_id, prompt, system_prompt, model, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.SessionID, rec.RemoteRunID, rec.Prompt, rec.SystemPrompt, modelJSON, rec.Status, rec.Error, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session record: %w", err)
	}
	return nil
}

// UpdateRemoteRunID records the runtime-assigned run id.
func (s *PostgresStore) UpdateRemoteRunID(ctx context.Context, sessionID, remoteRunID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_sessions SET remote_run_id = $1, updated_at = $2 WHERE session_id = $3
	`, remoteRunID, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update remote run id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus records the last known status and error cause.
func (s *PostgresStore) UpdateStatus(ctx context.Context, sessionID, status, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_sessions SET status = $1, error = $2, updated_at = $3 WHERE session_id = $4
	`, status, errMsg, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActive returns all records whose last known status is non-terminal.
func (s *PostgresStore) ListActive(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, remote_run_id, prompt, system_prompt, model, status, error, created_at, updated_at
		FROM agent_sessions
		WHERE status != ALL($1)
		ORDER BY created_at
	`, terminalStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec, err := scanSessionRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session records: %w", err)
	}
	return records, nil
}

func scanSessionRecord(row pgx.Row) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var modelJSON []byte
	err := row.Scan(&rec.SessionID, &rec.RemoteRunID, &rec.Prompt, &rec.SystemPrompt,
		&modelJSON, &rec.Status, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan session record: %w", err)
	}
	if len(modelJSON) > 0 {
		if err := json.Unmarshal(modelJSON, &rec.Model); err != nil {
			return nil, fmt.Errorf("failed to deserialize model config: %w", err)
		}
	} else {
		rec.Model = runtime.ModelConfig{}
	}
	return rec, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	s.logger.Debug("Postgres session store closed", zap.String("component", "store"))
}

var _ SessionStore = (*PostgresStore)(nil)
