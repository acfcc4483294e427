// Package session persists session records in Postgres. The store is the
// single source of truth for which tasks are running and what they did.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/stratumsix/fieldgate/pkg/model"
)

// ErrAlreadyRunning is returned by Create when the task already has a
// running session. The sessions table enforces this with a partial unique
// index, so the check holds across gateway instances.
var ErrAlreadyRunning = errors.New("task already has a running session")

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store reads and writes session rows.
type Store struct {
	log   *slog.Logger
	clock clockwork.Clock
	pool  *pgxpool.Pool
}

func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate session store config: %w", err)
	}
	return &Store{log: cfg.Logger, clock: cfg.Clock, pool: cfg.Pool}, nil
}

// Create inserts a running session for the task. It fails with
// ErrAlreadyRunning when another running session holds the task.
func (s *Store) Create(ctx context.Context, taskID int64, runnerHandle string, metadata map[string]any) (model.Session, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (task_id, runner_handle, status, started_at, metadata)
		VALUES ($1, $2, 'running', $3, $4)
		RETURNING id, task_id, runner_handle, status, started_at, stopped_at, error_message, metadata`,
		taskID, runnerHandle, s.clock.Now().UTC(), meta)

	sess, err := scanSession(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Session{}, ErrAlreadyRunning
		}
		return model.Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	s.log.Info("session store: created session", "session", sess.ID, "task", taskID, "handle", runnerHandle)
	return sess, nil
}

// Get fetches one session by id.
func (s *Store) Get(ctx context.Context, sessionID int64) (model.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_id, runner_handle, status, started_at, stopped_at, error_message, metadata
		FROM sessions WHERE id = $1`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// Finish closes a session record with the terminal status. Finishing an
// already finished session is a no-op, so the engine's shutdown path and an
// operator's stop request cannot race each other into an error.
func (s *Store) Finish(ctx context.Context, sessionID int64, status model.SessionStatus, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET status = $2, stopped_at = $3, error_message = $4
		WHERE id = $1 AND status = 'running'`,
		sessionID, string(status), s.clock.Now().UTC(), errorMessage)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Debug("session store: finish was a no-op", "session", sessionID)
	}
	return nil
}

// MergeMetadata shallow-merges patch into the session's metadata document.
// Existing keys not in the patch survive.
func (s *Store) MergeMetadata(ctx context.Context, sessionID int64, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	doc, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata patch: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET metadata = metadata || $2 WHERE id = $1`,
		sessionID, doc)
	if err != nil {
		return fmt.Errorf("failed to merge session metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RunningSessions lists every session still marked running, for crash
// recovery at gateway startup.
func (s *Store) RunningSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, runner_handle, status, started_at, stopped_at, error_message, metadata
		FROM sessions WHERE status = 'running' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list running sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session rows: %w", err)
	}
	return sessions, nil
}

// Delete removes a session row. Used when a stale running session is
// revoked during recovery.
func (s *Store) Delete(ctx context.Context, sessionID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (model.Session, error) {
	var (
		sess model.Session
		meta []byte
	)
	if err := row.Scan(&sess.ID, &sess.TaskID, &sess.RunnerHandle, &sess.Status,
		&sess.StartedAt, &sess.StoppedAt, &sess.ErrorMessage, &meta); err != nil {
		return model.Session{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
			return model.Session{}, fmt.Errorf("failed to decode session metadata: %w", err)
		}
	}
	return sess, nil
}
