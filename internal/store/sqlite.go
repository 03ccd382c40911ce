package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/sam-relay/internal/domain"
	"github.com/ashureev/sam-relay/internal/shared"
	_ "modernc.org/sqlite"
)

// ErrJobNotPending is returned by CompleteJob when the row is missing or
// already complete.
var ErrJobNotPending = errors.New("job is not pending")

// deleteChunkSize bounds the number of placeholders per IN (...) clause.
const deleteChunkSize = 500

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the clock used to stamp created_at values.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets pollers read while a worker writes.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_order ON messages(session_id, created_at, id);

	CREATE TABLE IF NOT EXISTS sweep_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_run INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO sweep_state (id, last_run) VALUES (1, 0);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sessionID string) error {
	return withRetry(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (session_id, created_at) VALUES (?, ?)`,
			sessionID, s.now().UnixNano())
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// SessionExists reports whether the session is known.
func (s *SQLiteStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query session: %w", err)
	}
	return true, nil
}

// DeleteSession removes the session's messages and then the session row.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return withRetry(ctx, "delete session", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
				return fmt.Errorf("delete session messages: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			return nil
		})
	})
}

// AppendTurn records the user message and the pending placeholder atomically.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID, text string) (int64, error) {
	var jobID int64
	err := withRetry(ctx, "append turn", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			createdAt := s.now().UnixNano()
			insert := `INSERT INTO messages (session_id, role, content, status, created_at) VALUES (?, ?, ?, ?, ?)`

			if _, err := tx.ExecContext(ctx, insert,
				sessionID, domain.RoleUser, text, domain.StatusComplete, createdAt); err != nil {
				return fmt.Errorf("insert user message: %w", err)
			}

			res, err := tx.ExecContext(ctx, insert,
				sessionID, domain.RoleAssistant, "", domain.StatusPending, createdAt)
			if err != nil {
				return fmt.Errorf("insert pending reply: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("pending reply id: %w", err)
			}
			jobID = id
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return jobID, nil
}

// GetMessage returns a message by id, or nil if it does not exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, content, status, created_at
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetAssistantMessage returns the assistant message with the given id owned by sessionID.
func (s *SQLiteStore) GetAssistantMessage(ctx context.Context, id int64, sessionID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, content, status, created_at
		FROM messages WHERE id = ? AND session_id = ? AND role = ?`,
		id, sessionID, domain.RoleAssistant)
	return scanMessage(row)
}

// RecentHistory returns up to limit of the newest messages, oldest first.
func (s *SQLiteStore) RecentHistory(ctx context.Context, sessionID string, excludeID int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, session_id, role, content, status, created_at FROM (
			SELECT id, session_id, role, content, status, created_at
			FROM messages
			WHERE session_id = ? AND id <> ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) AS recent
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	var history []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return history, nil
}

// CompleteJob stores content and flips a pending job to complete.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id int64, content string) error {
	return withRetry(ctx, "complete job", func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE messages SET content = ?, status = ?
			WHERE id = ? AND role = ? AND status = ?`,
			content, domain.StatusComplete, id, domain.RoleAssistant, domain.StatusPending)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrJobNotPending
		}
		return nil
	})
}

// PruneSession deletes the oldest messages so at most keep remain.
func (s *SQLiteStore) PruneSession(ctx context.Context, sessionID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var deleted int64
	err := withRetry(ctx, "prune session", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var total int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&total); err != nil {
				return fmt.Errorf("count messages: %w", err)
			}
			excess := total - keep
			if excess <= 0 {
				deleted = 0
				return nil
			}
			res, err := tx.ExecContext(ctx, `
				DELETE FROM messages WHERE id IN (
					SELECT id FROM messages WHERE session_id = ?
					ORDER BY created_at ASC, id ASC
					LIMIT ?
				)`, sessionID, excess)
			if err != nil {
				return fmt.Errorf("delete surplus messages: %w", err)
			}
			deleted, err = res.RowsAffected()
			if err != nil {
				return fmt.Errorf("get rows affected: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// CountMessages returns the number of stored messages for a session.
func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ClaimSweep advances the last-run marker with a single-row compare-and-swap.
func (s *SQLiteStore) ClaimSweep(ctx context.Context, now time.Time, minInterval time.Duration) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sweep_state SET last_run = ? WHERE id = 1 AND last_run <= ?`,
		now.UnixNano(), now.Add(-minInterval).UnixNano())
	if err != nil {
		return false, fmt.Errorf("claim sweep: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// DeleteInactiveSessions removes sessions whose last activity is before cutoff.
// last_activity is the newest message timestamp, or the session creation time.
func (s *SQLiteStore) DeleteInactiveSessions(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	var messagesDeleted, sessionsDeleted int64
	err := withRetry(ctx, "delete inactive sessions", func() error {
		messagesDeleted, sessionsDeleted = 0, 0
		return s.inTx(ctx, func(tx *sql.Tx) error {
			stale, err := staleSessionIDs(ctx, tx, cutoff)
			if err != nil {
				return err
			}
			for start := 0; start < len(stale); start += deleteChunkSize {
				end := min(start+deleteChunkSize, len(stale))
				chunk := stale[start:end]

				n, err := execIn(ctx, tx, `DELETE FROM messages WHERE session_id IN (%s)`, chunk)
				if err != nil {
					return fmt.Errorf("delete stale messages: %w", err)
				}
				messagesDeleted += n

				n, err = execIn(ctx, tx, `DELETE FROM sessions WHERE session_id IN (%s)`, chunk)
				if err != nil {
					return fmt.Errorf("delete stale sessions: %w", err)
				}
				sessionsDeleted += n
			}
			return nil
		})
	})
	if err != nil {
		return 0, 0, err
	}
	return messagesDeleted, sessionsDeleted, nil
}

func staleSessionIDs(ctx context.Context, tx *sql.Tx, cutoff time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT s.session_id
		FROM sessions AS s
		LEFT JOIN (
			SELECT session_id, MAX(created_at) AS last_msg_at
			FROM messages
			GROUP BY session_id
		) AS lm ON lm.session_id = s.session_id
		WHERE COALESCE(lm.last_msg_at, s.created_at) < ?`, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stale session rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale sessions: %w", err)
	}
	return ids, nil
}

func execIn(ctx context.Context, tx *sql.Tx, format string, ids []string) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(format, placeholders), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var role, status string
	var createdAt int64

	err := row.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}

	msg.Role = domain.Role(role)
	msg.Status = domain.Status(status)
	msg.CreatedAt = time.Unix(0, createdAt)
	return &msg, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// withRetry retries fn with exponential backoff while SQLite reports
// SQLITE_BUSY or a locked database.
func withRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, err)
}
