package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"quiz-attempt-service/internal/outbox"

	_ "modernc.org/sqlite" // driver: sqlite
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  attempt_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  payload BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_outbox_attempt ON outbox(attempt_id, id);
`

// OutboxLog is a durable outbox.Log backed by a local sqlite file, so
// pending writes survive a restart.
type OutboxLog struct {
	db *sql.DB
}

// Open opens (or creates) the log at path.
func Open(ctx context.Context, path string) (*OutboxLog, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer keeps append order and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox schema: %w", err)
	}
	return &OutboxLog{db: db}, nil
}

func (l *OutboxLog) Close() error {
	return l.db.Close()
}

func (l *OutboxLog) Append(ctx context.Context, e outbox.Entry) (outbox.Entry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO outbox (attempt_id, kind, payload, created_at, attempts) VALUES (?, ?, ?, ?, ?)`,
		e.AttemptID, string(e.Kind), e.Payload, e.CreatedAt.UnixNano(), e.Attempts)
	if err != nil {
		return outbox.Entry{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return outbox.Entry{}, err
	}
	e.ID = id
	return e, nil
}

func (l *OutboxLog) Pending(ctx context.Context, attemptID string, limit int) ([]outbox.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, attempt_id, kind, payload, created_at, attempts FROM outbox ORDER BY id LIMIT ?`
	args := []any{limit}
	if attemptID != "" {
		query = `SELECT id, attempt_id, kind, payload, created_at, attempts FROM outbox WHERE attempt_id = ? ORDER BY id LIMIT ?`
		args = []any{attemptID, limit}
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Entry
	for rows.Next() {
		var (
			e       outbox.Entry
			kind    string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.AttemptID, &kind, &e.Payload, &created, &e.Attempts); err != nil {
			return nil, err
		}
		e.Kind = outbox.Kind(kind)
		e.CreatedAt = time.Unix(0, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *OutboxLog) Delete(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

func (l *OutboxLog) MarkAttempt(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = ?`, id)
	return err
}

func (l *OutboxLog) Attempts(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT attempt_id FROM outbox GROUP BY attempt_id ORDER BY MIN(id)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (l *OutboxLog) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}
