package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a ConversationStore backed by a local SQLite database.
//
// Timestamps are stored as integer unix nanoseconds so the composite
// (created_at, id) cursor comparison is exact.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if necessary creates) the database at dbPath.
// If dbPath is empty, defaults to "./data/tether.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/tether.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// SQLite writes are serialized; a single connection avoids SQLITE_BUSY
	// churn under concurrent appends.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		scope_a TEXT NOT NULL,
		scope_b TEXT NOT NULL,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'delivered',
		client_origin_id TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_origin
		ON messages(scope_a, scope_b, client_origin_id)
		WHERE client_origin_id != '';

	CREATE INDEX IF NOT EXISTS idx_messages_scope_cursor
		ON messages(scope_a, scope_b, created_at DESC, id DESC);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Append persists a message with idempotency per (scope, client_origin_id).
func (s *SQLiteStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if !in.Scope.Valid() {
		return AppendResult{}, errors.New("store: invalid scope")
	}
	scope := in.Scope.Normalize()
	if in.From != scope.A && in.From != scope.B {
		return AppendResult{}, errors.New("store: sender not in scope")
	}
	if strings.TrimSpace(in.Body) == "" {
		return AppendResult{}, errors.New("store: empty body")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if in.ClientOriginID != "" {
		existing, err := s.readByOrigin(ctx, scope, in.ClientOriginID)
		if err == nil {
			return AppendResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return AppendResult{}, err
		}
	}

	msg := Message{
		ID:             NewMessageID(now),
		Scope:          scope,
		From:           in.From,
		Body:           in.Body,
		CreatedAt:      now,
		Status:         StatusDelivered,
		ClientOriginID: in.ClientOriginID,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, scope_a, scope_b, sender, body, created_at, status, client_origin_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, scope.A, scope.B, msg.From, msg.Body, msg.CreatedAt.UnixNano(), string(msg.Status), msg.ClientOriginID)
	if err != nil {
		// A concurrent append with the same origin id may have won the unique
		// index race; return the stored row as a duplicate.
		if in.ClientOriginID != "" && strings.Contains(err.Error(), "UNIQUE") {
			existing, rerr := s.readByOrigin(ctx, scope, in.ClientOriginID)
			if rerr == nil {
				return AppendResult{Stored: existing, Duplicated: true}, nil
			}
		}
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	return AppendResult{Stored: msg, Duplicated: false}, nil
}

// Query returns one page of messages, newest first, strictly older than the
// composite cursor when one is supplied.
func (s *SQLiteStore) Query(ctx context.Context, in QueryInput) (QueryResult, error) {
	if !in.Scope.Valid() {
		return QueryResult{}, errors.New("store: invalid scope")
	}

	limit := ClampLimit(in.Limit)
	fetch := limit + 1
	scope := in.Scope.Normalize()

	before := in.Before
	beforeID := in.BeforeID
	if before == nil && beforeID != "" {
		t, err := s.ResolveCursor(ctx, beforeID)
		if err != nil {
			return QueryResult{}, err
		}
		before = &t
	}

	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, scope_a, scope_b, sender, body, created_at, status, client_origin_id
			FROM messages
			WHERE scope_a = ? AND scope_b = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, scope.A, scope.B, fetch)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, scope_a, scope_b, sender, body, created_at, status, client_origin_id
			FROM messages
			WHERE scope_a = ? AND scope_b = ?
			  AND (created_at < ? OR (created_at = ? AND id < ?))
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, scope.A, scope.B, before.UnixNano(), before.UnixNano(), beforeID, fetch)
	}
	if err != nil {
		return QueryResult{}, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows, fetch)
	if err != nil {
		return QueryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return QueryResult{Messages: msgs, HasMore: hasMore}, nil
}

// ResolveCursor looks up a message's timestamp by id.
func (s *SQLiteStore) ResolveCursor(ctx context.Context, id string) (time.Time, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM messages WHERE id = ?`, id).Scan(&ns)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrCursorNotFound
		}
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}

// Search returns messages in scope whose body contains query, newest first.
func (s *SQLiteStore) Search(ctx context.Context, scope Scope, query string, limit int) ([]Message, error) {
	if !scope.Valid() {
		return nil, errors.New("store: invalid scope")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("store: empty search query")
	}

	limit = ClampLimit(limit)
	n := scope.Normalize()
	pattern := "%" + escapeLike(query) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope_a, scope_b, sender, body, created_at, status, client_origin_id
		FROM messages
		WHERE scope_a = ? AND scope_b = ? AND body LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, n.A, n.B, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows, limit)
}

// MarkRead flips every message in scope at or before upToID to StatusRead.
func (s *SQLiteStore) MarkRead(ctx context.Context, scope Scope, upToID string) (int64, error) {
	if !scope.Valid() {
		return 0, errors.New("store: invalid scope")
	}

	cursorAt, err := s.ResolveCursor(ctx, upToID)
	if err != nil {
		return 0, err
	}

	n := scope.Normalize()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?
		WHERE scope_a = ? AND scope_b = ? AND status != ?
		  AND (created_at < ? OR (created_at = ? AND id <= ?))
	`, string(StatusRead), n.A, n.B, string(StatusRead),
		cursorAt.UnixNano(), cursorAt.UnixNano(), upToID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) readByOrigin(ctx context.Context, scope Scope, originID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope_a, scope_b, sender, body, created_at, status, client_origin_id
		FROM messages
		WHERE scope_a = ? AND scope_b = ? AND client_origin_id = ?
	`, scope.A, scope.B, originID)
	return scanMessage(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m  Message
		ns int64
		st string
	)
	err := row.Scan(&m.ID, &m.Scope.A, &m.Scope.B, &m.From, &m.Body, &ns, &st, &m.ClientOriginID)
	if err != nil {
		return Message{}, err
	}
	m.CreatedAt = time.Unix(0, ns).UTC()
	m.Status = DeliveryStatus(st)
	return m, nil
}

func scanMessages(rows *sql.Rows, capHint int) ([]Message, error) {
	msgs := make([]Message, 0, capHint)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
