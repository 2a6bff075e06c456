package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a ConversationStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a per-scope transactional advisory lock so idempotency checks
//     and inserts cannot interleave for the same conversation.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tether").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed ConversationStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "tether",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and messages table when absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schemaIdent := pgx.Identifier{s.schema}.Sanitize()
	messages := s.table("messages")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schemaIdent,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
			id TEXT PRIMARY KEY,
			scope_a TEXT NOT NULL,
			scope_b TEXT NOT NULL,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'delivered',
			client_origin_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_origin
			ON ` + messages + ` (scope_a, scope_b, client_origin_id)
			WHERE client_origin_id != ''`,
		`CREATE INDEX IF NOT EXISTS idx_messages_scope_cursor
			ON ` + messages + ` (scope_a, scope_b, created_at DESC, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append persists a message with idempotency per (scope, client_origin_id).
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("store: nil store")
	}
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
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := s.table("messages")

	// Serialize all writes per scope so duplicate checks and inserts cannot
	// interleave for the same conversation.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, scope.Key()); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if in.ClientOriginID != "" {
		existing, err := readPGByOrigin(ctx, tx, messages, scope, in.ClientOriginID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
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

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, scope_a, scope_b, sender, body, created_at, status, client_origin_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, scope.A, scope.B, msg.From, msg.Body, msg.CreatedAt, string(msg.Status), msg.ClientOriginID,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: msg, Duplicated: false}, nil
}

// Query returns one page of messages, newest first, strictly older than the
// composite cursor when one is supplied.
func (s *PostgresStore) Query(ctx context.Context, in QueryInput) (QueryResult, error) {
	if s == nil || s.pool == nil {
		return QueryResult{}, errors.New("store: nil store")
	}
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

	messages := s.table("messages")

	var (
		rows pgx.Rows
		err  error
	)
	if before == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id, scope_a, scope_b, sender, body, created_at, status, client_origin_id
			   FROM `+messages+`
			  WHERE scope_a = $1 AND scope_b = $2
			  ORDER BY created_at DESC, id DESC
			  LIMIT $3`,
			scope.A, scope.B, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, scope_a, scope_b, sender, body, created_at, status, client_origin_id
			   FROM `+messages+`
			  WHERE scope_a = $1 AND scope_b = $2
			    AND (created_at < $3 OR (created_at = $3 AND id < $4))
			  ORDER BY created_at DESC, id DESC
			  LIMIT $5`,
			scope.A, scope.B, *before, beforeID, fetch,
		)
	}
	if err != nil {
		return QueryResult{}, err
	}
	defer rows.Close()

	msgs, err := scanPGMessages(rows, fetch)
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
func (s *PostgresStore) ResolveCursor(ctx context.Context, id string) (time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT created_at FROM `+s.table("messages")+` WHERE id = $1`, id,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrCursorNotFound
		}
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Search returns messages in scope whose body contains query, newest first.
func (s *PostgresStore) Search(ctx context.Context, scope Scope, query string, limit int) ([]Message, error) {
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

	rows, err := s.pool.Query(ctx,
		`SELECT id, scope_a, scope_b, sender, body, created_at, status, client_origin_id
		   FROM `+s.table("messages")+`
		  WHERE scope_a = $1 AND scope_b = $2 AND body ILIKE $3 ESCAPE '\'
		  ORDER BY created_at DESC, id DESC
		  LIMIT $4`,
		n.A, n.B, pattern, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPGMessages(rows, limit)
}

// MarkRead flips every message in scope at or before upToID to StatusRead.
func (s *PostgresStore) MarkRead(ctx context.Context, scope Scope, upToID string) (int64, error) {
	if !scope.Valid() {
		return 0, errors.New("store: invalid scope")
	}

	cursorAt, err := s.ResolveCursor(ctx, upToID)
	if err != nil {
		return 0, err
	}

	n := scope.Normalize()
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("messages")+`
		    SET status = $1
		  WHERE scope_a = $2 AND scope_b = $3 AND status != $1
		    AND (created_at < $4 OR (created_at = $4 AND id <= $5))`,
		string(StatusRead), n.A, n.B, cursorAt, upToID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func readPGByOrigin(ctx context.Context, tx pgx.Tx, messagesTable string, scope Scope, originID string) (Message, error) {
	var (
		m  Message
		st string
	)
	err := tx.QueryRow(ctx,
		`SELECT id, scope_a, scope_b, sender, body, created_at, status, client_origin_id
		   FROM `+messagesTable+`
		  WHERE scope_a = $1 AND scope_b = $2 AND client_origin_id = $3`,
		scope.A, scope.B, originID,
	).Scan(&m.ID, &m.Scope.A, &m.Scope.B, &m.From, &m.Body, &m.CreatedAt, &st, &m.ClientOriginID)
	if err != nil {
		return Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.Status = DeliveryStatus(st)
	return m, nil
}

func scanPGMessages(rows pgx.Rows, capHint int) ([]Message, error) {
	msgs := make([]Message, 0, capHint)
	for rows.Next() {
		var (
			m  Message
			st string
		)
		if err := rows.Scan(&m.ID, &m.Scope.A, &m.Scope.B, &m.From, &m.Body, &m.CreatedAt, &st, &m.ClientOriginID); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		m.Status = DeliveryStatus(st)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func (s *PostgresStore) table(name string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{s.schema, name}.Sanitize()
}
