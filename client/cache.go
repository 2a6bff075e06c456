package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	v1 "tether/shared/contracts/sync/v1"
)

const cachePerScopeLimit = 200

// Cache persists the client's sync cursor and a bounded recent window of
// each conversation so a restarted client renders instantly and resumes
// replay from where it stopped, instead of refetching everything.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (and migrates) the cache database at path.
// Pass ":memory:" for an ephemeral cache in tests.
func OpenCache(path string) (*Cache, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("client: open cache: %w", err)
	}
	// sqlite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY churn entirely.
	db.SetMaxOpenConns(1)

	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrate() error {
	_, err := c.db.Exec(`
CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cached_messages (
	scope_key        TEXT    NOT NULL,
	id               TEXT    NOT NULL,
	scope_a          TEXT    NOT NULL,
	scope_b          TEXT    NOT NULL,
	sender           TEXT    NOT NULL,
	body             TEXT    NOT NULL,
	created_at       INTEGER NOT NULL,
	status           TEXT    NOT NULL,
	client_origin_id TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (scope_key, id)
);

CREATE INDEX IF NOT EXISTS idx_cached_messages_order
	ON cached_messages (scope_key, created_at DESC, id DESC);
`)
	if err != nil {
		return fmt.Errorf("client: migrate cache: %w", err)
	}
	return nil
}

// SaveCursor persists the replay position and the server epoch it belongs to.
func (c *Cache) SaveCursor(ctx context.Context, lastSeq int64, epoch string) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO sync_state (key, value) VALUES
	('last_seq', ?),
	('server_epoch', ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", lastSeq), epoch)
	if err != nil {
		return fmt.Errorf("client: save cursor: %w", err)
	}
	return nil
}

// LoadCursor returns the persisted replay position. ok is false on a fresh
// cache; the client then tails live and fetches history on demand.
func (c *Cache) LoadCursor(ctx context.Context) (lastSeq int64, epoch string, ok bool, err error) {
	rows, err := c.db.QueryContext(ctx, `SELECT key, value FROM sync_state WHERE key IN ('last_seq', 'server_epoch')`)
	if err != nil {
		return 0, "", false, fmt.Errorf("client: load cursor: %w", err)
	}
	defer rows.Close()

	var haveSeq bool
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return 0, "", false, fmt.Errorf("client: load cursor: %w", err)
		}
		switch k {
		case "last_seq":
			if _, err := fmt.Sscanf(v, "%d", &lastSeq); err != nil {
				return 0, "", false, fmt.Errorf("client: load cursor: bad last_seq %q", v)
			}
			haveSeq = true
		case "server_epoch":
			epoch = v
		}
	}
	if err := rows.Err(); err != nil {
		return 0, "", false, fmt.Errorf("client: load cursor: %w", err)
	}
	return lastSeq, epoch, haveSeq && epoch != "", nil
}

// ResetCursor drops the persisted replay position (epoch change, full resync).
func (c *Cache) ResetCursor(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM sync_state WHERE key IN ('last_seq', 'server_epoch')`)
	if err != nil {
		return fmt.Errorf("client: reset cursor: %w", err)
	}
	return nil
}

// SaveMessages upserts confirmed messages into one conversation's cached
// window and prunes it back to the per-conversation bound, oldest first.
// Pending rows are never persisted; the outbound queue owns those.
func (c *Cache) SaveMessages(ctx context.Context, scope v1.Scope, msgs []TimelineMessage) error {
	key := scopeKey(scope)
	norm := normalizeScope(scope)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("client: save messages: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if m.Pending || m.ID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO cached_messages (scope_key, id, scope_a, scope_b, sender, body, created_at, status, client_origin_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (scope_key, id) DO UPDATE SET status = excluded.status`,
			key, m.ID, norm.A, norm.B, m.From, m.Body, m.CreatedAt.UnixNano(), m.Status, m.ClientOriginID,
		); err != nil {
			return fmt.Errorf("client: save messages: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM cached_messages
WHERE scope_key = ? AND id NOT IN (
	SELECT id FROM cached_messages
	WHERE scope_key = ?
	ORDER BY created_at DESC, id DESC
	LIMIT ?
)`, key, key, cachePerScopeLimit); err != nil {
		return fmt.Errorf("client: save messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("client: save messages: %w", err)
	}
	return nil
}

// LoadMessages returns one conversation's cached window, oldest first.
func (c *Cache) LoadMessages(ctx context.Context, scope v1.Scope, limit int) ([]TimelineMessage, error) {
	if limit <= 0 || limit > cachePerScopeLimit {
		limit = cachePerScopeLimit
	}

	rows, err := c.db.QueryContext(ctx, `
SELECT id, scope_a, scope_b, sender, body, created_at, status, client_origin_id
FROM cached_messages
WHERE scope_key = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, scopeKey(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("client: load messages: %w", err)
	}
	defer rows.Close()

	var out []TimelineMessage
	for rows.Next() {
		var m TimelineMessage
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Scope.A, &m.Scope.B, &m.From, &m.Body, &createdAt, &m.Status, &m.ClientOriginID); err != nil {
			return nil, fmt.Errorf("client: load messages: %w", err)
		}
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("client: load messages: %w", err)
	}

	// Newest-first query, oldest-first result.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClearScope drops one conversation's cached window.
func (c *Cache) ClearScope(ctx context.Context, scope v1.Scope) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cached_messages WHERE scope_key = ?`, scopeKey(scope))
	if err != nil {
		return fmt.Errorf("client: clear scope: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	if c.db == nil {
		return errors.New("client: cache already closed")
	}
	err := c.db.Close()
	c.db = nil
	return err
}
