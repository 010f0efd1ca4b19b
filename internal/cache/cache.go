// Package cache implements the edge agent's durable offline queue: a
// single-file embedded store that buffers ingested envelopes while the
// fleet backend is unreachable.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL. Within this process
// the orchestrator's drain loop and producer goroutines appending through
// Ingest still take turns: every operation, reads included, goes through the
// single connection and mutex described below.
//
// # Single writer
//
// SQLite allows only one writer at a time. The connection pool is limited to
// one connection so every Append/Remove/Trim call serialises through it;
// combined with an in-process mutex this makes OfflineCache safe for
// concurrent use by multiple goroutines in the same process. Concurrent
// agent processes sharing one cache file are explicitly out of scope.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // register the "sqlite" driver with database/sql
)

// Item is a single durable queue row. ID is a monotonically increasing
// primary key assigned at Append time; SizeBytes is the serialized byte
// length of Payload as recorded at insertion, not recomputed on read.
type Item struct {
	ID        int64
	Payload   []byte
	CreatedAt float64
	SizeBytes int
}

// ddl is the schema DDL. It mirrors the on-disk layout specified for the
// agent's cache file: queue(id, payload, created_at, size_bytes).
const ddl = `
CREATE TABLE IF NOT EXISTS queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    payload     TEXT    NOT NULL,
    created_at  REAL    NOT NULL,
    size_bytes  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_id ON queue (id);
`

// trimStepSize bounds how many rows a single trim_to_limit iteration deletes,
// matching the "oldest up-to-50 ids per step" eviction rule.
const trimStepSize = 50

// OfflineCache is a durable FIFO keyed by auto-assigned monotonic id, backed
// by a single-file SQLite database. It is the exclusive owner of its backing
// store; callers never touch the database directly.
type OfflineCache struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the
// schema. Passing ":memory:" is supported and is useful in tests, but an
// in-memory database loses all data when Close is called.
func Open(path string) (*OfflineCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}

	return &OfflineCache{db: db}, nil
}

// Append serializes payload's byte length for accounting, assigns the next
// id, and commits the row. It returns the assigned id. Any storage error is
// fatal to the calling sub-step per the agent's error taxonomy.
func (c *OfflineCache) Append(ctx context.Context, payload []byte, createdAt float64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO queue (payload, created_at, size_bytes) VALUES (?, ?, ?)`,
		string(payload), createdAt, len(payload),
	)
	if err != nil {
		return 0, fmt.Errorf("cache: append: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("cache: append: read last insert id: %w", err)
	}
	return id, nil
}

// GetBatch returns up to limit items in ascending id order. It does not
// remove anything from the cache. Passing limit <= 0 returns nil.
func (c *OfflineCache) GetBatch(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, payload, created_at, size_bytes FROM queue ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("cache: get_batch: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var payload string
		if err := rows.Scan(&it.ID, &payload, &it.CreatedAt, &it.SizeBytes); err != nil {
			return nil, fmt.Errorf("cache: get_batch scan: %w", err)
		}
		it.Payload = []byte(payload)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: get_batch rows: %w", err)
	}
	return items, nil
}

// Remove deletes the rows named by ids. IDs not present are ignored.
func (c *OfflineCache) Remove(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.removeLocked(ctx, ids)
}

// removeLocked performs the delete without acquiring the mutex; callers must
// already hold c.mu.
func (c *OfflineCache) removeLocked(ctx context.Context, ids []int64) error {
	args := make([]any, len(ids))
	placeholders := make([]byte, 0, len(ids)*2)
	for i, id := range ids {
		args[i] = id
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}

	_, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM queue WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("cache: remove: %w", err)
	}
	return nil
}

// TotalSizeBytes returns the sum of size_bytes over every live row.
func (c *OfflineCache) TotalSizeBytes(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSizeBytesLocked(ctx)
}

func (c *OfflineCache) totalSizeBytesLocked(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM queue`).Scan(&total); err != nil {
		return 0, fmt.Errorf("cache: total_size_bytes: %w", err)
	}
	return total.Int64, nil
}

// Count returns the number of live rows.
func (c *OfflineCache) Count(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countLocked(ctx)
}

func (c *OfflineCache) countLocked(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: count: %w", err)
	}
	return n, nil
}

// TrimToLimit deletes the oldest rows, up to trimStepSize ids per step and
// no more than needed, until TotalSizeBytes is at or below limitBytes. It returns the number of
// rows removed. Eviction is oldest-first and lossy by design: trimmed rows
// are gone permanently. A limitBytes of 0 or less disables trimming.
func (c *OfflineCache) TrimToLimit(ctx context.Context, limitBytes int64) (int, error) {
	if limitBytes <= 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for {
		total, err := c.totalSizeBytesLocked(ctx)
		if err != nil {
			return removed, err
		}
		if total <= limitBytes {
			return removed, nil
		}

		ids, err := c.oldestIDsLocked(ctx, trimStepSize, total-limitBytes)
		if err != nil {
			return removed, err
		}
		if len(ids) == 0 {
			// Nothing left to trim even though total > limit (shouldn't
			// happen unless size_bytes accounting drifted); stop looping.
			return removed, nil
		}

		if err := c.removeLocked(ctx, ids); err != nil {
			return removed, err
		}
		removed += len(ids)
	}
}

// oldestIDsLocked returns up to n of the smallest live ids, stopping as soon
// as their combined size_bytes reaches excess.
func (c *OfflineCache) oldestIDsLocked(ctx context.Context, n int, excess int64) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, size_bytes FROM queue ORDER BY id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("cache: oldest ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	var freed int64
	for freed < excess && rows.Next() {
		var id, size int64
		if err := rows.Scan(&id, &size); err != nil {
			return nil, fmt.Errorf("cache: oldest ids scan: %w", err)
		}
		ids = append(ids, id)
		freed += size
	}
	return ids, rows.Err()
}

// Close releases the database handle. The cache must not be used after
// Close returns.
func (c *OfflineCache) Close() error {
	return c.db.Close()
}
