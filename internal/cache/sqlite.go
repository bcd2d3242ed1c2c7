package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SQLiteTier is the durable, authoritative cache tier. Survives process
// restarts; shared by every processing unit on the same host.
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type SQLiteTier struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenSQLite opens (or creates) the durable tier at dbPath.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func OpenSQLite(dbPath string) (*SQLiteTier, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// Shared cache so every pooled connection sees the same database
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	t := &SQLiteTier{db: db}
	if err := t.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return t, nil
}

func (t *SQLiteTier) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS search_cache (
		key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		is_partial INTEGER DEFAULT 0,
		fetched_at DATETIME NOT NULL,
		fail_streak INTEGER DEFAULT 0,
		last_success_at DATETIME,
		last_attempt_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_search_cache_fetched ON search_cache(fetched_at DESC);

	CREATE TABLE IF NOT EXISTS source_health (
		source_id TEXT PRIMARY KEY,
		attempts INTEGER DEFAULT 0,
		failures INTEGER DEFAULT 0,
		last_error TEXT,
		last_fetched_at DATETIME
	);
	`
	if _, err := t.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (t *SQLiteTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.db.Close()
}

func (t *SQLiteTier) Name() string { return "sqlite" }

// Get loads the entry for a key.
func (t *SQLiteTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		payload    string
		isPartial  int
		e          Entry
		lastOK     sql.NullTime
		lastTry    sql.NullTime
	)
	row := t.db.QueryRowContext(ctx, `
		SELECT payload, is_partial, fetched_at, fail_streak, last_success_at, last_attempt_at
		FROM search_cache WHERE key = ?`, key)
	err := row.Scan(&payload, &isPartial, &e.FetchedAt, &e.FailStreak, &lastOK, &lastTry)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("scan cache row: %w", err)
	}

	if err := json.UnmarshalFromString(payload, &e.Records); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache payload: %w", err)
	}
	e.IsPartial = isPartial != 0
	if lastOK.Valid {
		e.LastSuccessAt = lastOK.Time
	}
	if lastTry.Valid {
		e.LastAttemptAt = lastTry.Time
	}
	return e, true, nil
}

// Put stores or replaces the entry for a key.
func (t *SQLiteTier) Put(ctx context.Context, key string, e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload, err := json.MarshalToString(e.Records)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}

	partial := 0
	if e.IsPartial {
		partial = 1
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO search_cache (key, payload, is_partial, fetched_at, fail_streak, last_success_at, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			is_partial = excluded.is_partial,
			fetched_at = excluded.fetched_at,
			fail_streak = excluded.fail_streak,
			last_success_at = excluded.last_success_at,
			last_attempt_at = excluded.last_attempt_at`,
		key, payload, partial, e.FetchedAt, e.FailStreak, nullTime(e.LastSuccessAt), nullTime(e.LastAttemptAt))
	if err != nil {
		return fmt.Errorf("upsert cache row: %w", err)
	}
	return nil
}

// UpdateHealth records an attempt outcome without touching the payload.
func (t *SQLiteTier) UpdateHealth(ctx context.Context, key string, success bool, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res sql.Result
	var err error
	if success {
		res, err = t.db.ExecContext(ctx, `
			UPDATE search_cache SET fail_streak = 0, last_success_at = ?, last_attempt_at = ?
			WHERE key = ?`, at, at, key)
	} else {
		res, err = t.db.ExecContext(ctx, `
			UPDATE search_cache SET fail_streak = fail_streak + 1, last_attempt_at = ?
			WHERE key = ?`, at, key)
	}
	if err != nil {
		return fmt.Errorf("update cache health: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // no entry yet, nothing to record against
	}
	return nil
}

// RecordSourceAttempt persists per-source fetch stats for operator health
// dashboards.
func (t *SQLiteTier) RecordSourceAttempt(ctx context.Context, sourceID string, fetchErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	failure := 0
	lastError := ""
	if fetchErr != nil {
		failure = 1
		lastError = fetchErr.Error()
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO source_health (source_id, attempts, failures, last_error, last_fetched_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			attempts = attempts + 1,
			failures = failures + ?,
			last_error = ?,
			last_fetched_at = excluded.last_fetched_at`,
		sourceID, failure, lastError, time.Now(), failure, lastError)
	if err != nil {
		return fmt.Errorf("record source attempt: %w", err)
	}
	return nil
}

// SourceHealth is one row of the operator health view.
type SourceHealth struct {
	SourceID      string
	Attempts      int
	Failures      int
	LastError     string
	LastFetchedAt time.Time
}

// SourceHealthReport returns per-source fetch stats ordered by source id.
func (t *SQLiteTier) SourceHealthReport(ctx context.Context) ([]SourceHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows, err := t.db.QueryContext(ctx, `
		SELECT source_id, attempts, failures, COALESCE(last_error, ''), last_fetched_at
		FROM source_health ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("query source health: %w", err)
	}
	defer rows.Close()

	var out []SourceHealth
	for rows.Next() {
		var h SourceHealth
		var fetched sql.NullTime
		if err := rows.Scan(&h.SourceID, &h.Attempts, &h.Failures, &h.LastError, &fetched); err != nil {
			return nil, fmt.Errorf("scan source health: %w", err)
		}
		h.LastFetchedAt = fetched.Time
		out = append(out, h)
	}
	return out, rows.Err()
}

// Evict removes entries older than maxAge, returning how many were dropped.
func (t *SQLiteTier) Evict(ctx context.Context, maxAge time.Duration) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, err := t.db.ExecContext(ctx,
		`DELETE FROM search_cache WHERE fetched_at < ?`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("evict cache rows: %w", err)
	}
	return res.RowsAffected()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
