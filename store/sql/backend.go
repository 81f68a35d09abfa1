// Package sql provides a PostgreSQL-backed implementation of
// store.Backend using github.com/jackc/pgx/v5. State is persisted one
// row per key with an integer version column; Consume applies its
// MutateFunc locally against the last-read row and commits with an
// `UPDATE ... WHERE version = $n` compare-and-set, retrying on a lost
// race up to maxCASRetries times before surfacing a backend error —
// the same bound spec §5 allows for remote compare-and-set backends.
package sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/krishna-kudari/ratelimit/store"
)

// maxCASRetries bounds how many times Consume retries a lost
// compare-and-set race before giving up, per spec §5 ("typically ≤ 3").
const maxCASRetries = 3

// wireEntry is the JSON-serializable projection of store.Entry persisted
// in the state column; time.Time round-trips through RFC3339Nano.
type wireEntry struct {
	Tokens      float64           `json:"tokens,omitempty"`
	LastRefill  time.Time         `json:"last_refill,omitempty"`
	Count       int64             `json:"count,omitempty"`
	WindowStart time.Time         `json:"window_start,omitempty"`
	Timestamps  []time.Time       `json:"timestamps,omitempty"`
	TAT         time.Time         `json:"tat,omitempty"`
	LastTouched time.Time         `json:"last_touched,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func toWire(e store.Entry) wireEntry {
	return wireEntry(e)
}

func fromWire(w wireEntry) store.Entry {
	return store.Entry(w)
}

// Backend implements store.Backend against a Postgres table created by
// EnsureSchema:
//
//	CREATE TABLE IF NOT EXISTS <table> (
//	    key        TEXT PRIMARY KEY,
//	    version    BIGINT NOT NULL DEFAULT 0,
//	    state      JSONB NOT NULL,
//	    expires_at TIMESTAMPTZ
//	);
type Backend struct {
	pool  *pgxpool.Pool
	table string
}

// New creates a Backend that reads and writes rows in table via pool.
// Call EnsureSchema once per table before first use.
func New(pool *pgxpool.Pool, table string) *Backend {
	return &Backend{pool: pool, table: table}
}

// EnsureSchema creates the backing table and its TTL index if absent.
// It is safe to call repeatedly (e.g. once per process start-up).
func (b *Backend) EnsureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			version    BIGINT NOT NULL DEFAULT 0,
			state      JSONB NOT NULL,
			expires_at TIMESTAMPTZ
		)`, b.table))
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_expires_at_idx ON %s (expires_at)`,
		b.table, b.table))
	return err
}

func (b *Backend) Read(ctx context.Context, key string) (store.Entry, bool, error) {
	row := b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT state, expires_at FROM %s WHERE key = $1`, b.table), key)

	var raw []byte
	var expiresAt *time.Time
	if err := row.Scan(&raw, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Entry{}, false, nil
		}
		return store.Entry{}, false, err
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		return store.Entry{}, false, nil
	}

	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return store.Entry{}, false, err
	}
	return fromWire(w), true, nil
}

func (b *Backend) Peek(ctx context.Context, key string) (store.Entry, bool, error) {
	return b.Read(ctx, key)
}

func (b *Backend) Consume(ctx context.Context, key string, fn store.MutateFunc) (store.Entry, store.Decision, error) {
	var lastErr error
	for attempt := 0; attempt <= maxCASRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return store.Entry{}, store.Decision{}, err
		}

		cur, version, err := b.readVersioned(ctx, key)
		if err != nil {
			return store.Entry{}, store.Decision{}, err
		}

		now := time.Now()
		next, decision := fn(now, cur)
		if !decision.Admit {
			return cur, decision, nil
		}
		next.LastTouched = now

		raw, err := json.Marshal(toWire(next))
		if err != nil {
			return store.Entry{}, store.Decision{}, err
		}

		ok, err := b.tryCommit(ctx, key, version, raw)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return next, decision, nil
		}
		// Lost the CAS race; reread and retry.
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("sql: exceeded %d compare-and-set retries for key %q", maxCASRetries, key)
	}
	return store.Entry{}, store.Decision{}, lastErr
}

func (b *Backend) readVersioned(ctx context.Context, key string) (store.Entry, int64, error) {
	row := b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT state, version FROM %s WHERE key = $1`, b.table), key)

	var raw []byte
	var version int64
	if err := row.Scan(&raw, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Entry{}, -1, nil
		}
		return store.Entry{}, 0, err
	}
	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return store.Entry{}, 0, err
	}
	return fromWire(w), version, nil
}

// tryCommit inserts a new row (version=-1 means absent) or updates the
// existing one conditioned on its version still matching what was read.
func (b *Backend) tryCommit(ctx context.Context, key string, version int64, raw []byte) (bool, error) {
	if version < 0 {
		tag, err := b.pool.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (key, version, state) VALUES ($1, 0, $2)
			 ON CONFLICT (key) DO NOTHING`, b.table), key, raw)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() == 1, nil
	}

	tag, err := b.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET state = $1, version = version + 1
		 WHERE key = $2 AND version = $3`, b.table), raw, key, version)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (b *Backend) Reset(ctx context.Context, key string) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, b.table), key)
	return err
}

func (b *Backend) ResetAll(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, b.table))
	return err
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}
