// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/changewatch/internal/watch"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WatchStoreConfig controls the Postgres connection pool used for watch rows.
type WatchStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// WatchStore keeps each watch as a JSONB document. The columns used by the
// due query are mirrored next to it and rewritten on every mutation.
type WatchStore struct {
	pool  pgxPool
	table string
}

var _ watch.Store = (*WatchStore)(nil)

// NewWatchStore connects to Postgres using cfg.
func NewWatchStore(ctx context.Context, cfg WatchStoreConfig) (*WatchStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("registry.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWatchStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWatchStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewWatchStoreWithPool(pool pgxPool, table string) (*WatchStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "watches"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &WatchStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *WatchStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the watch table when it does not exist yet.
func (s *WatchStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id text PRIMARY KEY,
	paused boolean NOT NULL DEFAULT false,
	last_checked bigint NOT NULL DEFAULT 0,
	minutes_between_check integer,
	date_created bigint NOT NULL,
	data jsonb NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Add inserts a new watch with empty history.
func (s *WatchStore) Add(ctx context.Context, w watch.Watch) (watch.Watch, error) {
	if w.ID == "" {
		return watch.Watch{}, fmt.Errorf("watch id is required")
	}
	fresh := watch.Watch{ID: w.ID, DateCreated: w.DateCreated}.ApplyConfig(w)
	if err := s.insert(ctx, fresh); err != nil {
		return watch.Watch{}, err
	}
	return fresh, nil
}

// Clone copies the configuration of id into a new row named newID.
func (s *WatchStore) Clone(ctx context.Context, id, newID string, now time.Time) (watch.Watch, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return watch.Watch{}, err
	}
	clone := src.CloneAs(newID, now)
	if err := s.insert(ctx, clone); err != nil {
		return watch.Watch{}, err
	}
	return clone, nil
}

func (s *WatchStore) insert(ctx context.Context, w watch.Watch) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal watch: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, paused, last_checked, minutes_between_check, date_created, data)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query, w.ID, w.Paused, w.LastChecked, minutesArg(w), w.DateCreated, data)
	if err != nil {
		return fmt.Errorf("insert watch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert %s: %w", w.ID, watch.ErrAlreadyExists)
	}
	return nil
}

// Update replaces the editable fields of an existing watch.
func (s *WatchStore) Update(ctx context.Context, w watch.Watch) error {
	return s.mutate(ctx, w.ID, func(current *watch.Watch) error {
		*current = current.ApplyConfig(w)
		return nil
	})
}

// SetPaused toggles the paused flag.
func (s *WatchStore) SetPaused(ctx context.Context, id string, paused bool) error {
	return s.mutate(ctx, id, func(current *watch.Watch) error {
		current.Paused = paused
		return nil
	})
}

// RecordCheckResult stores the outcome of one check.
func (s *WatchStore) RecordCheckResult(ctx context.Context, id string, result watch.CheckResult) error {
	return s.mutate(ctx, id, func(current *watch.Watch) error {
		current.LastChecked = result.Timestamp
		current.FetchTime = result.FetchTime
		if result.StatusCode > 0 {
			current.LastStatusCode = result.StatusCode
		}
		current.LastError = watch.ErrorText(result.Err)
		return nil
	})
}

// AppendHistory adds a snapshot entry and moves the fingerprint with it.
func (s *WatchStore) AppendHistory(ctx context.Context, id string, entry watch.HistoryEntry, fingerprint string) error {
	return s.mutate(ctx, id, func(current *watch.Watch) error {
		if current.HasHistoryAt(entry.Timestamp) {
			return fmt.Errorf("append history %s at %d: %w", id, entry.Timestamp, watch.ErrDuplicateHistory)
		}
		current.History = append(current.History, entry)
		current.PreviousMD5 = fingerprint
		return nil
	})
}

// mutate runs fn against a row locked with SELECT ... FOR UPDATE.
func (s *WatchStore) mutate(ctx context.Context, id string, fn func(*watch.Watch) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var data []byte
	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1 FOR UPDATE`, s.table)
	if err = tx.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("watch %s: %w", id, watch.ErrNotFound)
		}
		return fmt.Errorf("select watch: %w", err)
	}
	var current watch.Watch
	if err = json.Unmarshal(data, &current); err != nil {
		return fmt.Errorf("decode watch %s: %w", id, err)
	}
	if err = fn(&current); err != nil {
		return err
	}
	if data, err = json.Marshal(current); err != nil {
		return fmt.Errorf("marshal watch: %w", err)
	}
	update := fmt.Sprintf(`
UPDATE %s SET paused = $2, last_checked = $3, minutes_between_check = $4, data = $5
WHERE id = $1`, s.table)
	if _, err = tx.Exec(ctx, update, id, current.Paused, current.LastChecked, minutesArg(current), data); err != nil {
		return fmt.Errorf("update watch: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit watch %s: %w", id, err)
	}
	return nil
}

// Delete removes a watch and returns the removed record.
func (s *WatchStore) Delete(ctx context.Context, id string) (watch.Watch, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 RETURNING data`, s.table)
	return s.scanOne(ctx, id, query)
}

// Get returns one watch.
func (s *WatchStore) Get(ctx context.Context, id string) (watch.Watch, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, s.table)
	return s.scanOne(ctx, id, query)
}

func (s *WatchStore) scanOne(ctx context.Context, id, query string) (watch.Watch, error) {
	var data []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return watch.Watch{}, fmt.Errorf("watch %s: %w", id, watch.ErrNotFound)
		}
		return watch.Watch{}, fmt.Errorf("query watch: %w", err)
	}
	var w watch.Watch
	if err := json.Unmarshal(data, &w); err != nil {
		return watch.Watch{}, fmt.Errorf("decode watch %s: %w", id, err)
	}
	return w, nil
}

// Exists reports whether id is registered.
func (s *WatchStore) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table)
	if err := s.pool.QueryRow(ctx, query, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("query watch: %w", err)
	}
	return ok, nil
}

// List returns every watch ordered by creation time, then ID.
func (s *WatchStore) List(ctx context.Context) ([]watch.Watch, error) {
	query := fmt.Sprintf(`SELECT data FROM %s ORDER BY date_created, id`, s.table)
	return s.queryMany(ctx, query)
}

// DueWatches pushes the due predicate into SQL and re-checks it locally.
func (s *WatchStore) DueWatches(ctx context.Context, now time.Time, globalMinutes int) ([]watch.Watch, error) {
	if globalMinutes <= 0 {
		globalMinutes = watch.DefaultMinutesBetweenCheck
	}
	query := fmt.Sprintf(`
SELECT data FROM %s
WHERE NOT paused
  AND last_checked <= $1 - COALESCE(NULLIF(minutes_between_check, 0), $2) * 60
ORDER BY date_created, id`, s.table)
	ws, err := s.queryMany(ctx, query, now.Unix(), globalMinutes)
	if err != nil {
		return nil, err
	}
	return watch.FilterDue(ws, now, globalMinutes), nil
}

func (s *WatchStore) queryMany(ctx context.Context, query string, args ...any) ([]watch.Watch, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query watches: %w", err)
	}
	defer rows.Close()

	var out []watch.Watch
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		var w watch.Watch
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode watch: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watches: %w", err)
	}
	return out, nil
}

func minutesArg(w watch.Watch) any {
	if w.MinutesBetweenCheck == nil {
		return nil
	}
	return *w.MinutesBetweenCheck
}
