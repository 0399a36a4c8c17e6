package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/exploopio/intelpipe/pkg/errors"
)

// Fixed width so that text ordering is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRegistry stores sources in a SQLite database.
type SQLiteRegistry struct {
	path string

	mu    sync.Mutex // serialises writes and lazy open
	db    *sql.DB
	now   func() time.Time
	ready bool
}

// NewSQLiteRegistry returns a registry backed by the database at path.
// Nothing is opened until Init; ":memory:" keeps everything in process.
func NewSQLiteRegistry(path string) *SQLiteRegistry {
	return &SQLiteRegistry{path: path, now: time.Now}
}

// Init opens the database and creates the schema if needed. It is safe
// to call repeatedly; a failed Init can be retried.
func (r *SQLiteRegistry) Init(ctx context.Context) error {
	const op = "source.Init"

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil
	}

	if r.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
			return errors.E(errors.KindRegistryInit, op, "create database directory", err)
		}
	}

	db, err := sql.Open("sqlite", r.path)
	if err != nil {
		return errors.E(errors.KindRegistryInit, op, "open database", err)
	}
	if r.path == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return errors.E(errors.KindRegistryInit, op, "set pragma", err)
		}
	}

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return errors.E(errors.KindRegistryInit, op, "init schema", err)
	}

	r.db = db
	r.ready = true
	return nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS intel_sources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		url TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		configuration TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_scanned_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_intel_sources_enabled ON intel_sources(enabled);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (r *SQLiteRegistry) handle(op string) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil, errors.E(errors.KindRegistryInit, op, "registry not initialized")
	}
	return r.db, nil
}

// ActiveSources returns every enabled source. Configuration that fails
// to decode is returned as raw text under RawConfigurationKey so the
// dispatcher can report it.
func (r *SQLiteRegistry) ActiveSources(ctx context.Context) ([]Source, error) {
	const op = "source.ActiveSources"

	db, err := r.handle(op)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, name, type, url, enabled, configuration, created_at, updated_at, last_scanned_at
		FROM intel_sources
		WHERE enabled = 1
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, errors.E(errors.KindRegistryInit, op, "query sources", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, errors.E(errors.KindRegistryInit, op, "scan source", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.E(errors.KindRegistryInit, op, "iterate sources", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (Source, error) {
	var (
		s                Source
		typ, config      string
		enabled          int
		created, updated string
		lastScanned      sql.NullString
	)
	if err := row.Scan(&s.ID, &s.Name, &typ, &s.URL, &enabled, &config, &created, &updated, &lastScanned); err != nil {
		return Source{}, err
	}
	s.Type = Type(typ)
	s.Enabled = enabled != 0

	cfg, err := ParseConfiguration(config)
	if err != nil {
		cfg = Configuration{RawConfigurationKey: config}
	}
	s.Configuration = cfg

	s.CreatedAt, _ = time.Parse(timeLayout, created)
	s.UpdatedAt, _ = time.Parse(timeLayout, updated)
	if lastScanned.Valid {
		if t, err := time.Parse(timeLayout, lastScanned.String); err == nil {
			s.LastScannedAt = &t
		}
	}
	return s, nil
}

// Get returns a source by id, or nil when it does not exist.
func (r *SQLiteRegistry) Get(ctx context.Context, id string) (*Source, error) {
	db, err := r.handle("source.Get")
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `
		SELECT id, name, type, url, enabled, configuration, created_at, updated_at, last_scanned_at
		FROM intel_sources WHERE id = ?
	`, id)
	s, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert inserts src or updates the row with the same id.
func (r *SQLiteRegistry) Upsert(ctx context.Context, src Source) (Source, error) {
	const op = "source.Upsert"

	db, err := r.handle(op)
	if err != nil {
		return Source{}, err
	}

	var existing *Source
	if src.ID != "" {
		if existing, err = r.Get(ctx, src.ID); err != nil {
			return Source{}, errors.E(op, "load existing source", err)
		}
	}
	src = prepare(src, existing, r.now().UTC())

	configJSON, err := json.Marshal(src.Configuration)
	if err != nil {
		return Source{}, errors.E(errors.KindInvalidInput, op, "encode configuration", err)
	}
	var lastScanned any
	if src.LastScannedAt != nil {
		lastScanned = src.LastScannedAt.UTC().Format(timeLayout)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = db.ExecContext(ctx, `
		INSERT INTO intel_sources (
			id, name, type, url, enabled, configuration, created_at, updated_at, last_scanned_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			url = excluded.url,
			enabled = excluded.enabled,
			configuration = excluded.configuration,
			updated_at = excluded.updated_at,
			last_scanned_at = excluded.last_scanned_at
	`,
		src.ID, src.Name, string(src.Type), src.URL, boolToInt(src.Enabled), string(configJSON),
		src.CreatedAt.UTC().Format(timeLayout), src.UpdatedAt.UTC().Format(timeLayout), lastScanned,
	)
	if err != nil {
		return Source{}, fmt.Errorf("%s: %w", op, err)
	}
	return src, nil
}

// MarkScanned records the time a source was last collected.
func (r *SQLiteRegistry) MarkScanned(ctx context.Context, id string, at time.Time) error {
	const op = "source.MarkScanned"

	db, err := r.handle(op)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := db.ExecContext(ctx,
		`UPDATE intel_sources SET last_scanned_at = ? WHERE id = ?`,
		at.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.E(errors.KindNotFound, op, "unknown source "+id)
	}
	return nil
}

// Ping checks the database connection.
func (r *SQLiteRegistry) Ping(ctx context.Context) error {
	db, err := r.handle("source.Ping")
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close closes the database.
func (r *SQLiteRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	r.ready = false
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
