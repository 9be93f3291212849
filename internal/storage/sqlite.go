package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for snapshots, the mutation
// queue, cache generations and their entries.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "offgrid.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection serializes every write, so a key is never observed half-written.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Snapshots ---

// PutSnapshot replaces the whole snapshot stored under snap.Key.
func (s *Store) PutSnapshot(ctx context.Context, snap Snapshot) error {
	writtenAt := snap.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, payload, schema_version, written_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload,
			schema_version = excluded.schema_version, written_at = excluded.written_at`,
		snap.Key, snap.Payload, snap.SchemaVersion, formatTime(writtenAt),
	)
	return err
}

// GetSnapshot returns the raw snapshot without any freshness check.
func (s *Store) GetSnapshot(ctx context.Context, key string) (Snapshot, error) {
	var snap Snapshot
	var writtenAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, payload, schema_version, written_at FROM snapshots WHERE key = ?`, key,
	).Scan(&snap.Key, &snap.Payload, &snap.SchemaVersion, &writtenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	if snap.WrittenAt, err = parseTime(writtenAt); err != nil {
		return Snapshot{}, fmt.Errorf("parsing written_at: %w", err)
	}
	return snap, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, key)
	return err
}

// --- Mutations ---

const mutationColumns = `seq, id, kind, payload, enqueued_at, attempts, last_error, last_attempt_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(r rowScanner) (Mutation, error) {
	var m Mutation
	var kind, enqueuedAt, lastAttemptAt string
	if err := r.Scan(&m.Seq, &m.ID, &kind, &m.Payload, &enqueuedAt, &m.Attempts, &m.LastError, &lastAttemptAt); err != nil {
		return Mutation{}, err
	}
	m.Kind = MutationKind(kind)
	var err error
	if m.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return Mutation{}, fmt.Errorf("parsing enqueued_at for mutation %s: %w", m.ID, err)
	}
	if m.LastAttemptAt, err = parseTime(lastAttemptAt); err != nil {
		return Mutation{}, fmt.Errorf("parsing last_attempt_at for mutation %s: %w", m.ID, err)
	}
	return m, nil
}

// EnqueueMutation appends m to the queue and returns it with Seq assigned.
func (s *Store) EnqueueMutation(ctx context.Context, m Mutation) (Mutation, error) {
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mutations (id, kind, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		m.ID, string(m.Kind), m.Payload, formatTime(m.EnqueuedAt),
	)
	if isUniqueViolation(err) {
		return Mutation{}, fmt.Errorf("mutation %s: %w", m.ID, ErrConflict)
	}
	if err != nil {
		return Mutation{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Mutation{}, fmt.Errorf("reading mutation seq: %w", err)
	}
	m.Seq = seq
	m.Attempts = 0
	return m, nil
}

// ListMutations returns queued mutations in enqueue order. limit <= 0 means all.
func (s *Store) ListMutations(ctx context.Context, limit int) ([]Mutation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mutationColumns+` FROM mutations ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *Store) CountMutations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&n)
	return n, err
}

func (s *Store) DeleteMutation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordMutationFailure bumps the attempt counter and returns the new count.
func (s *Store) RecordMutationFailure(ctx context.Context, id, errMsg string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning failure transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts FROM mutations WHERE id = ?`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	attempts++

	if _, err := tx.ExecContext(ctx,
		`UPDATE mutations SET attempts = ?, last_error = ?, last_attempt_at = ? WHERE id = ?`,
		attempts, errMsg, formatTime(at), id,
	); err != nil {
		return 0, err
	}
	return attempts, tx.Commit()
}

// ClearMutations drops every queued mutation and returns how many were removed.
func (s *Store) ClearMutations(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutations`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeadLetterMutation moves a mutation out of the replay path.
func (s *Store) DeadLetterMutation(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning dead-letter transaction: %w", err)
	}
	defer tx.Rollback()

	m, err := scanMutation(tx.QueryRowContext(ctx,
		`SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (seq, id, kind, payload, enqueued_at, attempts, last_error, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Seq, m.ID, string(m.Kind), m.Payload, formatTime(m.EnqueuedAt), m.Attempts, m.LastError, formatTime(at),
	); err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("removing dead-lettered mutation: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, kind, payload, enqueued_at, attempts, last_error, dead_at
		FROM dead_letters ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var kind, enqueuedAt, deadAt string
		if err := rows.Scan(&d.Seq, &d.ID, &kind, &d.Payload, &enqueuedAt, &d.Attempts, &d.LastError, &deadAt); err != nil {
			return nil, err
		}
		d.Kind = MutationKind(kind)
		if d.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			return nil, fmt.Errorf("parsing enqueued_at: %w", err)
		}
		if d.DeadAt, err = parseTime(deadAt); err != nil {
			return nil, fmt.Errorf("parsing dead_at: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// --- Generations ---

func (s *Store) CreateGeneration(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (name, state, created_at) VALUES (?, ?, ?)`,
		name, string(StateInstalling), formatTime(at),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("generation %s: %w", name, ErrConflict)
	}
	return err
}

func scanGeneration(r rowScanner) (Generation, error) {
	var g Generation
	var state, createdAt, activatedAt string
	if err := r.Scan(&g.Name, &state, &createdAt, &activatedAt); err != nil {
		return Generation{}, err
	}
	g.State = GenerationState(state)
	var err error
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return Generation{}, fmt.Errorf("parsing created_at for generation %s: %w", g.Name, err)
	}
	if g.ActivatedAt, err = parseTime(activatedAt); err != nil {
		return Generation{}, fmt.Errorf("parsing activated_at for generation %s: %w", g.Name, err)
	}
	return g, nil
}

func (s *Store) Generation(ctx context.Context, name string) (Generation, error) {
	g, err := scanGeneration(s.db.QueryRowContext(ctx,
		`SELECT name, state, created_at, activated_at FROM generations WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, ErrNotFound
	}
	return g, err
}

func (s *Store) ListGenerations(ctx context.Context) ([]Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, state, created_at, activated_at FROM generations ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, g)
	}
	return results, rows.Err()
}

func (s *Store) SetGenerationState(ctx context.Context, name string, state GenerationState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE generations SET state = ? WHERE name = ?`, string(state), name)
	if isUniqueViolation(err) {
		return fmt.Errorf("generation %s -> %s: %w", name, state, ErrConflict)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateGeneration makes name the active generation and marks the previous
// active one superseded in the same transaction. It returns the previous name,
// or "" when there was none.
func (s *Store) ActivateGeneration(ctx context.Context, name string, at time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning activation transaction: %w", err)
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM generations WHERE name = ?`, name).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if GenerationState(state) != StateInstalling {
		return "", fmt.Errorf("generation %s is %s, not installing: %w", name, state, ErrConflict)
	}

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT name FROM generations WHERE state = ?`, string(StateActive)).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	if previous != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE generations SET state = ? WHERE name = ?`,
			string(StateSuperseded), previous); err != nil {
			return "", fmt.Errorf("superseding %s: %w", previous, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE generations SET state = ?, activated_at = ? WHERE name = ?`,
		string(StateActive), formatTime(at), name); err != nil {
		return "", fmt.Errorf("activating %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing activation: %w", err)
	}
	return previous, nil
}

// DeleteGeneration removes a generation and every entry stored in it.
func (s *Store) DeleteGeneration(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ?`, name); err != nil {
		return fmt.Errorf("deleting entries of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting generation %s: %w", name, err)
	}
	return tx.Commit()
}

// --- Cache entries ---

func (s *Store) PutEntry(ctx context.Context, e Entry) error {
	header := e.Header
	if header == nil {
		header = http.Header{}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (generation, key, status, header_json, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(generation, key) DO UPDATE SET status = excluded.status,
			header_json = excluded.header_json, body = excluded.body, stored_at = excluded.stored_at`,
		e.Generation, e.Key, e.Status, string(headerJSON), body, formatTime(storedAt),
	)
	return err
}

func (s *Store) GetEntry(ctx context.Context, generation, key string) (Entry, error) {
	e := Entry{Generation: generation, Key: key}
	var headerJSON, storedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT status, header_json, body, stored_at FROM cache_entries
		WHERE generation = ? AND key = ?`, generation, key,
	).Scan(&e.Status, &headerJSON, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal([]byte(headerJSON), &e.Header); err != nil {
		return Entry{}, fmt.Errorf("parsing header for %s: %w", key, err)
	}
	if e.StoredAt, err = parseTime(storedAt); err != nil {
		return Entry{}, fmt.Errorf("parsing stored_at: %w", err)
	}
	return e, nil
}

func (s *Store) CountEntries(ctx context.Context, generation string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE generation = ?`, generation).Scan(&n)
	return n, err
}

// MissingEntries returns the keys from keys that have no entry in generation.
func (s *Store) MissingEntries(ctx context.Context, generation string, keys []string) ([]string, error) {
	var missing []string
	for _, k := range keys {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cache_entries WHERE generation = ? AND key = ?`, generation, k,
		).Scan(&n); err != nil {
			return nil, err
		}
		if n == 0 {
			missing = append(missing, k)
		}
	}
	return missing, nil
}
