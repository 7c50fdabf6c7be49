package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the query/answer log.
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
		dsn = filepath.Join(dataDir, "quotelog.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	// This also serializes writers, so a feedback UPDATE can never interleave
	// with another write on the same key.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
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

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
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

	// Sort by filename to guarantee ascending order.
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

		// Check if already applied.
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

// SaveEntry writes an entry under its request ID. An existing record with the
// same ID is overwritten whole (last write wins).
func (s *Store) SaveEntry(e LogEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO log_entries (request_id, created_at, query, answer, from_cache, estimated_price, actual_price, feedback_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			created_at = excluded.created_at,
			query = excluded.query,
			answer = excluded.answer,
			from_cache = excluded.from_cache,
			estimated_price = excluded.estimated_price,
			actual_price = excluded.actual_price,
			feedback_at = excluded.feedback_at`,
		e.RequestID, e.CreatedAt.UTC().Format(time.RFC3339), e.Query, e.Answer,
		boolToInt(e.FromCache), nullFloat(e.EstimatedPrice), nullFloat(e.ActualPrice), nullTime(e.FeedbackAt),
	)
	return err
}

// GetEntry loads one entry by request ID.
func (s *Store) GetEntry(requestID string) (LogEntry, error) {
	row := s.db.QueryRow(`
		SELECT request_id, created_at, query, answer, from_cache, estimated_price, actual_price, feedback_at
		FROM log_entries WHERE request_id = ?`, requestID,
	)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return LogEntry{}, ErrNotFound
	}
	return e, err
}

// AttachFeedback sets the observed price and feedback timestamp on an existing
// entry. The two columns change together in a single UPDATE, so concurrent
// submissions cannot produce a record reflecting neither; the later write
// wins. Returns ErrNotFound if no entry has the given ID.
func (s *Store) AttachFeedback(requestID string, actualPrice float64, at time.Time) error {
	res, err := s.db.Exec(`UPDATE log_entries SET actual_price = ?, feedback_at = ? WHERE request_id = ?`,
		actualPrice, at.UTC().Format(time.RFC3339), requestID)
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

// ListEntries returns every stored entry, newest first. The order is stable
// across calls absent concurrent writes.
func (s *Store) ListEntries() ([]LogEntry, error) {
	rows, err := s.db.Query(`
		SELECT request_id, created_at, query, answer, from_cache, estimated_price, actual_price, feedback_at
		FROM log_entries ORDER BY created_at DESC, request_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// CountEntries returns the number of stored entries.
func (s *Store) CountEntries() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM log_entries").Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (LogEntry, error) {
	var e LogEntry
	var createdAt string
	var fromCache int
	var estimated, actual sql.NullFloat64
	var feedbackAt sql.NullString

	if err := row.Scan(&e.RequestID, &createdAt, &e.Query, &e.Answer, &fromCache, &estimated, &actual, &feedbackAt); err != nil {
		return LogEntry{}, err
	}

	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return LogEntry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	e.CreatedAt = t
	e.FromCache = fromCache != 0
	if estimated.Valid {
		e.EstimatedPrice = &estimated.Float64
	}
	if actual.Valid {
		e.ActualPrice = &actual.Float64
	}
	if feedbackAt.Valid {
		ft, err := time.Parse(time.RFC3339, feedbackAt.String)
		if err != nil {
			return LogEntry{}, fmt.Errorf("parsing feedback_at: %w", err)
		}
		e.FeedbackAt = &ft
	}
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
