// Package journal provides persistent history of apply runs.
// Every reconciliation pass is recorded so operators can answer
// "what changed the rules, and when" after the fact.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"grimm.is/floe/internal/clock"
)

// Apply run outcomes.
const (
	StatusApplied = "applied"
	StatusFailed  = "failed"
)

// Record represents a single apply run.
type Record struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Timestamp  time.Time `json:"timestamp"`
	Namespace  string    `json:"namespace,omitempty"`
	Families   string    `json:"families"`
	Directives int       `json:"directives"`
	DurationMS int64     `json:"duration_ms"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Store provides persistent storage for apply runs.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
}

// NewStore creates a new journal store at the given path.
func NewStore(dbPath string, retentionDays int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS apply_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			namespace TEXT,
			families TEXT NOT NULL,
			directives INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON apply_runs(timestamp);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON apply_runs(status);
		CREATE INDEX IF NOT EXISTS idx_runs_namespace ON apply_runs(namespace);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90 // Default 90 days
	}

	return &Store{
		db:            db,
		retentionDays: retentionDays,
	}, nil
}

// Write persists an apply run record.
func (s *Store) Write(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.RunID == "" {
		rec.RunID = uuid.NewString()
	}
	// Hosts without an RTC boot in 1970 until NTP catches up; a bogus
	// timestamp would wreck history ordering, so stamp those here.
	if !clock.IsReasonableTime(rec.Timestamp) {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO apply_runs (run_id, timestamp, namespace, families, directives, duration_ms, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.Timestamp, rec.Namespace, rec.Families, rec.Directives, rec.DurationMS, rec.Status, rec.Error)

	if err != nil {
		return fmt.Errorf("insert apply run: %w", err)
	}

	return nil
}

// Recent returns the most recent apply runs, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	end := time.Now().Add(time.Hour)
	return s.Query(time.Time{}, end, "", limit)
}

// Query returns apply runs matching the given criteria.
func (s *Store) Query(start, end time.Time, status string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, run_id, timestamp, namespace, families, directives, duration_ms, status, error
		FROM apply_runs WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{start, end}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query apply runs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var namespace sql.NullString
		var errText sql.NullString

		err := rows.Scan(&rec.ID, &rec.RunID, &rec.Timestamp, &namespace, &rec.Families,
			&rec.Directives, &rec.DurationMS, &rec.Status, &errText)
		if err != nil {
			return nil, fmt.Errorf("scan apply run: %w", err)
		}

		if namespace.Valid {
			rec.Namespace = namespace.String
		}
		if errText.Valid {
			rec.Error = errText.String
		}

		records = append(records, rec)
	}

	return records, nil
}

// Prune removes runs older than the retention period.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec("DELETE FROM apply_runs WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune apply runs: %w", err)
	}

	return result.RowsAffected()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Count returns the total number of runs in the store.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM apply_runs").Scan(&count)
	return count, err
}
