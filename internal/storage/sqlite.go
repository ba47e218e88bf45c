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

// tsLayout is fixed-width so stored timestamps compare lexicographically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

// Store wraps a SQLite database with methods for settings, tokens, scheduled
// jobs and host events.
type Store struct {
	db  *sql.DB
	now func() time.Time
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
		dsn = filepath.Join(dataDir, "exposured.db")
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
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
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

// --- Settings ---

func (s *Store) SetSetting(namespace, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, formatTS(s.now()),
	)
	return err
}

func (s *Store) GetSetting(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE namespace = ? AND key = ?", namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s *Store) DeleteSetting(namespace, key string) error {
	_, err := s.db.Exec("DELETE FROM settings WHERE namespace = ? AND key = ?", namespace, key)
	return err
}

func (s *Store) ListSettings(namespace string) (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM settings WHERE namespace = ?", namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

// --- Tokens ---

// PutToken writes rec as the newest entry of the token log and trims the log
// to capacity entries. Writing an existing token moves it to the head.
func (s *Store) PutToken(rec TokenRecord, capacity int) error {
	if capacity <= 0 {
		capacity = 1
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning token transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM exposure_tokens WHERE token = ?`, rec.Token); err != nil {
		return fmt.Errorf("removing previous token entry: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO exposure_tokens (token, responded, updated_at) VALUES (?, ?, ?)`,
		rec.Token, boolToInt(rec.Responded), formatTS(updatedAt)); err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM exposure_tokens WHERE seq NOT IN (
			SELECT seq FROM exposure_tokens ORDER BY seq DESC LIMIT ?
		)`, capacity); err != nil {
		return fmt.Errorf("trimming token log: %w", err)
	}

	return tx.Commit()
}

// LatestToken returns the most recently written token.
func (s *Store) LatestToken() (TokenRecord, error) {
	var rec TokenRecord
	var responded int
	var updatedAt string
	err := s.db.QueryRow(`SELECT token, responded, updated_at FROM exposure_tokens ORDER BY seq DESC LIMIT 1`).
		Scan(&rec.Token, &responded, &updatedAt)
	if err == sql.ErrNoRows {
		return TokenRecord{}, ErrNotFound
	}
	if err != nil {
		return TokenRecord{}, err
	}
	rec.Responded = responded != 0
	if rec.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return TokenRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return rec, nil
}

func (s *Store) DeleteAllTokens() error {
	_, err := s.db.Exec(`DELETE FROM exposure_tokens`)
	return err
}

// --- Scheduled jobs ---

const jobColumns = `id, COALESCE(name, ''), type, periodic, interval_minutes, status, attempts, run_after, created_at, updated_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var periodic int
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := row.Scan(&j.ID, &j.Name, &j.Type, &periodic, &j.IntervalMinutes, &j.Status, &j.Attempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.Periodic = periodic != 0
	j.LastError = lastError.String
	var err error
	if j.RunAfter, err = parseTS(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTS(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

// EnqueueJob inserts a one-shot job.
func (s *Store) EnqueueJob(job Job) error {
	now := s.now()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter
	}
	var name any
	if job.Name != "" {
		name = job.Name
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_jobs (id, name, type, periodic, interval_minutes, status, attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)`,
		job.ID, name, job.Type, boolToInt(job.Periodic), job.IntervalMinutes,
		formatTS(runAfter), formatTS(now), formatTS(now),
	)
	return err
}

// ReplaceUniqueJob installs job under job.Name, replacing any job with the
// same name. The replaced job's id stops existing, so an in-flight run of it
// can no longer complete or reschedule.
func (s *Store) ReplaceUniqueJob(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("unique job requires a name")
	}
	now := s.now()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_jobs (id, name, type, periodic, interval_minutes, status, attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			id = excluded.id,
			type = excluded.type,
			periodic = excluded.periodic,
			interval_minutes = excluded.interval_minutes,
			status = 'pending',
			attempts = 0,
			run_after = excluded.run_after,
			updated_at = excluded.updated_at,
			last_error = NULL`,
		job.ID, job.Name, job.Type, boolToInt(job.Periodic), job.IntervalMinutes,
		formatTS(runAfter), formatTS(now), formatTS(now),
	)
	return err
}

func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) GetJobByName(name string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM scheduled_jobs WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns every job, pending ones first by run_after.
func (s *Store) ListJobs() ([]Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM scheduled_jobs ORDER BY status = 'pending' DESC, run_after ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTS(s.now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT ` + jobColumns + `
		FROM scheduled_jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	j, err := scanJob(tx.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE scheduled_jobs SET status = 'running', attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	j.Attempts++
	if j.UpdatedAt, err = parseTS(now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// CompleteJob finishes a run. Periodic jobs go back to pending one interval
// later; one-shot jobs are marked completed.
func (s *Store) CompleteJob(id string) error {
	return s.finishJob(id, "")
}

// FailJob records a failed run. Periodic jobs keep their cadence; one-shot
// jobs are marked failed.
func (s *Store) FailJob(id string, errMsg string) error {
	return s.finishJob(id, errMsg)
}

func (s *Store) finishJob(id, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning finish transaction: %w", err)
	}
	defer tx.Rollback()

	var periodic, interval int
	err = tx.QueryRow(`SELECT periodic, interval_minutes FROM scheduled_jobs WHERE id = ?`, id).Scan(&periodic, &interval)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := s.now()
	var lastError any
	if errMsg != "" {
		lastError = errMsg
	}

	switch {
	case periodic != 0:
		next := now.Add(time.Duration(interval) * time.Minute)
		_, err = tx.Exec(`UPDATE scheduled_jobs SET status = 'pending', run_after = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			formatTS(next), lastError, formatTS(now), id)
	case errMsg != "":
		_, err = tx.Exec(`UPDATE scheduled_jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
			lastError, formatTS(now), id)
	default:
		_, err = tx.Exec(`UPDATE scheduled_jobs SET status = 'completed', updated_at = ? WHERE id = ?`,
			formatTS(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// DeferJob puts a claimed job back to pending until runAfter without
// counting the attempt.
func (s *Store) DeferJob(id string, runAfter time.Time) error {
	res, err := s.db.Exec(`UPDATE scheduled_jobs SET status = 'pending', attempts = MAX(attempts - 1, 0), run_after = ?, updated_at = ? WHERE id = ?`,
		formatTS(runAfter), formatTS(s.now()), id)
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

// RequeueRunningJobs resets jobs left running by a previous process.
func (s *Store) RequeueRunningJobs() (int, error) {
	res, err := s.db.Exec(`UPDATE scheduled_jobs SET status = 'pending', updated_at = ? WHERE status = 'running'`, formatTS(s.now()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Host events ---

func (s *Store) RecordHostEvent(e HostEvent) error {
	firedAt := e.FiredAt
	if firedAt.IsZero() {
		firedAt = s.now()
	}
	_, err := s.db.Exec(`INSERT INTO host_events (id, object_name, event_name, token, fired_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.ObjectName, e.EventName, e.Token, formatTS(firedAt))
	return err
}

func (s *Store) ListHostEvents(limit int) ([]HostEvent, error) {
	rows, err := s.db.Query(`SELECT id, object_name, event_name, token, fired_at FROM host_events ORDER BY fired_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []HostEvent
	for rows.Next() {
		var e HostEvent
		var firedAt string
		if err := rows.Scan(&e.ID, &e.ObjectName, &e.EventName, &e.Token, &firedAt); err != nil {
			return nil, err
		}
		if e.FiredAt, err = parseTS(firedAt); err != nil {
			return nil, fmt.Errorf("parsing fired_at: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
