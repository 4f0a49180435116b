// Package store implements the durable Job Store: a SQLite-backed record of
// every submitted job, its render artifacts, and a cache of externally
// fetched assets. Schema and upsert discipline are ported from the Python
// repositories this service replaces (src/repositories/job.py, render.py,
// assets_cache.py), reimplemented over database/sql + mattn/go-sqlite3 in
// place of raw sqlite3 cursor calls.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// JobState is the durable lifecycle state of a job record.
type JobState string

const (
	StateQueued     JobState = "queued"
	StateProcessing JobState = "processing"
	StateDone       JobState = "done"
	StateError      JobState = "error"
	StateCancelled  JobState = "cancelled"
)

// normalizeState accepts the legacy "completed" alias and folds it to "done"
// so callers built against the distilled API never observe two spellings of
// the same terminal state (see DESIGN.md Open Question decisions).
func normalizeState(s string) JobState {
	if s == "completed" {
		return StateDone
	}
	return JobState(s)
}

// Job is the durable record for one submitted job.
type Job struct {
	ID          string
	Type        string
	State       JobState
	Progress    int
	CurrentPhase string
	UserID      string
	Params      string // JSON-encoded submission parameters
	Metadata    string // JSON-encoded handler result metadata
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Render is one rendered artifact produced for a job.
type Render struct {
	JobID     string
	ItemID    string
	Hash      string
	Quality   string
	URL       string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CachedAsset is a previously fetched external asset kept around by content hash.
type CachedAsset struct {
	Hash         string
	URL          string
	CreatedAt    time.Time
	Size         int64
	ContentType  string
	ExpiresAt    time.Time
	AccessCount  int
	LastAccessed time.Time
}

// Store wraps a *sql.DB with the job/render/asset_cache schema.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) a SQLite database at dsn and applies migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver: single writer avoids SQLITE_BUSY under our own load
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so the ledger can share one database and
// participate in the same transactions.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			state TEXT NOT NULL CHECK(state IN ('queued','processing','done','error','cancelled')),
			progress INTEGER NOT NULL DEFAULT 0 CHECK(progress BETWEEN 0 AND 100),
			current_phase TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			params TEXT NOT NULL DEFAULT '{}',
			metadata TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS renders (
			job_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			hash TEXT NOT NULL DEFAULT '',
			quality TEXT NOT NULL DEFAULT 'medium' CHECK(quality IN ('low','medium','high','ultra')),
			url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','processing','completed','error')),
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (job_id, item_id),
			FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS assets_cache (
			hash TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			content_type TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Upsert inserts a new job record or updates an existing one by job_id,
// mirroring JobRepository.create's ON CONFLICT(job_id) DO UPDATE.
func (s *Store) Upsert(j Job) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	state := normalizeState(string(j.State))
	_, err := s.db.Exec(`
		INSERT INTO jobs (job_id, type, state, progress, current_phase, user_id, params, metadata, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			type=excluded.type, state=excluded.state, progress=excluded.progress,
			current_phase=excluded.current_phase, user_id=excluded.user_id,
			params=excluded.params, metadata=excluded.metadata, error=excluded.error,
			updated_at=excluded.updated_at
	`, j.ID, j.Type, string(state), j.Progress, j.CurrentPhase, j.UserID, j.Params, j.Metadata, j.Error,
		j.CreatedAt.Unix(), j.UpdatedAt.Unix())
	return err
}

// UpdateState sets a job's state and error (optional) in one write.
func (s *Store) UpdateState(jobID string, state JobState, errMsg string) error {
	res, err := s.db.Exec(`UPDATE jobs SET state=?, error=?, updated_at=? WHERE job_id=?`,
		string(state), errMsg, time.Now().UTC().Unix(), jobID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, jobID)
}

// UpdateProgress sets a job's progress and current phase.
func (s *Store) UpdateProgress(jobID string, progress int, phase string) error {
	res, err := s.db.Exec(`UPDATE jobs SET progress=?, current_phase=?, updated_at=? WHERE job_id=?`,
		progress, phase, time.Now().UTC().Unix(), jobID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, jobID)
}

func requireRowsAffected(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: not found", jobID)
	}
	return nil
}

// Get loads a job by id.
func (s *Store) Get(jobID string) (Job, error) {
	row := s.db.QueryRow(`SELECT job_id, type, state, progress, current_phase, user_id, params, metadata, error, created_at, updated_at FROM jobs WHERE job_id=?`, jobID)
	return scanJob(row)
}

func scanJob(row *sql.Row) (Job, error) {
	var j Job
	var created, updated int64
	var state string
	if err := row.Scan(&j.ID, &j.Type, &state, &j.Progress, &j.CurrentPhase, &j.UserID, &j.Params, &j.Metadata, &j.Error, &created, &updated); err != nil {
		return Job{}, err
	}
	j.State = normalizeState(state)
	j.CreatedAt = time.Unix(created, 0).UTC()
	j.UpdatedAt = time.Unix(updated, 0).UTC()
	return j, nil
}

// ListRecent returns up to limit jobs for a user, most recent first.
func (s *Store) ListRecent(userID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT job_id, type, state, progress, current_phase, user_id, params, metadata, error, created_at, updated_at
		FROM jobs WHERE user_id=? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		var created, updated int64
		var state string
		if err := rows.Scan(&j.ID, &j.Type, &state, &j.Progress, &j.CurrentPhase, &j.UserID, &j.Params, &j.Metadata, &j.Error, &created, &updated); err != nil {
			return nil, err
		}
		j.State = normalizeState(state)
		j.CreatedAt = time.Unix(created, 0).UTC()
		j.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, j)
	}
	return out, rows.Err()
}

// RecoverUnfinished returns every job still in queued or processing state,
// for reinstallation into the in-memory Job Registry after a restart. It
// never re-debits credits: the ledger row for these jobs already exists.
func (s *Store) RecoverUnfinished() ([]Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, type, state, progress, current_phase, user_id, params, metadata, error, created_at, updated_at
		FROM jobs WHERE state IN ('queued','processing') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		var created, updated int64
		var state string
		if err := rows.Scan(&j.ID, &j.Type, &state, &j.Progress, &j.CurrentPhase, &j.UserID, &j.Params, &j.Metadata, &j.Error, &created, &updated); err != nil {
			return nil, err
		}
		j.State = normalizeState(state)
		j.CreatedAt = time.Unix(created, 0).UTC()
		j.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListByState returns every job currently in the given state, used by the
// startup reconciliation sweep to find jobs whose refund may not have landed.
func (s *Store) ListByState(state JobState) ([]Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, type, state, progress, current_phase, user_id, params, metadata, error, created_at, updated_at
		FROM jobs WHERE state=? ORDER BY created_at ASC`, string(normalizeState(string(state))))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		var created, updated int64
		var st string
		if err := rows.Scan(&j.ID, &j.Type, &st, &j.Progress, &j.CurrentPhase, &j.UserID, &j.Params, &j.Metadata, &j.Error, &created, &updated); err != nil {
			return nil, err
		}
		j.State = normalizeState(st)
		j.CreatedAt = time.Unix(created, 0).UTC()
		j.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, j)
	}
	return out, rows.Err()
}

// Delete removes a job and cascades to its renders. SQLite leaves foreign-key
// enforcement off, so the render rows are deleted explicitly in the same
// transaction as the job row.
func (s *Store) Delete(jobID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM renders WHERE job_id=?`, jobID); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM jobs WHERE job_id=?`, jobID)
	if err != nil {
		return err
	}
	if err := requireRowsAffected(res, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertRender records or updates one render row for a job.
func (s *Store) UpsertRender(r Render) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO renders (job_id, item_id, hash, quality, url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, item_id) DO UPDATE SET
			hash=excluded.hash, quality=excluded.quality, url=excluded.url,
			status=excluded.status, updated_at=excluded.updated_at
	`, r.JobID, r.ItemID, r.Hash, r.Quality, r.URL, r.Status, r.CreatedAt.Unix(), r.UpdatedAt.Unix())
	return err
}

// RendersForJob returns every render row for a job.
func (s *Store) RendersForJob(jobID string) ([]Render, error) {
	rows, err := s.db.Query(`SELECT job_id, item_id, hash, quality, url, status, created_at, updated_at FROM renders WHERE job_id=?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Render
	for rows.Next() {
		var r Render
		var created, updated int64
		if err := rows.Scan(&r.JobID, &r.ItemID, &r.Hash, &r.Quality, &r.URL, &r.Status, &created, &updated); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0).UTC()
		r.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// CacheAsset records a fetched external asset keyed by content hash, or bumps
// its access stats if already cached.
func (s *Store) CacheAsset(a CachedAsset) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.LastAccessed = now
	_, err := s.db.Exec(`
		INSERT INTO assets_cache (hash, url, created_at, size, content_type, expires_at, access_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(hash) DO UPDATE SET
			access_count = access_count + 1, last_accessed = excluded.last_accessed
	`, a.Hash, a.URL, a.CreatedAt.Unix(), a.Size, a.ContentType, a.ExpiresAt.Unix(), a.LastAccessed.Unix())
	return err
}

// LookupAsset returns a cached asset by hash if present and not expired.
func (s *Store) LookupAsset(hash string) (CachedAsset, bool, error) {
	row := s.db.QueryRow(`SELECT hash, url, created_at, size, content_type, expires_at, access_count, last_accessed FROM assets_cache WHERE hash=?`, hash)
	var a CachedAsset
	var created, expires, lastAccessed int64
	if err := row.Scan(&a.Hash, &a.URL, &created, &a.Size, &a.ContentType, &expires, &a.AccessCount, &lastAccessed); err != nil {
		if err == sql.ErrNoRows {
			return CachedAsset{}, false, nil
		}
		return CachedAsset{}, false, err
	}
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.ExpiresAt = time.Unix(expires, 0).UTC()
	a.LastAccessed = time.Unix(lastAccessed, 0).UTC()
	if time.Now().After(a.ExpiresAt) {
		return CachedAsset{}, false, nil
	}
	return a, true, nil
}

// PurgeExpiredAssets deletes cache rows past their TTL and returns how many were removed.
func (s *Store) PurgeExpiredAssets() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM assets_cache WHERE expires_at < ?`, time.Now().UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
