package cron

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/corvid-labs/tempo/errors"
)

// Store handles persistence of cron jobs. It exclusively owns the
// cron_jobs table; the dispatcher mutates run state only through it.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `
	id, name, description, enabled, schedule, session_target, payload,
	next_run_at_ms, last_run_at_ms, last_status, last_error,
	last_duration_ms, running_at_ms, created_at_ms, updated_at_ms`

// Create persists a new job. The caller assigns id and next run time.
func (s *Store) Create(job *Job) error {
	scheduleJSON, err := json.Marshal(job.Schedule)
	if err != nil {
		return errors.Wrap(err, "marshal schedule")
	}
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	now := time.Now().UnixMilli()
	job.CreatedAtMs = now
	job.UpdatedAtMs = now

	_, err = s.db.Exec(`
		INSERT INTO cron_jobs (
			id, name, description, enabled, schedule, session_target, payload,
			next_run_at_ms, last_run_at_ms, last_status, last_error,
			last_duration_ms, running_at_ms, created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Name,
		nullString(job.Description),
		job.Enabled,
		string(scheduleJSON),
		string(job.SessionTarget),
		string(payloadJSON),
		job.State.NextRunAtMs,
		job.State.LastRunAtMs,
		nullString(job.State.LastStatus),
		nullString(job.State.LastError),
		job.State.LastDurationMs,
		job.State.RunningAtMs,
		job.CreatedAtMs,
		job.UpdatedAtMs,
	)
	if err != nil {
		return errors.Wrap(errors.Wrap(errors.ErrPersistence, err.Error()), "create job")
	}
	return nil
}

// Get retrieves a job by id
func (s *Store) Get(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT`+jobColumns+` FROM cron_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("job %s", id)
		}
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

// List returns jobs in creation order. Disabled jobs are filtered out
// unless includeDisabled is set.
func (s *Store) List(includeDisabled bool) ([]*Job, error) {
	query := `SELECT` + jobColumns + ` FROM cron_jobs`
	if !includeDisabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at_ms ASC, id ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListDue returns enabled, not-running jobs whose next run time has
// arrived, oldest due first. Limited to 100 per tick so one pathological
// backlog cannot starve the loop.
func (s *Store) ListDue(now time.Time) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT`+jobColumns+`
		FROM cron_jobs
		WHERE enabled = 1
		  AND running_at_ms IS NULL
		  AND next_run_at_ms IS NOT NULL
		  AND next_run_at_ms <= ?
		ORDER BY next_run_at_ms ASC
		LIMIT 100`, now.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "list due jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Update persists the full definition and state of an existing job.
// Callers serialize per job id; the last committed write wins.
func (s *Store) Update(job *Job) error {
	scheduleJSON, err := json.Marshal(job.Schedule)
	if err != nil {
		return errors.Wrap(err, "marshal schedule")
	}
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	job.UpdatedAtMs = time.Now().UnixMilli()

	result, err := s.db.Exec(`
		UPDATE cron_jobs
		SET name = ?, description = ?, enabled = ?, schedule = ?,
		    session_target = ?, payload = ?, next_run_at_ms = ?,
		    updated_at_ms = ?
		WHERE id = ?`,
		job.Name,
		nullString(job.Description),
		job.Enabled,
		string(scheduleJSON),
		string(job.SessionTarget),
		string(payloadJSON),
		job.State.NextRunAtMs,
		job.UpdatedAtMs,
		job.ID,
	)
	if err != nil {
		return errors.Wrap(errors.Wrap(errors.ErrPersistence, err.Error()), "update job")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %s", job.ID)
	}
	return nil
}

// Remove deletes a job. Idempotent: removing twice returns false the
// second time, not an error. Ledger rows are left behind; orphaned
// history is acceptable and bounded by the per-job cap.
func (s *Store) Remove(id string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return false, errors.Wrap(errors.Wrap(errors.ErrPersistence, err.Error()), "remove job")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return rows > 0, nil
}

// MarkRunning sets the running marker for a job. This is the
// single-flight gate: the conditional UPDATE is atomic, so exactly one
// of two concurrent callers wins. Returns ErrConflict when the job is
// already running, ErrNotFound when it does not exist.
func (s *Store) MarkRunning(id string, atMs int64) error {
	result, err := s.db.Exec(`
		UPDATE cron_jobs
		SET running_at_ms = ?, updated_at_ms = ?
		WHERE id = ? AND running_at_ms IS NULL`,
		atMs, time.Now().UnixMilli(), id)
	if err != nil {
		return errors.Wrap(errors.Wrap(errors.ErrPersistence, err.Error()), "mark running")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		var exists bool
		if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM cron_jobs WHERE id = ?)`, id).Scan(&exists); err != nil {
			return errors.Wrap(err, "check job existence")
		}
		if !exists {
			return errors.NewNotFoundError("job %s", id)
		}
		return errors.NewConflictError("job %s already running", id)
	}
	return nil
}

// FinishUpdate carries the outcome of a completed run into the store
type FinishUpdate struct {
	RanAtMs          int64
	Status           string
	Error            string
	DurationMs       int64
	DisableOnExhaust bool // one-shot exhaustion policy "disable"
}

// FinishResult reports how the schedule advanced when a run finished
type FinishResult struct {
	NextRunAtMs *int64 // nil when exhausted or the job is disabled
	Exhausted   bool   // a one-shot that has now fired
}

// MarkFinished clears the running marker, records the run outcome, and
// advances the schedule. The next run is derived from the schedule as
// stored right now, not from any snapshot the caller dispatched with,
// so an update applied mid-run is honored. Returns (nil, nil) when the
// job was removed mid-run: the run completes, the ledger keeps its
// entries, nothing to update here.
func (s *Store) MarkFinished(id string, upd FinishUpdate) (*FinishResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin finish tx")
	}
	defer tx.Rollback()

	// Write first so the tx holds the write lock before the read;
	// concurrent updates serialize against it rather than interleaving.
	result, err := tx.Exec(`
		UPDATE cron_jobs
		SET running_at_ms = NULL,
		    last_run_at_ms = ?,
		    last_status = ?,
		    last_error = ?,
		    last_duration_ms = ?,
		    updated_at_ms = ?
		WHERE id = ?`,
		upd.RanAtMs,
		upd.Status,
		nullString(upd.Error),
		upd.DurationMs,
		time.Now().UnixMilli(),
		id,
	)
	if err != nil {
		return nil, errors.Wrap(errors.Wrap(errors.ErrPersistence, err.Error()), "mark finished")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		return nil, nil
	}

	var scheduleJSON string
	var enabled bool
	if err := tx.QueryRow(`SELECT schedule, enabled FROM cron_jobs WHERE id = ?`, id).Scan(&scheduleJSON, &enabled); err != nil {
		return nil, errors.Wrapf(err, "read schedule for job %s", id)
	}
	var schedule Schedule
	if err := json.Unmarshal([]byte(scheduleJSON), &schedule); err != nil {
		return nil, errors.Wrapf(err, "unmarshal schedule for job %s", id)
	}

	// Persisted schedules validated at add/update; a calc failure here
	// is treated as exhaustion rather than left wedged.
	next, calcErr := NextAfter(schedule, time.Now())
	if calcErr != nil {
		next = nil
	}
	exhausted := next == nil

	// A job disabled mid-run stays disabled with no next run
	if !enabled {
		next = nil
	}

	query := `UPDATE cron_jobs SET next_run_at_ms = ?`
	args := []interface{}{next}
	if enabled && exhausted && upd.DisableOnExhaust {
		query += `, enabled = 0`
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	if _, err := tx.Exec(query, args...); err != nil {
		return nil, errors.Wrap(errors.Wrap(errors.ErrPersistence, err.Error()), "advance schedule")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit finish tx")
	}
	return &FinishResult{NextRunAtMs: next, Exhausted: exhausted}, nil
}

// ListStaleRunning returns jobs whose running marker predates the
// cutoff. These are orphans from a crashed process.
func (s *Store) ListStaleRunning(cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT`+jobColumns+`
		FROM cron_jobs
		WHERE running_at_ms IS NOT NULL AND running_at_ms <= ?`,
		cutoff.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "list stale running jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan stale job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Counts is the store's contribution to the status snapshot
type Counts struct {
	Total     int `json:"total"`
	Enabled   int `json:"enabled"`
	Running   int `json:"running"`
	Waiting   int `json:"waiting"` // enabled with a next run scheduled
	Due       int `json:"due"`     // due but not yet started
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// CountJobs aggregates job counts for status queries
func (s *Store) CountJobs(now time.Time) (*Counts, error) {
	nowMs := now.UnixMilli()
	var c Counts
	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(enabled), 0),
			COALESCE(SUM(running_at_ms IS NOT NULL), 0),
			COALESCE(SUM(enabled = 1 AND next_run_at_ms IS NOT NULL), 0),
			COALESCE(SUM(enabled = 1 AND running_at_ms IS NULL
				AND next_run_at_ms IS NOT NULL AND next_run_at_ms <= ?), 0),
			COALESCE(SUM(last_status = 'ok'), 0),
			COALESCE(SUM(last_status = 'error'), 0)
		FROM cron_jobs`, nowMs).Scan(
		&c.Total, &c.Enabled, &c.Running, &c.Waiting, &c.Due,
		&c.Succeeded, &c.Failed,
	)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs")
	}
	return &c, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanJob
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var description, lastStatus, lastError sql.NullString
	var scheduleJSON, payloadJSON, sessionTarget string
	var nextRunAt, lastRunAt, lastDuration, runningAt sql.NullInt64

	err := row.Scan(
		&job.ID,
		&job.Name,
		&description,
		&job.Enabled,
		&scheduleJSON,
		&sessionTarget,
		&payloadJSON,
		&nextRunAt,
		&lastRunAt,
		&lastStatus,
		&lastError,
		&lastDuration,
		&runningAt,
		&job.CreatedAtMs,
		&job.UpdatedAtMs,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scheduleJSON), &job.Schedule); err != nil {
		return nil, errors.Wrapf(err, "unmarshal schedule for job %s", job.ID)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
		return nil, errors.Wrapf(err, "unmarshal payload for job %s", job.ID)
	}
	job.SessionTarget = SessionTarget(sessionTarget)

	if description.Valid {
		job.Description = description.String
	}
	if lastStatus.Valid {
		job.State.LastStatus = lastStatus.String
	}
	if lastError.Valid {
		job.State.LastError = lastError.String
	}
	if nextRunAt.Valid {
		job.State.NextRunAtMs = &nextRunAt.Int64
	}
	if lastRunAt.Valid {
		job.State.LastRunAtMs = &lastRunAt.Int64
	}
	if lastDuration.Valid {
		job.State.LastDurationMs = &lastDuration.Int64
	}
	if runningAt.Valid {
		job.State.RunningAtMs = &runningAt.Int64
	}

	return &job, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
