package cron

import (
	"database/sql"
	"time"

	"github.com/corvid-labs/tempo/errors"
)

// Ledger actions
const (
	ActionStarted  = "started"
	ActionFinished = "finished"
)

// DefaultHistoryLimit caps run entries retained per job
const DefaultHistoryLimit = 20

// RunEntry is one row of execution history. Entries are append-only;
// the cap evicts oldest-first, nothing is ever mutated.
type RunEntry struct {
	ID         int64  `json:"id"`
	JobID      string `json:"jobId"`
	TsMs       int64  `json:"tsMs"`
	Action     string `json:"action"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	Summary    string `json:"summary,omitempty"`
	OutputText string `json:"outputText,omitempty"`
	RunAtMs    *int64 `json:"runAtMs,omitempty"`
	DurationMs *int64 `json:"durationMs,omitempty"`
}

// Ledger is the bounded per-job run history over cron_runs
type Ledger struct {
	db    *sql.DB
	limit int
}

// NewLedger creates a run ledger with the given per-job cap.
// A non-positive limit falls back to DefaultHistoryLimit.
func NewLedger(db *sql.DB, limit int) *Ledger {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Ledger{db: db, limit: limit}
}

// Append records an execution attempt, then evicts the oldest entries
// beyond the per-job cap.
func (l *Ledger) Append(e *RunEntry) error {
	if e.TsMs == 0 {
		e.TsMs = time.Now().UnixMilli()
	}

	result, err := l.db.Exec(`
		INSERT INTO cron_runs (
			job_id, ts_ms, action, status, error, summary,
			output_text, run_at_ms, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID,
		e.TsMs,
		e.Action,
		nullString(e.Status),
		nullString(e.Error),
		nullString(e.Summary),
		nullString(e.OutputText),
		e.RunAtMs,
		e.DurationMs,
	)
	if err != nil {
		return errors.Wrap(errors.Wrap(errors.ErrPersistence, err.Error()), "append run entry")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "last insert id")
	}
	e.ID = id

	// FIFO eviction: keep the newest limit rows for this job
	_, err = l.db.Exec(`
		DELETE FROM cron_runs
		WHERE job_id = ? AND id NOT IN (
			SELECT id FROM cron_runs
			WHERE job_id = ?
			ORDER BY id DESC
			LIMIT ?
		)`, e.JobID, e.JobID, l.limit)
	if err != nil {
		return errors.Wrap(err, "evict run entries")
	}
	return nil
}

// List returns run entries for a job, most recent first.
// A non-positive limit returns up to the ledger cap.
func (l *Ledger) List(jobID string, limit int) ([]*RunEntry, error) {
	if limit <= 0 || limit > l.limit {
		limit = l.limit
	}

	rows, err := l.db.Query(`
		SELECT id, job_id, ts_ms, action, status, error, summary,
		       output_text, run_at_ms, duration_ms
		FROM cron_runs
		WHERE job_id = ?
		ORDER BY id DESC
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list run entries")
	}
	defer rows.Close()

	var entries []*RunEntry
	for rows.Next() {
		var e RunEntry
		var status, errMsg, summary, outputText sql.NullString
		var runAt, duration sql.NullInt64

		err := rows.Scan(
			&e.ID, &e.JobID, &e.TsMs, &e.Action,
			&status, &errMsg, &summary, &outputText,
			&runAt, &duration,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan run entry")
		}
		if status.Valid {
			e.Status = status.String
		}
		if errMsg.Valid {
			e.Error = errMsg.String
		}
		if summary.Valid {
			e.Summary = summary.String
		}
		if outputText.Valid {
			e.OutputText = outputText.String
		}
		if runAt.Valid {
			e.RunAtMs = &runAt.Int64
		}
		if duration.Valid {
			e.DurationMs = &duration.Int64
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
