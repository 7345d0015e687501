package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/avlonitis/vigil/internal/database"
)

// jobColumns is the column list for scheduler_jobs reads.
// Order must match scanJob.
const jobColumns = `name, schedule_kind, interval_ms, daily_hour, daily_minute, timezone,
	lease_ms, status, next_run_at, last_run_at, failure_count, lock_owner,
	lock_expires_at, last_error, created_at, updated_at`

// Repository persists scheduler job rows. Every mutation is a single
// statement so the lease CAS stays atomic across processes.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a scheduler repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "scheduler").Logger(),
	}
}

// Upsert idempotently registers a job. A new row gets the initial next fire;
// re-registration updates schedule fields only and never resets next_run_at,
// counters, or lock state.
func (r *Repository) Upsert(def Definition, now time.Time) error {
	if err := def.Validate(); err != nil {
		return err
	}

	nowStr := database.FormatTime(now)
	_, err := r.db.Exec(`
		INSERT INTO scheduler_jobs
		(name, schedule_kind, interval_ms, daily_hour, daily_minute, timezone,
		 lease_ms, status, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'idle', ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schedule_kind = excluded.schedule_kind,
			interval_ms = excluded.interval_ms,
			daily_hour = excluded.daily_hour,
			daily_minute = excluded.daily_minute,
			timezone = excluded.timezone,
			lease_ms = excluded.lease_ms,
			updated_at = excluded.updated_at`,
		def.Name,
		string(def.Kind),
		def.Interval.Milliseconds(),
		def.Hour,
		def.Minute,
		nullStr(def.Timezone),
		def.Lease.Milliseconds(),
		database.FormatTime(InitialFire(def, now)),
		nowStr,
		nowStr,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", def.Name, err)
	}
	return nil
}

// TryAcquireLease is the compare-and-set: it succeeds iff the job is due and
// its lock is unowned or expired. Exactly one of any number of concurrent
// callers observes rowsAffected == 1.
func (r *Repository) TryAcquireLease(name, owner string, now time.Time) (bool, error) {
	nowStr := database.FormatTime(now)
	res, err := r.db.Exec(`
		UPDATE scheduler_jobs
		SET status = 'running', lock_owner = ?, lock_expires_at = ?, updated_at = ?
		WHERE name = ?
		  AND next_run_at IS NOT NULL AND next_run_at <= ?
		  AND (lock_expires_at IS NULL OR lock_expires_at <= ?)`,
		owner,
		database.FormatTime(now.Add(r.leaseFor(name))),
		nowStr,
		name,
		nowStr,
		nowStr,
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease for %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease result for %s: %w", name, err)
	}
	return n == 1, nil
}

// leaseFor reads the job's lease duration; the CAS itself does not depend on
// it being current, only the expiry written alongside the lock.
func (r *Repository) leaseFor(name string) time.Duration {
	var leaseMs int64
	if err := r.db.QueryRow(
		"SELECT lease_ms FROM scheduler_jobs WHERE name = ?", name).Scan(&leaseMs); err != nil {
		return time.Minute
	}
	return time.Duration(leaseMs) * time.Millisecond
}

// MarkSuccess records a terminal success and advances next_run_at.
func (r *Repository) MarkSuccess(name string, now, next time.Time) error {
	_, err := r.db.Exec(`
		UPDATE scheduler_jobs
		SET status = 'success', last_run_at = ?, next_run_at = ?,
		    lock_owner = NULL, lock_expires_at = NULL, last_error = NULL,
		    updated_at = ?
		WHERE name = ?`,
		database.FormatTime(now), database.FormatTime(next),
		database.FormatTime(now), name)
	if err != nil {
		return fmt.Errorf("failed to mark job %s success: %w", name, err)
	}
	return nil
}

// MarkFailure records a terminal failure, increments the failure counter,
// and still advances next_run_at.
func (r *Repository) MarkFailure(name string, now, next time.Time, message string) error {
	_, err := r.db.Exec(`
		UPDATE scheduler_jobs
		SET status = 'failed', last_run_at = ?, next_run_at = ?,
		    failure_count = failure_count + 1,
		    lock_owner = NULL, lock_expires_at = NULL, last_error = ?,
		    updated_at = ?
		WHERE name = ?`,
		database.FormatTime(now), database.FormatTime(next),
		message, database.FormatTime(now), name)
	if err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", name, err)
	}
	return nil
}

// SetNextRun moves a job's next fire without touching status or history.
// Used by the operator run-now path.
func (r *Repository) SetNextRun(name string, next, now time.Time) error {
	res, err := r.db.Exec(`
		UPDATE scheduler_jobs SET next_run_at = ?, updated_at = ? WHERE name = ?`,
		database.FormatTime(next), database.FormatTime(now), name)
	if err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not found", name)
	}
	return nil
}

// RecoverExpired demotes rows left running by a dead process: status becomes
// failed, the counter increments, the lock clears, and next_run_at is left
// untouched so the next tick can fire the job.
func (r *Repository) RecoverExpired(now time.Time) (int64, error) {
	nowStr := database.FormatTime(now)
	res, err := r.db.Exec(`
		UPDATE scheduler_jobs
		SET status = 'failed', failure_count = failure_count + 1,
		    lock_owner = NULL, lock_expires_at = NULL,
		    last_error = 'recovered: lease expired while running',
		    updated_at = ?
		WHERE status = 'running' AND lock_expires_at IS NOT NULL AND lock_expires_at <= ?`,
		nowStr, nowStr)
	if err != nil {
		return 0, fmt.Errorf("failed to recover expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read recovery count: %w", err)
	}
	if n > 0 {
		r.log.Warn().Int64("jobs", n).Msg("Recovered jobs with expired leases")
	}
	return n, nil
}

// Get returns a job row by name.
func (r *Repository) Get(name string) (*Job, error) {
	row := r.db.QueryRow("SELECT "+jobColumns+" FROM scheduler_jobs WHERE name = ?", name)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns all job rows ordered by name.
func (r *Repository) List() ([]Job, error) {
	rows, err := r.db.Query("SELECT " + jobColumns + " FROM scheduler_jobs ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Delete removes a job row. Used by the cancel command.
func (r *Repository) Delete(name string) error {
	res, err := r.db.Exec("DELETE FROM scheduler_jobs WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not found", name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j          Job
		kind       string
		intervalMs sql.NullInt64
		hour       sql.NullInt64
		minute     sql.NullInt64
		tz         sql.NullString
		leaseMs    int64
		status     string
		nextRun    sql.NullString
		lastRun    sql.NullString
		lockOwner  sql.NullString
		lockExp    sql.NullString
		lastErr    sql.NullString
		createdAt  string
		updatedAt  string
	)

	err := row.Scan(&j.Name, &kind, &intervalMs, &hour, &minute, &tz, &leaseMs,
		&status, &nextRun, &lastRun, &j.FailureCount, &lockOwner, &lockExp,
		&lastErr, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	j.Kind = ScheduleKind(kind)
	j.Interval = time.Duration(intervalMs.Int64) * time.Millisecond
	j.Hour = int(hour.Int64)
	j.Minute = int(minute.Int64)
	j.Timezone = tz.String
	j.Lease = time.Duration(leaseMs) * time.Millisecond
	j.Status = Status(status)
	j.LockOwner = lockOwner.String
	j.LastError = lastErr.String

	if j.NextRunAt, err = database.ScanNullTime(nextRun); err != nil {
		return nil, err
	}
	if j.LastRunAt, err = database.ScanNullTime(lastRun); err != nil {
		return nil, err
	}
	if j.LockExpiresAt, err = database.ScanNullTime(lockExp); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}

	return &j, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
