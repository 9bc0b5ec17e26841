package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"nightpilot/internal/job"
)

// BeginProcess inserts a queued process. It fails with job.ErrBusy when the
// job already has a queued or running process.
func (s *sqliteStore) BeginProcess(ctx context.Context, jobID job.ID, typ job.ProcessType, retryCount int) (job.ExecutionProcess, error) {
	if typ == "" {
		typ = job.ProcessExecution
	}
	p := job.ExecutionProcess{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Type:       typ,
		Status:     job.ProcessQueued,
		RetryCount: retryCount,
		CreatedAt:  s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_execution_processes(id, job_id, process_type, status, retry_count, created_at)
		 VALUES(?,?,?,?,?,?)`,
		p.ID, int64(jobID), string(typ), string(p.Status), retryCount, fmtTime(p.CreatedAt),
	)
	switch {
	case err == nil:
		return p, nil
	case isUniqueViolation(err):
		return job.ExecutionProcess{}, errors.Mark(errors.Newf("job %d already has an active process", jobID), job.ErrBusy)
	case isForeignKeyViolation(err):
		return job.ExecutionProcess{}, job.NotFound("job", jobID)
	default:
		return job.ExecutionProcess{}, job.StoreErr(err, "insert process")
	}
}

// StartProcess moves a queued process to running.
func (s *sqliteStore) StartProcess(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_execution_processes SET status = 'running', started_at = ? WHERE id = ? AND status = 'queued'`,
		fmtTime(at), id)
	if err != nil {
		return job.StoreErr(err, "start process")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.NotFound("queued process", id)
	}
	return nil
}

// FinishProcess records a non-chain-terminal process end (e.g. "retrying").
func (s *sqliteStore) FinishProcess(ctx context.Context, u ProcessUpdate) error {
	return finishProcess(ctx, s.db, u)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func finishProcess(ctx context.Context, db execer, u ProcessUpdate) error {
	if u.Status.Active() {
		return job.Validationf("", "process %s cannot finish as %s", u.ID, u.Status)
	}
	var exit any
	if u.ExitCode != nil {
		exit = *u.ExitCode
	}
	res, err := db.ExecContext(ctx,
		`UPDATE job_execution_processes SET status = ?, ended_at = ?, exit_code = ?, output = ?, error = ?
		 WHERE id = ? AND status IN ('queued', 'running')`,
		string(u.Status), nullTime(u.EndedAt), exit, u.Output, u.Error, u.ID)
	if err != nil {
		return job.StoreErr(err, "finish process")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.NotFound("active process", u.ID)
	}
	return nil
}

// CompleteExecution ends the chain: last process, result row and job
// counters commit together. Success and failure count as executions;
// cancellation touches neither counter. A one-off job is disabled once it
// has run to a success or failure.
func (s *sqliteStore) CompleteExecution(ctx context.Context, c Completion) (job.ExecutionResult, error) {
	r := c.Result
	if r.ProcessID == "" {
		r.ProcessID = c.Process.ID
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if c.Process.EndedAt.IsZero() {
		c.Process.EndedAt = r.CreatedAt
	}
	actor := c.Actor
	if actor == "" {
		actor = "scheduler"
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := finishProcess(ctx, tx, c.Process); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO job_execution_results(job_id, process_id, status, output, error_message, duration_ms,
				tokens_used, cost_usd, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			int64(r.JobID), r.ProcessID, string(r.Status), r.Output, r.ErrorMessage, r.Duration.Milliseconds(),
			r.TokensUsed, r.CostUSD, fmtTime(r.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return job.Validationf("", "process %s already has a result", r.ProcessID)
			}
			return job.StoreErr(err, "insert result")
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return job.StoreErr(err, "insert result id")
		}

		at := fmtTime(r.CreatedAt)
		var q string
		var args []any
		switch r.Status {
		case job.ResultSuccess:
			q = `UPDATE jobs SET execution_count = execution_count + 1, last_success_at = ?, last_error = '',
				status = CASE WHEN job_type = 'one_off' THEN 'disabled' ELSE status END,
				updated_at = ?, updated_by = ?, version = version + 1 WHERE id = ?`
			args = []any{at, at, actor, int64(r.JobID)}
		case job.ResultFailed, job.ResultTimeout:
			q = `UPDATE jobs SET execution_count = execution_count + 1, failure_count = failure_count + 1,
				last_failure_at = ?, last_error = ?,
				status = CASE WHEN job_type = 'one_off' THEN 'disabled' ELSE status END,
				updated_at = ?, updated_by = ?, version = version + 1 WHERE id = ?`
			args = []any{at, r.ErrorMessage, at, actor, int64(r.JobID)}
		default:
			q = `UPDATE jobs SET last_error = ?, updated_at = ?, updated_by = ?, version = version + 1 WHERE id = ?`
			args = []any{r.ErrorMessage, at, actor, int64(r.JobID)}
		}
		res, err = tx.ExecContext(ctx, q, args...)
		if err != nil {
			return job.StoreErr(err, "update job counters")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return job.NotFound("job", r.JobID)
		}
		return nil
	})
	if err != nil {
		return job.ExecutionResult{}, err
	}
	return r, nil
}

const processColumns = `id, job_id, process_type, status, retry_count, started_at, ended_at, exit_code, output, error, created_at`

func scanProcess(r rowScanner) (job.ExecutionProcess, error) {
	var (
		p                         job.ExecutionProcess
		typ, status               string
		started, ended, createdAt sql.NullString
		exit                      sql.NullInt64
	)
	if err := r.Scan(&p.ID, &p.JobID, &typ, &status, &p.RetryCount, &started, &ended, &exit, &p.Output, &p.Error, &createdAt); err != nil {
		return job.ExecutionProcess{}, err
	}
	p.Type = job.ProcessType(typ)
	p.Status = job.ProcessStatus(status)
	p.StartedAt = parseTime(started)
	p.EndedAt = parseTime(ended)
	p.CreatedAt = parseTime(createdAt)
	if exit.Valid {
		code := int(exit.Int64)
		p.ExitCode = &code
	}
	return p, nil
}

// ListProcesses returns a job's processes in creation order.
func (s *sqliteStore) ListProcesses(ctx context.Context, jobID job.ID) ([]job.ExecutionProcess, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+processColumns+` FROM job_execution_processes WHERE job_id = ? ORDER BY created_at, rowid`, int64(jobID))
	if err != nil {
		return nil, job.StoreErr(err, "list processes")
	}
	defer rows.Close()

	var out []job.ExecutionProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, job.StoreErr(err, "scan process")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, job.StoreErr(err, "list processes")
	}
	return out, nil
}

// ListResults returns the newest results first.
func (s *sqliteStore) ListResults(ctx context.Context, jobID job.ID, limit int) ([]job.ExecutionResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, process_id, status, output, error_message, duration_ms, tokens_used, cost_usd, created_at
		 FROM job_execution_results WHERE job_id = ? ORDER BY id DESC LIMIT ?`, int64(jobID), limit)
	if err != nil {
		return nil, job.StoreErr(err, "list results")
	}
	defer rows.Close()

	var out []job.ExecutionResult
	for rows.Next() {
		var (
			r         job.ExecutionResult
			status    string
			ms        int64
			createdAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.ProcessID, &status, &r.Output, &r.ErrorMessage, &ms, &r.TokensUsed, &r.CostUSD, &createdAt); err != nil {
			return nil, job.StoreErr(err, "scan result")
		}
		r.Status = job.ResultStatus(status)
		r.Duration = time.Duration(ms) * time.Millisecond
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, job.StoreErr(err, "list results")
	}
	return out, nil
}

// RecoverInterrupted cancels processes a previous run left queued or running
// and gives each a cancelled result, so every chain ends with exactly one.
func (s *sqliteStore) RecoverInterrupted(ctx context.Context, at time.Time) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, job_id FROM job_execution_processes WHERE status IN ('queued', 'running')`)
		if err != nil {
			return job.StoreErr(err, "find interrupted")
		}
		type stale struct {
			id    string
			jobID int64
		}
		var found []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.id, &st.jobID); err != nil {
				_ = rows.Close()
				return job.StoreErr(err, "scan interrupted")
			}
			found = append(found, st)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return job.StoreErr(err, "find interrupted")
		}

		const msg = "interrupted: scheduler stopped before the process finished"
		for _, st := range found {
			if err := finishProcess(ctx, tx, ProcessUpdate{ID: st.id, Status: job.ProcessCancelled, EndedAt: at, Error: msg}); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO job_execution_results(job_id, process_id, status, error_message, created_at)
				 VALUES(?,?,'cancelled',?,?)`, st.jobID, st.id, msg, fmtTime(at)); err != nil {
				return job.StoreErr(err, "insert interrupted result")
			}
		}
		n = len(found)
		return nil
	})
	return n, err
}

// Cleanup deletes finished processes (and, by cascade, their results) created
// before the cut-off. Usage rows are kept.
func (s *sqliteStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_execution_processes WHERE status NOT IN ('queued', 'running') AND created_at < ?`,
		fmtTime(before))
	if err != nil {
		return 0, job.StoreErr(err, "cleanup")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, job.StoreErr(err, "cleanup")
	}
	return n, nil
}
