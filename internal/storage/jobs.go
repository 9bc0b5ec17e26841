package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"nightpilot/internal/job"
)

const jobColumns = `id, name, description, prompt_id, prompt_content, cron_expression, status, job_type,
	priority, parent_job_id, execution_count, failure_count, last_run_at, next_run_at,
	last_success_at, last_failure_at, last_error, execution_options, retry_config,
	notification_config, timeout_config, tags, metadata, created_at, updated_at,
	created_by, updated_by, version`

func scanJob(r rowScanner) (job.Job, error) {
	var (
		j                                    job.Job
		promptID, parentID                   sql.NullInt64
		lastRun, nextRun, lastOK, lastFail   sql.NullString
		execOpts, retryCfg, notifyCfg, toCfg string
		tags, meta                           string
		createdAt, updatedAt                 sql.NullString
		status, typ                          string
	)
	err := r.Scan(&j.ID, &j.Name, &j.Description, &promptID, &j.PromptContent, &j.CronExpr, &status, &typ,
		&j.Priority, &parentID, &j.ExecutionCount, &j.FailureCount, &lastRun, &nextRun,
		&lastOK, &lastFail, &j.LastError, &execOpts, &retryCfg,
		&notifyCfg, &toCfg, &tags, &meta, &createdAt, &updatedAt,
		&j.CreatedBy, &j.UpdatedBy, &j.Version)
	if err != nil {
		return job.Job{}, err
	}
	j.Status = job.Status(status)
	j.Type = job.Type(typ)
	j.PromptID = promptID.Int64
	j.ParentID = job.ID(parentID.Int64)
	j.LastRunAt = parseTime(lastRun)
	j.NextRunAt = parseTime(nextRun)
	j.LastSuccessAt = parseTime(lastOK)
	j.LastFailureAt = parseTime(lastFail)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)

	blobs := []struct {
		raw string
		dst any
	}{
		{execOpts, &j.ExecutionOptions},
		{retryCfg, &j.RetryConfig},
		{notifyCfg, &j.NotificationConfig},
		{toCfg, &j.TimeoutConfig},
		{tags, &j.Tags},
		{meta, &j.Metadata},
	}
	for _, b := range blobs {
		if err := job.DecodeBlob(b.raw, b.dst); err != nil {
			return job.Job{}, errors.Wrapf(err, "decode job %d blob", j.ID)
		}
	}
	return j, nil
}

type encodedBlobs struct {
	execOpts, retryCfg, notifyCfg, timeoutCfg, tags, meta string
}

func encodeBlobs(j *job.Job) (encodedBlobs, error) {
	var (
		e   encodedBlobs
		err error
	)
	tags := j.Tags
	if tags == nil {
		tags = []string{}
	}
	meta := j.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	for _, it := range []struct {
		dst *string
		v   any
	}{
		{&e.execOpts, j.ExecutionOptions},
		{&e.retryCfg, j.RetryConfig},
		{&e.notifyCfg, j.NotificationConfig},
		{&e.timeoutCfg, j.TimeoutConfig},
		{&e.tags, tags},
		{&e.meta, meta},
	} {
		if *it.dst, err = job.EncodeBlob(it.v); err != nil {
			return e, job.Validationf("", "encode job options: %v", err)
		}
	}
	return e, nil
}

// CreateJob validates and inserts j, filling in ID, timestamps and version.
func (s *sqliteStore) CreateJob(ctx context.Context, j *job.Job) error {
	if j.Status == "" {
		j.Status = job.StatusActive
	}
	if j.Type == "" {
		j.Type = job.TypeScheduled
	}
	j.Name = strings.TrimSpace(j.Name)
	if err := job.Validate(*j); err != nil {
		return err
	}
	blobs, err := encodeBlobs(j)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkRefs(ctx, tx, *j); err != nil {
			return err
		}
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs(name, description, prompt_id, prompt_content, cron_expression, status, job_type,
				priority, parent_job_id, next_run_at, execution_options, retry_config, notification_config,
				timeout_config, tags, metadata, created_at, updated_at, created_by, updated_by, version)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1)`,
			j.Name, j.Description, nullInt64(j.PromptID), j.PromptContent, strings.TrimSpace(j.CronExpr),
			string(j.Status), string(j.Type), j.Priority, nullID(j.ParentID), nullTime(j.NextRunAt),
			blobs.execOpts, blobs.retryCfg, blobs.notifyCfg, blobs.timeoutCfg, blobs.tags, blobs.meta,
			fmtTime(now), fmtTime(now), j.CreatedBy, j.CreatedBy,
		)
		if err != nil {
			return job.StoreErr(err, "insert job")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return job.StoreErr(err, "insert job id")
		}
		j.ID = job.ID(id)
		j.CreatedAt = now.UTC()
		j.UpdatedAt = now.UTC()
		j.UpdatedBy = j.CreatedBy
		j.Version = 1
		return nil
	})
}

// checkRefs verifies parent and prompt references and rejects parent cycles.
func checkRefs(ctx context.Context, tx *sql.Tx, j job.Job) error {
	if j.PromptID != 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM prompts WHERE id = ?`, j.PromptID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return job.Validationf("create the prompt first", "prompt %d does not exist", j.PromptID)
		}
		if err != nil {
			return job.StoreErr(err, "check prompt")
		}
	}
	if !j.HasParent() {
		return nil
	}
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, int64(j.ParentID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Validationf("", "parent job %d does not exist", j.ParentID)
	}
	if err != nil {
		return job.StoreErr(err, "check parent")
	}
	if j.ID == 0 {
		// A job that does not exist yet cannot be anyone's ancestor.
		return nil
	}
	err = tx.QueryRowContext(ctx,
		`WITH RECURSIVE ancestors(id) AS (
			SELECT ?
			UNION
			SELECT j.parent_job_id FROM jobs j JOIN ancestors a ON j.id = a.id
			WHERE j.parent_job_id IS NOT NULL
		)
		SELECT 1 FROM ancestors WHERE id = ? LIMIT 1`,
		int64(j.ParentID), int64(j.ID),
	).Scan(&one)
	switch {
	case err == nil:
		return job.Validationf("pick a parent outside this job's subtree", "parent %d would create a cycle", j.ParentID)
	case errors.Is(err, sql.ErrNoRows):
		return nil
	default:
		return job.StoreErr(err, "check ancestry")
	}
}

func (s *sqliteStore) GetJob(ctx context.Context, id job.ID) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, int64(id))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, job.NotFound("job", id)
	}
	if err != nil {
		return job.Job{}, job.StoreErr(err, "get job")
	}
	return j, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, f ListFilter) ([]job.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "job_type = ?")
		args = append(args, string(f.Type))
	}
	if f.ParentID != 0 {
		where = append(where, "parent_job_id = ?")
		args = append(args, int64(f.ParentID))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryJobs(ctx, "list jobs", q, args...)
}

// ListSchedulable returns active jobs the tick loop may dispatch. Children
// only run through fan-out, except one a cooldown deferred: it carries a
// next_run_at and resumes on the tick.
func (s *sqliteStore) ListSchedulable(ctx context.Context) ([]job.Job, error) {
	return s.queryJobs(ctx, "list schedulable jobs",
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'active' AND (job_type != 'child' OR next_run_at IS NOT NULL)
		 ORDER BY id`)
}

// ListChildren returns the active children of parent, highest priority first.
func (s *sqliteStore) ListChildren(ctx context.Context, parent job.ID) ([]job.Job, error) {
	return s.queryJobs(ctx, "list children",
		`SELECT `+jobColumns+` FROM jobs WHERE parent_job_id = ? AND status = 'active' ORDER BY priority DESC, id`,
		int64(parent))
}

func (s *sqliteStore) queryJobs(ctx context.Context, op, q string, args ...any) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, job.StoreErr(err, op)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, job.StoreErr(err, op)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, job.StoreErr(err, op)
	}
	return out, nil
}

// UpdateJob writes the mutable fields of j if j.Version still matches the
// stored version. On success j.Version and j.UpdatedAt are advanced.
func (s *sqliteStore) UpdateJob(ctx context.Context, j *job.Job) error {
	j.Name = strings.TrimSpace(j.Name)
	if err := job.Validate(*j); err != nil {
		return err
	}
	blobs, err := encodeBlobs(j)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkRefs(ctx, tx, *j); err != nil {
			return err
		}
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET name = ?, description = ?, prompt_id = ?, prompt_content = ?, cron_expression = ?,
				status = ?, job_type = ?, priority = ?, parent_job_id = ?, next_run_at = ?,
				execution_options = ?, retry_config = ?, notification_config = ?, timeout_config = ?,
				tags = ?, metadata = ?, updated_at = ?, updated_by = ?, version = version + 1
			 WHERE id = ? AND version = ?`,
			j.Name, j.Description, nullInt64(j.PromptID), j.PromptContent, strings.TrimSpace(j.CronExpr),
			string(j.Status), string(j.Type), j.Priority, nullID(j.ParentID), nullTime(j.NextRunAt),
			blobs.execOpts, blobs.retryCfg, blobs.notifyCfg, blobs.timeoutCfg, blobs.tags, blobs.meta,
			fmtTime(now), j.UpdatedBy, int64(j.ID), j.Version,
		)
		if err != nil {
			return job.StoreErr(err, "update job")
		}
		if err := expectOneRow(ctx, tx, res, j.ID); err != nil {
			return err
		}
		j.Version++
		j.UpdatedAt = now.UTC()
		return nil
	})
}

// expectOneRow distinguishes a missing job from a stale version.
func expectOneRow(ctx context.Context, tx *sql.Tx, res sql.Result, id job.ID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return job.StoreErr(err, "rows affected")
	}
	if n == 1 {
		return nil
	}
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, int64(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return job.NotFound("job", id)
	}
	if err != nil {
		return job.StoreErr(err, "check job")
	}
	return errors.Mark(errors.Newf("job %d was modified concurrently", id), job.ErrConflict)
}

func (s *sqliteStore) SetJobStatus(ctx context.Context, id job.ID, status job.Status, actor string) error {
	switch status {
	case job.StatusActive, job.StatusPaused, job.StatusDisabled:
	default:
		return job.Validationf("use active, paused or disabled", "invalid job status %q", status)
	}
	return s.touch(ctx, "set job status", id,
		`UPDATE jobs SET status = ?, updated_at = ?, updated_by = ?, version = version + 1 WHERE id = ?`,
		string(status), s.stamp(), actor, int64(id))
}

// DeleteJob removes a job. Children, processes and results cascade; usage rows
// keep their data with job_id cleared.
func (s *sqliteStore) DeleteJob(ctx context.Context, id job.ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, int64(id))
	if err != nil {
		return job.StoreErr(err, "delete job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return job.StoreErr(err, "delete job")
	}
	if n == 0 {
		return job.NotFound("job", id)
	}
	return nil
}

// MarkDispatched records a dispatch: last_run_at = at, next_run_at = next
// (NULL when next is zero).
func (s *sqliteStore) MarkDispatched(ctx context.Context, id job.ID, at, next time.Time) error {
	return s.touch(ctx, "mark dispatched", id,
		`UPDATE jobs SET last_run_at = ?, next_run_at = ?, updated_at = ?, updated_by = 'scheduler',
			version = version + 1 WHERE id = ?`,
		nullTime(at), nullTime(next), s.stamp(), int64(id))
}

// DeferJob pushes next_run_at to until unless it is already later.
func (s *sqliteStore) DeferJob(ctx context.Context, id job.ID, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_run_at = ?, updated_at = ?, updated_by = 'scheduler', version = version + 1
		 WHERE id = ? AND (next_run_at IS NULL OR next_run_at < ?)`,
		fmtTime(until), s.stamp(), int64(id), fmtTime(until))
	if err != nil {
		return job.StoreErr(err, "defer job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) touch(ctx context.Context, op string, id job.ID, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return job.StoreErr(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return job.StoreErr(err, op)
	}
	if n == 0 {
		return job.NotFound("job", id)
	}
	return nil
}
