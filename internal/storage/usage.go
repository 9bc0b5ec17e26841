package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"nightpilot/internal/job"
)

func (s *sqliteStore) RecordUsage(ctx context.Context, u *job.UsageRecord) error {
	if u.RecordedAt.IsZero() {
		u.RecordedAt = s.now().UTC()
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	estimated := 0
	if u.Estimated {
		estimated = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_tracking(job_id, process_id, session_id, model, input_tokens, output_tokens,
			total_tokens, cost_usd, duration_ms, estimated, recorded_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		nullID(u.JobID), u.ProcessID, u.SessionID, u.Model, u.InputTokens, u.OutputTokens,
		u.TotalTokens, u.CostUSD, u.Duration.Milliseconds(), estimated, fmtTime(u.RecordedAt))
	if err != nil {
		return job.StoreErr(err, "insert usage")
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return job.StoreErr(err, "insert usage id")
	}
	return nil
}

func (s *sqliteStore) ListUsage(ctx context.Context, f UsageFilter) ([]job.UsageRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.JobID != 0 {
		where = append(where, "job_id = ?")
		args = append(args, int64(f.JobID))
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, fmtTime(f.Since))
	}
	q := `SELECT id, job_id, process_id, session_id, model, input_tokens, output_tokens, total_tokens,
		cost_usd, duration_ms, estimated, recorded_at FROM usage_tracking`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, job.StoreErr(err, "list usage")
	}
	defer rows.Close()

	var out []job.UsageRecord
	for rows.Next() {
		var (
			u          job.UsageRecord
			jobID      sql.NullInt64
			ms         int64
			estimated  int
			recordedAt sql.NullString
		)
		if err := rows.Scan(&u.ID, &jobID, &u.ProcessID, &u.SessionID, &u.Model, &u.InputTokens, &u.OutputTokens,
			&u.TotalTokens, &u.CostUSD, &ms, &estimated, &recordedAt); err != nil {
			return nil, job.StoreErr(err, "scan usage")
		}
		u.JobID = job.ID(jobID.Int64)
		u.Duration = time.Duration(ms) * time.Millisecond
		u.Estimated = estimated != 0
		u.RecordedAt = parseTime(recordedAt)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, job.StoreErr(err, "list usage")
	}
	return out, nil
}

func (s *sqliteStore) SummarizeUsage(ctx context.Context, since time.Time) (UsageSummary, error) {
	var sum UsageSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_tracking WHERE recorded_at >= ?`, fmtTime(since),
	).Scan(&sum.Records, &sum.InputTokens, &sum.OutputTokens, &sum.TotalTokens, &sum.CostUSD)
	if err != nil {
		return UsageSummary{}, job.StoreErr(err, "summarize usage")
	}
	return sum, nil
}
