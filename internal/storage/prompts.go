package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"

	"nightpilot/internal/job"
)

func (s *sqliteStore) CreatePrompt(ctx context.Context, p *job.Prompt) error {
	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" {
		return job.Validationf("give the prompt a title", "prompt title required")
	}
	if strings.TrimSpace(p.Content) == "" {
		return job.Validationf("", "prompt content required")
	}
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	rawTags, err := job.EncodeBlob(tags)
	if err != nil {
		return job.Validationf("", "encode tags: %v", err)
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts(title, content, tags, created_at, updated_at) VALUES(?,?,?,?,?)`,
		p.Title, p.Content, rawTags, fmtTime(now), fmtTime(now))
	if err != nil {
		return job.StoreErr(err, "insert prompt")
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return job.StoreErr(err, "insert prompt id")
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func scanPrompt(r rowScanner) (job.Prompt, error) {
	var (
		p                    job.Prompt
		tags                 string
		createdAt, updatedAt sql.NullString
	)
	if err := r.Scan(&p.ID, &p.Title, &p.Content, &tags, &createdAt, &updatedAt); err != nil {
		return job.Prompt{}, err
	}
	if err := job.DecodeBlob(tags, &p.Tags); err != nil {
		return job.Prompt{}, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func (s *sqliteStore) GetPrompt(ctx context.Context, id int64) (job.Prompt, error) {
	p, err := scanPrompt(s.db.QueryRowContext(ctx,
		`SELECT id, title, content, tags, created_at, updated_at FROM prompts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return job.Prompt{}, job.NotFound("prompt", id)
	}
	if err != nil {
		return job.Prompt{}, job.StoreErr(err, "get prompt")
	}
	return p, nil
}

func (s *sqliteStore) ListPrompts(ctx context.Context) ([]job.Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, content, tags, created_at, updated_at FROM prompts ORDER BY id`)
	if err != nil {
		return nil, job.StoreErr(err, "list prompts")
	}
	defer rows.Close()

	var out []job.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, job.StoreErr(err, "scan prompt")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, job.StoreErr(err, "list prompts")
	}
	return out, nil
}

// DeletePrompt refuses to remove a prompt that jobs still reference.
func (s *sqliteStore) DeletePrompt(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM prompts WHERE id = ?`, id)
	if isForeignKeyViolation(err) {
		return job.Validationf("delete or repoint the jobs using it first", "prompt %d is referenced by jobs", id)
	}
	if err != nil {
		return job.StoreErr(err, "delete prompt")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.NotFound("prompt", id)
	}
	return nil
}
