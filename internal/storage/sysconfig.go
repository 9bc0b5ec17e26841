package storage

import (
	"context"
	"database/sql"

	"nightpilot/internal/job"
	logx "nightpilot/pkg/logx"
)

// GetSystemConfig overlays stored rows on the defaults. Rows with unknown keys
// or unparsable values are logged and skipped.
func (s *sqliteStore) GetSystemConfig(ctx context.Context) (SystemConfig, error) {
	cfg := DefaultSystemConfig()
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM system_config`)
	if err != nil {
		return cfg, job.StoreErr(err, "read system_config")
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return cfg, job.StoreErr(err, "scan system_config")
		}
		if err := cfg.set(k, v); err != nil {
			s.log.Warn("ignoring system_config row", logx.String("key", k), logx.Err(err))
		}
	}
	if err := rows.Err(); err != nil {
		return cfg, job.StoreErr(err, "read system_config")
	}
	return cfg, nil
}

// SeedSystemConfig writes c for keys that have no row yet.
func (s *sqliteStore) SeedSystemConfig(ctx context.Context, c SystemConfig) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.stamp()
		for k, v := range c.Entries() {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO system_config(key, value, updated_at) VALUES(?,?,?)`, k, v, now); err != nil {
				return job.StoreErr(err, "seed system_config")
			}
		}
		return nil
	})
}

// SetSystemConfig validates and upserts one key.
func (s *sqliteStore) SetSystemConfig(ctx context.Context, key, value string) error {
	scratch := DefaultSystemConfig()
	if err := scratch.set(key, value); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_config(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.stamp())
	if err != nil {
		return job.StoreErr(err, "write system_config")
	}
	return nil
}
