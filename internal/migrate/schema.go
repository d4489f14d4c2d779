package migrate

import (
	"context"
	"database/sql"

	"geoip-api/internal/logger"
)

// 背景：首次运行自动创建统计与更新周期日志表
// 约束：使用 IF NOT EXISTS 避免与既有结构冲突；可重复执行
var statements = []string{
	`CREATE TABLE IF NOT EXISTS _geo_stats_total (
		id INT PRIMARY KEY,
		total_queries BIGINT NOT NULL DEFAULT 0,
		total_visitors BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS _geo_stats_daily (
		day DATE PRIMARY KEY,
		queries BIGINT NOT NULL DEFAULT 0,
		visitors BIGINT NOT NULL DEFAULT 0
	)`,
	`INSERT INTO _geo_stats_total(id, total_queries, total_visitors)
	 VALUES(1, 0, 0)
	 ON CONFLICT (id) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS _geo_update_cycles (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		outcome TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		build_epoch BIGINT NOT NULL DEFAULT 0,
		digest TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_geo_update_cycles_started ON _geo_update_cycles(started_at DESC)`,
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range statements {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
