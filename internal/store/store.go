// 包 store: 提供与 PostgreSQL 的数据访问层，包含查询统计与数据库更新周期日志
package store

import (
	"context"
	"database/sql"
	"time"

	"geoip-api/internal/logger"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Store: 数据库访问入口，持有连接池并提供统计读写接口
type Store struct {
	db *sql.DB
}

func AttachDB(db *sql.DB) *Store { return &Store{db: db} }

// Close: 关闭数据库连接
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// IncrStats: 成功查询后递增总计与当日计数；访客存在时递增访客计数
// 约束：统计为尽力而为，单条语句失败不影响其余语句与查询主流程
func (s *Store) IncrStats(ctx context.Context, visitor string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE _geo_stats_total SET total_queries=total_queries+1 WHERE id=1")
	_, _ = s.db.ExecContext(ctx, "INSERT INTO _geo_stats_daily(day, queries) VALUES(current_date, 1) ON CONFLICT (day) DO UPDATE SET queries=_geo_stats_daily.queries+1")
	if visitor != "" {
		_, _ = s.db.ExecContext(ctx, "UPDATE _geo_stats_total SET total_visitors=total_visitors+1 WHERE id=1")
		_, _ = s.db.ExecContext(ctx, "INSERT INTO _geo_stats_daily(day, visitors) VALUES(current_date, 1) ON CONFLICT (day) DO UPDATE SET visitors=_geo_stats_daily.visitors+1")
	}
	logger.L().Debug("stats_incr", "visitor", visitor)
	return err
}

// Totals: 统计返回结构，包含累计与当日查询次数
type Totals struct {
	Total    int64 `json:"total"`
	Today    int64 `json:"today"`
	Visitors int64 `json:"visitors"`
}

// GetTotals: 读取累计与当日查询次数，用于接口返回
func (s *Store) GetTotals(ctx context.Context) (*Totals, error) {
	var t Totals
	row := s.db.QueryRowContext(ctx, "SELECT total_queries, total_visitors FROM _geo_stats_total WHERE id=1")
	if err := row.Scan(&t.Total, &t.Visitors); err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	row2 := s.db.QueryRowContext(ctx, "SELECT queries FROM _geo_stats_daily WHERE day=current_date")
	_ = row2.Scan(&t.Today)
	logger.L().Debug("stats_totals", "total", t.Total, "today", t.Today)
	return &t, nil
}

// CycleRecord: 一次数据库更新周期的持久化记录
type CycleRecord struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`
	Outcome    string        `json:"outcome"`
	Stage      string        `json:"stage,omitempty"`
	Error      string        `json:"error,omitempty"`
	BuildEpoch int64         `json:"build_epoch"`
	Digest     string        `json:"sha256,omitempty"`
}

// 文档注释：写入一次更新周期
// 背景：为运维保留下载/解包/加载失败的历史，便于排查源站或归档格式问题；不参与主流程决策。
// 约束：ID 为空时生成 UUID；busy（合并的触发）不应写入，由调用方过滤。
func (s *Store) RecordCycle(ctx context.Context, rec CycleRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO _geo_update_cycles(id, started_at, duration_ms, outcome, stage, error, build_epoch, digest)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.StartedAt.UTC(), rec.Duration.Milliseconds(), rec.Outcome, rec.Stage, rec.Error, rec.BuildEpoch, rec.Digest)
	if err != nil {
		return "", err
	}
	logger.L().Debug("cycle_recorded", "id", rec.ID, "outcome", rec.Outcome)
	return rec.ID, nil
}

// RecentCycles: 按开始时间倒序返回最近 limit 条周期记录
func (s *Store) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, duration_ms, outcome, stage, error, build_epoch, digest
		 FROM _geo_update_cycles ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CycleRecord
	for rows.Next() {
		var r CycleRecord
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.DurationMs, &r.Outcome, &r.Stage, &r.Error, &r.BuildEpoch, &r.Digest); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(r.DurationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
