package store_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"geoip-api/internal/migrate"
	"geoip-api/internal/store"

	"github.com/stretchr/testify/require"
)

// 需要真实 PostgreSQL：设置 GEOIP_TEST_PG_DSN 后运行
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("GEOIP_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("GEOIP_TEST_PG_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.EnsureSchema(ctx, db))
	// 重复执行必须幂等
	require.NoError(t, migrate.EnsureSchema(ctx, db))
	_, err = db.ExecContext(ctx, "TRUNCATE _geo_update_cycles, _geo_stats_daily")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "UPDATE _geo_stats_total SET total_queries=0, total_visitors=0 WHERE id=1")
	require.NoError(t, err)
	return db
}

func TestStore_Stats(t *testing.T) {
	db := openTestDB(t)
	st := store.AttachDB(db)
	ctx := context.Background()

	require.NoError(t, st.IncrStats(ctx, "192.0.2.1"))
	require.NoError(t, st.IncrStats(ctx, ""))

	tot, err := st.GetTotals(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, tot.Total)
	require.EqualValues(t, 2, tot.Today)
	require.EqualValues(t, 1, tot.Visitors)
}

func TestStore_Cycles(t *testing.T) {
	db := openTestDB(t)
	st := store.AttachDB(db)
	ctx := context.Background()

	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	id, err := st.RecordCycle(ctx, store.CycleRecord{StartedAt: base, Duration: 1500 * time.Millisecond, Outcome: "updated", BuildEpoch: 1700000000, Digest: "abc"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	_, err = st.RecordCycle(ctx, store.CycleRecord{StartedAt: base.Add(time.Hour), Outcome: "failed", Stage: "download", Error: "status 503"})
	require.NoError(t, err)

	recs, err := st.RecentCycles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "failed", recs[0].Outcome)
	require.Equal(t, "download", recs[0].Stage)
	require.Equal(t, id, recs[1].ID)
	require.Equal(t, 1500*time.Millisecond, recs[1].Duration)
	require.True(t, base.Equal(recs[1].StartedAt))
}
