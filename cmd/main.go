package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geoip-api/internal/api"
	"geoip-api/internal/archive"
	"geoip-api/internal/config"
	"geoip-api/internal/ingest"
	"geoip-api/internal/localdb"
	"geoip-api/internal/logger"
	"geoip-api/internal/lookup"
	"geoip-api/internal/metrics"
	"geoip-api/internal/middleware"
	"geoip-api/internal/migrate"
	"geoip-api/internal/store"
	"geoip-api/internal/utils"
	"geoip-api/internal/version"

	"github.com/redis/go-redis/v9"
)

func main() {
	config.LoadDotenv()
	l := logger.Setup()
	l.Info("startup", "version", version.Version, "commit", version.Revision())

	cfg, err := config.Load()
	if err != nil {
		l.Error("config_invalid", "err", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache := localdb.NewDiskCache(cfg.DataDir)
	fetcher, err := buildFetcher(ctx, cfg, cache, l)
	if err != nil {
		l.Error("source_init_error", "err", err)
		os.Exit(1)
	}

	var st *store.Store
	if cfg.StatsEnable {
		db, err := utils.OpenPostgresFromEnv(ctx)
		if err != nil {
			l.Warn("db_open_error", "err", err)
		} else if err := migrate.EnsureSchema(ctx, db); err != nil {
			l.Warn("schema_error", "err", err)
			_ = db.Close()
		} else {
			st = store.AttachDB(db)
			defer st.Close()
			l.Info("db_open_ok")
		}
	}
	var rc *redis.Client
	if cfg.RedisEnable {
		rc, err = utils.OpenRedisFromEnv(ctx)
		if err != nil {
			l.Warn("redis_open_error", "err", err)
		} else {
			defer rc.Close()
			l.Info("redis_open_ok")
		}
	}

	mcfg := localdb.ManagerConfig{
		Fetcher:   fetcher,
		Extractor: archive.New(archive.Options{Suffix: cfg.Suffix, MaxSize: cfg.MaxDBBytes}),
		Logger:    l,
		OnCycle:   cycleReporter(st, l),
	}
	// 仅从磁盘加载时缓存即上游，不再回写
	if !cfg.DiskOnly() {
		mcfg.Cache = cache
	}
	mgr, err := localdb.NewManager(mcfg)
	if err != nil {
		l.Error("manager_init_error", "err", err)
		os.Exit(1)
	}
	if mcfg.Cache != nil && cache.Exists() {
		if err := mgr.Restore(); err != nil {
			l.Warn("database_restore_error", "err", err)
		}
	}

	sched, err := ingest.NewScheduler(ingest.SchedulerConfig{
		Update: func(ctx context.Context) bool {
			return mgr.RunUpdateCycle(ctx).Outcome != localdb.OutcomeBusy
		},
		Interval: cfg.UpdateInterval,
		Logger:   l,
	})
	if err != nil {
		l.Error("scheduler_init_error", "err", err)
		os.Exit(1)
	}
	go func() {
		_ = sched.Run(ctx)
	}()

	// SIGHUP 触发一次立即刷新
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				sched.Trigger("sighup")
			}
		}
	}()

	opts := api.Options{
		Lookup:       lookup.New(mgr),
		Base:         cfg.APIBase,
		Refresher:    sched,
		AdminToken:   cfg.AdminToken,
		Redis:        rc,
		CacheTTL:     cfg.LookupCacheTTL,
		Status:       status{mgr: mgr, sched: sched},
		CORSOrigins:  cfg.CORSOrigins,
		RealIPHeader: cfg.RealIPHeader,
		Logger:       l,
	}
	if st != nil {
		opts.Stats = st
	}
	if len(cfg.AdminAllow) > 0 {
		allow, err := middleware.NewAllowList(l, cfg.AdminAllow, cfg.RealIPHeader)
		if err != nil {
			l.Error("admin_allowlist_invalid", "err", err)
			os.Exit(1)
		}
		opts.AdminAllow = allow
	}
	if cfg.RateLimit {
		opts.RateLimiter = middleware.NewRateLimiter(cfg.RateLimitQPS, 0)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSEnable {
			if err := utils.EnsureSelfSignedCert(cfg.TLSCertPath, cfg.TLSKeyPath); err != nil {
				errCh <- err
				return
			}
			l.Info("listening_tls", "addr", srv.Addr, "cert", cfg.TLSCertPath)
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		l.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("http_server_error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		l.Info("shutdown_begin")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			l.Warn("http_shutdown_error", "err", err)
		}
		l.Info("shutdown_done")
	}
}

// buildFetcher：按 MAXMIND_DB_URL 选择上游；未配置时只使用 DATA_DIR 中已有的数据库
func buildFetcher(ctx context.Context, cfg *config.Config, cache *localdb.DiskCache, l *slog.Logger) (localdb.Fetcher, error) {
	switch {
	case cfg.DiskOnly():
		if !cache.Exists() {
			return nil, errors.New("MAXMIND_DB_URL is not set and no database exists at " + cache.DatabasePath())
		}
		l.Info("source_disk_only", "path", cache.DatabasePath())
		return cache, nil
	case ingest.IsS3URL(cfg.SourceURL):
		return ingest.NewS3Source(ctx, ingest.S3SourceConfig{
			URL:         cfg.SourceURL,
			Region:      cfg.S3Region,
			EndpointURL: cfg.S3EndpointURL,
			Anonymous:   cfg.S3Anonymous,
			Timeout:     cfg.DownloadTimeout,
			MaxSize:     cfg.MaxDBBytes,
			Logger:      l,
		})
	default:
		if cfg.InsecureSkipVerify {
			l.Warn("tls_verification_disabled")
		}
		return ingest.NewDownloader(ingest.DownloaderConfig{
			URL:                cfg.SourceURL,
			Timeout:            cfg.DownloadTimeout,
			MaxSize:            cfg.MaxDBBytes,
			CABundle:           cfg.CABundle,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			UserAgent:          version.ServerHeader(),
			Logger:             l,
		})
	}
}

// cycleReporter：把每个更新周期写入指标；配置了 PostgreSQL 时同时写入周期日志（合并的触发除外）
func cycleReporter(st *store.Store, l *slog.Logger) func(localdb.Result) {
	return func(res localdb.Result) {
		metrics.UpdateCyclesTotal.WithLabelValues(res.Outcome.String()).Inc()
		if res.Outcome == localdb.OutcomeBusy {
			return
		}
		metrics.UpdateDurationMs.Observe(float64(res.Duration.Milliseconds()))
		rec := store.CycleRecord{StartedAt: res.StartedAt, Duration: res.Duration, Outcome: res.Outcome.String()}
		if snap := res.Snapshot; snap != nil {
			metrics.SnapshotBuildEpoch.Set(float64(snap.Metadata().BuildEpoch))
			metrics.SnapshotBytes.Set(float64(snap.Size()))
			rec.BuildEpoch = int64(snap.Metadata().BuildEpoch)
			rec.Digest = snap.Digest()
		}
		var ce *localdb.CycleError
		if errors.As(res.Err, &ce) {
			rec.Stage = string(ce.Stage)
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		if st == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := st.RecordCycle(ctx, rec); err != nil {
			l.Warn("cycle_record_error", "err", err)
		}
	}
}

type status struct {
	mgr   *localdb.Manager
	sched *ingest.Scheduler
}

func (s status) LastChecked() time.Time { return s.mgr.LastChecked() }
func (s status) NextDue() time.Time     { return s.sched.NextDue() }
