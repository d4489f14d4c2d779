// 包 api：集中注册 HTTP 路由以解耦主入口
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"geoip-api/internal/logger"
	"geoip-api/internal/lookup"
	"geoip-api/internal/metrics"
	"geoip-api/internal/middleware"
	"geoip-api/internal/store"
	"geoip-api/internal/version"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
)

// Refresher：手动刷新入口，通常为 *ingest.Scheduler
type Refresher interface {
	Trigger(source string) bool
}

// StatsStore：查询统计与周期日志，通常为 *store.Store
type StatsStore interface {
	IncrStats(ctx context.Context, visitor string) error
	GetTotals(ctx context.Context) (*store.Totals, error)
	RecentCycles(ctx context.Context, limit int) ([]store.CycleRecord, error)
}

// Status：就绪探针附带的调度状态
type Status interface {
	LastChecked() time.Time
	NextDue() time.Time
}

type Options struct {
	Lookup *lookup.Service
	// Base 为挂载前缀，空表示根路径
	Base string

	Refresher  Refresher
	AdminToken string
	AdminAllow *middleware.AllowList

	// Redis 为 nil 时不缓存查询结果
	Redis    *redis.Client
	CacheTTL time.Duration
	// Stats 为 nil 时不统计且不注册 /stats
	Stats  StatsStore
	Status Status

	CORSOrigins  []string
	RateLimiter  *middleware.RateLimiter
	RealIPHeader string
	Logger       *slog.Logger
}

type server struct {
	opts  Options
	log   *slog.Logger
	cache *resultCache
	now   func() time.Time
}

// 文档注释：构建 HTTP 路由
// 背景：查询路由（/metadata、/{ip}）与运维路由（探针、指标、手动刷新、统计）共用同一个 chi 路由器；限流只作用于查询路由。
// 约束：静态路径优先于 /{ip} 匹配；所有响应携带 server 头。
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logger.L()
	}
	s := &server{opts: opts, log: opts.Logger, now: time.Now}
	if opts.Redis != nil {
		s.cache = &resultCache{rc: opts.Redis, ttl: opts.CacheTTL}
	}

	r := chi.NewRouter()
	r.Use(serverHeader)
	r.Use(logger.AccessMiddleware(s.log))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet},
			ExposedHeaders: []string{"server", "x-maxmind-build-epoch"},
			MaxAge:         3600,
		}))
	}

	routes := func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)
		r.Get("/readyz", s.handleReady)
		r.Handle("/metrics", metrics.Handler())
		if opts.Stats != nil {
			r.Get("/stats", s.handleStats)
		}
		if opts.AdminToken != "" && opts.Refresher != nil {
			r.Group(func(r chi.Router) {
				if opts.AdminAllow != nil {
					r.Use(opts.AdminAllow.Wrap)
				}
				r.Post("/admin/refresh", s.handleRefresh)
			})
		}
		r.Group(func(r chi.Router) {
			if opts.RateLimiter != nil {
				r.Use(opts.RateLimiter.Middleware(func(req *http.Request) string {
					return middleware.ClientIP(req, opts.RealIPHeader)
				}))
			}
			r.Get("/metadata", s.handleMetadata)
			r.Get("/", s.handleSelf)
			r.Get("/{ip}", s.handleLookup)
		})
	}
	if opts.Base != "" {
		r.Route(opts.Base, routes)
	} else {
		routes(r)
	}
	return r
}

func serverHeader(next http.Handler) http.Handler {
	v := version.ServerHeader()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("server", v)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
