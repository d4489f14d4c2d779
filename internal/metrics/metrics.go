package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoip_requests_total",
		Help: "Total number of HTTP requests by route",
	}, []string{"route"})
	LookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoip_lookups_total",
		Help: "Total address lookups by result (hit, not_found, invalid, no_snapshot, error)",
	}, []string{"result"})
	LookupDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoip_lookup_duration_ms",
		Help:    "Lookup duration in milliseconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 50},
	})
	RedisHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoip_redis_hits_total",
		Help: "Total redis cache hits",
	})
	RedisMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoip_redis_misses_total",
		Help: "Total redis cache misses",
	})
	UpdateCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoip_update_cycles_total",
		Help: "Total database update cycles by outcome",
	}, []string{"outcome"})
	UpdateDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoip_update_duration_ms",
		Help:    "Update cycle duration in milliseconds",
		Buckets: []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000, 300000},
	})
	DownloadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoip_download_bytes_total",
		Help: "Total bytes downloaded from the database source",
	})
	SnapshotBuildEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoip_snapshot_build_epoch_seconds",
		Help: "Build epoch of the currently published database",
	})
	SnapshotBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoip_snapshot_bytes",
		Help: "Size of the currently published database in bytes",
	})
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(LookupsTotal)
	prometheus.MustRegister(LookupDurationMs)
	prometheus.MustRegister(RedisHitsTotal)
	prometheus.MustRegister(RedisMissesTotal)
	prometheus.MustRegister(UpdateCyclesTotal)
	prometheus.MustRegister(UpdateDurationMs)
	prometheus.MustRegister(DownloadBytesTotal)
	prometheus.MustRegister(SnapshotBuildEpoch)
	prometheus.MustRegister(SnapshotBytes)
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：统一暴露注册指标到 /metrics 路径，供 Prometheus 抓取；在主入口挂载。
func Handler() http.Handler { return promhttp.Handler() }
