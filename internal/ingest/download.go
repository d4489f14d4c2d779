// 包 ingest：上游数据库的条件拉取与定时/手动刷新调度，运行在服务进程内
package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"geoip-api/internal/logger"
)

var (
	ErrDownload = errors.New("download failed")
	ErrTooLarge = errors.New("response body too large")
)

// StatusError：上游返回非 200/304 状态
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "unexpected response status: " + e.Status }

func (e *StatusError) Unwrap() error { return ErrDownload }

// Validator：上次成功拉取时上游给出的缓存校验令牌；零值表示没有
type Validator struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

func (v Validator) IsZero() bool { return v.ETag == "" && v.LastModified == "" }

// FetchOutcome：Changed 为 false 时 Body 为空，表示上游确认未变化
type FetchOutcome struct {
	Changed   bool
	Body      []byte
	Validator Validator
}

type DownloaderConfig struct {
	URL                string
	Timeout            time.Duration
	MaxSize            int64
	CABundle           string
	InsecureSkipVerify bool
	UserAgent          string
	// Client 非空时直接使用（测试注入），忽略 CABundle/InsecureSkipVerify
	Client *http.Client
	Logger *slog.Logger
}

type Downloader struct {
	cfg    DownloaderConfig
	client *http.Client
	log    *slog.Logger
}

// 文档注释：创建条件下载器
// 背景：支持自定义 CA 证书与跳过证书校验，适配企业内网镜像源；超时作用于整个请求（含读取响应体）。
// 异常：URL 为空或 CA 文件无法读取/解析时返回错误。
func NewDownloader(cfg DownloaderConfig) (*Downloader, error) {
	if cfg.URL == "" {
		return nil, errors.New("source url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1 << 30
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.L()
	}
	client := cfg.Client
	if client == nil {
		tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
		if cfg.CABundle != "" {
			pem, err := os.ReadFile(cfg.CABundle)
			if err != nil {
				return nil, fmt.Errorf("read ca bundle: %w", err)
			}
			pool, err := x509.SystemCertPool()
			if err != nil || pool == nil {
				pool = x509.NewCertPool()
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("ca bundle %s: no certificates found", cfg.CABundle)
			}
			tlsCfg.RootCAs = pool
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = tlsCfg
		client = &http.Client{Transport: tr}
	}
	return &Downloader{cfg: cfg, client: client, log: cfg.Logger}, nil
}

// 文档注释：条件拉取
// 背景：携带上次的 ETag/Last-Modified，上游返回 304 时不传输响应体，这是按日轮询的主要省流手段。
// 约束：响应体边读边写入内存缓冲并受 MaxSize 限制；新的校验令牌仅在 200 时采集。
// 异常：网络错误、超时、非预期状态统一归入 ErrDownload，由上层视为“本轮无更新”。
func (d *Downloader) Fetch(ctx context.Context, prior Validator) (FetchOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.URL, nil)
	if err != nil {
		return FetchOutcome{}, fmt.Errorf("%w: %w", ErrDownload, err)
	}
	if prior.ETag != "" {
		req.Header.Set("If-None-Match", prior.ETag)
	}
	if prior.LastModified != "" {
		req.Header.Set("If-Modified-Since", prior.LastModified)
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	d.log.Debug("download_begin", "etag", prior.ETag, "last_modified", prior.LastModified)
	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return FetchOutcome{}, fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		d.log.Info("download_not_modified", "etag", prior.ETag)
		return FetchOutcome{Changed: false, Validator: prior}, nil
	case http.StatusOK:
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return FetchOutcome{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := readBody(resp.Body, resp.ContentLength, d.cfg.MaxSize)
	if err != nil {
		return FetchOutcome{}, err
	}
	v := Validator{ETag: resp.Header.Get("ETag"), LastModified: resp.Header.Get("Last-Modified")}
	d.log.Info("download_ok", "bytes", len(body), "etag", v.ETag, "duration_ms", time.Since(start).Milliseconds())
	return FetchOutcome{Changed: true, Body: body, Validator: v}, nil
}
