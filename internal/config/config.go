// 包 config：集中读取进程配置
// 背景：环境变量在启动时一次性解析为显式的 Config 值，各组件只接收自己需要的字段，不再在业务代码中散落 os.Getenv。
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

const (
	DefaultDataDir         = "data"
	DefaultUpdateInterval  = 24 * time.Hour
	DefaultDownloadTimeout = 5 * time.Minute
	DefaultMaxDBBytes      = int64(1 << 30)
	// MaxDBBytesCeiling：单层解包与下载体的上限不得超过该值
	MaxDBBytesCeiling     = int64(16 << 30)
	DefaultSuffix         = ".mmdb"
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 3000
	DefaultLookupCacheTTL = 10 * time.Minute
	DefaultRateLimitQPS   = 20
)

type Config struct {
	SourceURL          string
	DataDir            string
	UpdateInterval     time.Duration
	DownloadTimeout    time.Duration
	MaxDBBytes         int64
	Suffix             string
	CABundle           string
	InsecureSkipVerify bool
	S3Region           string
	S3EndpointURL      string
	S3Anonymous        bool

	Host           string
	Port           int
	APIBase        string
	CORSOrigins    []string
	AdminToken     string
	AdminAllow     []string
	RealIPHeader   string
	RateLimit      bool
	RateLimitQPS   float64
	TLSEnable      bool
	TLSCertPath    string
	TLSKeyPath     string
	RedisEnable    bool
	LookupCacheTTL time.Duration
	StatsEnable    bool
}

// LoadDotenv：依次加载 .env 与 data/env/.env；文件缺失时忽略，已存在的环境变量不被覆盖
func LoadDotenv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
}

// 文档注释：从环境变量构建配置
// 约束：只解析与校验，不打开任何连接；解析失败的变量汇总为一个错误返回。
func Load() (*Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup：以任意查找函数为来源构建配置，便于测试注入
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}
	var errs []error
	duration := func(k string, def time.Duration) time.Duration {
		s := get(k)
		if s == "" {
			return def
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			return def
		}
		return d
	}
	boolean := func(k string, def bool) bool {
		s := get(k)
		if s == "" {
			return def
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			return def
		}
		return b
	}

	cfg := &Config{
		SourceURL:          get("MAXMIND_DB_URL"),
		DataDir:            get("DATA_DIR"),
		UpdateInterval:     duration("UPDATE_INTERVAL", DefaultUpdateInterval),
		DownloadTimeout:    duration("DOWNLOAD_TIMEOUT", DefaultDownloadTimeout),
		MaxDBBytes:         DefaultMaxDBBytes,
		Suffix:             get("DB_SUFFIX"),
		CABundle:           get("CA_BUNDLE"),
		InsecureSkipVerify: boolean("DANGER_ACCEPT_INVALID_CERTS", false),
		S3Region:           get("S3_REGION"),
		S3EndpointURL:      get("S3_ENDPOINT_URL"),
		S3Anonymous:        boolean("S3_ANONYMOUS", false),
		Host:               get("HOST"),
		Port:               DefaultPort,
		APIBase:            strings.TrimRight(get("API_BASE"), "/"),
		AdminToken:         get("ADMIN_TOKEN"),
		AdminAllow:         splitList(get("ADMIN_ALLOW_CIDRS")),
		RealIPHeader:       get("REAL_IP_HEADER"),
		RateLimit:          boolean("RATE_LIMIT_ENABLED", false),
		RateLimitQPS:       DefaultRateLimitQPS,
		TLSEnable:          boolean("TLS_ENABLE", false),
		TLSCertPath:        get("TLS_CERT_PATH"),
		TLSKeyPath:         get("TLS_KEY_PATH"),
		RedisEnable:        boolean("REDIS_ENABLE", false),
		LookupCacheTTL:     duration("LOOKUP_CACHE_TTL", DefaultLookupCacheTTL),
		StatsEnable:        boolean("STATS_ENABLE", false),
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.Suffix == "" {
		cfg.Suffix = DefaultSuffix
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.TLSCertPath == "" {
		cfg.TLSCertPath = filepath.Join(cfg.DataDir, "certs", "server.crt")
	}
	if cfg.TLSKeyPath == "" {
		cfg.TLSKeyPath = filepath.Join(cfg.DataDir, "certs", "server.key")
	}
	if s := get("MAX_DB_BYTES"); s != "" {
		// 同时接受纯数字与 "512MiB" 这类写法
		n, err := humanize.ParseBytes(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_DB_BYTES: %w", err))
		} else {
			cfg.MaxDBBytes = int64(n)
		}
	}
	if s := get("PORT"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("PORT: %w", err))
		} else {
			cfg.Port = n
		}
	}
	if s := get("RATE_LIMIT_QPS"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_QPS: %w", err))
		} else {
			cfg.RateLimitQPS = f
		}
	}
	cfg.CORSOrigins = splitList(get("CORS_ALLOWED_ORIGINS"))
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SourceURL != "" {
		u, err := url.Parse(c.SourceURL)
		if err != nil {
			return fmt.Errorf("MAXMIND_DB_URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "s3" {
			return fmt.Errorf("MAXMIND_DB_URL: unsupported scheme %q", u.Scheme)
		}
	}
	if c.UpdateInterval <= 0 {
		return errors.New("UPDATE_INTERVAL must be positive")
	}
	if c.DownloadTimeout <= 0 {
		return errors.New("DOWNLOAD_TIMEOUT must be positive")
	}
	if c.MaxDBBytes <= 0 {
		return errors.New("MAX_DB_BYTES must be positive")
	}
	if c.MaxDBBytes > MaxDBBytesCeiling {
		return fmt.Errorf("MAX_DB_BYTES exceeds %d", MaxDBBytesCeiling)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.RateLimit && c.RateLimitQPS <= 0 {
		return errors.New("RATE_LIMIT_QPS must be positive when rate limiting is enabled")
	}
	if c.APIBase != "" && !strings.HasPrefix(c.APIBase, "/") {
		return fmt.Errorf("API_BASE must start with '/': %q", c.APIBase)
	}
	return nil
}

// Addr：监听地址
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DiskOnly：未配置下载源时仅从 DATA_DIR 的本地副本加载
func (c *Config) DiskOnly() bool { return c.SourceURL == "" }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
