package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"geoip-api/internal/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const DefaultS3Region = "us-east-1"

// S3SourceConfig：URL 形如 s3://bucket/path/to/GeoLite2-City.tar.gz
type S3SourceConfig struct {
	URL         string
	Region      string
	EndpointURL string // 可选：MinIO 等兼容服务
	Anonymous   bool   // 公共桶不签名
	Timeout     time.Duration
	MaxSize     int64
	MaxAttempts int
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// S3Source：以对象存储为上游的条件拉取，语义与 Downloader 一致
type S3Source struct {
	cfg    S3SourceConfig
	client *s3.Client
	bucket string
	key    string
	log    *slog.Logger
}

// IsS3URL：判断是否为 s3:// 源
func IsS3URL(raw string) bool {
	return strings.HasPrefix(strings.ToLower(raw), "s3://")
}

// ParseS3URL：拆分 s3://bucket/key
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if !strings.EqualFold(u.Scheme, "s3") {
		return "", "", fmt.Errorf("not an s3 url: %q", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 url needs bucket and key: %q", raw)
	}
	return u.Host, key, nil
}

// 文档注释：创建 S3 源
// 背景：凭证走 SDK 默认链（环境变量、共享配置、实例角色）；Anonymous 时不签名，适用于公共桶。
// 约束：始终使用 path-style 寻址，兼容自建对象存储。
func NewS3Source(ctx context.Context, cfg S3SourceConfig) (*S3Source, error) {
	bucket, key, err := ParseS3URL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = DefaultS3Region
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1 << 30
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.L()
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxAttempts),
	}
	if cfg.Anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
	return &S3Source{cfg: cfg, client: client, bucket: bucket, key: key, log: cfg.Logger}, nil
}

// 文档注释：条件拉取对象
// 背景：IfNoneMatch / IfModifiedSince 命中时服务端返回 304，SDK 以错误形式给出，这里还原为 Changed=false。
// 异常：其余 HTTP 状态返回 *StatusError；网络与读取错误归入 ErrDownload。
func (s *S3Source) Fetch(ctx context.Context, prior Validator) (FetchOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	in := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key)}
	if prior.ETag != "" {
		in.IfNoneMatch = aws.String(prior.ETag)
	}
	if prior.LastModified != "" {
		if t, err := http.ParseTime(prior.LastModified); err == nil {
			in.IfModifiedSince = aws.Time(t)
		}
	}
	s.log.Debug("download_begin", "bucket", s.bucket, "key", s.key, "etag", prior.ETag)
	start := time.Now()
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) {
			code := re.HTTPStatusCode()
			if code == http.StatusNotModified {
				s.log.Info("download_not_modified", "etag", prior.ETag)
				return FetchOutcome{Changed: false, Validator: prior}, nil
			}
			return FetchOutcome{}, &StatusError{Code: code, Status: fmt.Sprintf("%d %s", code, http.StatusText(code))}
		}
		return FetchOutcome{}, fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer out.Body.Close()

	body, err := readBody(out.Body, aws.ToInt64(out.ContentLength), s.cfg.MaxSize)
	if err != nil {
		return FetchOutcome{}, err
	}
	v := Validator{ETag: aws.ToString(out.ETag)}
	if out.LastModified != nil {
		v.LastModified = out.LastModified.UTC().Format(http.TimeFormat)
	}
	s.log.Info("download_ok", "bytes", len(body), "etag", v.ETag, "duration_ms", time.Since(start).Milliseconds())
	return FetchOutcome{Changed: true, Body: body, Validator: v}, nil
}
