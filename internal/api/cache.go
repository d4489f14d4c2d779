package api

import (
	"context"
	"strconv"
	"time"

	"geoip-api/internal/lookup"
	"geoip-api/internal/metrics"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

const defaultCacheTTL = 10 * time.Minute

// 文档注释：查询结果缓存（Redis）
// 背景：键中包含 build_epoch 与快照内容摘要前缀，数据库替换后（即使 build_epoch 不变）旧键自然失效，无需主动清理。
// 约束：缓存的是序列化后的响应体；Redis 不可用时静默降级为直接查询。
type resultCache struct {
	rc  *redis.Client
	ttl time.Duration
}

const cacheDigestLen = 16

func cacheKey(epoch uint, digest, ip string) string {
	if len(digest) > cacheDigestLen {
		digest = digest[:cacheDigestLen]
	}
	return "geoip:" + strconv.FormatUint(uint64(epoch), 10) + ":" + digest + ":" + ip
}

func (c *resultCache) get(ctx context.Context, epoch uint, digest, ip string) ([]byte, bool) {
	b, err := c.rc.Get(ctx, cacheKey(epoch, digest, ip)).Bytes()
	if err != nil || len(b) == 0 {
		metrics.RedisMissesTotal.Inc()
		return nil, false
	}
	metrics.RedisHitsTotal.Inc()
	return b, true
}

func (c *resultCache) set(ctx context.Context, epoch uint, digest, ip string, body []byte) {
	ttl := c.ttl
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	_ = c.rc.Set(ctx, cacheKey(epoch, digest, ip), body, ttl).Err()
}

// recordJSON：geoip2 记录只声明了 maxminddb 标签，按该标签输出即为 MaxMind 官方的 snake_case 字段名
var recordJSON = jsoniter.Config{
	EscapeHTML:  true,
	SortMapKeys: true,
	TagKey:      "maxminddb",
}.Froze()

func encodeRecord(res *lookup.Result) ([]byte, error) {
	return recordJSON.Marshal(res.Record)
}
