package api

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

const (
	visitorBloomBits   = 1 << 20
	visitorBloomHashes = 4
	visitorBloomTTL    = 48 * time.Hour
)

// 文档注释：计算布隆过滤器位置
// 背景：以 xxhash 加索引前缀生成 k 个位置，用于 GETBIT/SETBIT；只服务于“当日访客”计数，误判只会少计访客。
func bloomPositions(data []byte, m uint64, k int) []int64 {
	pos := make([]int64, k)
	for i := 0; i < k; i++ {
		d := xxhash.New()
		_, _ = d.Write([]byte{byte(i)})
		_, _ = d.Write(data)
		pos[i] = int64(d.Sum64() % m)
	}
	return pos
}

// 文档注释：检查并写入布隆过滤器位图
// 返回：true 表示首次见到（已写入位图）；false 表示已存在。
// 异常：Redis 交互错误时返回 error 并视为首次见到。
func bloomCheckAndSet(ctx context.Context, rc *redis.Client, key string, positions []int64, ttl time.Duration) (bool, error) {
	pipe := rc.Pipeline()
	cmds := make([]*redis.IntCmd, len(positions))
	for i, p := range positions {
		cmds[i] = pipe.GetBit(ctx, key, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return true, err
	}
	seen := true
	for _, c := range cmds {
		if c.Val() == 0 {
			seen = false
			break
		}
	}
	if seen {
		return false, nil
	}
	pipe = rc.Pipeline()
	for _, p := range positions {
		pipe.SetBit(ctx, key, p, 1)
	}
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return true, err
}

// firstVisitToday：访客当日首次查询时返回 true；未启用 Redis 时无法去重，不计访客
func firstVisitToday(ctx context.Context, rc *redis.Client, visitor string, now time.Time) bool {
	if rc == nil || visitor == "" {
		return false
	}
	key := "geoip:visitors:" + now.UTC().Format("20060102")
	first, _ := bloomCheckAndSet(ctx, rc, key, bloomPositions([]byte(visitor), visitorBloomBits, visitorBloomHashes), visitorBloomTTL)
	return first
}
