// 包 utils：外部连接工具（Redis、PostgreSQL、自签证书），统一环境变量读取
package utils

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"geoip-api/internal/logger"

	"github.com/redis/go-redis/v9"
)

// RedisOptionsFromEnv：读取 REDIS_HOST / REDIS_PORT / REDIS_PASS / REDIS_DB
// 约束：REDIS_DB 解析失败时忽略并回退到 0
func RedisOptionsFromEnv() *redis.Options {
	addr := net.JoinHostPort(getenv("REDIS_HOST", "127.0.0.1"), getenv("REDIS_PORT", "6379"))
	db := 0
	if n, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil && n >= 0 {
		db = n
	}
	return &redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASS"), DB: db}
}

// 文档注释：从环境变量打开 Redis 客户端并探活
// 背景：Redis 只作为查询结果缓存，不可用时调用方应降级为无缓存运行。
// 异常：探活失败时关闭客户端并返回错误。
func OpenRedisFromEnv(ctx context.Context) (*redis.Client, error) {
	opts := RedisOptionsFromEnv()
	logger.L().Debug("redis_env", "addr", opts.Addr, "db", opts.DB)
	rc := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rc.Ping(pctx).Err(); err != nil {
		_ = rc.Close()
		return nil, err
	}
	return rc, nil
}
