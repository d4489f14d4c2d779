package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter：超过该时长未访问的访客限流器会在下次清理时移除
const idleAfter = 10 * time.Minute

// 文档注释：按访客限流（令牌桶）
// 背景：在流量峰值时对入口进行限速，避免单个来源压垮查询与缓存；每个访客键持有独立的 rate.Limiter。
// 约束：不做排队，超限直接返回 429；空闲限流器在访问路径上惰性清理，不启动后台协程。
type RateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter：qps 为每个访客的稳定速率；burst<=0 时取 ceil(qps)
func NewRateLimiter(qps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = int(qps)
		if float64(burst) < qps {
			burst++
		}
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{
		limit:    rate.Limit(qps),
		burst:    burst,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Allow：消耗 key 对应的一个令牌
func (l *RateLimiter) Allow(key string) bool {
	if key == "" {
		key = "default"
	}
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) > idleAfter {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > idleAfter {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Len：当前跟踪的访客数
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Middleware：超限返回 429 并附带 Retry-After
func (l *RateLimiter) Middleware(key func(*http.Request) string) func(http.Handler) http.Handler {
	retry := strconv.Itoa(int(max(1, 1/float64(l.limit))))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(key(r)) {
				w.Header().Set("retry-after", retry)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
