package utils

import (
	"context"
	"database/sql"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// BuildPostgresDSNFromEnv：由 PG_* 变量拼装连接串；PG_DSN 存在时直接使用
func BuildPostgresDSNFromEnv() string {
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		return dsn
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(getenv("PG_HOST", "localhost"), getenv("PG_PORT", "5432")),
		Path:     "/" + getenv("PG_DB", "geoip"),
		RawQuery: "sslmode=" + url.QueryEscape(getenv("PG_SSLMODE", "disable")),
	}
	user := getenv("PG_USER", "postgres")
	if pass := os.Getenv("PG_PASSWORD"); pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

// 文档注释：按环境变量打开 PostgreSQL 连接池并探活
// 约束：PG_MAX_OPEN_CONNS / PG_MAX_IDLE_CONNS 解析失败时使用默认值；探活超时 5 秒，失败时关闭连接池并返回错误
func OpenPostgresFromEnv(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", BuildPostgresDSNFromEnv())
	if err != nil {
		return nil, err
	}
	maxOpen := 10
	maxIdle := 5
	if n, e := strconv.Atoi(os.Getenv("PG_MAX_OPEN_CONNS")); e == nil && n > 0 {
		maxOpen = n
	}
	if n, e := strconv.Atoi(os.Getenv("PG_MAX_IDLE_CONNS")); e == nil && n >= 0 {
		maxIdle = n
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
