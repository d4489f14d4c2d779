package middleware

import (
	"net"
	"net/http"
	"strings"
)

// 文档注释：获取访问者 IP（用于限流与白名单）
// 背景：指定 header 时只信任该头的首个地址；未指定时按常见反向代理头顺序回退，最后使用 RemoteAddr。
// 约束：返回值不保证是合法地址，调用方需自行解析；部署于不可信代理链路时应显式设置 header。
func ClientIP(r *http.Request, header string) string {
	if header != "" {
		if x := firstAddr(r.Header.Get(header)); x != "" {
			return x
		}
		return remoteHost(r.RemoteAddr)
	}
	h := r.Header
	for _, k := range []string{"x-forwarded-for", "cf-connecting-ip", "x-real-ip", "x-client-ip"} {
		if x := firstAddr(h.Get(k)); x != "" {
			return x
		}
	}
	if x := h.Get("forwarded"); x != "" {
		if i := strings.Index(strings.ToLower(x), "for="); i >= 0 {
			y := x[i+4:]
			if p := strings.IndexAny(y, ";,"); p >= 0 {
				y = y[:p]
			}
			y = strings.Trim(y, "\" ")
			// for="[2001:db8::1]:4711"
			if strings.HasPrefix(y, "[") {
				if h, _, err := net.SplitHostPort(y); err == nil {
					return h
				}
				return strings.Trim(y, "[]")
			}
			return y
		}
	}
	return remoteHost(r.RemoteAddr)
}

func firstAddr(v string) string {
	if v == "" {
		return ""
	}
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

func remoteHost(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
