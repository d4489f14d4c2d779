package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
)

// 文档注释：来源地址白名单（IP/CIDR）
// 背景：管理接口（手动刷新）只应由运维网段调用；令牌之外再按来源地址收敛一次。
// 约束：支持 IPv4/IPv6 单地址与 CIDR；列表为空时放行全部请求。来源地址由 ClientIP 解析，受 realIPHeader 影响。
type AllowList struct {
	l            *slog.Logger
	prefixes     []netip.Prefix
	realIPHeader string
}

// NewAllowList：entries 为逗号分隔后的单项，单地址按 /32 或 /128 处理
func NewAllowList(l *slog.Logger, entries []string, realIPHeader string) (*AllowList, error) {
	a := &AllowList{l: l, realIPHeader: realIPHeader}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("allow list entry %q: %w", e, err)
			}
			a.prefixes = append(a.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("allow list entry %q: %w", e, err)
		}
		addr = addr.Unmap()
		a.prefixes = append(a.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return a, nil
}

// Allowed：判断地址是否在白名单内
func (a *AllowList) Allowed(addr netip.Addr) bool {
	if len(a.prefixes) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (a *AllowList) Wrap(next http.Handler) http.Handler {
	if len(a.prefixes) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, a.realIPHeader)
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			a.l.Debug("allowlist_block", "reason", "no_ip", "raw", ip)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		if !a.Allowed(addr) {
			a.l.Debug("allowlist_block", "ip", addr.String())
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
