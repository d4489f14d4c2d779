package localdbtest

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/mmdbtype"
)

// MMDBType：BuildMMDB 生成的数据库类型
const MMDBType = "GeoIP2-City"

// 文档注释：生成真实的 MaxMind DB 字节
// 参数：records 与 Build 相同，为 CIDR 到 "国家代码/城市" 的映射
// 约束：IPv6 树、24 位记录，IPv4 网段插入 ::/96 并保留 ::ffff:0:0/96 别名；保留网段不可插入，测试数据需使用公网地址
func BuildMMDB(tb testing.TB, records map[string]string) []byte {
	tb.Helper()
	w, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType: MMDBType,
		Description:  map[string]string{"en": "geoip-api test database"},
		Languages:    []string{"en"},
		IPVersion:    6,
		RecordSize:   24,
	})
	if err != nil {
		tb.Fatalf("mmdbwriter: %v", err)
	}
	for cidr, v := range records {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			tb.Fatalf("parse %q: %v", cidr, err)
		}
		iso, city, _ := strings.Cut(v, "/")
		rec := mmdbtype.Map{
			"city": mmdbtype.Map{
				"names": mmdbtype.Map{"en": mmdbtype.String(city)},
			},
			"country": mmdbtype.Map{
				"iso_code": mmdbtype.String(iso),
				"names":    mmdbtype.Map{"en": mmdbtype.String(iso)},
			},
			"registered_country": mmdbtype.Map{
				"iso_code": mmdbtype.String(iso),
			},
		}
		if err := w.Insert(network, rec); err != nil {
			tb.Fatalf("insert %q: %v", cidr, err)
		}
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		tb.Fatalf("write mmdb: %v", err)
	}
	return buf.Bytes()
}
