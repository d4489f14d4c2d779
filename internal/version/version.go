// 包 version：构建信息，发布时通过 -ldflags "-X geoip-api/internal/version.Version=... -X geoip-api/internal/version.Commit=..." 注入
package version

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
)

// ServerHeader：响应头 server 的取值
func ServerHeader() string { return "geoip-api/" + Version }

// Revision：未注入 Commit 时回退到 go build 记录的 vcs.revision
func Revision() string {
	if Commit != "" {
		return Commit
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return "unknown"
}
