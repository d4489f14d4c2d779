// 包 lookup：面向调用方的查询入口
// 背景：每次查询只读取一次当前快照指针，之后全部基于该快照完成；并发的数据库替换不会让一次查询看到两个版本。
package lookup

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"geoip-api/internal/localdb"
	"geoip-api/internal/metrics"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/oschwald/geoip2-golang"
)

var (
	ErrInvalidAddress = errors.New("invalid ip address")
	ErrNotFound       = errors.New("address not found in database")
	ErrNoSnapshot     = errors.New("database not loaded")
)

// SnapshotSource：当前快照的提供方，通常为 *localdb.Manager
type SnapshotSource interface {
	Current() *localdb.Snapshot
}

type Result struct {
	IP         string `json:"ip"`
	Network    string `json:"network"`
	BuildEpoch uint   `json:"build_epoch"`
	// Digest 为所用快照的内容摘要，区分 build_epoch 相同但内容不同的数据库
	Digest string       `json:"-"`
	Record *geoip2.City `json:"record"`
}

type Metadata struct {
	localdb.Metadata
	BuildTime time.Time `json:"build_time"`
	BuildAge  string    `json:"build_age"`
	LoadedAt  time.Time `json:"loaded_at"`
	ETag      string    `json:"etag,omitempty"`
	Digest    string    `json:"sha256"`
	SizeBytes int       `json:"size_bytes"`
	Size      string    `json:"size"`
}

type Service struct {
	src   SnapshotSource
	clock clockwork.Clock
}

func New(src SnapshotSource) *Service {
	return &Service{src: src, clock: clockwork.NewRealClock()}
}

// WithClock：替换用于计算 BuildAge 的时钟
func (s *Service) WithClock(c clockwork.Clock) *Service {
	s.clock = c
	return s
}

// Ready：是否已有可用快照
func (s *Service) Ready() bool { return s.src.Current() != nil }

// BuildEpoch：当前快照的 build_epoch；未加载时 ok=false
func (s *Service) BuildEpoch() (epoch uint, ok bool) {
	snap := s.src.Current()
	if snap == nil {
		return 0, false
	}
	return snap.Metadata().BuildEpoch, true
}

// Version：当前快照的 build_epoch 与内容摘要；未加载时 ok=false
func (s *Service) Version() (epoch uint, digest string, ok bool) {
	snap := s.src.Current()
	if snap == nil {
		return 0, "", false
	}
	return snap.Metadata().BuildEpoch, snap.Digest(), true
}

// 文档注释：查询单个地址
// 参数：ip 为 IPv4 或 IPv6 文本；IPv4 映射的 IPv6 地址按 IPv4 查询，带 zone 的地址视为无效
// 返回：命中记录、所在网段与所用快照的 build_epoch
// 异常：ErrInvalidAddress / ErrNoSnapshot / ErrNotFound；底层读取错误原样包装返回
func (s *Service) Lookup(ip string) (*Result, error) {
	start := time.Now()
	res, err := s.lookup(ip)
	metrics.LookupDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
	metrics.LookupsTotal.WithLabelValues(resultLabel(err)).Inc()
	return res, err
}

func (s *Service) lookup(ip string) (*Result, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil || addr.Zone() != "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
	}
	addr = addr.Unmap()
	snap := s.src.Current()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	rec, network, ok, err := snap.Reader().Lookup(net.IP(addr.AsSlice()))
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", addr, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	out := &Result{IP: addr.String(), BuildEpoch: snap.Metadata().BuildEpoch, Digest: snap.Digest(), Record: rec}
	if network != nil {
		out.Network = network.String()
	}
	return out, nil
}

// Metadata：当前快照的元信息
func (s *Service) Metadata() (*Metadata, error) {
	snap := s.src.Current()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	md := snap.Metadata()
	built := time.Unix(int64(md.BuildEpoch), 0).UTC()
	return &Metadata{
		Metadata:  md,
		BuildTime: built,
		BuildAge:  humanize.RelTime(built, s.clock.Now(), "ago", "from now"),
		LoadedAt:  snap.LoadedAt(),
		ETag:      snap.Validator().ETag,
		Digest:    snap.Digest(),
		SizeBytes: snap.Size(),
		Size:      humanize.IBytes(uint64(snap.Size())),
	}, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "hit"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNoSnapshot):
		return "no_snapshot"
	default:
		return "error"
	}
}
