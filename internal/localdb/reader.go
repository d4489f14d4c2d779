// 包 localdb：本地数据库快照的加载、原子发布与磁盘缓存
package localdb

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"
)

// ErrLoad：解包后的字节不是可用的数据库
var ErrLoad = errors.New("load database")

// Metadata：对外暴露的数据库元信息，字段与 MaxMind DB 元数据一致
type Metadata struct {
	BinaryFormatMajorVersion uint              `json:"binary_format_major_version"`
	BinaryFormatMinorVersion uint              `json:"binary_format_minor_version"`
	BuildEpoch               uint              `json:"build_epoch"`
	DatabaseType             string            `json:"database_type"`
	Description              map[string]string `json:"description"`
	IPVersion                uint              `json:"ip_version"`
	Languages                []string          `json:"languages"`
	NodeCount                uint              `json:"node_count"`
	RecordSize               uint              `json:"record_size"`
}

// 文档注释：数据库读取能力（外部协作方）
// 背景：查询算法与二进制格式由 maxminddb 库负责，本包只依赖该接口，便于测试替换。
// 约束：实现必须支持并发只读调用；ok=false 表示地址不在库中，不是错误。
type Reader interface {
	Lookup(ip net.IP) (rec *geoip2.City, network *net.IPNet, ok bool, err error)
	Metadata() Metadata
	Close() error
}

// OpenFunc：从内存字节打开数据库
type OpenFunc func(raw []byte) (Reader, error)

type mmdbReader struct {
	r *maxminddb.Reader
}

// 文档注释：以 maxminddb 打开内存中的 .mmdb
// 背景：FromBytes 不持有文件句柄，旧快照在最后一个读者释放后由 GC 回收，无需显式引用计数。
// 异常：元数据段缺失或损坏时返回包装 ErrLoad 的错误。
func OpenMMDB(raw []byte) (Reader, error) {
	r, err := maxminddb.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	return &mmdbReader{r: r}, nil
}

func (m *mmdbReader) Lookup(ip net.IP) (*geoip2.City, *net.IPNet, bool, error) {
	var rec geoip2.City
	network, ok, err := m.r.LookupNetwork(ip, &rec)
	if err != nil || !ok {
		return nil, network, false, err
	}
	return &rec, network, true, nil
}

func (m *mmdbReader) Metadata() Metadata {
	md := m.r.Metadata
	return Metadata{
		BinaryFormatMajorVersion: md.BinaryFormatMajorVersion,
		BinaryFormatMinorVersion: md.BinaryFormatMinorVersion,
		BuildEpoch:               md.BuildEpoch,
		DatabaseType:             md.DatabaseType,
		Description:              md.Description,
		IPVersion:                md.IPVersion,
		Languages:                md.Languages,
		NodeCount:                md.NodeCount,
		RecordSize:               md.RecordSize,
	}
}

func (m *mmdbReader) Close() error { return m.r.Close() }
