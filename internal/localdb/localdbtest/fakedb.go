// 包 localdbtest：测试用数据库
// 背景：Build/Open 是一种极简文本格式，实现 localdb.Reader，用于需要真实加载与替换、但不关心二进制格式的测试；
// BuildMMDB 生成真正的 MaxMind DB，用于覆盖 localdb.OpenMMDB 的生产读取路径。
package localdbtest

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"geoip-api/internal/localdb"

	"github.com/oschwald/geoip2-golang"
)

const magic = "FAKEMMDB"

// 文档注释：编码文本格式数据库
// 参数：records 为 CIDR 到 "国家代码/城市" 的映射
// 约束：按 CIDR 排序输出，相同输入得到相同字节
func Build(epoch uint, records map[string]string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d\n", magic, epoch)
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s %s\n", k, records[k])
	}
	return buf.Bytes()
}

type network struct {
	net  *net.IPNet
	iso  string
	city string
}

// Reader：最长前缀匹配的线性查找；Lookups 记录查询次数
type Reader struct {
	md      localdb.Metadata
	nets    []network
	closed  atomic.Bool
	Lookups atomic.Int64
}

// Open：解析 Build 的输出，可作为 localdb.OpenFunc；格式错误时返回包装 ErrLoad 的错误
func Open(raw []byte) (localdb.Reader, error) {
	sc := bufio.NewScanner(bytes.NewReader(raw))
	if !sc.Scan() {
		return nil, fmt.Errorf("%w: empty database", localdb.ErrLoad)
	}
	head := strings.Fields(sc.Text())
	if len(head) != 2 || head[0] != magic {
		return nil, fmt.Errorf("%w: bad header", localdb.ErrLoad)
	}
	epoch, err := strconv.ParseUint(head[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", localdb.ErrLoad, err)
	}
	r := &Reader{md: localdb.Metadata{
		BinaryFormatMajorVersion: 2,
		BuildEpoch:               uint(epoch),
		DatabaseType:             "Fake-City",
		Description:              map[string]string{"en": "fake database"},
		IPVersion:                6,
		Languages:                []string{"en"},
		RecordSize:               28,
	}}
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) != 2 {
			continue
		}
		_, n, err := net.ParseCIDR(f[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", localdb.ErrLoad, err)
		}
		iso, city, _ := strings.Cut(f[1], "/")
		r.nets = append(r.nets, network{net: n, iso: iso, city: city})
	}
	r.md.NodeCount = uint(len(r.nets))
	return r, nil
}

func (r *Reader) Lookup(ip net.IP) (*geoip2.City, *net.IPNet, bool, error) {
	r.Lookups.Add(1)
	var best *network
	for i := range r.nets {
		n := &r.nets[i]
		if !n.net.Contains(ip) {
			continue
		}
		if best == nil {
			best = n
			continue
		}
		a, _ := n.net.Mask.Size()
		b, _ := best.net.Mask.Size()
		if a > b {
			best = n
		}
	}
	if best == nil {
		return nil, nil, false, nil
	}
	var rec geoip2.City
	rec.Country.IsoCode = best.iso
	rec.City.Names = map[string]string{"en": best.city}
	return &rec, best.net, true, nil
}

func (r *Reader) Metadata() localdb.Metadata { return r.md }

func (r *Reader) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *Reader) Closed() bool { return r.closed.Load() }
