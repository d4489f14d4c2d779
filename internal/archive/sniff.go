// 包 archive：识别并逐层解开上游分发的压缩/归档格式，最终得到原始数据库文件
package archive

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

// Kind：单层容器类型
type Kind int

const (
	KindRaw Kind = iota
	KindGzip
	KindBzip2
	KindXz
	KindZstd
	KindZip
	KindTar
	// 可识别但不支持解包的格式
	KindRar
	Kind7z
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindGzip:
		return "gzip"
	case KindBzip2:
		return "bzip2"
	case KindXz:
		return "xz"
	case KindZstd:
		return "zstd"
	case KindZip:
		return "zip"
	case KindTar:
		return "tar"
	case KindRar:
		return "rar"
	case Kind7z:
		return "7z"
	}
	return "unknown"
}

// SniffLen：识别所需的最大前缀长度（一个 tar 头块）
const SniffLen = 512

var (
	magicGzip     = []byte{0x1f, 0x8b}
	magicBzip2    = []byte("BZh")
	magicXz       = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magicRar      = []byte("Rar!\x1a\x07")
	magic7z       = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}
)

// 文档注释：按前缀魔数识别容器类型
// 背景：不信任文件名与扩展名，仅检查前 SniffLen 字节；流式场景下无需完整缓冲即可判定。
// 约束：永不失败，未知内容一律视为 KindRaw；tar 无可靠魔数，需校验头块校验和。
func Sniff(prefix []byte) Kind {
	if len(prefix) > SniffLen {
		prefix = prefix[:SniffLen]
	}
	switch {
	case bytes.HasPrefix(prefix, magicGzip):
		return KindGzip
	case bytes.HasPrefix(prefix, magicBzip2) && len(prefix) > 3 && prefix[3] >= '1' && prefix[3] <= '9':
		return KindBzip2
	case bytes.HasPrefix(prefix, magicXz):
		return KindXz
	case bytes.HasPrefix(prefix, magicZstd):
		return KindZstd
	case bytes.HasPrefix(prefix, magicZip), bytes.HasPrefix(prefix, magicZipEmpty):
		return KindZip
	case bytes.HasPrefix(prefix, magicRar):
		return KindRar
	case bytes.HasPrefix(prefix, magic7z):
		return Kind7z
	case isTarHeader(prefix):
		return KindTar
	}
	return KindRaw
}

// SniffReader：窥视前缀并识别类型，不消费读取器中的数据
func SniffReader(r *bufio.Reader) (Kind, error) {
	p, err := r.Peek(SniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return KindRaw, err
	}
	return Sniff(p), nil
}

// 文档注释：tar 头块校验
// 背景：POSIX 头部偏移 148 处为 8 字节八进制校验和，计算时该字段按空格计；兼容有符号求和的旧实现。
// 约束：前缀不足一个块或全零块（归档结束标记）返回 false。
func isTarHeader(b []byte) bool {
	if len(b) < SniffLen {
		return false
	}
	field := bytes.TrimRight(bytes.TrimLeft(b[148:156], " \x00"), " \x00")
	if len(field) == 0 {
		return false
	}
	want, err := strconv.ParseInt(string(field), 8, 64)
	if err != nil {
		return false
	}
	var unsigned, signed int64
	for i := 0; i < SniffLen; i++ {
		c := b[i]
		if i >= 148 && i < 156 {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}
	if unsigned == 8*' ' {
		return false
	}
	return want == unsigned || want == signed
}
