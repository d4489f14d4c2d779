package archive

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

var (
	ErrUnsupportedFormat       = errors.New("unsupported archive format")
	ErrDepthExceeded           = errors.New("archive nesting depth exceeded")
	ErrAmbiguousOrMissingEntry = errors.New("ambiguous or missing database entry")
	ErrCorruptArchive          = errors.New("corrupt archive")
	ErrTooLarge                = errors.New("decompressed payload too large")
)

// Error：解包失败时携带出错层的类型与深度
type Error struct {
	Kind  Kind
	Depth int
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extract %s layer at depth %d: %v", e.Kind, e.Depth, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	DefaultSuffix   = ".mmdb"
	DefaultMaxDepth = 4
	DefaultMaxSize  = int64(1 << 30)
)

// Options：解包参数；零值字段使用默认值
type Options struct {
	Suffix   string
	MaxDepth int
	MaxSize  int64
}

type Extractor struct {
	opts Options
}

func New(opts Options) *Extractor {
	if opts.Suffix == "" {
		opts.Suffix = DefaultSuffix
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	return &Extractor{opts: opts}
}

// 文档注释：逐层解包直到原始文件
// 背景：上游可能以 gzip/bzip2/xz/zstd 压缩、zip/tar 归档及其任意嵌套分发；循环“识别→解一层→再识别”，不做递归。
// 约束：解包次数超过 MaxDepth 返回 ErrDepthExceeded；每层解压结果受 MaxSize 限制，防止解压炸弹。
// 异常：所有错误均包装为 *Error，可用 errors.Is 匹配哨兵错误。
func (x *Extractor) Extract(data []byte) ([]byte, error) {
	for depth := 0; ; depth++ {
		k := Sniff(data)
		if k == KindRaw {
			return data, nil
		}
		if depth >= x.opts.MaxDepth {
			return nil, &Error{Kind: k, Depth: depth, Err: ErrDepthExceeded}
		}
		next, err := x.unwrap(k, data)
		if err != nil {
			return nil, &Error{Kind: k, Depth: depth, Err: err}
		}
		data = next
	}
}

func (x *Extractor) unwrap(k Kind, data []byte) ([]byte, error) {
	switch k {
	case KindGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
		}
		defer zr.Close()
		return readAll(zr, x.opts.MaxSize)
	case KindBzip2:
		return readAll(bzip2.NewReader(bytes.NewReader(data)), x.opts.MaxSize)
	case KindXz:
		xr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
		}
		return readAll(xr, x.opts.MaxSize)
	case KindZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
		}
		defer dec.Close()
		return readAll(dec, x.opts.MaxSize)
	case KindZip:
		return x.unzip(data)
	case KindTar:
		return x.untar(data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, k)
}

// 文档注释：从 zip 中选出唯一匹配后缀的条目
// 约束：跳过目录与 __MACOSX/ 资源条目；零个或多个候选均视为 ErrAmbiguousOrMissingEntry，不猜测优先级。
func (x *Extractor) unzip(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	var hit *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !x.matches(f.Name) {
			continue
		}
		if hit != nil {
			return nil, fmt.Errorf("%w: %q and %q", ErrAmbiguousOrMissingEntry, hit.Name, f.Name)
		}
		hit = f
	}
	if hit == nil {
		return nil, fmt.Errorf("%w: no %s entry", ErrAmbiguousOrMissingEntry, x.opts.Suffix)
	}
	if hit.UncompressedSize64 > uint64(x.opts.MaxSize) {
		return nil, ErrTooLarge
	}
	rc, err := hit.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	defer rc.Close()
	return readAll(rc, x.opts.MaxSize)
}

// untar：tar 只能顺序读取，遇到第二个候选即判定歧义
func (x *Extractor) untar(data []byte) ([]byte, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	var (
		name  string
		out   []byte
		found bool
	)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
		}
		if !hdr.FileInfo().Mode().IsRegular() || !x.matches(hdr.Name) {
			continue
		}
		if found {
			return nil, fmt.Errorf("%w: %q and %q", ErrAmbiguousOrMissingEntry, name, hdr.Name)
		}
		if hdr.Size > x.opts.MaxSize {
			return nil, ErrTooLarge
		}
		b, err := readAll(tr, x.opts.MaxSize)
		if err != nil {
			return nil, err
		}
		name, out, found = hdr.Name, b, true
	}
	if !found {
		return nil, fmt.Errorf("%w: no %s entry", ErrAmbiguousOrMissingEntry, x.opts.Suffix)
	}
	return out, nil
}

func (x *Extractor) matches(name string) bool {
	name = strings.TrimPrefix(name, "./")
	if strings.HasPrefix(name, "__MACOSX/") {
		return false
	}
	return strings.HasSuffix(strings.ToLower(name), strings.ToLower(x.opts.Suffix))
}

// readAll：多读一个字节用于判断超限；limit 已是 int64 上限时不再加一，避免溢出为负数
func readAll(r io.Reader, limit int64) ([]byte, error) {
	n := limit
	if n < math.MaxInt64 {
		n++
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, n))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	if n > limit {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}
