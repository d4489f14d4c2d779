package ingest

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"geoip-api/internal/metrics"
)

// 文档注释：读取受大小限制的响应体
// 参数：contentLength 为上游声明的长度（未知时 <=0），仅用于预分配；max 为允许的最大字节数
// 约束：多读一个字节判断超限，max 为 int64 上限时不再加一；已读字节数计入下载指标
// 异常：读取失败或超限时返回包装 ErrDownload 的错误
func readBody(r io.Reader, contentLength, max int64) ([]byte, error) {
	var buf bytes.Buffer
	if contentLength > 0 && contentLength <= max {
		buf.Grow(int(contentLength))
	}
	limit := max
	if limit < math.MaxInt64 {
		limit++
	}
	n, err := io.Copy(&buf, io.LimitReader(r, limit))
	metrics.DownloadBytesTotal.Add(float64(n))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrDownload, err)
	}
	if n > max {
		return nil, fmt.Errorf("%w: %w", ErrDownload, ErrTooLarge)
	}
	return buf.Bytes(), nil
}
