package localdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"geoip-api/internal/ingest"
	"geoip-api/internal/logger"
)

const (
	databaseFile  = "database.mmdb"
	validatorFile = "validator.json"
)

// 文档注释：最近一次解包结果的磁盘写穿缓存
// 背景：进程重启时可直接加载上次的数据库，避免重新下载与解包；校验令牌一并保存，首轮拉取仍会向上游确认。
// 约束：目录内只保留一份数据库文件；写入采用临时文件 + rename，读者不会看到半写文件。
type DiskCache struct {
	dir string
}

func NewDiskCache(dir string) *DiskCache { return &DiskCache{dir: dir} }

func (c *DiskCache) DatabasePath() string { return filepath.Join(c.dir, databaseFile) }

func (c *DiskCache) validatorPath() string { return filepath.Join(c.dir, validatorFile) }

// Exists：数据库文件存在且为普通文件
func (c *DiskCache) Exists() bool {
	fi, err := os.Stat(c.DatabasePath())
	return err == nil && fi.Mode().IsRegular()
}

// 文档注释：写入数据库与校验令牌
// 约束：先落数据库再落令牌；令牌为零值时删除旧令牌文件，避免与新数据库不匹配。
func (c *DiskCache) Save(raw []byte, v ingest.Validator) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(c.DatabasePath(), raw); err != nil {
		return fmt.Errorf("write database: %w", err)
	}
	if err := c.SaveValidator(v); err != nil {
		return err
	}
	logger.L().Debug("diskcache_saved", "path", c.DatabasePath(), "bytes", len(raw))
	return nil
}

func (c *DiskCache) SaveValidator(v ingest.Validator) error {
	if v.IsZero() {
		if err := os.Remove(c.validatorPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(c.validatorPath(), b); err != nil {
		return fmt.Errorf("write validator: %w", err)
	}
	return nil
}

// Load：读取缓存的数据库；令牌文件缺失或损坏时返回零值令牌
func (c *DiskCache) Load() ([]byte, ingest.Validator, error) {
	raw, err := os.ReadFile(c.DatabasePath())
	if err != nil {
		return nil, ingest.Validator{}, err
	}
	var v ingest.Validator
	if b, err := os.ReadFile(c.validatorPath()); err == nil {
		if err := json.Unmarshal(b, &v); err != nil {
			logger.L().Warn("diskcache_validator_invalid", "err", err)
			v = ingest.Validator{}
		}
	}
	return raw, v, nil
}

// 文档注释：本地文件作为数据源
// 背景：未配置上游 URL 时，由运维直接放置数据库文件，SIGHUP 触发重新读取；内容未变化由 Manager 的摘要比较识别。
func (c *DiskCache) Fetch(ctx context.Context, prior ingest.Validator) (ingest.FetchOutcome, error) {
	if err := ctx.Err(); err != nil {
		return ingest.FetchOutcome{}, err
	}
	raw, err := os.ReadFile(c.DatabasePath())
	if err != nil {
		return ingest.FetchOutcome{}, fmt.Errorf("%w: %w", ingest.ErrDownload, err)
	}
	return ingest.FetchOutcome{Changed: true, Body: raw, Validator: prior}, nil
}

func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
