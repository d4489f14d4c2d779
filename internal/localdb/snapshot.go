package localdb

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"geoip-api/internal/ingest"
)

// 文档注释：已加载、可查询的数据库快照
// 背景：构造后不可变；通过 Manager 的原子指针发布，读者持有指针即可在替换后继续安全使用旧快照。
// 约束：字段只读，不提供任何修改方法。
type Snapshot struct {
	reader    Reader
	validator ingest.Validator
	loadedAt  time.Time
	digest    [sha256.Size]byte
	size      int
}

// NewSnapshot：raw 仅用于计算摘要与大小，不被保留
func NewSnapshot(r Reader, raw []byte, v ingest.Validator, loadedAt time.Time) *Snapshot {
	return &Snapshot{
		reader:    r,
		validator: v,
		loadedAt:  loadedAt,
		digest:    sha256.Sum256(raw),
		size:      len(raw),
	}
}

func (s *Snapshot) Reader() Reader              { return s.reader }
func (s *Snapshot) Validator() ingest.Validator { return s.validator }
func (s *Snapshot) LoadedAt() time.Time         { return s.loadedAt }
func (s *Snapshot) Size() int                   { return s.size }
func (s *Snapshot) Metadata() Metadata          { return s.reader.Metadata() }
func (s *Snapshot) Digest() string              { return hex.EncodeToString(s.digest[:]) }
func (s *Snapshot) sameContent(raw []byte) bool { return s.digest == sha256.Sum256(raw) }
