package localdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"geoip-api/internal/archive"
	"geoip-api/internal/ingest"
	"geoip-api/internal/logger"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

// Fetcher：条件拉取数据源（HTTP 下载器或本地文件）
type Fetcher interface {
	Fetch(ctx context.Context, prior ingest.Validator) (ingest.FetchOutcome, error)
}

// Extractor：把下载得到的字节解包为原始数据库
type Extractor interface {
	Extract(data []byte) ([]byte, error)
}

type Outcome int

const (
	OutcomeNoChange Outcome = iota
	OutcomeUpdated
	OutcomeFailed
	// OutcomeBusy：已有周期在运行，本次调用被合并，未做任何工作
	OutcomeBusy
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoChange:
		return "no_change"
	case OutcomeUpdated:
		return "updated"
	case OutcomeFailed:
		return "failed"
	case OutcomeBusy:
		return "busy"
	}
	return "unknown"
}

type Stage string

const (
	StageDownload Stage = "download"
	StageExtract  Stage = "extract"
	StageLoad     Stage = "load"
)

// CycleError：失败周期所在阶段及原因
type CycleError struct {
	Stage Stage
	Err   error
}

func (e *CycleError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *CycleError) Unwrap() error { return e.Err }

// Result：一次更新周期的结果；Snapshot 为周期结束时的当前快照（可能为 nil）
type Result struct {
	Outcome   Outcome
	Err       error
	Snapshot  *Snapshot
	StartedAt time.Time
	Duration  time.Duration
}

type ManagerConfig struct {
	Fetcher   Fetcher
	Extractor Extractor
	Open      OpenFunc
	// Cache 为 nil 时不写磁盘
	Cache   *DiskCache
	Clock   clockwork.Clock
	Logger  *slog.Logger
	OnCycle func(Result)
}

func (cfg *ManagerConfig) Validate() error {
	if cfg.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	if cfg.Extractor == nil {
		cfg.Extractor = archive.New(archive.Options{})
	}
	if cfg.Open == nil {
		cfg.Open = OpenMMDB
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.L()
	}
	return nil
}

// 文档注释：数据库管理器
// 背景：持有当前发布的快照，编排“下载→解包→加载→发布”；单飞闸门保证任意时刻至多一个周期在运行。
// 约束：当前快照指针是唯一的共享可变状态，只在闸门内写入；读路径仅做一次原子 Load，不参与任何锁。
// validator 与 lastChecked 仅在闸门内修改。
type Manager struct {
	cfg     ManagerConfig
	log     *slog.Logger
	gate    *semaphore.Weighted
	current atomic.Pointer[Snapshot]

	readyOnce sync.Once
	readyCh   chan struct{}

	validator   ingest.Validator
	lastChecked atomic.Int64
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger,
		gate:    semaphore.NewWeighted(1),
		readyCh: make(chan struct{}),
	}, nil
}

// Current：当前快照；首个周期成功前为 nil
func (m *Manager) Current() *Snapshot { return m.current.Load() }

// Ready：首次发布快照后关闭
func (m *Manager) Ready() <-chan struct{} { return m.readyCh }

// LastChecked：最近一次完成（非合并）周期的时间
func (m *Manager) LastChecked() time.Time {
	n := m.lastChecked.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// 文档注释：从磁盘缓存恢复快照
// 背景：用于进程启动时的冷加载，之后的首个更新周期会携带缓存的令牌向上游确认。
// 异常：未配置缓存、文件不存在或无法加载时返回错误，当前快照保持不变。
func (m *Manager) Restore() error {
	if m.cfg.Cache == nil {
		return errors.New("disk cache not configured")
	}
	if !m.gate.TryAcquire(1) {
		return errors.New("update cycle in progress")
	}
	defer m.gate.Release(1)
	raw, v, err := m.cfg.Cache.Load()
	if err != nil {
		return err
	}
	r, err := m.cfg.Open(raw)
	if err != nil {
		return err
	}
	snap := NewSnapshot(r, raw, v, m.cfg.Clock.Now())
	m.publish(snap)
	m.validator = v
	m.log.Info("database_restored", "path", m.cfg.Cache.DatabasePath(), "bytes", len(raw), "etag", v.ETag)
	return nil
}

// 文档注释：执行一次更新周期
// 背景：闸门已被占用时立即返回 OutcomeBusy（由调用方视为合并，不是错误）；任何阶段失败都保留当前快照。
// 约束：发布为一次原子指针替换，不等待在途查询；旧快照由仍持有它的查询继续使用。
func (m *Manager) RunUpdateCycle(ctx context.Context) Result {
	if !m.gate.TryAcquire(1) {
		m.log.Info("update_cycle_busy")
		res := Result{Outcome: OutcomeBusy, Snapshot: m.Current()}
		m.report(res)
		return res
	}
	defer m.gate.Release(1)

	start := m.cfg.Clock.Now()
	res := m.cycle(ctx)
	res.StartedAt = start
	res.Duration = m.cfg.Clock.Since(start)
	res.Snapshot = m.Current()
	m.lastChecked.Store(m.cfg.Clock.Now().UnixNano())

	switch res.Outcome {
	case OutcomeFailed:
		m.log.Error("update_cycle_failed", "err", res.Err, "duration_ms", res.Duration.Milliseconds(), "have_snapshot", res.Snapshot != nil)
	default:
		m.log.Info("update_cycle_done", "outcome", res.Outcome.String(), "duration_ms", res.Duration.Milliseconds())
	}
	m.report(res)
	return res
}

func (m *Manager) cycle(ctx context.Context) Result {
	cur := m.Current()
	var prior ingest.Validator
	if cur != nil {
		prior = m.validator
	}
	out, err := m.cfg.Fetcher.Fetch(ctx, prior)
	if err != nil {
		return failed(StageDownload, err)
	}
	if !out.Changed {
		return Result{Outcome: OutcomeNoChange}
	}

	raw, err := m.cfg.Extractor.Extract(out.Body)
	if err != nil {
		return failed(StageExtract, err)
	}
	if cur != nil && cur.sameContent(raw) {
		m.log.Info("update_content_unchanged", "digest", cur.Digest())
		m.rememberValidator(out.Validator)
		return Result{Outcome: OutcomeNoChange}
	}

	r, err := m.cfg.Open(raw)
	if err != nil {
		return failed(StageLoad, err)
	}
	snap := NewSnapshot(r, raw, out.Validator, m.cfg.Clock.Now())
	m.publish(snap)
	m.validator = out.Validator

	if m.cfg.Cache != nil {
		if err := m.cfg.Cache.Save(raw, out.Validator); err != nil {
			m.log.Warn("diskcache_save_error", "err", err)
		}
	}
	md := snap.Metadata()
	m.log.Info("database_published",
		"type", md.DatabaseType,
		"build_epoch", md.BuildEpoch,
		"bytes", snap.Size(),
		"etag", out.Validator.ETag,
	)
	return Result{Outcome: OutcomeUpdated}
}

func (m *Manager) rememberValidator(v ingest.Validator) {
	if v == m.validator {
		return
	}
	m.validator = v
	if m.cfg.Cache != nil {
		if err := m.cfg.Cache.SaveValidator(v); err != nil {
			m.log.Warn("diskcache_validator_error", "err", err)
		}
	}
}

func (m *Manager) publish(s *Snapshot) {
	m.current.Store(s)
	m.readyOnce.Do(func() { close(m.readyCh) })
}

func (m *Manager) report(res Result) {
	if m.cfg.OnCycle != nil {
		m.cfg.OnCycle(res)
	}
}

func failed(stage Stage, err error) Result {
	return Result{Outcome: OutcomeFailed, Err: &CycleError{Stage: stage, Err: err}}
}
