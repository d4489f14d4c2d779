package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"geoip-api/internal/logger"

	"github.com/jonboulle/clockwork"
)

const DefaultInterval = 24 * time.Hour

type SchedulerConfig struct {
	// Update 执行一次更新周期；返回 false 表示被并入正在运行的周期（未做任何工作）
	Update   func(ctx context.Context) bool
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

func (cfg *SchedulerConfig) Validate() error {
	if cfg.Update == nil {
		return errors.New("update func is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.L()
	}
	return nil
}

// 文档注释：刷新调度器
// 背景：定时器与外部手动触发（SIGHUP、管理接口）汇入同一个决策循环，统一调用 Update；并发去重交给更新方的单飞闸门，调度器不做去重。
// 约束：每个周期在独立协程中运行，因此周期进行中到达的触发会立即到达闸门并被合并；定时器从上一次完成的周期起算，而非按墙钟对齐。
type Scheduler struct {
	cfg     SchedulerConfig
	log     *slog.Logger
	trigger chan string

	mu      sync.Mutex
	nextDue time.Time
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, log: cfg.Logger, trigger: make(chan string, 1)}, nil
}

// Trigger：请求立即刷新，不阻塞；已有待处理的触发时返回 false
func (s *Scheduler) Trigger(source string) bool {
	select {
	case s.trigger <- source:
		return true
	default:
		s.log.Debug("refresh_trigger_pending", "source", source)
		return false
	}
}

// NextDue：下一次定时刷新时间；首个周期完成前为零值
func (s *Scheduler) NextDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDue
}

// 文档注释：运行调度循环直到 ctx 取消
// 背景：启动时立即执行一次冷加载，完成后才开始计时。
// 返回：始终返回 ctx.Err()；退出前等待在途周期结束。
func (s *Scheduler) Run(ctx context.Context) error {
	done := make(chan bool)
	var wg sync.WaitGroup
	defer wg.Wait()

	dispatch := func(source string) {
		s.log.Info("refresh_trigger", "source", source)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ran := s.cfg.Update(ctx)
			if !ran {
				s.log.Info("refresh_coalesced", "source", source)
			}
			select {
			case done <- ran:
			case <-ctx.Done():
			}
		}()
	}

	dispatch("startup")
	var (
		timer  clockwork.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case src := <-s.trigger:
			dispatch(src)
		case <-timerC:
			timerC = nil
			dispatch("timer")
		case ran := <-done:
			if !ran {
				continue
			}
			if timer == nil {
				timer = s.cfg.Clock.NewTimer(s.cfg.Interval)
			} else {
				timer.Reset(s.cfg.Interval)
			}
			timerC = timer.Chan()
			next := s.cfg.Clock.Now().Add(s.cfg.Interval)
			s.mu.Lock()
			s.nextDue = next
			s.mu.Unlock()
			s.log.Debug("refresh_next_due", "at", next)
		}
	}
}
