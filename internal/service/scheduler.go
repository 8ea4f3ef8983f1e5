package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/metrics"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// resetStore 重置流程依赖的存储操作
type resetStore interface {
	ListResetCandidates() ([]*dbinit.User, error)
	ResetUserTraffic(userID string, now time.Time) (int64, bool, error)
}

// QuotaResetScheduler 配额重置调度器。
//
// 每个整点扫描一次重置候选（策略非 no_reset 且状态为 active/limited
// 的用户），按策略判定周期是否已满：day/week 为固定时长，month/year
// 以上次重置时间为锚的日历边界。到期用户在单个事务内记录审计行、
// 清零已用流量并把 limited 恢复为 active。单个用户失败不影响其余
// 用户，相邻两轮扫描不会重叠执行。
type QuotaResetScheduler struct {
	db    *db.Manager
	store resetStore
	cron  *cron.Cron
	spec  string
	now   func() time.Time
	runMu sync.Mutex

	mu     sync.RWMutex
	syncer Syncer
}

// NewQuotaResetScheduler 创建配额重置调度器
func NewQuotaResetScheduler(dbManager *db.Manager, cronSpec string) *QuotaResetScheduler {
	if cronSpec == "" {
		cronSpec = "0 * * * *"
	}
	return &QuotaResetScheduler{
		db:    dbManager,
		store: dbManager.DB.SQLite,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
			cron.Recover(cron.DiscardLogger),
		)),
		spec:   cronSpec,
		now:    time.Now,
		syncer: noopSyncer{},
	}
}

// SetSyncer 接入配置下发通道
func (s *QuotaResetScheduler) SetSyncer(syncer Syncer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if syncer != nil {
		s.syncer = syncer
	}
}

func (s *QuotaResetScheduler) getSyncer() Syncer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncer
}

// Start 启动调度器
func (s *QuotaResetScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.RunOnce(); err != nil {
			logger.Error("配额重置扫描失败", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to add quota reset job: %w", err)
	}

	s.cron.Start()
	logger.Info("✓ 配额重置调度器已启动", zap.String("spec", s.spec))
	return nil
}

// Stop 停止调度器
func (s *QuotaResetScheduler) Stop() {
	s.cron.Stop()
	logger.Info("配额重置调度器已停止")
}

// RunOnce 执行一轮重置扫描，返回本轮重置的用户数。
// 手动触发与定时触发互斥，同一时刻至多一轮在跑。
func (s *QuotaResetScheduler) RunOnce() (int, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.now().UTC()

	candidates, err := s.store.ListResetCandidates()
	if err != nil {
		return 0, fmt.Errorf("list reset candidates: %w", err)
	}

	resets := 0
	for _, user := range candidates {
		due, err := resetDue(user.DataLimitResetStrategy, user.LastTrafficResetTime, now)
		if err != nil {
			// 未知策略按无操作处理，留给后续版本
			logger.Warn("用户重置策略不受支持，跳过",
				zap.String("userID", user.ID),
				zap.String("strategy", string(user.DataLimitResetStrategy)),
				zap.Error(err))
			continue
		}
		if !due {
			continue
		}

		preReset, wasLimited, err := s.store.ResetUserTraffic(user.ID, now)
		if err != nil {
			// 单个用户失败不中断本轮扫描
			logger.Error("用户流量重置失败",
				zap.String("userID", user.ID),
				zap.Error(err))
			continue
		}

		resets++
		metrics.QuotaResetsTotal.Inc()
		logger.Info("用户流量已重置",
			zap.String("userID", user.ID),
			zap.String("username", user.Username),
			zap.String("strategy", string(user.DataLimitResetStrategy)),
			zap.Int64("preResetBytes", preReset))

		if wasLimited {
			reactivated := *user
			reactivated.Status = dbinit.UserStatusActive
			reactivated.UsedTraffic = 0
			reactivated.LastTrafficResetTime = now
			s.getSyncer().UserReactivated(&reactivated)

			metrics.QuotaEventsTotal.WithLabelValues("user_reactivated").Inc()
			logger.Info("超限用户已恢复", zap.String("userID", user.ID))
		}
	}

	if resets > 0 {
		logger.Info("配额重置扫描完成",
			zap.Int("candidates", len(candidates)),
			zap.Int("resets", resets))
	}
	return resets, nil
}

// resetDue 判定用户的重置周期是否已满。
// day/week 为固定 24 小时与 7 天；month/year 只看上次重置后是否
// 跨过了 UTC 日历月/年边界。不认识的策略返回 ErrUnsupportedResetStrategy。
func resetDue(strategy dbinit.ResetStrategy, last, now time.Time) (bool, error) {
	switch strategy {
	case dbinit.ResetNever:
		return false, nil
	case dbinit.ResetDay:
		return now.Sub(last) >= 24*time.Hour, nil
	case dbinit.ResetWeek:
		return now.Sub(last) >= 7*24*time.Hour, nil
	case dbinit.ResetMonth:
		return now.Year() > last.Year() ||
			(now.Year() == last.Year() && now.Month() > last.Month()), nil
	case dbinit.ResetYear:
		return now.Year() > last.Year(), nil
	default:
		return false, fmt.Errorf("strategy %q: %w", strategy, dbinit.ErrUnsupportedResetStrategy)
	}
}
