package service

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/qs3c/doc_intel_server/config"
	"github.com/qs3c/doc_intel_server/internal/model"
	"github.com/qs3c/doc_intel_server/internal/model/dto"
	"github.com/qs3c/doc_intel_server/internal/repository"
)

const defaultQuotaPeriod = 30 * 24 * time.Hour

var (
	ErrQuotaExceeded = errors.New("配额不足")
	ErrUnknownPlan   = errors.New("未知套餐")
)

// QuotaExceededError 携带用量信息的配额错误
type QuotaExceededError struct {
	Stats *dto.UsageStats
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: %s", ErrQuotaExceeded.Error(), e.Stats.Plan)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

type QuotaService struct {
	usageRepo *repository.UsageRepository
	planRepo  *repository.PlanRepository
	cfg       *config.Config
	now       func() time.Time
}

func NewQuotaService(usageRepo *repository.UsageRepository, planRepo *repository.PlanRepository, cfg *config.Config) *QuotaService {
	return &QuotaService{
		usageRepo: usageRepo,
		planRepo:  planRepo,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SyncPlans 将配置中的套餐写入数据库
func (s *QuotaService) SyncPlans() error {
	names := make([]string, 0, len(s.cfg.Plans))
	for name := range s.cfg.Plans {
		names = append(names, name)
	}
	sort.Strings(names)

	plans := make([]model.Plan, 0, len(names))
	for _, name := range names {
		p := s.cfg.Plans[name]
		plans = append(plans, model.Plan{
			Name:          name,
			RequestLimit:  p.RequestLimit,
			CharLimit:     p.CharLimit,
			MaxInputChars: p.MaxInputChars,
		})
	}
	return s.planRepo.Upsert(plans)
}

// GetPlan 获取套餐，不存在返回 ErrUnknownPlan
func (s *QuotaService) GetPlan(name string) (*model.Plan, error) {
	plan, err := s.planRepo.GetByName(name)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, name)
		}
		return nil, err
	}
	return plan, nil
}

// ListPlans 所有套餐，按请求上限升序
func (s *QuotaService) ListPlans() ([]model.Plan, error) {
	return s.planRepo.List()
}

// CheckAndReserve 检查本次请求是否在配额内，只读不扣减
func (s *QuotaService) CheckAndReserve(ownerID, planName string, size int64) (*dto.QuotaCheckResult, error) {
	if size < 0 {
		size = 0
	}

	plan, err := s.GetPlan(planName)
	if err != nil {
		return nil, err
	}

	usage, err := s.currentUsage(ownerID, planName)
	if err != nil {
		return nil, err
	}

	allowed := usage.TotalChars+size <= plan.CharLimit &&
		usage.TotalRequests+1 <= plan.RequestLimit

	return &dto.QuotaCheckResult{
		Allowed: allowed,
		Stats:   s.buildStats(plan, usage, size),
	}, nil
}

// Commit 扣减配额：字符数 + size，请求数 + 1
func (s *QuotaService) Commit(ownerID, planName string, size int64) error {
	if _, err := s.usageRepo.FindOrCreate(ownerID, planName, s.now()); err != nil {
		return err
	}
	return s.usageRepo.Increment(ownerID, planName, size)
}

// Reserve 检查并扣减配额，两步在一条条件更新中完成，并发请求不会超出上限。
// 返回的用量为扣减前的值
func (s *QuotaService) Reserve(ownerID, planName string, size int64) (*dto.QuotaCheckResult, error) {
	if size < 0 {
		size = 0
	}

	plan, err := s.GetPlan(planName)
	if err != nil {
		return nil, err
	}

	usage, err := s.currentUsage(ownerID, planName)
	if err != nil {
		return nil, err
	}

	ok, err := s.usageRepo.IncrementWithin(ownerID, planName, size, plan.CharLimit, plan.RequestLimit)
	if err != nil {
		return nil, err
	}
	if !ok {
		// 并发请求可能已改变用量，重新读取用于提示
		if latest, err := s.usageRepo.Get(ownerID, planName); err == nil {
			usage = latest
		}
	}

	return &dto.QuotaCheckResult{
		Allowed: ok,
		Stats:   s.buildStats(plan, usage, size),
	}, nil
}

// Release 退回 Reserve 扣减的配额，用于处理未被接受的请求
func (s *QuotaService) Release(ownerID, planName string, size int64) error {
	if size < 0 {
		size = 0
	}
	return s.usageRepo.Decrement(ownerID, planName, size)
}

// Stats 当前用量
func (s *QuotaService) Stats(ownerID, planName string) (*dto.UsageStats, error) {
	result, err := s.CheckAndReserve(ownerID, planName, 0)
	if err != nil {
		return nil, err
	}
	return result.Stats, nil
}

// ResetExpiredPeriods 批量重置已过周期的用量
func (s *QuotaService) ResetExpiredPeriods() (int64, error) {
	now := s.now()
	return s.usageRepo.ResetExpired(now.Add(-s.period()), now)
}

// currentUsage 获取用量，周期已过则先重置
func (s *QuotaService) currentUsage(ownerID, planName string) (*model.Usage, error) {
	now := s.now()
	usage, err := s.usageRepo.FindOrCreate(ownerID, planName, now)
	if err != nil {
		return nil, err
	}

	if now.Sub(usage.PeriodStart) >= s.period() {
		if err := s.usageRepo.ResetPeriod(usage.ID, now); err != nil {
			return nil, err
		}
		usage.TotalChars = 0
		usage.TotalRequests = 0
		usage.PeriodStart = now
	}
	return usage, nil
}

func (s *QuotaService) period() time.Duration {
	if s.cfg.Quota.Period > 0 {
		return s.cfg.Quota.Period
	}
	return defaultQuotaPeriod
}

func (s *QuotaService) buildStats(plan *model.Plan, usage *model.Usage, requested int64) *dto.UsageStats {
	return &dto.UsageStats{
		Plan: plan.Name,
		Chars: dto.CharStats{
			Used:      usage.TotalChars,
			Limit:     plan.CharLimit,
			Remaining: remaining(plan.CharLimit, usage.TotalChars),
			Requested: requested,
		},
		Requests: dto.RequestStats{
			Used:      usage.TotalRequests,
			Limit:     plan.RequestLimit,
			Remaining: remaining(plan.RequestLimit, usage.TotalRequests),
		},
		Period: dto.PeriodSummary{
			StartedAt: usage.PeriodStart.Format(time.RFC3339),
			ResetsAt:  usage.PeriodStart.Add(s.period()).Format(time.RFC3339),
		},
	}
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
