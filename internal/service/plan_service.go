package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/doc_intel_server/internal/model/dto"
)

var (
	ErrMissingOwner       = errors.New("缺少用户身份")
	ErrEmptyInput         = errors.New("文档内容为空")
	ErrInputTooLarge      = errors.New("文档长度超出套餐上限")
	ErrPlanNotImplemented = errors.New("该套餐暂未开放")
)

// Strategy 套餐执行方式
type Strategy int

const (
	StrategyInline Strategy = iota + 1
	StrategyQueued
	StrategyUnimplemented
)

func (s Strategy) String() string {
	switch s {
	case StrategyInline:
		return "inline"
	case StrategyQueued:
		return "queued"
	case StrategyUnimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

// SelectStrategy 根据套餐名选择执行方式，未知套餐返回 ErrUnknownPlan
func SelectStrategy(plan string) (Strategy, error) {
	switch plan {
	case "free":
		return StrategyInline, nil
	case "pro":
		return StrategyQueued, nil
	case "ultra":
		return StrategyUnimplemented, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownPlan, plan)
	}
}

// DocumentAnalyzer 同步套餐使用的分析器
type DocumentAnalyzer interface {
	Analyze(ctx context.Context, text string, jobID string) (json.RawMessage, error)
}

// InputTooLargeError 超出套餐单次输入上限
type InputTooLargeError struct {
	Limit int
	Size  int
}

func (e *InputTooLargeError) Error() string {
	return fmt.Sprintf("%s: %d > %d", ErrInputTooLarge.Error(), e.Size, e.Limit)
}

func (e *InputTooLargeError) Unwrap() error {
	return ErrInputTooLarge
}

type PlanService struct {
	quotaService *QuotaService
	jobService   *JobService
	analyzer     DocumentAnalyzer
}

func NewPlanService(quotaService *QuotaService, jobService *JobService, analyzer DocumentAnalyzer) *PlanService {
	return &PlanService{
		quotaService: quotaService,
		jobService:   jobService,
		analyzer:     analyzer,
	}
}

// ExecutePlan 准入时原子扣减配额后按套餐执行：同步套餐直接返回结果，异步套餐返回任务 ID。
// 同步分析失败或入队失败时退回配额
func (s *PlanService) ExecutePlan(ctx context.Context, text, ownerID, planName string) (*dto.ExecutePlanResponse, error) {
	strategy, err := SelectStrategy(planName)
	if err != nil {
		return nil, err
	}
	if ownerID == "" {
		return nil, ErrMissingOwner
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	plan, err := s.quotaService.GetPlan(planName)
	if err != nil {
		return nil, err
	}

	size := utf8.RuneCountInString(text)
	if plan.MaxInputChars > 0 && size > plan.MaxInputChars {
		return nil, &InputTooLargeError{Limit: plan.MaxInputChars, Size: size}
	}

	// 未开放的套餐只做检查，不扣减
	if strategy == StrategyUnimplemented {
		check, err := s.quotaService.CheckAndReserve(ownerID, planName, int64(size))
		if err != nil {
			return nil, err
		}
		if !check.Allowed {
			return nil, &QuotaExceededError{Stats: check.Stats}
		}
		return nil, ErrPlanNotImplemented
	}

	check, err := s.quotaService.Reserve(ownerID, planName, int64(size))
	if err != nil {
		return nil, err
	}
	if !check.Allowed {
		return nil, &QuotaExceededError{Stats: check.Stats}
	}

	resp, err := s.run(ctx, strategy, text, ownerID, planName)
	if err != nil {
		// 处理未被接受（同步分析失败或入队失败），退回配额
		if releaseErr := s.quotaService.Release(ownerID, planName, int64(size)); releaseErr != nil {
			log.Error().Err(releaseErr).Str("owner_id", ownerID).Str("plan", planName).Msg("failed to release quota")
		}
		return nil, err
	}
	resp.Plan = planName
	resp.Stats = check.Stats

	log.Info().
		Str("owner_id", ownerID).
		Str("plan", planName).
		Str("strategy", strategy.String()).
		Int("chars", size).
		Msg("plan executed")

	return resp, nil
}

func (s *PlanService) run(ctx context.Context, strategy Strategy, text, ownerID, planName string) (*dto.ExecutePlanResponse, error) {
	switch strategy {
	case StrategyInline:
		result, err := s.analyzer.Analyze(ctx, text, uuid.NewString())
		if err != nil {
			return nil, fmt.Errorf("analysis failed: %w", err)
		}
		return &dto.ExecutePlanResponse{Status: dto.ExecutionStatusDone, Result: result}, nil

	case StrategyQueued:
		job, err := s.jobService.Create(ctx, ownerID, planName, text)
		if err != nil {
			return nil, err
		}
		return &dto.ExecutePlanResponse{Status: dto.ExecutionStatusQueued, JobID: job.ID}, nil

	default:
		return nil, ErrPlanNotImplemented
	}
}
