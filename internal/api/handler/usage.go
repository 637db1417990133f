package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/doc_intel_server/internal/api/middleware"
	"github.com/qs3c/doc_intel_server/internal/pkg/response"
	"github.com/qs3c/doc_intel_server/internal/service"
)

type UsageHandler struct {
	quotaService *service.QuotaService
}

func NewUsageHandler(quotaService *service.QuotaService) *UsageHandler {
	return &UsageHandler{quotaService: quotaService}
}

// GetUsage 当前周期用量
// GET /api/v1/usage?plan=free
func (h *UsageHandler) GetUsage(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	plan := c.DefaultQuery("plan", "free")
	stats, err := h.quotaService.Stats(userID, plan)
	if err != nil {
		if errors.Is(err, service.ErrUnknownPlan) {
			response.ParamError(c, "未知套餐")
			return
		}
		log.Error().Err(err).Str("user_id", userID).Msg("failed to get usage")
		response.ServerError(c, "")
		return
	}

	response.Success(c, stats)
}

// ListPlans 套餐列表
// GET /api/v1/plans
func (h *UsageHandler) ListPlans(c *gin.Context) {
	plans, err := h.quotaService.ListPlans()
	if err != nil {
		log.Error().Err(err).Msg("failed to list plans")
		response.ServerError(c, "")
		return
	}

	response.Success(c, plans)
}
