package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/doc_intel_server/internal/api/middleware"
	"github.com/qs3c/doc_intel_server/internal/pkg/response"
	"github.com/qs3c/doc_intel_server/internal/service"
)

type JobHandler struct {
	jobService *service.JobService
}

func NewJobHandler(jobService *service.JobService) *JobHandler {
	return &JobHandler{jobService: jobService}
}

// GetStatus 查询任务状态
// GET /api/v1/jobs/:id
func (h *JobHandler) GetStatus(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	jobID := c.Param("id")
	if jobID == "" {
		response.ParamError(c, "无效的任务 ID")
		return
	}

	status, err := h.jobService.GetStatus(c.Request.Context(), jobID, userID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			response.NotFoundError(c, "任务不存在")
		case errors.Is(err, service.ErrJobAccessDenied):
			response.PermissionError(c, "无权查看此任务")
		default:
			log.Error().Err(err).Str("job_id", jobID).Msg("failed to get job status")
			response.ServerError(c, "")
		}
		return
	}

	response.Success(c, status)
}
