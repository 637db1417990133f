package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/doc_intel_server/config"
	"github.com/qs3c/doc_intel_server/internal/api/middleware"
	"github.com/qs3c/doc_intel_server/internal/pkg/response"
	"github.com/qs3c/doc_intel_server/internal/service"
)

// multipart 边界和其他字段的额外空间
const formOverhead = 1 << 20

type DocumentHandler struct {
	planService *service.PlanService
	readService *service.ReadService
	cfg         *config.Config
}

func NewDocumentHandler(planService *service.PlanService, readService *service.ReadService, cfg *config.Config) *DocumentHandler {
	return &DocumentHandler{
		planService: planService,
		readService: readService,
		cfg:         cfg,
	}
}

// Submit 提交文档分析
// POST /api/v1/documents
// 套餐取自 plan 请求头或表单字段；内容为 file 文件或 text 字段
func (h *DocumentHandler) Submit(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.Upload.MaxSize+formOverhead)

	plan := strings.TrimSpace(c.GetHeader("plan"))
	if plan == "" {
		plan = strings.TrimSpace(c.PostForm("plan"))
	}
	if plan == "" {
		response.ParamError(c, "请指定套餐")
		return
	}

	text, ok := h.readInput(c)
	if !ok {
		return
	}

	result, err := h.planService.ExecutePlan(c.Request.Context(), text, userID, plan)
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.Success(c, result)
}

// readInput 读取上传文件或 text 字段，失败时已写入响应
func (h *DocumentHandler) readInput(c *gin.Context) (string, bool) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			if text := c.PostForm("text"); text != "" {
				if int64(len(text)) > h.cfg.Upload.MaxSize {
					response.ParamError(c, fmt.Sprintf("内容过大，最大支持 %d 字节", h.cfg.Upload.MaxSize))
					return "", false
				}
				return text, true
			}
			response.ParamError(c, "请上传文件或提供 text 字段")
			return "", false
		}
		response.ParamError(c, "文件读取失败")
		return "", false
	}
	defer file.Close()

	if header.Size > h.cfg.Upload.MaxSize {
		response.ParamError(c, fmt.Sprintf("文件过大，最大支持 %d 字节", h.cfg.Upload.MaxSize))
		return "", false
	}

	if !h.readService.Supports(header.Filename) {
		response.ParamError(c, "不支持的文件类型")
		return "", false
	}

	data, err := io.ReadAll(io.LimitReader(file, h.cfg.Upload.MaxSize+1))
	if err != nil {
		response.ServerError(c, "文件读取失败")
		return "", false
	}
	if int64(len(data)) > h.cfg.Upload.MaxSize {
		response.ParamError(c, fmt.Sprintf("文件过大，最大支持 %d 字节", h.cfg.Upload.MaxSize))
		return "", false
	}

	text, err := h.readService.ReadText(header.Filename, data)
	if err != nil {
		response.ParamError(c, err.Error())
		return "", false
	}
	return text, true
}

func (h *DocumentHandler) handleError(c *gin.Context, err error) {
	var quotaErr *service.QuotaExceededError
	var tooLarge *service.InputTooLargeError

	switch {
	case errors.As(err, &quotaErr):
		response.QuotaError(c, "", quotaErr.Stats)
	case errors.As(err, &tooLarge):
		response.ParamError(c, fmt.Sprintf("文档长度超出套餐上限（%d 字符）", tooLarge.Limit))
	case errors.Is(err, service.ErrUnknownPlan):
		response.ParamError(c, "未知套餐")
	case errors.Is(err, service.ErrEmptyInput):
		response.ParamError(c, "文档内容为空")
	case errors.Is(err, service.ErrMissingOwner):
		response.AuthError(c, "")
	case errors.Is(err, service.ErrPlanNotImplemented):
		response.NotImplemented(c, "该套餐暂未开放")
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("document analysis failed")
		response.ServerError(c, "分析失败")
	}
}
