package api

import (
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/qs3c/doc_intel_server/config"
	"github.com/qs3c/doc_intel_server/internal/api/handler"
	"github.com/qs3c/doc_intel_server/internal/api/middleware"
	"github.com/qs3c/doc_intel_server/internal/pkg/response"
)

type Router struct {
	documentHandler  *handler.DocumentHandler
	jobHandler       *handler.JobHandler
	usageHandler     *handler.UsageHandler
	websocketHandler *handler.WebSocketHandler
	redis            *redis.Client
	cfg              *config.Config
}

func NewRouter(
	documentHandler *handler.DocumentHandler,
	jobHandler *handler.JobHandler,
	usageHandler *handler.UsageHandler,
	websocketHandler *handler.WebSocketHandler,
	redisClient *redis.Client,
	cfg *config.Config,
) *Router {
	return &Router{
		documentHandler:  documentHandler,
		jobHandler:       jobHandler,
		usageHandler:     usageHandler,
		websocketHandler: websocketHandler,
		redis:            redisClient,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.LogTime())
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/health", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})

	limits := r.cfg.RateLimit

	api := engine.Group("/api/v1")
	{
		// WebSocket
		api.GET("/ws", r.websocketHandler.Handle)

		// 公开接口 - 套餐
		api.GET("/plans", r.usageHandler.ListPlans)

		// 需要认证的接口
		authenticated := api.Group("")
		authenticated.Use(middleware.Auth(r.cfg.JWT.Secret))
		{
			authenticated.POST("/documents",
				middleware.RateLimit(r.redis, "upload", limits.UploadPerHour, limits.Window),
				r.documentHandler.Submit,
			)
			authenticated.GET("/jobs/:id",
				middleware.RateLimit(r.redis, "job_status", limits.JobStatusPerHour, limits.Window),
				r.jobHandler.GetStatus,
			)
			authenticated.GET("/usage", r.usageHandler.GetUsage)
		}
	}

	return engine
}
