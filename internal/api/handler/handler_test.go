package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/doc_intel_server/config"
	"github.com/qs3c/doc_intel_server/internal/api/middleware"
	"github.com/qs3c/doc_intel_server/internal/cache"
	"github.com/qs3c/doc_intel_server/internal/pkg/pubsub"
	"github.com/qs3c/doc_intel_server/internal/pkg/queue"
	"github.com/qs3c/doc_intel_server/internal/repository"
	"github.com/qs3c/doc_intel_server/internal/service"
	"github.com/qs3c/doc_intel_server/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAnalyzer struct {
	err error
}

func (a *stubAnalyzer) Analyze(ctx context.Context, text string, jobID string) (json.RawMessage, error) {
	if a.err != nil {
		return nil, a.err
	}
	return json.RawMessage(`{"summary":"stub","keywords":[],"sentiment":"neutral","topics":[],"insights":[]}`), nil
}

type testEnv struct {
	db           *gorm.DB
	mr           *miniredis.Miniredis
	cfg          *config.Config
	quotaService *service.QuotaService
	jobService   *service.JobService
	planService  *service.PlanService
	readService  *service.ReadService
	analyzer     *stubAnalyzer
	queue        *queue.Queue
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })
	client, mr := testutil.SetupTestRedis(t)

	cfg := &config.Config{
		Plans: config.DefaultPlans(),
		Quota: config.QuotaConfig{Period: 30 * 24 * time.Hour},
		Jobs: config.JobsConfig{
			StatusTTL:     30 * time.Minute,
			ProcessingTTL: 2 * time.Hour,
		},
		Upload: config.UploadConfig{
			MaxSize:           1024 * 1024,
			AllowedExtensions: []string{".txt", ".md"},
		},
	}

	quotaService := service.NewQuotaService(repository.NewUsageRepository(db), repository.NewPlanRepository(db), cfg)
	require.NoError(t, quotaService.SyncPlans())

	q := queue.NewQueue(client, "test_jobs")
	jobService := service.NewJobService(repository.NewJobRepository(db), cache.NewStatusCache(client), q, pubsub.NewPublisher(client), cfg)
	analyzer := &stubAnalyzer{}

	return &testEnv{
		db:           db,
		mr:           mr,
		cfg:          cfg,
		quotaService: quotaService,
		jobService:   jobService,
		planService:  service.NewPlanService(quotaService, jobService, analyzer),
		readService:  service.NewReadService(cfg.Upload.AllowedExtensions),
		analyzer:     analyzer,
		queue:        q,
	}
}

// mockAuth 模拟认证中间件
func mockAuth(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	}
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func parseAPIResponse(t *testing.T, w *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func performRequest(router *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// uploadFile 构造 multipart 上传请求
func uploadFile(router *gin.Engine, path, filename string, content []byte, headers map[string]string) *httptest.ResponseRecorder {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, _ := writer.CreateFormFile("file", filename)
	part.Write(content)
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// postForm 构造表单请求
func postForm(router *gin.Engine, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
