package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/qs3c/doc_intel_server/internal/pkg/response"
	"github.com/qs3c/doc_intel_server/internal/testutil"
)

func rateLimitedRouter(mw gin.HandlerFunc, userID string) *gin.Engine {
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(UserIDKey, userID)
		}
		c.Next()
	})
	router.Use(mw)
	router.POST("/upload", func(c *gin.Context) {
		response.Success(c, nil)
	})
	return router
}

func doPost(router *gin.Engine) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/upload", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimit_BlocksAfterLimit(t *testing.T) {
	client, mr := testutil.SetupTestRedis(t)
	router := rateLimitedRouter(RateLimit(client, "upload", 5, time.Hour), "user-1")

	for i := 0; i < 5; i++ {
		w := doPost(router)
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := doPost(router)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))

	resp := parseResponse(t, w)
	assert.Equal(t, response.CodeRateLimited, resp.Code)

	// 窗口结束后恢复
	mr.FastForward(time.Hour + time.Second)
	w = doPost(router)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_PerUser(t *testing.T) {
	client, _ := testutil.SetupTestRedis(t)
	mw := RateLimit(client, "upload", 1, time.Hour)

	assert.Equal(t, http.StatusOK, doPost(rateLimitedRouter(mw, "user-1")).Code)
	assert.Equal(t, http.StatusTooManyRequests, doPost(rateLimitedRouter(mw, "user-1")).Code)
	assert.Equal(t, http.StatusOK, doPost(rateLimitedRouter(mw, "user-2")).Code)
}

func TestRateLimit_AnonymousUsesClientIP(t *testing.T) {
	client, mr := testutil.SetupTestRedis(t)
	router := rateLimitedRouter(RateLimit(client, "upload", 1, time.Minute), "")

	assert.Equal(t, http.StatusOK, doPost(router).Code)
	assert.Equal(t, http.StatusTooManyRequests, doPost(router).Code)
	assert.NotEmpty(t, mr.Keys())
	assert.Contains(t, mr.Keys()[0], "ratelimit:upload:ip:")
}

func TestRateLimit_Disabled(t *testing.T) {
	client, _ := testutil.SetupTestRedis(t)
	router := rateLimitedRouter(RateLimit(client, "upload", 0, time.Hour), "user-1")

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, doPost(router).Code)
	}
}

func TestRateLimit_RedisUnavailable(t *testing.T) {
	client, mr := testutil.SetupTestRedis(t)
	mr.Close()
	router := rateLimitedRouter(RateLimit(client, "upload", 1, time.Hour), "user-1")

	assert.Equal(t, http.StatusOK, doPost(router).Code)
	assert.Equal(t, http.StatusOK, doPost(router).Code)
}
