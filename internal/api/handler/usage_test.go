package handler

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/doc_intel_server/internal/model"
	"github.com/qs3c/doc_intel_server/internal/model/dto"
	"github.com/qs3c/doc_intel_server/internal/pkg/response"
)

func usageRouter(env *testEnv, userID string) *gin.Engine {
	h := NewUsageHandler(env.quotaService)
	router := gin.New()
	router.GET("/plans", h.ListPlans)
	authed := router.Group("")
	authed.Use(mockAuth(userID))
	authed.GET("/usage", h.GetUsage)
	return router
}

func TestUsageHandler_GetUsage(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.quotaService.Commit("user-1", "pro", 5000))
	router := usageRouter(env, "user-1")

	t.Run("explicit plan", func(t *testing.T) {
		w := performRequest(router, http.MethodGet, "/usage?plan=pro", nil)
		resp := parseAPIResponse(t, w)
		require.Equal(t, response.CodeSuccess, resp.Code)

		var stats dto.UsageStats
		require.NoError(t, json.Unmarshal(resp.Data, &stats))
		assert.Equal(t, "pro", stats.Plan)
		assert.Equal(t, int64(5000), stats.Chars.Used)
		assert.Equal(t, int64(995000), stats.Chars.Remaining)
		assert.Equal(t, int64(1), stats.Requests.Used)
		assert.Equal(t, int64(0), stats.Chars.Requested)
	})

	t.Run("defaults to free", func(t *testing.T) {
		w := performRequest(router, http.MethodGet, "/usage", nil)
		resp := parseAPIResponse(t, w)
		require.Equal(t, response.CodeSuccess, resp.Code)

		var stats dto.UsageStats
		require.NoError(t, json.Unmarshal(resp.Data, &stats))
		assert.Equal(t, "free", stats.Plan)
		assert.Equal(t, int64(0), stats.Chars.Used)
	})

	t.Run("unknown plan", func(t *testing.T) {
		w := performRequest(router, http.MethodGet, "/usage?plan=enterprise", nil)
		resp := parseAPIResponse(t, w)
		assert.Equal(t, response.CodeParamError, resp.Code)
	})
}

func TestUsageHandler_ListPlans(t *testing.T) {
	env := setupTestEnv(t)

	w := performRequest(usageRouter(env, "user-1"), http.MethodGet, "/plans", nil)
	resp := parseAPIResponse(t, w)
	require.Equal(t, response.CodeSuccess, resp.Code)

	var plans []model.Plan
	require.NoError(t, json.Unmarshal(resp.Data, &plans))
	require.Len(t, plans, 3)

	names := make([]string, 0, len(plans))
	for _, p := range plans {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"free", "pro", "ultra"}, names)
}
