package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/doc_intel_server/internal/model"
	"github.com/qs3c/doc_intel_server/internal/testutil"
)

func TestPlanRepository_UpsertAndGet(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewPlanRepository(db)

	require.NoError(t, repo.Upsert([]model.Plan{
		{Name: "free", RequestLimit: 100, CharLimit: 100000, MaxInputChars: 6000},
		{Name: "pro", RequestLimit: 1000, CharLimit: 1000000},
	}))

	free, err := repo.GetByName("free")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), free.CharLimit)
	assert.Equal(t, 6000, free.MaxInputChars)

	// 再次写入覆盖限制
	require.NoError(t, repo.Upsert([]model.Plan{
		{Name: "free", RequestLimit: 5, CharLimit: 500, MaxInputChars: 100},
	}))
	free, err = repo.GetByName("free")
	require.NoError(t, err)
	assert.Equal(t, int64(5), free.RequestLimit)
	assert.Equal(t, 100, free.MaxInputChars)

	plans, err := repo.List()
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "free", plans[0].Name)

	_, err = repo.GetByName("enterprise")
	assert.True(t, IsNotFound(err))
}

func TestPlanRepository_UpsertEmpty(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	assert.NoError(t, NewPlanRepository(db).Upsert(nil))
}
