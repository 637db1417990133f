package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/doc_intel_server/internal/model"
)

type UsageRepository struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// FindOrCreate 获取用量记录，不存在时以 now 作为周期起点创建
func (r *UsageRepository) FindOrCreate(ownerID, plan string, now time.Time) (*model.Usage, error) {
	var usage model.Usage
	err := r.db.Where(model.Usage{OwnerID: ownerID, Plan: plan}).
		Attrs(model.Usage{PeriodStart: now}).
		FirstOrCreate(&usage).Error
	if err == nil {
		return &usage, nil
	}

	// 并发创建时唯一索引冲突，重新读取
	var existing model.Usage
	if findErr := r.db.Where("owner_id = ? AND plan = ?", ownerID, plan).First(&existing).Error; findErr != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *UsageRepository) Get(ownerID, plan string) (*model.Usage, error) {
	var usage model.Usage
	err := r.db.Where("owner_id = ? AND plan = ?", ownerID, plan).First(&usage).Error
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

// ResetPeriod 清零用量并开启新周期
func (r *UsageRepository) ResetPeriod(id int64, now time.Time) error {
	return r.db.Model(&model.Usage{}).Where("id = ?", id).Updates(map[string]interface{}{
		"total_chars":    0,
		"total_requests": 0,
		"period_start":   now,
	}).Error
}

// Increment 原子累加字符数和请求数
func (r *UsageRepository) Increment(ownerID, plan string, chars int64) error {
	result := r.db.Model(&model.Usage{}).
		Where("owner_id = ? AND plan = ?", ownerID, plan).
		Updates(map[string]interface{}{
			"total_chars":    gorm.Expr("total_chars + ?", chars),
			"total_requests": gorm.Expr("total_requests + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// IncrementWithin 仅在累加后不超过上限时累加，返回是否成功。检查和累加在同一条 UPDATE 中完成
func (r *UsageRepository) IncrementWithin(ownerID, plan string, chars, charLimit, requestLimit int64) (bool, error) {
	result := r.db.Model(&model.Usage{}).
		Where("owner_id = ? AND plan = ?", ownerID, plan).
		Where("total_chars + ? <= ? AND total_requests + 1 <= ?", chars, charLimit, requestLimit).
		Updates(map[string]interface{}{
			"total_chars":    gorm.Expr("total_chars + ?", chars),
			"total_requests": gorm.Expr("total_requests + 1"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Decrement 退回一次累加，用量不足时（周期已重置）不做修改
func (r *UsageRepository) Decrement(ownerID, plan string, chars int64) error {
	return r.db.Model(&model.Usage{}).
		Where("owner_id = ? AND plan = ?", ownerID, plan).
		Where("total_chars >= ? AND total_requests >= 1", chars).
		Updates(map[string]interface{}{
			"total_chars":    gorm.Expr("total_chars - ?", chars),
			"total_requests": gorm.Expr("total_requests - 1"),
		}).Error
}

// ResetExpired 重置周期起点早于 before 的所有记录
func (r *UsageRepository) ResetExpired(before, now time.Time) (int64, error) {
	result := r.db.Model(&model.Usage{}).
		Where("period_start <= ?", before).
		Updates(map[string]interface{}{
			"total_chars":    0,
			"total_requests": 0,
			"period_start":   now,
		})
	return result.RowsAffected, result.Error
}

// IsNotFound 判断是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
