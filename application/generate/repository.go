package generate

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"llmstream/common"
)

// Repository stores the last successful answer per cache key.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new Repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the cache table.
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(&common.CachedResponse{})
}

// Save inserts or replaces the answer stored under resp.CacheKey.
func (r *Repository) Save(ctx context.Context, resp *common.CachedResponse) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "model", "token_count", "stream_id", "updated_at"}),
	}).Create(resp).Error
	if err != nil {
		return fmt.Errorf("failed to save cached response: %w", err)
	}
	return nil
}

// FindByKey returns the cached answer and counts the hit. A miss returns
// nil without error.
func (r *Repository) FindByKey(ctx context.Context, key string) (*common.CachedResponse, error) {
	var resp common.CachedResponse
	err := r.db.WithContext(ctx).Where("cache_key = ?", key).First(&resp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find cached response: %w", err)
	}

	err = r.db.WithContext(ctx).Model(&resp).UpdateColumn("hit_count", gorm.Expr("hit_count + ?", 1)).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count cache hit: %w", err)
	}
	resp.HitCount++
	return &resp, nil
}

// List returns the most recently updated answers, optionally for one function.
func (r *Repository) List(ctx context.Context, functionName string, limit int) ([]common.CachedResponse, error) {
	q := r.db.WithContext(ctx).Order("updated_at DESC").Limit(limit)
	if functionName != "" {
		q = q.Where("function_name = ?", functionName)
	}

	var out []common.CachedResponse
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list cached responses: %w", err)
	}
	return out, nil
}
