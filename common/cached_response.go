package common

import (
	"time"

	"github.com/guregu/null/v5"
)

// CachedResponse is the last successful answer for one function call,
// served when the upstream cannot be reached.
type CachedResponse struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	CacheKey     string      `gorm:"size:64;uniqueIndex" json:"cache_key"`
	FunctionName string      `gorm:"size:128;index" json:"function_name"`
	Content      string      `gorm:"type:text" json:"content"`
	Model        null.String `gorm:"size:128" json:"model"`
	TokenCount   null.Int    `json:"token_count"`
	StreamID     string      `gorm:"size:64" json:"stream_id"`
	HitCount     int64       `json:"hit_count"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (CachedResponse) TableName() string {
	return "cached_responses"
}
