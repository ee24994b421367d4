package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/sleepset/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrIdempotencyMiss 没有保存过该 key 的响应
var ErrIdempotencyMiss = errors.New("idempotency key not seen")

// StoredResponse 已保存的写请求响应
type StoredResponse struct {
	Method string
	Path   string
	Status int
	Body   []byte
}

// IdempotencyService 保存 Idempotency-Key 对应的响应，供重放时直接返回
type IdempotencyService struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewIdempotencyService 构造 IdempotencyService。ttl<=0 表示永不过期。
func NewIdempotencyService(gdb *gorm.DB, ttl time.Duration) *IdempotencyService {
	return &IdempotencyService{db: gdb, ttl: ttl, now: time.Now}
}

// Lookup 查询 key 对应的响应
func (s *IdempotencyService) Lookup(key string) (StoredResponse, error) {
	var rec db.IdempotencyRecord
	query := s.db.Where("idem_key = ?", key)
	if s.ttl > 0 {
		query = query.Where("created_at >= ?", s.now().UTC().Add(-s.ttl))
	}
	err := query.First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StoredResponse{}, ErrIdempotencyMiss
	}
	if err != nil {
		return StoredResponse{}, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return StoredResponse{Method: rec.Method, Path: rec.Path, Status: rec.Status, Body: rec.Body}, nil
}

// Save 保存响应。同一 key 先到先得，已有记录不被覆盖。
func (s *IdempotencyService) Save(key string, resp StoredResponse) error {
	rec := db.IdempotencyRecord{
		Key:       key,
		Method:    resp.Method,
		Path:      resp.Path,
		Status:    resp.Status,
		Body:      resp.Body,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

// Prune 删除过期记录，返回删除条数
func (s *IdempotencyService) Prune() (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	result := s.db.Where("created_at < ?", s.now().UTC().Add(-s.ttl)).Delete(&db.IdempotencyRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune idempotency keys: %w", result.Error)
	}
	return result.RowsAffected, nil
}
