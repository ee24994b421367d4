package cacheproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sleepset/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrMiss 缓存中没有匹配的条目
var ErrMiss = errors.New("cache miss")

// CachedResponse 缓存的响应副本
type CachedResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Storage 以 gorm 表保存多个具名缓存，条目按缓存名 + 方法 + URL 唯一。
type Storage struct {
	db *gorm.DB
}

// NewStorage 构造 Storage，gdb 需已迁移 db.CacheEntry
func NewStorage(gdb *gorm.DB) *Storage {
	return &Storage{db: gdb}
}

// Match 在指定缓存中查找
func (s *Storage) Match(ctx context.Context, cacheName, method, url string) (CachedResponse, error) {
	return s.MatchAny(ctx, []string{cacheName}, method, url)
}

// MatchAny 依次在多个缓存中查找，返回第一个命中
func (s *Storage) MatchAny(ctx context.Context, cacheNames []string, method, url string) (CachedResponse, error) {
	for _, name := range cacheNames {
		var entry db.CacheEntry
		err := s.db.WithContext(ctx).
			Where("cache_name = ? AND method = ? AND url = ?", name, method, url).
			First(&entry).Error
		if err == nil {
			return CachedResponse{
				Status:   entry.Status,
				Header:   http.Header(entry.Header).Clone(),
				Body:     entry.Body,
				StoredAt: entry.StoredAt,
			}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return CachedResponse{}, fmt.Errorf("match cache %s: %w", name, err)
		}
	}
	return CachedResponse{}, ErrMiss
}

// Put 写入或覆盖条目
func (s *Storage) Put(ctx context.Context, cacheName, method, url string, resp CachedResponse) error {
	entry := db.CacheEntry{
		CacheName: cacheName,
		Method:    method,
		URL:       url,
		Status:    resp.Status,
		Header:    map[string][]string(resp.Header.Clone()),
		Body:      resp.Body,
		StoredAt:  time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_name"}, {Name: "method"}, {Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "header", "body", "stored_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// Names 返回现存的缓存名
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.WithContext(ctx).Model(&db.CacheEntry{}).Distinct().Order("cache_name").Pluck("cache_name", &names).Error; err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	return names, nil
}

// Count 返回某个缓存的条目数
func (s *Storage) Count(ctx context.Context, cacheName string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&db.CacheEntry{}).Where("cache_name = ?", cacheName).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count cache: %w", err)
	}
	return n, nil
}

// DeleteCache 删除整个具名缓存
func (s *Storage) DeleteCache(ctx context.Context, cacheName string) error {
	if err := s.db.WithContext(ctx).Where("cache_name = ?", cacheName).Delete(&db.CacheEntry{}).Error; err != nil {
		return fmt.Errorf("delete cache %s: %w", cacheName, err)
	}
	return nil
}

// Clear 删除全部缓存
func (s *Storage) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&db.CacheEntry{}).Error; err != nil {
		return fmt.Errorf("clear caches: %w", err)
	}
	return nil
}
