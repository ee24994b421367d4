package db

import "time"

// Snapshot 每个同步域一行的状态快照（客户端）。
type Snapshot struct {
	Domain    string `gorm:"primaryKey;size:32"`
	Value     []byte
	UpdatedAt time.Time
}

// TableName 固定表名
func (Snapshot) TableName() string {
	return "snapshots"
}

// PendingWrite 待同步写入队列条目，按自增 ID 先进先出。
// Key 为冲突键（日期、settings、pet 或 *），IdempotencyKey 在重放时原样发送。
type PendingWrite struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	Domain         string `gorm:"size:32;index"`
	Method         string `gorm:"size:10"`
	Path           string `gorm:"size:255"`
	Body           []byte
	Key            string `gorm:"size:64"`
	IdempotencyKey string `gorm:"size:64"`
	Attempts       int
	LastError      string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName 固定表名
func (PendingWrite) TableName() string {
	return "pending_writes"
}

// DeadLetter 超过最大重试次数后移出队列的条目。
type DeadLetter struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	PendingID      uint   `gorm:"index"`
	Domain         string `gorm:"size:32;index"`
	Method         string `gorm:"size:10"`
	Path           string `gorm:"size:255"`
	Body           []byte
	Key            string `gorm:"size:64"`
	IdempotencyKey string `gorm:"size:64"`
	Attempts       int
	Reason         string `gorm:"type:text"`
	QueuedAt       time.Time
	CreatedAt      time.Time
}

// TableName 固定表名
func (DeadLetter) TableName() string {
	return "dead_letters"
}

// CacheEntry HTTP 缓存条目，按缓存名 + 方法 + URL 唯一。
type CacheEntry struct {
	ID        uint                `gorm:"primaryKey;autoIncrement"`
	CacheName string              `gorm:"size:64;index:idx_cache_entry_key,unique"`
	Method    string              `gorm:"size:10;index:idx_cache_entry_key,unique"`
	URL       string              `gorm:"size:1024;index:idx_cache_entry_key,unique"`
	Status    int
	Header    map[string][]string `gorm:"serializer:json;type:text"`
	Body      []byte
	StoredAt  time.Time
}

// TableName 固定表名
func (CacheEntry) TableName() string {
	return "cache_entries"
}
