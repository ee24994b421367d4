package db

import "time"

// IdempotencyRecord 记录已处理过的 Idempotency-Key 及其响应，
// 重放同一写请求时直接返回保存的响应。
type IdempotencyRecord struct {
	Key       string `gorm:"column:idem_key;primaryKey;size:64"`
	Method    string `gorm:"size:10"`
	Path      string `gorm:"size:255"`
	Status    int
	Body      []byte
	CreatedAt time.Time `gorm:"index"`
}

// TableName 固定表名
func (IdempotencyRecord) TableName() string {
	return "idempotency_keys"
}
