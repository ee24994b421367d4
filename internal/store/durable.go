package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sleepset/internal/db"
	"github.com/sleepset/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStoreUnavailable 本地持久库无法打开或读写。
	ErrStoreUnavailable = errors.New("durable store unavailable")
	// ErrNotFound 键不存在。
	ErrNotFound = errors.New("not found")
)

// PendingWrite 一条尚未被服务端确认的写请求。
type PendingWrite struct {
	ID             uint         `json:"id"`
	Domain         model.Domain `json:"domain"`
	Method         string       `json:"method"`
	Path           string       `json:"path"`
	Body           []byte       `json:"body,omitempty"`
	Key            string       `json:"key"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"lastError,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// DeadLetter 被放弃重试的写请求。
type DeadLetter struct {
	PendingWrite
	Reason string `json:"reason"`
}

// Queue 是待写队列的读写契约，由 Durable 实现。
type Queue interface {
	Enqueue(ctx context.Context, domain model.Domain, w PendingWrite) (uint, error)
	Pending(ctx context.Context, domain model.Domain) ([]PendingWrite, error)
	Remove(ctx context.Context, id uint) error
	RecordFailure(ctx context.Context, id uint, cause error) (int, error)
	DeadLetter(ctx context.Context, id uint, reason string) error
	PendingKeys(ctx context.Context, domain model.Domain) (map[string]bool, error)
}

// Durable 基于 gorm/sqlite 的本地持久库：每个域一份快照，加每个域一条 FIFO 待写队列。
type Durable struct {
	db *gorm.DB
}

var _ Queue = (*Durable)(nil)

// OpenDurable 打开（必要时创建）本地持久库，任何失败都包装为 ErrStoreUnavailable。
func OpenDurable(path string) (*Durable, error) {
	gdb, err := db.OpenClient(path)
	if err != nil {
		return nil, unavailable("open", err)
	}
	return &Durable{db: gdb}, nil
}

// NewDurable 使用已迁移的连接构造 Durable，主要用于测试。
func NewDurable(gdb *gorm.DB) *Durable {
	return &Durable{db: gdb}
}

// DB 暴露底层连接，供缓存存储共用同一个库文件。
func (d *Durable) DB() *gorm.DB {
	return d.db
}

// Close 关闭连接
func (d *Durable) Close() error {
	return db.Close(d.db)
}

// Get 读取某个域的快照
func (d *Durable) Get(ctx context.Context, domain model.Domain) ([]byte, error) {
	var snap db.Snapshot
	err := d.db.WithContext(ctx).Where("domain = ?", string(domain)).First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get snapshot", err)
	}
	return snap.Value, nil
}

// Put 整体覆盖某个域的快照
func (d *Durable) Put(ctx context.Context, domain model.Domain, value []byte) error {
	snap := db.Snapshot{Domain: string(domain), Value: value, UpdatedAt: time.Now().UTC()}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&snap).Error
	if err != nil {
		return unavailable("put snapshot", err)
	}
	return nil
}

// Delete 删除某个域的快照
func (d *Durable) Delete(ctx context.Context, domain model.Domain) error {
	if err := d.db.WithContext(ctx).Where("domain = ?", string(domain)).Delete(&db.Snapshot{}).Error; err != nil {
		return unavailable("delete snapshot", err)
	}
	return nil
}

// Enqueue 追加待写条目，返回自增 ID
func (d *Durable) Enqueue(ctx context.Context, domain model.Domain, w PendingWrite) (uint, error) {
	row := db.PendingWrite{
		Domain:         string(domain),
		Method:         w.Method,
		Path:           w.Path,
		Body:           w.Body,
		Key:            w.Key,
		IdempotencyKey: w.IdempotencyKey,
	}
	if err := d.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, unavailable("enqueue", err)
	}
	return row.ID, nil
}

// Pending 按入队顺序返回某个域的全部待写条目
func (d *Durable) Pending(ctx context.Context, domain model.Domain) ([]PendingWrite, error) {
	var rows []db.PendingWrite
	if err := d.db.WithContext(ctx).Where("domain = ?", string(domain)).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, unavailable("list pending", err)
	}
	out := make([]PendingWrite, 0, len(rows))
	for _, row := range rows {
		out = append(out, pendingFromRow(row))
	}
	return out, nil
}

// Count 返回某个域的待写条目数
func (d *Durable) Count(ctx context.Context, domain model.Domain) (int64, error) {
	var n int64
	if err := d.db.WithContext(ctx).Model(&db.PendingWrite{}).Where("domain = ?", string(domain)).Count(&n).Error; err != nil {
		return 0, unavailable("count pending", err)
	}
	return n, nil
}

// Remove 删除已被服务端确认的条目
func (d *Durable) Remove(ctx context.Context, id uint) error {
	if err := d.db.WithContext(ctx).Delete(&db.PendingWrite{}, id).Error; err != nil {
		return unavailable("remove pending", err)
	}
	return nil
}

// RecordFailure 累加重试次数并记录最近一次错误，返回新的次数
func (d *Durable) RecordFailure(ctx context.Context, id uint, cause error) (int, error) {
	var row db.PendingWrite
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}
		row.Attempts++
		if cause != nil {
			row.LastError = cause.Error()
		}
		return tx.Model(&row).Updates(map[string]interface{}{
			"attempts":   row.Attempts,
			"last_error": row.LastError,
		}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, unavailable("record failure", err)
	}
	return row.Attempts, nil
}

// DeadLetter 将条目移入死信表
func (d *Durable) DeadLetter(ctx context.Context, id uint, reason string) error {
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row db.PendingWrite
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}
		letter := db.DeadLetter{
			PendingID:      row.ID,
			Domain:         row.Domain,
			Method:         row.Method,
			Path:           row.Path,
			Body:           row.Body,
			Key:            row.Key,
			IdempotencyKey: row.IdempotencyKey,
			Attempts:       row.Attempts,
			Reason:         reason,
			QueuedAt:       row.CreatedAt,
		}
		if err := tx.Create(&letter).Error; err != nil {
			return err
		}
		return tx.Delete(&db.PendingWrite{}, row.ID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return unavailable("dead letter", err)
	}
	return nil
}

// DeadLetters 返回某个域的死信，按移入顺序
func (d *Durable) DeadLetters(ctx context.Context, domain model.Domain) ([]DeadLetter, error) {
	var rows []db.DeadLetter
	if err := d.db.WithContext(ctx).Where("domain = ?", string(domain)).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, unavailable("list dead letters", err)
	}
	out := make([]DeadLetter, 0, len(rows))
	for _, row := range rows {
		out = append(out, DeadLetter{
			PendingWrite: PendingWrite{
				ID:             row.PendingID,
				Domain:         model.Domain(row.Domain),
				Method:         row.Method,
				Path:           row.Path,
				Body:           row.Body,
				Key:            row.Key,
				IdempotencyKey: row.IdempotencyKey,
				Attempts:       row.Attempts,
				CreatedAt:      row.QueuedAt,
			},
			Reason: row.Reason,
		})
	}
	return out, nil
}

// PendingKeys 返回仍有待写条目的冲突键集合
func (d *Durable) PendingKeys(ctx context.Context, domain model.Domain) (map[string]bool, error) {
	var keys []string
	if err := d.db.WithContext(ctx).Model(&db.PendingWrite{}).
		Where("domain = ?", string(domain)).
		Distinct().Pluck("key", &keys).Error; err != nil {
		return nil, unavailable("pending keys", err)
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out, nil
}

func pendingFromRow(row db.PendingWrite) PendingWrite {
	return PendingWrite{
		ID:             row.ID,
		Domain:         model.Domain(row.Domain),
		Method:         row.Method,
		Path:           row.Path,
		Body:           row.Body,
		Key:            row.Key,
		IdempotencyKey: row.IdempotencyKey,
		Attempts:       row.Attempts,
		LastError:      row.LastError,
		CreatedAt:      row.CreatedAt,
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
