package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sleepset/internal/model"
	"go.uber.org/zap"
)

// Snapshots 把每个域的快照同时写入持久库和回退存储。
// durable 为 nil 时进入降级模式：只写回退存储，且没有待写队列。
type Snapshots struct {
	durable  *Durable
	fallback *FallbackStore
	logger   *zap.SugaredLogger
}

// NewSnapshots 构造快照存储
func NewSnapshots(durable *Durable, fallback *FallbackStore, logger *zap.SugaredLogger) *Snapshots {
	if fallback == nil {
		fallback, _ = OpenFallback("")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Snapshots{durable: durable, fallback: fallback, logger: logger}
}

// Degraded 持久库不可用时返回 true
func (s *Snapshots) Degraded() bool {
	return s.durable == nil
}

// Durable 返回持久库，降级模式下为 nil
func (s *Snapshots) Durable() *Durable {
	return s.durable
}

func fallbackKey(domain model.Domain) string {
	return "snapshot:" + string(domain)
}

// Save 写穿到两个存储。只有回退存储也失败时才返回错误，
// 持久库写入失败仅记录告警。
func (s *Snapshots) Save(ctx context.Context, domain model.Domain, value []byte) error {
	var durableErr error
	if s.durable != nil {
		durableErr = s.durable.Put(ctx, domain, value)
		if durableErr != nil {
			s.logger.Warnw("durable snapshot write failed", "domain", domain, "error", durableErr)
		}
	}
	if err := s.fallback.Put(fallbackKey(domain), value); err != nil {
		if s.durable == nil || durableErr != nil {
			return errors.Join(fmt.Errorf("save snapshot %s: %w", domain, err), durableErr)
		}
		s.logger.Warnw("fallback snapshot write failed", "domain", domain, "error", err)
	}
	return nil
}

// Load 优先读取持久库，缺失或失败时读取回退存储
func (s *Snapshots) Load(ctx context.Context, domain model.Domain) ([]byte, error) {
	if s.durable != nil {
		value, err := s.durable.Get(ctx, domain)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warnw("durable snapshot read failed, using fallback", "domain", domain, "error", err)
		}
	}
	return s.fallback.Get(fallbackKey(domain))
}

// Clear 删除某个域在两个存储中的快照
func (s *Snapshots) Clear(ctx context.Context, domain model.Domain) error {
	var errs []error
	if s.durable != nil {
		errs = append(errs, s.durable.Delete(ctx, domain))
	}
	errs = append(errs, s.fallback.Delete(fallbackKey(domain)))
	return errors.Join(errs...)
}
