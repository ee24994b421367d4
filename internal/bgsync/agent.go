package bgsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sleepset/internal/model"
	"github.com/sleepset/internal/remote"
	"github.com/sleepset/internal/scheduler"
	"github.com/sleepset/internal/store"
	"github.com/sleepset/internal/syncclient"
	"go.uber.org/zap"
)

// ErrDrainFailed 队列重放中途失败，失败条目及其后的条目仍在队列中。
var ErrDrainFailed = errors.New("queue drain failed")

// ErrRefreshFailed 队列已清空但随后的对账失败，下次运行会重新对账。
var ErrRefreshFailed = errors.New("refresh after drain failed")

// Sink 在一次完整重放后与服务端对账，*syncclient.Client 满足该接口。
type Sink interface {
	Refresh(ctx context.Context, domain model.Domain) error
}

// SnapshotSink 直接对快照存储做对账（没有前台客户端时使用）。
type SnapshotSink struct {
	Snapshots *store.Snapshots
	Queue     store.Queue
	Remote    remote.API
}

// Refresh 实现 Sink
func (s SnapshotSink) Refresh(ctx context.Context, domain model.Domain) error {
	local, err := s.Snapshots.Load(ctx, domain)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	pending := map[string]bool{}
	if s.Queue != nil {
		if pending, err = s.Queue.PendingKeys(ctx, domain); err != nil {
			return err
		}
	}
	merged, err := syncclient.Reconcile(ctx, s.Remote, domain, local, pending)
	if err != nil {
		return err
	}
	return s.Snapshots.Save(ctx, domain, merged)
}

// Deps 构造 Agent 所需依赖
type Deps struct {
	Queue       store.Queue
	Remote      remote.API
	Sink        Sink
	Notifier    syncclient.Notifier
	Logger      *zap.SugaredLogger
	MaxAttempts int
}

// Agent 后台同步代理：按入队顺序重放待写条目，全部成功后与服务端对账。
// 自身不做退避，重试节奏交给调度器。
type Agent struct {
	queue       store.Queue
	remote      remote.API
	sink        Sink
	notifier    syncclient.Notifier
	logger      *zap.SugaredLogger
	maxAttempts int

	mu       sync.Mutex
	running  map[model.Domain]*sync.Mutex
	owed     map[model.Domain]bool
	onSynced []func(ctx context.Context, domain model.Domain)
}

// New 构造 Agent
func New(deps Deps) *Agent {
	a := &Agent{
		queue:       deps.Queue,
		remote:      deps.Remote,
		sink:        deps.Sink,
		notifier:    deps.Notifier,
		logger:      deps.Logger,
		maxAttempts: deps.MaxAttempts,
		running:     map[model.Domain]*sync.Mutex{},
		owed:        map[model.Domain]bool{},
	}
	if a.logger == nil {
		a.logger = zap.NewNop().Sugar()
	}
	if a.notifier == nil {
		a.notifier = syncclient.NotifierFunc(func(syncclient.Notice) {})
	}
	return a
}

// OnSynced 注册完整同步后的回调，用于通知前台重新载入
func (a *Agent) OnSynced(fn func(ctx context.Context, domain model.Domain)) {
	a.mu.Lock()
	a.onSynced = append(a.onSynced, fn)
	a.mu.Unlock()
}

// Handler 适配调度器
func (a *Agent) Handler(domain model.Domain) scheduler.Handler {
	return func(ctx context.Context) error {
		return a.Run(ctx, domain)
	}
}

func (a *Agent) domainLock(domain model.Domain) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.running[domain]
	if !ok {
		m = &sync.Mutex{}
		a.running[domain] = m
	}
	return m
}

// Run 重放某个域的待写队列，全部成功后对账。
// 队列为空且没有欠下的对账时直接返回 nil。
func (a *Agent) Run(ctx context.Context, domain model.Domain) error {
	if a.queue == nil {
		return nil
	}
	lock := a.domainLock(domain)
	lock.Lock()
	defer lock.Unlock()

	pending, err := a.queue.Pending(ctx, domain)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDrainFailed, err)
	}
	if len(pending) == 0 && !a.refreshOwed(domain) {
		return nil
	}

	replayed := 0
	for _, w := range pending {
		err := a.remote.Do(ctx, w.Method, w.Path, w.Body, w.IdempotencyKey, nil)
		if err == nil {
			if rmErr := a.queue.Remove(ctx, w.ID); rmErr != nil {
				return fmt.Errorf("%w: remove entry %d: %w", ErrDrainFailed, w.ID, rmErr)
			}
			replayed++
			continue
		}

		if errors.Is(err, remote.ErrNetworkUnreachable) {
			// 网络不可达不计入重试次数
			a.notifyFailure(domain, err)
			return fmt.Errorf("%w: entry %d: %w", ErrDrainFailed, w.ID, err)
		}

		attempts, ferr := a.queue.RecordFailure(ctx, w.ID, err)
		if ferr != nil {
			return fmt.Errorf("%w: record failure: %w", ErrDrainFailed, ferr)
		}
		if reason, dead := a.shouldDeadLetter(err, attempts); dead {
			if dlErr := a.queue.DeadLetter(ctx, w.ID, reason); dlErr != nil {
				return fmt.Errorf("%w: dead letter entry %d: %w", ErrDrainFailed, w.ID, dlErr)
			}
			a.logger.Warnw("pending write dead-lettered", "domain", domain, "id", w.ID, "path", w.Path, "attempts", attempts, "reason", reason)
			continue
		}
		a.notifyFailure(domain, err)
		return fmt.Errorf("%w: entry %d: %w", ErrDrainFailed, w.ID, err)
	}

	if replayed > 0 {
		a.logger.Infow("pending writes replayed", "domain", domain, "replayed", replayed)
	}
	a.setRefreshOwed(domain, true)
	if err := a.refresh(ctx, domain); err != nil {
		a.logger.Warnw("canonical state not refreshed after drain", "domain", domain, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrRefreshFailed, domain, err)
	}
	a.setRefreshOwed(domain, false)
	a.notifier.Notify(syncclient.Notice{
		Kind:    syncclient.NoticeSynced,
		Domain:  domain,
		Message: syncclient.MessageSynced,
		At:      time.Now(),
	})

	a.mu.Lock()
	hooks := append([]func(context.Context, model.Domain){}, a.onSynced...)
	a.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, domain)
	}
	return nil
}

func (a *Agent) shouldDeadLetter(err error, attempts int) (string, bool) {
	if rejected, ok := remote.AsRejected(err); ok && rejected.Permanent() {
		return rejected.Error(), true
	}
	if a.maxAttempts > 0 && attempts >= a.maxAttempts {
		return fmt.Sprintf("gave up after %d attempts: %v", attempts, err), true
	}
	return "", false
}

func (a *Agent) refresh(ctx context.Context, domain model.Domain) error {
	if a.sink == nil {
		return nil
	}
	return a.sink.Refresh(ctx, domain)
}

func (a *Agent) refreshOwed(domain model.Domain) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owed[domain]
}

func (a *Agent) setRefreshOwed(domain model.Domain, owed bool) {
	a.mu.Lock()
	a.owed[domain] = owed
	a.mu.Unlock()
}

func (a *Agent) notifyFailure(domain model.Domain, err error) {
	a.notifier.Notify(syncclient.Notice{
		Kind:    syncclient.NoticeSyncFailed,
		Domain:  domain,
		Message: "同期に失敗しました。後で再試行します。",
		At:      time.Now(),
	})
	a.logger.Warnw("pending write replay failed", "domain", domain, "error", err)
}
