package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sleepset/internal/connectivity"
	"go.uber.org/zap"
)

// ErrUnknownTag 触发了未注册的任务名。
var ErrUnknownTag = errors.New("unknown sync tag")

// Handler 一次任务执行。返回错误表示需要重试。
type Handler func(ctx context.Context) error

// Options 调度参数
type Options struct {
	PollInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	return o
}

// TaskStatus 任务状态快照
type TaskStatus struct {
	Tag       string    `json:"tag"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	NextRetry time.Time `json:"nextRetry,omitempty"`
}

type task struct {
	tag     string
	handler Handler
	wake    chan struct{}

	mu     sync.Mutex
	status TaskStatus
}

// Scheduler 宿主侧的延迟执行器：每个任务名一个 goroutine，同一任务同时只有一次执行；
// 只在在线时执行，失败后按指数退避重试，周期性地重新触发全部任务。
type Scheduler struct {
	online connectivity.Source
	logger *zap.SugaredLogger
	opts   Options

	mu      sync.Mutex
	tasks   map[string]*task
	ctx     context.Context
	started bool
	wg      sync.WaitGroup
}

// New 构造调度器
func New(online connectivity.Source, opts Options, logger *zap.SugaredLogger) *Scheduler {
	if online == nil {
		online = connectivity.NewStatic(true)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		online: online,
		logger: logger,
		opts:   opts.withDefaults(),
		tasks:  map[string]*task{},
	}
}

// Register 注册任务，重复注册同一任务名不做任何事。
func (s *Scheduler) Register(tag string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[tag]; exists {
		return
	}
	t := &task{tag: tag, handler: handler, wake: make(chan struct{}, 1)}
	t.status.Tag = tag
	s.tasks[tag] = t
	if s.started {
		s.spawn(t)
	}
}

// Trigger 请求执行一次任务；已有待执行请求时合并为一次。
func (s *Scheduler) Trigger(tag string) error {
	s.mu.Lock()
	t, ok := s.tasks[tag]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTag
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// TriggerAll 触发全部已注册任务
func (s *Scheduler) TriggerAll() {
	for _, tag := range s.Tags() {
		_ = s.Trigger(tag)
	}
}

// Tags 返回已注册任务名，按字典序
func (s *Scheduler) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]string, 0, len(s.tasks))
	for tag := range s.tasks {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Status 返回全部任务状态
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		out = append(out, t.status)
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Start 启动全部任务循环与周期触发，ctx 取消后退出。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	for _, t := range s.tasks {
		s.spawn(t)
	}
	s.mu.Unlock()

	var events <-chan connectivity.Event
	if n, ok := s.online.(connectivity.Notifier); ok {
		events = n.Subscribe()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if ev.Online {
					s.TriggerAll()
				}
			case <-ticker.C:
				s.tickDue()
			}
		}
	}()
}

// Wait 等待所有 goroutine 退出
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// tickDue 周期触发：正在退避中的任务等到退避结束。
func (s *Scheduler) tickDue() {
	now := time.Now()
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	for _, t := range tasks {
		t.mu.Lock()
		due := t.status.NextRetry.IsZero() || !now.Before(t.status.NextRetry)
		t.mu.Unlock()
		if due {
			select {
			case t.wake <- struct{}{}:
			default:
			}
		}
	}
}

// spawn 需持有 s.mu
func (s *Scheduler) spawn(t *task) {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, t)
	}()
}

func (s *Scheduler) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffInitial
	b.MaxInterval = s.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	b := s.newBackOff()
	retry := time.NewTimer(time.Hour)
	if !retry.Stop() {
		<-retry.C
	}
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		case <-retry.C:
		}

		if !s.online.Online() {
			continue
		}

		err := s.run(ctx, t)
		if ctx.Err() != nil {
			return
		}
		now := time.Now()
		t.mu.Lock()
		t.status.Runs++
		t.status.LastRun = now
		if err == nil {
			t.status.Failures = 0
			t.status.LastError = ""
			t.status.NextRetry = time.Time{}
			t.mu.Unlock()
			b.Reset()
			retry.Stop()
			continue
		}
		delay := b.NextBackOff()
		t.status.Failures++
		t.status.LastError = err.Error()
		t.status.NextRetry = now.Add(delay)
		failures := t.status.Failures
		t.mu.Unlock()

		s.logger.Warnw("sync task failed, will retry", "tag", t.tag, "failures", failures, "retry_in", delay, "error", err)
		if !retry.Stop() {
			select {
			case <-retry.C:
			default:
			}
		}
		retry.Reset(delay)
	}
}

func (s *Scheduler) run(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("sync task panicked", "tag", t.tag, "panic", r)
			err = errors.New("task panicked")
		}
	}()
	return t.handler(ctx)
}
