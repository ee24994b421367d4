package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sleepset/internal/bgsync"
	"github.com/sleepset/internal/cacheproxy"
	"github.com/sleepset/internal/config"
	"github.com/sleepset/internal/connectivity"
	"github.com/sleepset/internal/db"
	"github.com/sleepset/internal/model"
	"github.com/sleepset/internal/remote"
	"github.com/sleepset/internal/scheduler"
	"github.com/sleepset/internal/store"
	"github.com/sleepset/internal/syncclient"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 5 * time.Second

// Agent 本地代理进程：持有本地存储、同步客户端、后台同步与缓存代理，
// 并在本地监听地址上为前端提供接口。
type Agent struct {
	cfg    config.AgentConfig
	logger *zap.SugaredLogger

	durable   *store.Durable
	cacheDB   *gorm.DB
	snapshots *store.Snapshots

	remote    *remote.Client
	monitor   *connectivity.Monitor
	scheduler *scheduler.Scheduler
	client    *syncclient.Client
	bg        *bgsync.Agent
	proxy     *cacheproxy.Proxy

	notifier syncclient.Notifier
	recent   *syncclient.RecentNotifier
	engine   *gin.Engine

	mu         sync.Mutex
	lastSynced map[model.Domain]time.Time
}

// New 组装全部组件。持久库打不开时进入降级模式而不是失败。
func New(cfg config.AgentConfig, logger *zap.SugaredLogger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		cfg.DeviceID = uuid.NewString()
		logger.Infow("device id generated", "device", cfg.DeviceID)
	}

	a := &Agent{
		cfg:        cfg,
		logger:     logger,
		recent:     syncclient.NewRecentNotifier(50),
		lastSynced: map[model.Domain]time.Time{},
	}
	a.notifier = syncclient.Fanout{syncclient.LogNotifier{Logger: logger.Named("notice")}, a.recent}

	durable, err := store.OpenDurable(cfg.DurablePath)
	if err != nil {
		logger.Warnw("durable store unavailable, running degraded", "path", cfg.DurablePath, "error", err)
		a.notifier.Notify(syncclient.Notice{Kind: syncclient.NoticeDegraded, Message: syncclient.MessageDegraded, At: time.Now()})
		durable = nil
	}
	a.durable = durable

	fallback, err := store.OpenFallback(cfg.FallbackPath)
	if err != nil {
		logger.Warnw("fallback store unreadable, keeping snapshots in memory", "path", cfg.FallbackPath, "error", err)
		fallback, _ = store.OpenFallback("")
	}
	a.snapshots = store.NewSnapshots(durable, fallback, logger.Named("store"))

	if durable != nil {
		a.cacheDB = durable.DB()
	} else if a.cacheDB, err = openMemoryCache(); err != nil {
		return nil, fmt.Errorf("open cache storage: %w", err)
	}

	a.remote, err = remote.NewClient(cfg.RemoteURL, remote.WithToken(cfg.Token), remote.WithDeviceID(cfg.DeviceID))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("remote client: %w", err)
	}

	a.monitor = connectivity.NewMonitor(a.remote, cfg.PollInterval, logger.Named("connectivity"))
	a.scheduler = scheduler.New(a.monitor, scheduler.Options{
		PollInterval:   cfg.PollInterval,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, logger.Named("scheduler"))

	a.client = syncclient.New(syncclient.Deps{
		Snapshots: a.snapshots,
		Remote:    a.remote,
		Online:    a.monitor,
		Registrar: a.scheduler,
		Notifier:  a.notifier,
		Logger:    logger.Named("sync"),
		DeviceID:  cfg.DeviceID,
	})

	bgDeps := bgsync.Deps{
		Remote:      a.remote,
		Sink:        a.client,
		Notifier:    a.notifier,
		Logger:      logger.Named("bgsync"),
		MaxAttempts: cfg.MaxAttempts,
	}
	if durable != nil {
		bgDeps.Queue = durable
	}
	a.bg = bgsync.New(bgDeps)
	a.bg.OnSynced(a.markSynced)

	a.proxy = cacheproxy.New(nil, cacheproxy.NewStorage(a.cacheDB), a.monitor, a.scheduler, cacheproxy.Options{
		StaticCache:  cfg.CacheName(),
		APICache:     cfg.APICacheName(),
		APIAllowlist: cfg.APIAllowlist,
		Precache:     cfg.Precache,
	}, logger.Named("cache"))

	a.engine = a.routes()
	return a, nil
}

// 降级模式下缓存只保存在内存库中，单连接保证所有查询看到同一个库。
func openMemoryCache() (*gorm.DB, error) {
	gdb, err := db.OpenClient(":memory:")
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

// Handler 本地 HTTP 入口
func (a *Agent) Handler() http.Handler {
	return a.engine
}

// Client 前台同步客户端
func (a *Agent) Client() *syncclient.Client {
	return a.client
}

// Monitor 连通性监视器
func (a *Agent) Monitor() *connectivity.Monitor {
	return a.monitor
}

// Degraded 持久库不可用时为 true
func (a *Agent) Degraded() bool {
	return a.durable == nil
}

// DeviceID 本机设备 ID
func (a *Agent) DeviceID() string {
	return a.cfg.DeviceID
}

// Start 恢复本地状态、安装缓存并启动后台组件，不阻塞。
func (a *Agent) Start(ctx context.Context) {
	if err := a.client.Load(ctx); err != nil {
		a.logger.Warnw("local state not fully restored", "error", err)
	}
	if err := a.proxy.Install(ctx, a.remote.BaseURL()); err != nil {
		a.logger.Warnw("precache incomplete", "error", err)
	}
	if _, err := a.proxy.Activate(ctx); err != nil {
		a.logger.Warnw("old caches not removed", "error", err)
	}

	for _, domain := range model.Domains() {
		a.scheduler.Register(domain.Tag(), a.bg.Handler(domain))
	}
	events := a.monitor.Subscribe()
	go a.monitor.Run(ctx)
	go func() {
		// 监视器初始即为在线，启动时不会收到上线事件，先对账一次
		a.reconcile(ctx)
		a.watch(ctx, events)
	}()
	a.scheduler.Start(ctx)
	// 上次退出时残留的队列
	a.scheduler.TriggerAll()
}

// Run 启动后台组件并在 ListenAddr 上提供服务，直到 ctx 取消。
func (a *Agent) Run(ctx context.Context) error {
	a.Start(ctx)

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	a.logger.Infow("agent listening", "addr", a.cfg.ListenAddr, "remote", a.remote.BaseURL().String(), "degraded", a.Degraded())

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	a.Wait()
	return err
}

// Wait 等待调度器的任务循环退出，需先取消 Start 的 ctx
func (a *Agent) Wait() {
	a.scheduler.Wait()
}

// Close 释放本地库连接
func (a *Agent) Close() error {
	var errs []error
	if a.durable != nil {
		errs = append(errs, a.durable.Close())
	} else if a.cacheDB != nil {
		errs = append(errs, db.Close(a.cacheDB))
	}
	return errors.Join(errs...)
}

// watch 把上下线变化转成用户通知；恢复在线时与服务端对账。
// 队列重放由调度器在同一事件上触发。
func (a *Agent) watch(ctx context.Context, events <-chan connectivity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if !ev.Online {
				a.notifier.Notify(syncclient.Notice{Kind: syncclient.NoticeOffline, Message: syncclient.MessageOffline, At: ev.At})
				continue
			}
			a.notifier.Notify(syncclient.Notice{Kind: syncclient.NoticeOnline, Message: syncclient.MessageOnline, At: ev.At})
			a.reconcile(ctx)
		}
	}
}

// reconcile 把本地快照上送并采纳合并结果，包括降级模式下只保存在回退存储中的变更
func (a *Agent) reconcile(ctx context.Context) {
	for _, domain := range model.Domains() {
		if err := a.client.Refresh(ctx, domain); err != nil {
			a.logger.Warnw("reconcile with remote failed", "domain", domain, "error", err)
			continue
		}
		a.markSynced(ctx, domain)
	}
}

func (a *Agent) markSynced(_ context.Context, domain model.Domain) {
	a.mu.Lock()
	a.lastSynced[domain] = time.Now()
	a.mu.Unlock()
}
