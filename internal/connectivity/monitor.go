package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// offlineThreshold 连续探测失败达到该次数后视为离线。
const offlineThreshold = 2

const defaultInterval = 15 * time.Second

// Source 提供当前是否在线。
type Source interface {
	Online() bool
}

// Notifier 是可订阅上下线变化的 Source。
type Notifier interface {
	Source
	Subscribe() <-chan Event
}

// Event 一次上下线状态变化。
type Event struct {
	Online bool
	At     time.Time
	Err    error
}

// Pinger 探测服务端可达性，*remote.Client 满足该接口。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Snapshot 监视器状态快照
type Snapshot struct {
	Online              bool      `json:"online"`
	LastChecked         time.Time `json:"lastChecked"`
	LastError           string    `json:"lastError,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Monitor 周期性探测服务端，首次成功即上线，连续两次失败才下线。
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	snapshot Snapshot
	subs     []chan Event
}

var _ Notifier = (*Monitor)(nil)

// NewMonitor 构造监视器，初始状态为在线。
func NewMonitor(pinger Pinger, interval time.Duration, logger *zap.SugaredLogger) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Monitor{
		pinger:   pinger,
		interval: interval,
		logger:   logger,
		snapshot: Snapshot{Online: true},
	}
}

// Online 实现 Source
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.Online
}

// Snapshot 返回状态副本
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Subscribe 返回一个接收状态变化的通道。订阅者消费过慢时事件会被丢弃。
func (m *Monitor) Subscribe() <-chan Event {
	ch := make(chan Event, 8)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Check 立即探测一次并返回探测后的在线状态。
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.pinger.Ping(ctx)
	return m.Report(err)
}

// Report 记录一次探测结果（也供其他请求路径上报网络失败），返回当前在线状态。
func (m *Monitor) Report(err error) bool {
	now := time.Now()
	m.mu.Lock()
	was := m.snapshot.Online
	m.snapshot.LastChecked = now
	if err != nil {
		m.snapshot.ConsecutiveFailures++
		m.snapshot.LastError = err.Error()
		if m.snapshot.ConsecutiveFailures >= offlineThreshold {
			m.snapshot.Online = false
		}
	} else {
		m.snapshot.ConsecutiveFailures = 0
		m.snapshot.LastError = ""
		m.snapshot.Online = true
	}
	online := m.snapshot.Online
	var subs []chan Event
	if online != was {
		subs = append(subs, m.subs...)
	}
	m.mu.Unlock()

	if online != was {
		if online {
			m.logger.Infow("remote reachable again")
		} else {
			m.logger.Warnw("remote unreachable, working offline", "error", err)
		}
		broadcast(subs, Event{Online: online, At: now, Err: err})
	}
	return online
}

// Run 按间隔探测直到 ctx 取消，启动时先探测一次。
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func broadcast(subs []chan Event, ev Event) {
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Static 手动设置在线状态的 Source，用于测试与强制离线。
type Static struct {
	mu     sync.RWMutex
	online bool
	subs   []chan Event
}

var _ Notifier = (*Static)(nil)

// NewStatic 构造 Static
func NewStatic(online bool) *Static {
	return &Static{online: online}
}

// Online 实现 Source
func (s *Static) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Set 修改在线状态，变化时通知订阅者
func (s *Static) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	subs := append([]chan Event(nil), s.subs...)
	s.mu.Unlock()
	if changed {
		broadcast(subs, Event{Online: online, At: time.Now()})
	}
}

// Subscribe 实现 Notifier
func (s *Static) Subscribe() <-chan Event {
	ch := make(chan Event, 8)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}
