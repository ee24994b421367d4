package syncclient

import (
	"sync"
	"time"

	"github.com/sleepset/internal/model"
	"go.uber.org/zap"
)

// NoticeKind 用户通知类别
type NoticeKind string

const (
	NoticeSavedOnline  NoticeKind = "saved-online"
	NoticeSavedOffline NoticeKind = "saved-offline"
	NoticeDegraded     NoticeKind = "degraded"
	NoticeSynced       NoticeKind = "synced"
	NoticeSyncFailed   NoticeKind = "sync-failed"
	NoticeOnline       NoticeKind = "online"
	NoticeOffline      NoticeKind = "offline"
)

// 面向用户的提示文案
const (
	MessageSavedOnline  = "保存しました。"
	MessageSavedOffline = "オフラインモード: 変更はローカルに保存され、オンラインになったときに同期されます。"
	MessageDegraded     = "ローカル保存のみ: 同期キューが利用できないため、この変更は自動では同期されません。"
	MessageSynced       = "オフラインで保存したデータを同期しました。"
	MessageOnline       = "オンラインに戻りました。データを同期しています..."
	MessageOffline      = "オフラインになりました。データはローカルに保存されます。"
)

// Notice 一条用户可见通知
type Notice struct {
	Kind    NoticeKind   `json:"kind"`
	Domain  model.Domain `json:"domain,omitempty"`
	Message string       `json:"message"`
	At      time.Time    `json:"at"`
}

// Notifier 接收通知
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc 函数适配器
type NotifierFunc func(Notice)

// Notify 实现 Notifier
func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier 把通知写入日志
type LogNotifier struct {
	Logger *zap.SugaredLogger
}

// Notify 实现 Notifier
func (l LogNotifier) Notify(n Notice) {
	if l.Logger == nil {
		return
	}
	switch n.Kind {
	case NoticeDegraded, NoticeSyncFailed, NoticeOffline:
		l.Logger.Warnw(n.Message, "kind", n.Kind, "domain", n.Domain)
	default:
		l.Logger.Infow(n.Message, "kind", n.Kind, "domain", n.Domain)
	}
}

// ChannelNotifier 把通知投递到带缓冲通道，满时丢弃
type ChannelNotifier struct {
	C chan Notice
}

// NewChannelNotifier 构造 ChannelNotifier
func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelNotifier{C: make(chan Notice, buffer)}
}

// Notify 实现 Notifier
func (c *ChannelNotifier) Notify(n Notice) {
	select {
	case c.C <- n:
	default:
	}
}

// RecentNotifier 保留最近若干条通知，供状态接口展示
type RecentNotifier struct {
	mu    sync.Mutex
	limit int
	items []Notice
}

// NewRecentNotifier 构造 RecentNotifier
func NewRecentNotifier(limit int) *RecentNotifier {
	if limit <= 0 {
		limit = 20
	}
	return &RecentNotifier{limit: limit}
}

// Notify 实现 Notifier
func (r *RecentNotifier) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	if len(r.items) > r.limit {
		r.items = append([]Notice(nil), r.items[len(r.items)-r.limit:]...)
	}
}

// Recent 返回通知副本，旧的在前
func (r *RecentNotifier) Recent() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.items...)
}

// Fanout 把通知分发给多个 Notifier
type Fanout []Notifier

// Notify 实现 Notifier
func (f Fanout) Notify(n Notice) {
	for _, target := range f {
		if target != nil {
			target.Notify(n)
		}
	}
}
