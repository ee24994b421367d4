package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sleepset/internal/connectivity"
	"github.com/sleepset/internal/model"
	"github.com/sleepset/internal/remote"
	"github.com/sleepset/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrRecordNotFound 本地没有对应日期的记录
	ErrRecordNotFound = errors.New("record not found")
	// errActivityRefused 活动因条件不足未执行
	errActivityRefused = errors.New("activity refused")
)

// Outcome 一次变更提交的结果
type Outcome string

const (
	// SavedOnline 服务端已确认
	SavedOnline Outcome = "saved-online"
	// SavedOffline 已写入本地并入队，等待后台同步
	SavedOffline Outcome = "saved-offline"
	// SavedLocalOnly 持久库不可用，只保存在回退存储中且没有入队
	SavedLocalOnly Outcome = "saved-local-only"
	// NotApplied 变更条件不满足（例如宠物体力不足），状态未改变
	NotApplied Outcome = "not-applied"
)

// Result SubmitMutation 的返回
type Result struct {
	Outcome  Outcome               `json:"outcome"`
	Domain   model.Domain          `json:"domain"`
	Activity *model.ActivityResult `json:"activity,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// Registrar 请求后台执行某个同步任务，*scheduler.Scheduler 满足该接口
type Registrar interface {
	Trigger(tag string) error
}

// Deps 构造 Client 所需依赖
type Deps struct {
	State     *AppState
	Snapshots *store.Snapshots
	Remote    remote.API
	Online    connectivity.Source
	Registrar Registrar
	Notifier  Notifier
	Logger    *zap.SugaredLogger
	DeviceID  string
	Now       func() time.Time
}

// Client 是前台的同步客户端：先写本地，再尝试服务端，失败则入队等待后台同步。
type Client struct {
	state     *AppState
	snapshots *store.Snapshots
	queue     store.Queue
	remote    remote.API
	online    connectivity.Source
	registrar Registrar
	notifier  Notifier
	logger    *zap.SugaredLogger
	deviceID  string
	now       func() time.Time

	// 同一时刻只有一个写入者
	mu sync.Mutex
}

// New 构造 Client
func New(deps Deps) *Client {
	c := &Client{
		state:     deps.State,
		snapshots: deps.Snapshots,
		remote:    deps.Remote,
		online:    deps.Online,
		registrar: deps.Registrar,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		deviceID:  deps.DeviceID,
		now:       deps.Now,
	}
	if c.state == nil {
		c.state = NewAppState()
	}
	if c.snapshots == nil {
		c.snapshots = store.NewSnapshots(nil, nil, deps.Logger)
	}
	if d := c.snapshots.Durable(); d != nil {
		c.queue = d
	}
	if c.online == nil {
		c.online = connectivity.NewStatic(true)
	}
	if c.notifier == nil {
		c.notifier = NotifierFunc(func(Notice) {})
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.deviceID == "" {
		c.deviceID = uuid.NewString()
	}
	return c
}

// State 返回内存状态
func (c *Client) State() *AppState {
	return c.state
}

// Degraded 持久库不可用时为 true
func (c *Client) Degraded() bool {
	return c.queue == nil
}

// Load 从本地存储恢复全部域；没有快照的域保持初始值。
func (c *Client) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, domain := range model.Domains() {
		if err := c.reloadLocked(ctx, domain); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reload 从本地存储重新载入某个域，作为后台同步完成后的回调目标。
func (c *Client) Reload(ctx context.Context, domain model.Domain) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadLocked(ctx, domain)
}

func (c *Client) reloadLocked(ctx context.Context, domain model.Domain) error {
	raw, err := c.snapshots.Load(ctx, domain)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load %s snapshot: %w", domain, err)
	}
	return c.state.Decode(domain, raw)
}

// Refresh 与服务端对账（见 Reconcile）并写穿到存储。启动、恢复在线与后台重放
// 完成后都经过这里，与 SubmitMutation 共用写锁。
func (c *Client) Refresh(ctx context.Context, domain model.Domain) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !domain.Valid() {
		return fmt.Errorf("refresh: unknown domain %q", domain)
	}
	pending, err := c.pendingLocked(ctx, domain)
	if err != nil {
		return err
	}
	local, err := c.state.Encode(domain)
	if err != nil {
		return err
	}
	merged, err := Reconcile(ctx, c.remote, domain, local, pending)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", domain, err)
	}
	if err := c.state.Decode(domain, merged); err != nil {
		return err
	}
	return c.persistLocked(ctx, domain)
}

// SubmitMutation 提交一次变更。本地持久化总是先于任何网络请求完成。
func (c *Client) SubmitMutation(ctx context.Context, m Mutation) (Result, error) {
	if m.apply == nil || !m.Domain.Valid() {
		return Result{}, fmt.Errorf("submit: invalid mutation %q", m.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stamp := model.Stamp{UpdatedAt: c.now().UTC(), UpdatedBy: c.deviceID}
	var (
		body     any
		activity *model.ActivityResult
	)
	err := c.state.mutate(func(sleep *model.SleepData, pet *model.PetState) error {
		var applyErr error
		body, activity, applyErr = m.apply(sleep, pet, stamp)
		return applyErr
	})
	if errors.Is(err, errActivityRefused) {
		return Result{Outcome: NotApplied, Domain: m.Domain, Activity: activity}, nil
	}
	if err != nil {
		return Result{}, err
	}

	for _, domain := range m.domains() {
		if err := c.persistLocked(ctx, domain); err != nil {
			return Result{}, err
		}
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return Result{}, fmt.Errorf("encode %s body: %w", m.Name, err)
		}
	}
	idempotencyKey := uuid.NewString()
	result := Result{Domain: m.Domain, Activity: activity}

	sendErr := c.trySend(ctx, m, payload, idempotencyKey, &result)
	if sendErr == nil {
		result.Outcome = SavedOnline
		c.notify(NoticeSavedOnline, m.Domain, MessageSavedOnline)
		return result, nil
	}
	result.Error = sendErr.Error()

	if c.queue == nil {
		c.logger.Warnw("durable store unavailable, change kept locally only", "mutation", m.Name, "error", sendErr)
		result.Outcome = SavedLocalOnly
		c.notify(NoticeDegraded, m.Domain, MessageDegraded)
		return result, nil
	}

	_, err = c.queue.Enqueue(ctx, m.Domain, store.PendingWrite{
		Method:         m.Method,
		Path:           m.Path,
		Body:           payload,
		Key:            m.Key,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		c.logger.Warnw("enqueue failed, change kept locally only", "mutation", m.Name, "error", err)
		result.Outcome = SavedLocalOnly
		result.Error = err.Error()
		c.notify(NoticeDegraded, m.Domain, MessageDegraded)
		return result, nil
	}
	if c.registrar != nil {
		if err := c.registrar.Trigger(m.Domain.Tag()); err != nil {
			c.logger.Warnw("background sync not registered", "tag", m.Domain.Tag(), "error", err)
		}
	}
	result.Outcome = SavedOffline
	c.notify(NoticeSavedOffline, m.Domain, MessageSavedOffline)
	return result, nil
}

// 离线或队列中已有更早的写入时不直接发送
var (
	errOffline = errors.New("offline")
	errBacklog = errors.New("earlier writes still queued")
)

// trySend 在线且该域没有积压时直接发送；成功后采纳响应中的权威状态。
func (c *Client) trySend(ctx context.Context, m Mutation, payload []byte, idempotencyKey string, result *Result) error {
	if !c.online.Online() {
		return errOffline
	}
	if c.queue != nil {
		// 保持 FIFO：队列非空时新写入排在后面
		keys, err := c.queue.PendingKeys(ctx, m.Domain)
		if err == nil && len(keys) > 0 {
			return errBacklog
		}
	}

	var resp struct {
		Data   json.RawMessage       `json:"data"`
		Result *model.ActivityResult `json:"result,omitempty"`
	}
	if err := c.remote.Do(ctx, m.Method, m.Path, payload, idempotencyKey, &resp); err != nil {
		c.logger.Infow("write not confirmed by remote", "mutation", m.Name, "error", err)
		return err
	}
	if resp.Result != nil {
		result.Activity = resp.Result
	}
	if len(resp.Data) > 0 && string(resp.Data) != "null" {
		if err := c.adoptLocked(ctx, m.Domain, resp.Data); err != nil {
			c.logger.Warnw("canonical state not adopted", "mutation", m.Name, "error", err)
			return nil
		}
		if err := c.persistLocked(ctx, m.Domain); err != nil {
			c.logger.Warnw("canonical state not persisted", "mutation", m.Name, "error", err)
		}
	}
	return nil
}

func (c *Client) pendingLocked(ctx context.Context, domain model.Domain) (map[string]bool, error) {
	if c.queue == nil {
		return map[string]bool{}, nil
	}
	return c.queue.PendingKeys(ctx, domain)
}

// adoptLocked 采纳服务端权威状态：服务端优先，仍有待写的键保留本地版本。
func (c *Client) adoptLocked(ctx context.Context, domain model.Domain, raw []byte) error {
	pending, err := c.pendingLocked(ctx, domain)
	if err != nil {
		return err
	}
	local, err := c.state.Encode(domain)
	if err != nil {
		return err
	}
	merged, err := MergeCanonical(domain, local, raw, pending)
	if err != nil {
		return err
	}
	return c.state.Decode(domain, merged)
}

// MergeCanonical 对两份快照做服务端优先的合并，pending 中的键保留本地版本。
// local 为空时直接采用 canonical。
func MergeCanonical(domain model.Domain, local, canonical []byte, pending map[string]bool) ([]byte, error) {
	switch domain {
	case model.DomainSleep:
		remoteState, err := DecodeSleep(canonical)
		if err != nil {
			return nil, err
		}
		localState := model.NewSleepData()
		if len(local) > 0 {
			if localState, err = DecodeSleep(local); err != nil {
				return nil, err
			}
		}
		return json.Marshal(model.AdoptSleep(localState, remoteState, pending))
	case model.DomainPet:
		remoteState, err := DecodePet(canonical)
		if err != nil {
			return nil, err
		}
		localState := model.NewPetState()
		if len(local) > 0 {
			if localState, err = DecodePet(local); err != nil {
				return nil, err
			}
		}
		return json.Marshal(model.AdoptPet(localState, remoteState, len(pending) > 0))
	default:
		return nil, fmt.Errorf("merge: unknown domain %q", domain)
	}
}

func (c *Client) persistLocked(ctx context.Context, domain model.Domain) error {
	raw, err := c.state.Encode(domain)
	if err != nil {
		return err
	}
	if err := c.snapshots.Save(ctx, domain, raw); err != nil {
		return fmt.Errorf("persist %s: %w", domain, err)
	}
	return nil
}

func (c *Client) notify(kind NoticeKind, domain model.Domain, message string) {
	c.notifier.Notify(Notice{Kind: kind, Domain: domain, Message: message, At: c.now()})
}
