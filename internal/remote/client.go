package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sleepset/internal/model"
)

const (
	defaultBaseURL   = "http://127.0.0.1:8080"
	defaultUserAgent = "sleepset-agent/1.0"
	requestTimeout   = 10 * time.Second

	// HeaderIdempotencyKey 重放写请求时携带的去重键
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderDeviceID 标识发起写入的设备
	HeaderDeviceID = "X-Device-ID"
)

// ErrNetworkUnreachable 请求没有得到任何 HTTP 响应（连接失败、超时等）。
var ErrNetworkUnreachable = errors.New("network unreachable")

// RejectedError 服务端返回了非 2xx 状态。
type RejectedError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s rejected with status %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s rejected with status %d", e.Method, e.Path, e.Status)
}

// Permanent 表示重放同一请求不会成功（除 408/429 以外的 4xx）。
func (e *RejectedError) Permanent() bool {
	if e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests {
		return false
	}
	return e.Status >= 400 && e.Status < 500
}

// AsRejected 从错误链中取出 RejectedError
func AsRejected(err error) (*RejectedError, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}

// Envelope 服务端 JSON 响应的统一外层。
type Envelope[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
}

// API 是同步核心依赖的服务端能力，由 *Client 实现，测试中可替换。
type API interface {
	Do(ctx context.Context, method, path string, body []byte, idempotencyKey string, dest any) error
	FetchSleep(ctx context.Context) (model.SleepData, error)
	FetchPet(ctx context.Context) (model.PetState, error)
	Sync(ctx context.Context, payload model.SyncPayload, idempotencyKey string) (model.SleepData, error)
	Ping(ctx context.Context) error
}

var _ API = (*Client)(nil)

// Client 访问远端 SleepSet 服务。
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	token     string
	deviceID  string
	userAgent string
}

// Option 配置 Client
type Option func(*Client)

// WithToken 设置 Bearer token
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithDeviceID 设置设备 ID，随每个请求发送
func WithDeviceID(id string) Option {
	return func(c *Client) { c.deviceID = strings.TrimSpace(id) }
}

// WithHTTPClient 替换底层 http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient 以服务端地址构造 Client
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: requestTimeout},
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL 返回服务端地址副本
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// FetchSleep 读取睡眠域权威状态
func (c *Client) FetchSleep(ctx context.Context) (model.SleepData, error) {
	var payload Envelope[model.SleepData]
	if err := c.Do(ctx, http.MethodGet, "/api/sleep", nil, "", &payload); err != nil {
		return model.SleepData{}, err
	}
	data := payload.Data
	if data.Records == nil {
		data.Records = []model.Record{}
	}
	data.Recompute()
	return data, nil
}

// FetchPet 读取宠物域权威状态
func (c *Client) FetchPet(ctx context.Context) (model.PetState, error) {
	var payload Envelope[model.PetState]
	if err := c.Do(ctx, http.MethodGet, "/api/sleepen", nil, "", &payload); err != nil {
		return model.PetState{}, err
	}
	return payload.Data.Clone(), nil
}

// Sync 上送完整睡眠域状态，返回合并后的权威状态
func (c *Client) Sync(ctx context.Context, payload model.SyncPayload, idempotencyKey string) (model.SleepData, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return model.SleepData{}, fmt.Errorf("encode sync payload: %w", err)
	}
	var resp Envelope[model.SyncPayload]
	if err := c.Do(ctx, http.MethodPost, "/api/sync", body, idempotencyKey, &resp); err != nil {
		return model.SleepData{}, err
	}
	return resp.Data.ToSleepData(), nil
}

// Ping 探测服务端是否可达
func (c *Client) Ping(ctx context.Context) error {
	return c.Do(ctx, http.MethodGet, "/ping", nil, "", nil)
}

// Do 发送一次请求。body 为 JSON 字节，dest 非空时解码响应体。
func (c *Client) Do(ctx context.Context, method, path string, body []byte, idempotencyKey string, dest any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	rel, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse path %q: %w", path, err)
	}
	reqURL := c.baseURL.ResolveReference(rel)

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceID != "" {
		req.Header.Set(HeaderDeviceID, c.deviceID)
	}
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrNetworkUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RejectedError{
			Method:  method,
			Path:    path,
			Status:  resp.StatusCode,
			Message: errorMessage(resp.Body),
		}
	}
	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse remote url %q: %w", raw, err)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
