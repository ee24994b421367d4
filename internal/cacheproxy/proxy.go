package cacheproxy

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

	"github.com/sleepset/internal/connectivity"
	"github.com/sleepset/internal/model"
	"go.uber.org/zap"
)

// OfflineMessage 离线时合成响应中的提示
const OfflineMessage = "オフライン状態です。データは再接続時に同期されます。"

const (
	// HeaderCache 标记响应来源：hit 为缓存，offline 为合成
	HeaderCache = "X-Sleepset-Cache"

	maxCachedBody = 8 << 20
)

// Registrar 请求后台同步，*scheduler.Scheduler 满足该接口
type Registrar interface {
	Trigger(tag string) error
}

// Options 缓存策略配置
type Options struct {
	StaticCache  string
	APICache     string
	APIAllowlist []string
	Precache     []string
	AppShell     string
}

// Proxy 是放在所有出站请求前面的 http.RoundTripper：
// 静态资源缓存优先，白名单 API 网络优先，其余 API 在线直通、离线合成响应。
type Proxy struct {
	next      http.RoundTripper
	storage   *Storage
	online    connectivity.Source
	registrar Registrar
	opts      Options
	allow     map[string]bool
	logger    *zap.SugaredLogger
}

var _ http.RoundTripper = (*Proxy)(nil)

// New 构造 Proxy。next 为 nil 时使用 http.DefaultTransport。
func New(next http.RoundTripper, storage *Storage, online connectivity.Source, registrar Registrar, opts Options, logger *zap.SugaredLogger) *Proxy {
	if next == nil {
		next = http.DefaultTransport
	}
	if online == nil {
		online = connectivity.NewStatic(true)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.AppShell == "" {
		opts.AppShell = "/"
	}
	allow := make(map[string]bool, len(opts.APIAllowlist))
	for _, p := range opts.APIAllowlist {
		allow[p] = true
	}
	return &Proxy{
		next:      next,
		storage:   storage,
		online:    online,
		registrar: registrar,
		opts:      opts,
		allow:     allow,
		logger:    logger,
	}
}

// CacheNames 当前版本的缓存名
func (p *Proxy) CacheNames() []string {
	return []string{p.opts.StaticCache, p.opts.APICache}
}

// RoundTrip 实现 http.RoundTripper
func (p *Proxy) RoundTrip(req *http.Request) (*http.Response, error) {
	if !strings.HasPrefix(req.URL.Path, "/api/") {
		return p.cacheFirst(req)
	}
	if req.Method == http.MethodGet && p.allow[req.URL.Path] {
		return p.networkFirst(req)
	}
	if p.online.Online() {
		resp, err := p.next.RoundTrip(req)
		if err == nil {
			return resp, nil
		}
		p.logger.Infow("api request failed, answering offline", "path", req.URL.Path, "error", err)
	}
	return p.offlineAPI(req)
}

// cacheFirst 静态资源：命中即返回；未命中取网络并缓存 200；
// 网络失败时导航请求返回应用外壳，其余返回 408。
func (p *Proxy) cacheFirst(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return p.next.RoundTrip(req)
	}
	ctx := req.Context()
	key := req.URL.String()
	if cached, err := p.storage.Match(ctx, p.opts.StaticCache, http.MethodGet, key); err == nil {
		return cachedResponse(req, cached), nil
	} else if !errors.Is(err, ErrMiss) {
		p.logger.Warnw("static cache lookup failed", "url", key, "error", err)
	}

	resp, err := p.next.RoundTrip(req)
	if err != nil {
		if isNavigation(req) {
			shell := *req.URL
			shell.Path = p.opts.AppShell
			shell.RawQuery = ""
			if cached, matchErr := p.storage.Match(ctx, p.opts.StaticCache, http.MethodGet, shell.String()); matchErr == nil {
				return cachedResponse(req, cached), nil
			}
		}
		return syntheticResponse(req, http.StatusRequestTimeout, "Offline", nil, nil), nil
	}
	if resp.StatusCode == http.StatusOK {
		return p.store(ctx, p.opts.StaticCache, req, resp)
	}
	return resp, nil
}

// networkFirst 白名单 API：优先网络并缓存副本，失败时返回上次缓存。
func (p *Proxy) networkFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	resp, err := p.next.RoundTrip(req)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			return p.store(ctx, p.opts.APICache, req, resp)
		}
		return resp, nil
	}
	if cached, matchErr := p.storage.Match(ctx, p.opts.APICache, http.MethodGet, req.URL.String()); matchErr == nil {
		return cachedResponse(req, cached), nil
	}
	return p.offlineAPI(req)
}

// offlineAPI 离线的非白名单 API：读请求优先返回缓存；
// 写请求登记对应域的后台同步，请求体不保存（由同步客户端的队列负责）。
func (p *Proxy) offlineAPI(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Body != nil {
		req.Body.Close()
	}
	if !isMutating(req.Method) {
		cached, err := p.storage.MatchAny(ctx, p.CacheNames(), req.Method, req.URL.String())
		if err == nil {
			return cachedResponse(req, cached), nil
		}
	} else if p.registrar != nil {
		tag := model.DomainForPath(req.URL.Path).Tag()
		if err := p.registrar.Trigger(tag); err != nil {
			p.logger.Warnw("background sync not registered", "tag", tag, "error", err)
		}
	}
	body, _ := json.Marshal(map[string]any{"offline": true, "message": OfflineMessage})
	header := http.Header{"Content-Type": {"application/json; charset=utf-8"}}
	return syntheticResponse(req, http.StatusOK, "", header, body), nil
}

// store 读取完整响应体，缓存副本后返回一个可再次读取的响应
func (p *Proxy) store(ctx context.Context, cacheName string, req *http.Request, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody+1))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	if len(body) > maxCachedBody {
		return resp, nil
	}
	header := resp.Header.Clone()
	header.Del("Set-Cookie")
	if err := p.storage.Put(ctx, cacheName, http.MethodGet, req.URL.String(), CachedResponse{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}); err != nil {
		p.logger.Warnw("response not cached", "cache", cacheName, "url", req.URL.String(), "error", err)
	}
	return resp, nil
}

// Install 预缓存资源列表，base 为远端地址。已成功的条目保留，失败汇总返回。
func (p *Proxy) Install(ctx context.Context, base *url.URL) error {
	var errs []error
	for _, asset := range p.opts.Precache {
		ref, err := url.Parse(asset)
		if err != nil {
			errs = append(errs, fmt.Errorf("precache %s: %w", asset, err))
			continue
		}
		target := base.ResolveReference(ref)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("precache %s: %w", asset, err))
			continue
		}
		resp, err := p.next.RoundTrip(req)
		if err != nil {
			errs = append(errs, fmt.Errorf("precache %s: %w", asset, err))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			errs = append(errs, fmt.Errorf("precache %s: status %d", asset, resp.StatusCode))
			continue
		}
		if _, err := p.store(ctx, p.opts.StaticCache, req, resp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Activate 删除所有不属于当前版本的缓存，返回被删除的缓存名
func (p *Proxy) Activate(ctx context.Context) ([]string, error) {
	names, err := p.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	keep := map[string]bool{}
	for _, name := range p.CacheNames() {
		keep[name] = true
	}
	var deleted []string
	for _, name := range names {
		if keep[name] {
			continue
		}
		if err := p.storage.DeleteCache(ctx, name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, name)
	}
	if len(deleted) > 0 {
		p.logger.Infow("old caches removed", "caches", deleted)
	}
	return deleted, nil
}

// Clear 用户触发的缓存清空
func (p *Proxy) Clear(ctx context.Context) error {
	return p.storage.Clear(ctx)
}

func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func cachedResponse(req *http.Request, cached CachedResponse) *http.Response {
	header := cached.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderCache, "hit")
	return syntheticResponse(req, cached.Status, "", header, cached.Body)
}

func syntheticResponse(req *http.Request, status int, statusText string, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	if header.Get(HeaderCache) == "" {
		header.Set(HeaderCache, "offline")
	}
	if statusText == "" {
		statusText = http.StatusText(status)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, statusText),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
