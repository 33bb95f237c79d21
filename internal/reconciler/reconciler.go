package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/sw-precache/internal/cache"
	"github.com/any-hub/sw-precache/internal/config"
	"github.com/any-hub/sw-precache/internal/failure"
	"github.com/any-hub/sw-precache/internal/logging"
	"github.com/any-hub/sw-precache/internal/manifest"
	"github.com/any-hub/sw-precache/internal/render"
)

// State 是对账器的生命周期状态。
type State int

const (
	StateRegistered State = iota
	StateInstalling
	StateInstalled
	StateActive
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Source 标识 fetch 响应的来源。
type Source string

const (
	SourcePrecache Source = "precache"
	SourceRuntime  Source = "runtime"
	SourceNetwork  Source = "network"
)

// FetchResult 是 OnFetch 的结果；Handled 为 false 时调用方按默认方式处理请求。
type FetchResult struct {
	Handled   bool
	Response  *cache.Response
	Source    Source
	CacheName string
}

// Message 是发给对账器的控制消息，目前只识别 delete_all。
type Message struct {
	Command string `json:"command"`
}

// Reply 对应消息端口的回复，Error 为 nil 表示成功。
type Reply struct {
	Error error
}

// CommandDeleteAll 删除存储中的全部命名空间（包括不带本对账器前缀的）。
const CommandDeleteAll = "delete_all"

var (
	// ErrInstallInProgress 表示已有 install 正在执行。
	ErrInstallInProgress = errors.New("install already in progress")
	// ErrNotInstalled 表示 activate 之前没有成功的 install。
	ErrNotInstalled = errors.New("reconciler not installed")
)

const installConcurrency = 8

// Options 描述一个对账器实例。
type Options struct {
	Config   config.Options
	Manifest manifest.Manifest
	// ScriptURL 是生成脚本的绝对地址，manifest 中的相对 URL 以它为基准解析。
	ScriptURL string
	// Scope 是注册作用域，参与命名空间命名。
	Scope string
	// SkipWaiting 为 true 时 install 成功后直接进入 Active。
	SkipWaiting bool
	Metrics     *Metrics
	// Now 用于生成 cache-busting 参数，默认 time.Now。
	Now func() time.Time
}

// Reconciler 是生成脚本运行时行为的宿主侧实现，可并发调用。
type Reconciler struct {
	storage cache.Storage
	fetcher Fetcher
	logger  *logrus.Logger
	metrics *Metrics
	opts    Options

	base         *url.URL
	prefix       string
	mappings     Mappings
	fallbackURL  string
	routes       []*route
	defaultRoute *route
	desiredNames []string

	mu    sync.Mutex
	state State

	background sync.WaitGroup
}

type route struct {
	render.Route
	pattern   *regexp.Regexp
	origin    *regexp.Regexp
	strategy  Strategy
	cacheName string
}

// New 校验选项并预先计算命名空间映射与路由表。
func New(storage cache.Storage, fetcher Fetcher, logger *logrus.Logger, opts Options) (*Reconciler, error) {
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	base, err := url.Parse(opts.ScriptURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("script url must be absolute: %q", opts.ScriptURL)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		if metrics, err = NewMetrics(nil); err != nil {
			return nil, err
		}
	}

	r := &Reconciler{
		storage: storage,
		fetcher: fetcher,
		logger:  logger,
		metrics: metrics,
		opts:    opts,
		base:    base,
		prefix:  CacheNamePrefix(opts.Config.CacheID, opts.Scope),
	}

	r.mappings, err = PopulateCurrentCacheNames(opts.Manifest, r.prefix, opts.ScriptURL)
	if err != nil {
		return nil, err
	}
	for name := range r.mappings.CacheNameToAbsoluteURL {
		r.desiredNames = append(r.desiredNames, name)
	}
	sort.Strings(r.desiredNames)

	if opts.Config.NavigateFallback != "" {
		if r.fallbackURL, err = resolve(base, opts.Config.NavigateFallback); err != nil {
			return nil, err
		}
	}

	table, fallback := render.RoutingTable(opts.Config.RuntimeCaching)
	for _, entry := range table {
		compiled, err := r.compileRoute(entry)
		if err != nil {
			return nil, err
		}
		r.routes = append(r.routes, compiled)
	}
	if fallback != "" {
		if r.defaultRoute, err = r.compileRoute(render.Route{Handler: fallback, Method: "any"}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Reconciler) compileRoute(entry render.Route) (*route, error) {
	strategy, ok := LookupStrategy(entry.Handler)
	if !ok {
		return nil, fmt.Errorf("unknown runtime caching handler %q", entry.Handler)
	}
	compiled := &route{
		Route:     entry,
		strategy:  strategy,
		cacheName: RuntimeCacheName(r.opts.Config.CacheID, r.opts.Scope, entry.CacheName),
	}
	if entry.Pattern != "" {
		re, err := regexp.Compile(entry.Pattern)
		if err != nil {
			return nil, fmt.Errorf("runtime caching pattern %q: %w", entry.Pattern, err)
		}
		compiled.pattern = re
	}
	if entry.Origin != "" {
		re, err := regexp.Compile(entry.Origin)
		if err != nil {
			return nil, fmt.Errorf("runtime caching origin %q: %w", entry.Origin, err)
		}
		compiled.origin = re
	}
	return compiled, nil
}

// State 返回当前生命周期状态。
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CacheNamePrefix 返回本实例的预缓存命名空间前缀。
func (r *Reconciler) CacheNamePrefix() string {
	return r.prefix
}

// Mappings 返回 manifest 条目与命名空间的映射。
func (r *Reconciler) Mappings() Mappings {
	return r.mappings
}

// Wait 等待 fastest 等策略启动的后台请求结束。
func (r *Reconciler) Wait() {
	r.background.Wait()
}

func (r *Reconciler) transition(from []State, to State) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.state
	for _, allowed := range from {
		if current == allowed {
			r.state = to
			return current, true
		}
	}
	return current, false
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// OnInstall 补齐缺失的命名空间并删除带本前缀但不再需要的命名空间。
// 已存在的命名空间不会重新拉取；失败时已创建的命名空间保留，下次 install 只补剩余部分。
func (r *Reconciler) OnInstall(ctx context.Context) error {
	previous, ok := r.transition([]State{StateRegistered, StateInstalled, StateActive}, StateInstalling)
	if !ok {
		return ErrInstallInProgress
	}

	if err := r.install(ctx); err != nil {
		r.metrics.InstallFailures.Inc()
		r.setState(StateRegistered)
		r.logger.WithFields(logging.ReconcileFields("install", "", "")).
			WithFields(failure.Context(err)).WithError(err).Error("install failed")
		return err
	}

	next := StateInstalled
	if r.opts.SkipWaiting || previous == StateActive {
		next = StateActive
	}
	r.setState(next)
	r.logger.WithFields(logging.ReconcileFields("install", "", "")).
		WithField("state", next.String()).Info("install complete")
	return nil
}

func (r *Reconciler) install(ctx context.Context) error {
	existing, err := r.storage.Keys(ctx)
	if err != nil {
		return failure.CacheRead("", err)
	}
	present := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		present[name] = struct{}{}
	}

	now := r.opts.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for _, name := range r.desiredNames {
		if _, ok := present[name]; ok {
			continue
		}
		name := name
		g.Go(func() error {
			return r.precache(gctx, ctx, name, now)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, name := range existing {
		if !strings.HasPrefix(name, r.prefix) {
			continue
		}
		if _, desired := r.mappings.CacheNameToAbsoluteURL[name]; desired {
			continue
		}
		r.logger.WithFields(logging.ReconcileFields("delete_stale", name, "")).Info("deleting out-of-date cache")
		if _, err := r.storage.Delete(ctx, name); err != nil {
			return failure.IO("delete cache", name, err)
		}
		r.metrics.CacheDeletions.Inc()
	}
	return nil
}

// precache 拉取单个条目；失败时删除本次新建的命名空间，cleanupCtx 不随 errgroup 取消。
func (r *Reconciler) precache(ctx, cleanupCtx context.Context, name string, now time.Time) error {
	absolute := r.mappings.CacheNameToAbsoluteURL[name]
	busted, err := CacheBustedURL(absolute, now)
	if err != nil {
		return failure.InstallFetch(absolute, name, err)
	}

	c, err := r.storage.Open(ctx, name)
	if err != nil {
		return failure.InstallFetch(absolute, name, err)
	}

	r.metrics.InstallFetches.Inc()
	resp, err := r.fetcher.Fetch(ctx, &Request{Method: http.MethodGet, URL: busted})
	if err == nil && !isOK(resp) {
		err = fmt.Errorf("request for %s returned a response with status %d", busted, resp.Status)
	}
	if err == nil {
		err = c.Put(ctx, absolute, resp)
	}
	if err != nil {
		if _, delErr := r.storage.Delete(cleanupCtx, name); delErr != nil {
			r.logger.WithFields(logging.ReconcileFields("install_cleanup", name, absolute)).
				WithError(delErr).Warn("failed to remove incomplete cache")
		}
		return failure.InstallFetch(absolute, name, err)
	}

	r.logger.WithFields(logging.ReconcileFields("precache", name, absolute)).Debug("precached")
	return nil
}

// OnActivate 把 Installed 切换为 Active；已是 Active 时不做处理。
func (r *Reconciler) OnActivate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, ok := r.transition([]State{StateInstalled, StateActive}, StateActive)
	if !ok {
		return fmt.Errorf("%w: state %s", ErrNotInstalled, current)
	}
	r.logger.WithFields(logging.ReconcileFields("activate", "", "")).Info("activated")
	return nil
}

// OnFetch 处理被拦截的请求，只在 Active 状态下生效。GET 请求先按 manifest
// 查找预缓存（目录索引、导航回退），其余请求与未命中的 GET 交给运行时路由表。
func (r *Reconciler) OnFetch(ctx context.Context, req *Request) (*FetchResult, error) {
	if r.State() != StateActive || !r.opts.Config.HandleFetch {
		return &FetchResult{}, nil
	}
	if req.Method == "" || strings.EqualFold(req.Method, http.MethodGet) {
		result, err := r.lookupPrecached(ctx, req)
		if result != nil || err != nil {
			return result, err
		}
	}

	if matched := r.findRoute(req); matched != nil {
		result, err := matched.strategy(ctx, &Toolkit{r: r, route: matched}, req)
		if err != nil {
			return nil, err
		}
		r.metrics.FetchOutcomes.WithLabelValues(string(result.Source)).Inc()
		return result, nil
	}
	return &FetchResult{}, nil
}

// lookupPrecached 在 manifest 中查找请求对应的命名空间，未命中时返回 nil, nil。
func (r *Reconciler) lookupPrecached(ctx context.Context, req *Request) (*FetchResult, error) {
	key, err := StripIgnoredURLParameters(req.URL, r.opts.Config.IgnoreURLParametersMatching)
	if err != nil {
		return nil, err
	}
	cacheName := r.mappings.AbsoluteURLToCacheName[key]
	if cacheName == "" && r.opts.Config.DirectoryIndex != "" {
		if key, err = AddDirectoryIndex(key, r.opts.Config.DirectoryIndex); err != nil {
			return nil, err
		}
		cacheName = r.mappings.AbsoluteURLToCacheName[key]
	}
	if cacheName == "" && r.fallbackURL != "" && req.Navigate &&
		IsPathWhitelisted(r.opts.Config.NavigateFallbackWhitelist, req.URL) {
		key = r.fallbackURL
		cacheName = r.mappings.AbsoluteURLToCacheName[key]
	}

	if cacheName == "" {
		return nil, nil
	}
	return r.servePrecached(ctx, req, key, cacheName)
}

func (r *Reconciler) servePrecached(ctx context.Context, req *Request, key, cacheName string) (*FetchResult, error) {
	resp, err := cache.Match(ctx, r.storage, key, r.prefix)
	switch {
	case err == nil:
		r.metrics.FetchOutcomes.WithLabelValues(string(SourcePrecache)).Inc()
		return &FetchResult{Handled: true, Response: resp, Source: SourcePrecache, CacheName: cacheName}, nil
	case errors.Is(err, cache.ErrNotFound):
		r.logger.WithFields(logging.ReconcileFields("precache_miss", cacheName, key)).Debug("precache miss")
	default:
		readErr := failure.CacheRead(key, err)
		r.logger.WithFields(logging.ReconcileFields("precache_read", cacheName, key)).
			WithError(readErr).Warn("couldn't serve response from cache")
	}

	resp, err = r.fetcher.Fetch(ctx, req)
	if err != nil {
		r.logger.WithFields(logging.ReconcileFields("network", cacheName, req.URL)).
			WithError(err).Error("fetch failed")
		return nil, err
	}
	r.metrics.FetchOutcomes.WithLabelValues(string(SourceNetwork)).Inc()
	return &FetchResult{Handled: true, Response: resp, Source: SourceNetwork, CacheName: cacheName}, nil
}

func (r *Reconciler) findRoute(req *Request) *route {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil
	}
	normalizePath(u)
	method := strings.ToLower(req.Method)
	if method == "" {
		method = "get"
	}
	origin := originOf(u)
	sameOrigin := origin == originOf(r.base)

	for _, candidate := range r.routes {
		if candidate.Method != "any" && candidate.Method != method {
			continue
		}
		if candidate.origin != nil && !candidate.origin.MatchString(origin) {
			continue
		}
		subject := origin + u.EscapedPath()
		if candidate.PathOnly {
			if !sameOrigin {
				continue
			}
			subject = u.EscapedPath()
		}
		if candidate.pattern.MatchString(subject) {
			return candidate
		}
	}
	return r.defaultRoute
}

// OnMessage 处理控制消息并把结果写入 reply；错误只通过 reply 返回。
// reply 为 nil 或 ctx 结束时结果被丢弃。
func (r *Reconciler) OnMessage(ctx context.Context, msg Message, reply chan<- Reply) {
	if msg.Command != CommandDeleteAll {
		return
	}
	r.logger.WithFields(logging.ReconcileFields(CommandDeleteAll, "", "")).Info("about to delete all caches")
	result := Reply{Error: r.deleteAll(ctx)}
	if result.Error != nil {
		r.logger.WithFields(logging.ReconcileFields(CommandDeleteAll, "", "")).
			WithError(result.Error).Warn("caches not deleted")
	}
	if reply == nil {
		return
	}
	select {
	case reply <- result:
	case <-ctx.Done():
	}
}

func (r *Reconciler) deleteAll(ctx context.Context) error {
	names, err := r.storage.Keys(ctx)
	if err != nil {
		return failure.DeleteAll("", err)
	}
	for _, name := range names {
		if _, err := r.storage.Delete(ctx, name); err != nil {
			return failure.DeleteAll(name, err)
		}
		r.metrics.CacheDeletions.Inc()
	}
	return nil
}
