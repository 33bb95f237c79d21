package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/any-hub/sw-precache/internal/cache"
	"github.com/any-hub/sw-precache/internal/logging"
)

// Strategy 处理命中运行时路由的请求，成功时返回的 FetchResult 必须带响应。
type Strategy func(ctx context.Context, tk *Toolkit, req *Request) (*FetchResult, error)

var strategies sync.Map

// ErrDuplicateStrategy 表示同名策略已注册。
var ErrDuplicateStrategy = errors.New("strategy already registered")

// RegisterStrategy 以名称注册策略，名称区分大小写，与 runtimeCaching[].handler 对应。
func RegisterStrategy(name string, strategy Strategy) error {
	key := strings.TrimSpace(name)
	if key == "" {
		return errors.New("strategy name required")
	}
	if strategy == nil {
		return errors.New("strategy required")
	}
	if _, loaded := strategies.LoadOrStore(key, strategy); loaded {
		return ErrDuplicateStrategy
	}
	return nil
}

// MustRegisterStrategy panics on registration failure.
func MustRegisterStrategy(name string, strategy Strategy) {
	if err := RegisterStrategy(name, strategy); err != nil {
		panic(err)
	}
}

// LookupStrategy 返回已注册的策略。
func LookupStrategy(name string) (Strategy, bool) {
	if value, ok := strategies.Load(strings.TrimSpace(name)); ok {
		if strategy, ok := value.(Strategy); ok {
			return strategy, true
		}
	}
	return nil, false
}

func init() {
	MustRegisterStrategy("networkOnly", networkOnly)
	MustRegisterStrategy("cacheOnly", cacheOnly)
	MustRegisterStrategy("cacheFirst", cacheFirst)
	MustRegisterStrategy("networkFirst", networkFirst)
	MustRegisterStrategy("fastest", fastest)
}

// Toolkit 是策略可用的操作集合，绑定到单条路由的运行时命名空间。
type Toolkit struct {
	r     *Reconciler
	route *route
}

// CacheName 返回路由对应的运行时命名空间。
func (t *Toolkit) CacheName() string {
	return t.route.cacheName
}

// Network 直接请求网络，不写缓存。
func (t *Toolkit) Network(ctx context.Context, req *Request) (*FetchResult, error) {
	resp, err := t.r.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &FetchResult{Handled: true, Response: resp, Source: SourceNetwork}, nil
}

// CacheOnly 只读运行时命名空间，未命中时返回 cache.ErrNotFound。
func (t *Toolkit) CacheOnly(ctx context.Context, req *Request) (*FetchResult, error) {
	c, err := t.r.storage.Open(ctx, t.route.cacheName)
	if err != nil {
		return nil, err
	}
	resp, err := c.Match(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	return &FetchResult{Handled: true, Response: resp, Source: SourceRuntime, CacheName: t.route.cacheName}, nil
}

// FetchAndCache 请求网络，GET 且 2xx 的响应写入运行时命名空间并按 maxEntries 淘汰最旧条目。
// 写缓存失败只记录日志，不影响返回的响应。
func (t *Toolkit) FetchAndCache(ctx context.Context, req *Request) (*FetchResult, error) {
	result, err := t.Network(ctx, req)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(req.Method, http.MethodGet) && isOK(result.Response) {
		if err := t.store(ctx, req.URL, result.Response); err != nil {
			t.r.logger.WithFields(logging.ReconcileFields("runtime_store", t.route.cacheName, req.URL)).
				WithError(err).Warn("runtime cache write failed")
		}
	}
	return result, nil
}

func (t *Toolkit) store(ctx context.Context, key string, resp *cache.Response) error {
	c, err := t.r.storage.Open(ctx, t.route.cacheName)
	if err != nil {
		return err
	}
	if _, err := c.Delete(ctx, key); err != nil {
		return err
	}
	if err := c.Put(ctx, key, resp); err != nil {
		return err
	}
	removed, err := cache.Trim(ctx, c, t.route.MaxEntries)
	if removed > 0 {
		t.r.logger.WithFields(logging.ReconcileFields("runtime_trim", t.route.cacheName, "")).
			WithField("removed", removed).Debug("runtime cache trimmed")
	}
	return err
}

// Go 在对账器的后台组中运行 fn，Reconciler.Wait 会等待它结束。
func (t *Toolkit) Go(fn func()) {
	t.r.background.Add(1)
	go func() {
		defer t.r.background.Done()
		fn()
	}()
}

func networkOnly(ctx context.Context, tk *Toolkit, req *Request) (*FetchResult, error) {
	return tk.Network(ctx, req)
}

func cacheOnly(ctx context.Context, tk *Toolkit, req *Request) (*FetchResult, error) {
	return tk.CacheOnly(ctx, req)
}

func cacheFirst(ctx context.Context, tk *Toolkit, req *Request) (*FetchResult, error) {
	result, err := tk.CacheOnly(ctx, req)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		tk.r.logger.WithFields(logging.ReconcileFields("runtime_read", tk.CacheName(), req.URL)).
			WithError(err).Warn("runtime cache read failed")
	}
	return tk.FetchAndCache(ctx, req)
}

func networkFirst(ctx context.Context, tk *Toolkit, req *Request) (*FetchResult, error) {
	result, netErr := tk.FetchAndCache(ctx, req)
	if netErr == nil {
		return result, nil
	}
	if cached, err := tk.CacheOnly(ctx, req); err == nil {
		return cached, nil
	}
	return nil, netErr
}

// fastest 同时查询缓存与网络，先成功者返回；网络请求总会继续完成并更新缓存。
func fastest(ctx context.Context, tk *Toolkit, req *Request) (*FetchResult, error) {
	type outcome struct {
		result *FetchResult
		err    error
	}
	outcomes := make(chan outcome, 2)
	networkCtx := context.WithoutCancel(ctx)
	tk.Go(func() {
		result, err := tk.FetchAndCache(networkCtx, req)
		outcomes <- outcome{result, err}
	})
	tk.Go(func() {
		result, err := tk.CacheOnly(ctx, req)
		outcomes <- outcome{result, err}
	})

	reasons := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		o := <-outcomes
		if o.err == nil && o.result != nil && o.result.Response != nil {
			return o.result, nil
		}
		if o.err == nil {
			o.err = errors.New("no result returned")
		}
		reasons = append(reasons, o.err.Error())
	}
	return nil, fmt.Errorf(`both cache and network failed: "%s"`, strings.Join(reasons, `", "`))
}
