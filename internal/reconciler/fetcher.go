package reconciler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"

	"github.com/any-hub/sw-precache/internal/cache"
)

// Request 是一次被拦截的请求；URL 必须是绝对地址。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Navigate 对应浏览器的 navigate 模式（顶层页面跳转）。
	Navigate bool
}

// Fetcher 代表网络访问，测试中可以替换为 httpmock 驱动的客户端。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch 实现 Fetcher。
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher 通过 http.Client 拉取资源并完整读取响应体。
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher 包装 client；没有 cookie jar 时补一个，对应同源请求携带凭据。
func NewHTTPFetcher(client *http.Client) (*HTTPFetcher, error) {
	if client == nil {
		client = &http.Client{}
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		copied := *client
		copied.Jar = jar
		client = &copied
	}
	return &HTTPFetcher{client: client}, nil
}

// Fetch 实现 Fetcher；非 2xx 状态不视为错误，由调用方判断。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var reqBody io.Reader = http.NoBody
	if len(req.Body) > 0 {
		reqBody = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, reqBody)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", req.URL, err)
	}
	return &cache.Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

func isOK(resp *cache.Response) bool {
	return resp != nil && resp.Status >= 200 && resp.Status < 300
}
