package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-precache/internal/logging"
)

// OriginProxy 把对账器没有处理的请求原样转发到站点 origin。
type OriginProxy struct {
	client *http.Client
	origin *url.URL
	logger *logrus.Logger
}

// NewOriginProxy 创建回源代理，origin 必须是 http(s) 绝对地址。
func NewOriginProxy(client *http.Client, origin string, logger *logrus.Logger) (*OriginProxy, error) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid origin: %q", origin)
	}
	if client == nil {
		client = NewUpstreamClient(0)
	}
	return &OriginProxy{client: client, origin: parsed, logger: logger}, nil
}

// Handle 实现 ProxyHandler。
func (p *OriginProxy) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)
	target := p.resolve(c)

	req, err := p.buildRequest(c, target)
	if err != nil {
		p.logResult(c, target, requestID, 0, started, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "origin_failed"})
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logResult(c, target, requestID, 0, started, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "origin_failed"})
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, "origin")
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		p.logResult(c, target, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	p.logResult(c, target, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// resolve 用 origin 的 scheme/host 替换请求地址，路径与查询串保持不变。
func (p *OriginProxy) resolve(c fiber.Ctx) *url.URL {
	target := *p.origin
	target.Path = string(c.Request().URI().Path())
	target.RawPath = ""
	target.RawQuery = string(c.Request().URI().QueryString())
	return &target
}

func (p *OriginProxy) buildRequest(c fiber.Ctx, target *url.URL) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (p *OriginProxy) logResult(c fiber.Ctx, target *url.URL, requestID string, status int, started time.Time, err error) {
	if p.logger == nil {
		return
	}
	entry := p.logger.WithFields(logging.RequestFields(c.Method(), target.Path, "origin", requestID)).
		WithFields(logrus.Fields{
			"upstream":   target.String(),
			"status":     status,
			"elapsed_ms": time.Since(started).Milliseconds(),
		})
	if err != nil {
		entry.WithError(err).Error("origin_failed")
		return
	}
	entry.Info("origin_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
