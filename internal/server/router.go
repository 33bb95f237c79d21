package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-precache/internal/cache"
	"github.com/any-hub/sw-precache/internal/logging"
	"github.com/any-hub/sw-precache/internal/manifest"
	"github.com/any-hub/sw-precache/internal/reconciler"
)

// HeaderSource reports where a response came from: precache, runtime,
// network or origin.
const HeaderSource = "X-Sw-Precache-Source"

// ProxyHandler describes the component that serves requests the reconciler
// leaves unhandled. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the preview application behaves.
type AppOptions struct {
	Logger     *logrus.Logger
	Reconciler *reconciler.Reconciler
	Storage    cache.Storage
	Proxy      ProxyHandler
	// Origin is the public base URL used to turn request paths into the
	// absolute URLs the reconciler matches against.
	Origin     string
	ScriptPath string
	Script     []byte
	Manifest   manifest.Manifest
	Gatherer   prometheus.Gatherer
}

const contextKeyRequestID = "_swprecache_request_id"

// NewApp builds a Fiber application that serves the generated script,
// routes page traffic through the reconciler and exposes /-/ diagnostics.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Reconciler == nil {
		return nil, errors.New("reconciler is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if !strings.HasPrefix(opts.ScriptPath, "/") {
		return nil, errors.New("script path must start with /")
	}
	opts.Origin = strings.TrimSuffix(opts.Origin, "/")

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.Get(opts.ScriptPath, func(c fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "application/javascript; charset=utf-8")
		c.Set("Service-Worker-Allowed", "/")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		return c.Send(opts.Script)
	})

	registerDiagnosticsRoutes(app, opts)

	app.All("/*", func(c fiber.Ctx) error {
		return serveThroughReconciler(c, opts)
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID 并写回响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func serveThroughReconciler(c fiber.Ctx, opts AppOptions) error {
	started := time.Now()
	requestID := RequestID(c)
	req := buildReconcilerRequest(c, opts.Origin)

	result, err := opts.Reconciler.OnFetch(c.Context(), req)
	if err != nil {
		opts.Logger.WithFields(logging.RequestFields(c.Method(), c.Path(), "reconciler", requestID)).
			WithError(err).Warn("fetch_failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "fetch_failed"})
	}
	if !result.Handled {
		return opts.Proxy.Handle(c)
	}

	resp := result.Response
	for key, values := range resp.Header {
		if IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
	c.Set(HeaderSource, string(result.Source))
	c.Status(resp.Status)

	opts.Logger.WithFields(logging.RequestFields(c.Method(), c.Path(), string(result.Source), requestID)).
		WithFields(logrus.Fields{
			"cache":      result.CacheName,
			"status":     resp.Status,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Info("fetch_complete")
	return c.Send(resp.Body)
}

// buildReconcilerRequest 以 origin 为基准构造绝对 URL；Sec-Fetch-Mode 缺失时按 Accept 推断导航请求。
func buildReconcilerRequest(c fiber.Ctx, origin string) *reconciler.Request {
	header := http.Header{}
	CopyHeaders(header, fiberHeadersAsHTTP(c))
	header.Del("Host")
	header.Del("Accept-Encoding")

	navigate := false
	if mode := c.Get("Sec-Fetch-Mode"); mode != "" {
		navigate = mode == "navigate"
	} else {
		navigate = c.Method() == http.MethodGet && strings.Contains(c.Get(fiber.HeaderAccept), "text/html")
	}

	return &reconciler.Request{
		Method:   c.Method(),
		URL:      origin + c.OriginalURL(),
		Header:   header,
		Body:     append([]byte(nil), c.Body()...),
		Navigate: navigate,
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
