package server

import (
	"errors"
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/sw-precache/internal/manifest"
	"github.com/any-hub/sw-precache/internal/reconciler"
)

// registerDiagnosticsRoutes 暴露 /-/ 诊断接口，供开发者查看 manifest、命名空间与指标。
func registerDiagnosticsRoutes(app *fiber.App, opts AppOptions) {
	r := opts.Reconciler

	app.Get("/-/manifest", func(c fiber.Ctx) error {
		return c.JSON(encodeManifest(r, opts.Manifest))
	})

	app.Post("/-/install", func(c fiber.Ctx) error {
		if err := r.OnInstall(c.Context()); err != nil {
			status := fiber.StatusBadGateway
			if errors.Is(err, reconciler.ErrInstallInProgress) {
				status = fiber.StatusConflict
			}
			return c.Status(status).JSON(fiber.Map{"error": "install_failed", "detail": err.Error()})
		}
		return c.JSON(fiber.Map{"state": r.State().String()})
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		names, err := opts.Storage.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_read_failed"})
		}
		sort.Strings(names)
		return c.JSON(fiber.Map{"caches": names})
	})

	app.Delete("/-/caches", func(c fiber.Ctx) error {
		reply := make(chan reconciler.Reply, 1)
		r.OnMessage(c.Context(), reconciler.Message{Command: reconciler.CommandDeleteAll}, reply)
		select {
		case result := <-reply:
			if result.Error != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "delete_all_failed", "detail": result.Error.Error()})
			}
			return c.JSON(fiber.Map{"deleted": true})
		default:
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "delete_all_cancelled"})
		}
	})

	if opts.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

type manifestPayload struct {
	State           string            `json:"state"`
	CacheNamePrefix string            `json:"cache_name_prefix"`
	Entries         manifest.Manifest `json:"entries"`
	Caches          []cacheBinding    `json:"caches"`
}

type cacheBinding struct {
	URL       string `json:"url"`
	CacheName string `json:"cache_name"`
}

func encodeManifest(r *reconciler.Reconciler, m manifest.Manifest) manifestPayload {
	mappings := r.Mappings()
	bindings := make([]cacheBinding, 0, len(mappings.AbsoluteURLToCacheName))
	for url, name := range mappings.AbsoluteURLToCacheName {
		bindings = append(bindings, cacheBinding{URL: url, CacheName: name})
	}
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].URL < bindings[j].URL
	})
	if m == nil {
		m = manifest.Manifest{}
	}
	return manifestPayload{
		State:           r.State().String(),
		CacheNamePrefix: r.CacheNamePrefix(),
		Entries:         m,
		Caches:          bindings,
	}
}
