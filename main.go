package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/any-hub/sw-precache/internal/cache"
	"github.com/any-hub/sw-precache/internal/config"
	"github.com/any-hub/sw-precache/internal/generator"
	"github.com/any-hub/sw-precache/internal/logging"
	"github.com/any-hub/sw-precache/internal/manifest"
	"github.com/any-hub/sw-precache/internal/reconciler"
	"github.com/any-hub/sw-precache/internal/server"
	"github.com/any-hub/sw-precache/internal/version"
)

// 退出码：0 成功，1 生成或 IO 失败，2 参数错误，3 dry-run 发现差异。
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitChanged = 3
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	dryRun      bool
	watch       bool
	serve       bool
	// flags 保存生成器选项标志，只有显式设置的标志会覆盖配置文件。
	flags *pflag.FlagSet
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(exitUsage)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return exitOK
	}

	cfg, err := config.Load(opts.configPath, opts.flags)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return exitFailure
	}

	logger, err := logging.InitLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return exitFailure
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["globs"] = len(cfg.StaticFileGlobs)
		fields["runtime_rules"] = len(cfg.RuntimeCaching)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen := generator.New(afero.NewOsFs(), logger, cfg.Options)
	output := cfg.OutputPath()

	if opts.dryRun {
		diff, changed, err := gen.Diff(ctx, output)
		if err != nil {
			fmt.Fprintf(stdErr, "生成失败: %v\n", err)
			return exitFailure
		}
		if !changed {
			fmt.Fprintf(stdOut, "%s is up to date\n", output)
			return exitOK
		}
		fmt.Fprint(stdOut, diff)
		return exitChanged
	}

	fields := logging.BaseFields("generate", opts.configPath)
	fields["root"] = cfg.Root
	fields["output"] = output
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("开始生成")

	result, err := gen.Write(ctx, output)
	if err != nil {
		fmt.Fprintf(stdErr, "生成失败: %v\n", err)
		return exitFailure
	}

	switch {
	case opts.serve:
		script, err := os.ReadFile(output)
		if err != nil {
			fmt.Fprintf(stdErr, "读取生成脚本失败: %v\n", err)
			return exitFailure
		}
		if err := startPreviewServer(ctx, cfg, result.Manifest, script, logger); err != nil {
			fmt.Fprintf(stdErr, "预览服务启动失败: %v\n", err)
			return exitFailure
		}
	case opts.watch:
		err := gen.Watch(ctx, output, func(result *manifest.Result, err error) {
			if err == nil {
				logger.WithFields(logrus.Fields{"action": "watch", "resources": len(result.Manifest)}).Info("regenerated")
			}
		})
		if err != nil {
			fmt.Fprintf(stdErr, "watch 失败: %v\n", err)
			return exitFailure
		}
	}
	return exitOK
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("sw-precache", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	config.RegisterFlags(fs)

	var (
		configFlag string
		opts       cliOptions
	)

	fs.StringVar(&configFlag, "config", "", "JSON 配置文件路径（可被 SW_PRECACHE_CONFIG 提供）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "只输出与现有脚本的差异，不写文件")
	fs.BoolVar(&opts.watch, "watch", false, "文件变化后自动重新生成")
	fs.BoolVar(&opts.serve, "serve", false, "生成后启动预览服务")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if fs.NArg() > 0 {
		return cliOptions{}, fmt.Errorf("解析参数失败: 未知参数 %s", strings.Join(fs.Args(), " "))
	}
	if opts.watch && opts.serve {
		return cliOptions{}, errors.New("--watch 与 --serve 不能同时使用")
	}

	opts.configPath = os.Getenv("SW_PRECACHE_CONFIG")
	if configFlag != "" {
		opts.configPath = configFlag
	}
	opts.flags = fs
	return opts, nil
}

// startPreviewServer 按“存储 → 对账器 install → 回源代理 → Fiber”顺序启动预览服务，ctx 结束时关闭。
func startPreviewServer(ctx context.Context, cfg *config.Config, m manifest.Manifest, script []byte, logger *logrus.Logger) error {
	if cfg.Serve.Origin == "" {
		return errors.New("--serve 需要 --origin")
	}
	origin := strings.TrimSuffix(cfg.Serve.Origin, "/")

	storage, err := openStorage(cfg.Serve.StoragePath)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics, err := reconciler.NewMetrics(registry)
	if err != nil {
		return err
	}

	fetcher, err := reconciler.NewHTTPFetcher(server.NewUpstreamClient(cfg.Serve.UpstreamTimeout))
	if err != nil {
		return err
	}
	r, err := reconciler.New(storage, fetcher, logger, reconciler.Options{
		Config:      cfg.Options,
		Manifest:    m,
		ScriptURL:   origin + "/" + cfg.SWFile,
		Scope:       cfg.Serve.Scope,
		SkipWaiting: true,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	defer r.Wait()

	if err := r.OnInstall(ctx); err != nil {
		// 预览服务继续运行，可通过 POST /-/install 重试。
		logger.WithFields(logrus.Fields{"action": "install"}).WithError(err).Warn("initial install failed")
	}

	proxy, err := server.NewOriginProxy(server.NewUpstreamClient(cfg.Serve.UpstreamTimeout), origin, logger)
	if err != nil {
		return err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Reconciler: r,
		Storage:    storage,
		Proxy:      proxy,
		Origin:     origin,
		ScriptPath: "/" + cfg.SWFile,
		Script:     script,
		Manifest:   m,
		Gatherer:   registry,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	port := cfg.Serve.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
		"origin": origin,
		"state":  r.State().String(),
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}

// openStorage 在 storagePath 为空时使用内存存储，否则落盘。
func openStorage(path string) (cache.Storage, error) {
	if path == "" {
		return cache.NewMemoryStorage(), nil
	}
	return cache.NewDiskStorage(path)
}
