package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-agent/internal/agent"
	"github.com/any-hub/sw-agent/internal/cache"
	"github.com/any-hub/sw-agent/internal/config"
	"github.com/any-hub/sw-agent/internal/logging"
	"github.com/any-hub/sw-agent/internal/server"
	"github.com/any-hub/sw-agent/internal/server/routes"
	"github.com/any-hub/sw-agent/internal/update"
	"github.com/any-hub/sw-agent/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// printVersion 输出进程版本与提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["version"] = cfg.Agent.Version
		fields["store_driver"] = cfg.Global.StoreDriver
		fields["precache"] = len(cfg.Agent.Precache)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存后端 → 网络层 → Registration + 更新提示 → 注册 worker → Fiber server
	store, err := server.NewStore(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer store.Close()

	origin, err := cfg.Agent.OriginURL()
	if err != nil {
		fmt.Fprintf(stdErr, "解析 Origin 失败: %v\n", err)
		return 1
	}
	upstream, err := cfg.Agent.UpstreamURL()
	if err != nil {
		fmt.Fprintf(stdErr, "解析 Upstream 失败: %v\n", err)
		return 1
	}
	network := agent.NewHTTPNetwork(server.NewUpstreamClient(cfg), origin, upstream)
	reg := agent.NewRegistration(network, logger)
	feed := update.NewFeed(0)
	update.NewBridge(reg, feed, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deployer := newDeployer(store, network, reg, logger)
	if err := deployer.deploy(ctx, cfg.Agent); err != nil {
		// 安装失败时仍然对外服务，请求直通网络，等待下一次配置变更重试
		logger.WithError(err).WithFields(logging.BaseFields("deploy", opts.configPath)).Error("初始版本安装失败")
	}
	if err := config.Watch(opts.configPath, func(next *config.Config, err error) {
		if err != nil {
			logger.WithError(err).WithFields(logging.BaseFields("config_reload", opts.configPath)).Warn("配置热加载失败")
			return
		}
		if err := deployer.deploy(ctx, next.Agent); err != nil {
			logger.WithError(err).WithFields(logging.BaseFields("deploy", opts.configPath)).Error("新版本安装失败")
		}
	}); err != nil {
		logger.WithError(err).WithFields(logging.BaseFields("config_watch", opts.configPath)).Warn("无法监听配置变更")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Agent.Origin
	fields["store_driver"] = cfg.Global.StoreDriver
	fields["agent_version"] = cfg.Agent.Version
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, reg, store, feed, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Global.ShutdownTimeout.DurationValue())
	defer cancel()
	if err := reg.Lifetime().Wait(drainCtx); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("后台缓存任务未能全部完成")
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("sw-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SW_AGENT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SW_AGENT_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// startHTTPServer 阻塞直到 ctx 结束并完成优雅关闭。
func startHTTPServer(ctx context.Context, cfg *config.Config, reg *agent.Registration, store cache.Store, feed *update.Feed, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	origin, err := cfg.Agent.OriginURL()
	if err != nil {
		return err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Dispatcher: reg,
		Origin:     origin,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, reg, store, feed)

	go func() {
		<-ctx.Done()
		timeout := cfg.Global.ShutdownTimeout.DurationValue()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		logger.WithField("action", "shutdown").Info("收到退出信号，停止接收请求")
		if err := app.ShutdownWithTimeout(timeout); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("Fiber 关闭超时")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err = app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
