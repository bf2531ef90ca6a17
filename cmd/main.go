package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"

	"interview-buddy-go/internal/api/handler"
	"interview-buddy-go/internal/api/router"
	"interview-buddy-go/internal/avatar"
	"interview-buddy-go/internal/config"
	"interview-buddy-go/internal/interview"
	appLogger "interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/oracle"
	"interview-buddy-go/internal/outbox"
	"interview-buddy-go/internal/parser"
	"interview-buddy-go/internal/session"
	"interview-buddy-go/internal/speech"
	"interview-buddy-go/internal/storage"
	"interview-buddy-go/internal/tracing"
	"interview-buddy-go/pkg/agent"
	"interview-buddy-go/pkg/ratelimit"
)

var (
	version     = "1.0.0"              //nolint:gochecknoglobals
	serviceName = "interview-buddy-go" //nolint:gochecknoglobals
)

func main() {
	var (
		configPath   string
		writeSample  string
		printVersion bool
	)
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.StringVar(&writeSample, "write-sample-config", "", "Write a sample config to the given path and exit")
	pflag.BoolVarP(&printVersion, "version", "v", false, "Print version and exit")
	pflag.Parse()

	if printVersion {
		fmt.Printf("%s %s\n", serviceName, version)
		return
	}
	if writeSample != "" {
		if err := config.CreateSampleConfig(writeSample); err != nil {
			log.Fatalf("写入示例配置失败: %v", err)
		}
		fmt.Println("示例配置已写入", writeSample)
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logCloser := initLogger(cfg)
	glog.Infof("%s %s 配置加载成功", serviceName, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = serviceName
	}
	shutdownTracing, err := tracing.InitProvider(ctx, tracing.ProviderConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		glog.Fatalf("初始化链路追踪失败: %v", err)
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	glog.Info("存储服务初始化完成")

	var messageRelay *outbox.MessageRelay
	if storageManager.MySQL != nil && storageManager.RabbitMQ != nil {
		messageRelay = outbox.NewMessageRelay(
			storageManager.MySQL.DB(),
			storageManager.RabbitMQ,
			config.GetDuration(cfg.RabbitMQ.RelayInterval, 5*time.Second),
			cfg.RabbitMQ.RelayBatchSize,
		)
		messageRelay.Start()
		glog.Info("消息中继服务已启动")
	}

	llm, err := newChatModel(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化文本生成模型失败: %v", err)
	}
	llm = ratelimit.NewLLMWithRateLimit(llm, cfg.Oracle.QPM, cfg.Oracle.MaxRetries, time.Duration(cfg.Oracle.RetryWaitSeconds)*time.Second)
	chatOracle := oracle.NewChatOracle(llm,
		oracle.WithCallTimeout(config.GetDuration(cfg.Oracle.CallTimeout, 90*time.Second)),
		oracle.WithMaxTokens(cfg.Oracle.MaxTokens),
		oracle.WithTaskModels(cfg.Oracle.TaskModels),
	)
	glog.Infof("文本生成服务初始化成功 (backend=%s)", cfg.Oracle.Backend)

	voice, err := speech.NewElevenLabs(cfg.ElevenLabs)
	if err != nil {
		glog.Fatalf("初始化ElevenLabs失败: %v", err)
	}

	store, locker, err := newSessionStore(cfg, storageManager)
	if err != nil {
		glog.Fatalf("初始化会话存储失败: %v", err)
	}

	components := interview.Components{
		Oracle:      oracle.NewClient(chatOracle, oracle.TemperaturesFromConfig(cfg)),
		Transcriber: voice,
		Synthesizer: voice,
		Store:       store,
		Locker:      locker,
	}
	if cfg.DID.Enabled {
		did, err := avatar.NewDID(cfg.DID)
		if err != nil {
			glog.Warnf("初始化D-ID失败，将只返回兜底图片: %v", err)
		} else {
			components.Avatar = did
		}
	}
	// 只在组件可用时赋值，避免接口持有 nil 指针
	if storageManager.MinIO != nil {
		components.Artifacts = storageManager.MinIO
	}
	if storageManager.MySQL != nil {
		components.Archive = storageManager.MySQL
	}

	svc, err := interview.NewService(components, interview.WithConfig(&cfg.Interview))
	if err != nil {
		glog.Fatalf("初始化面试服务失败: %v", err)
	}
	settings := svc.Settings()
	glog.Infof("面试服务初始化成功 (max_depth=%d, topic_count=%d)", settings.MaxDepth, settings.TopicCount)

	handlerOpts := healthChecks(storageManager)
	if extractor, err := parser.NewEinoPDFTextExtractor(ctx); err != nil {
		glog.Warnf("初始化PDF提取器失败，/api/resume/extract 不可用: %v", err)
	} else {
		handlerOpts = append(handlerOpts, handler.WithResumeExtractor(extractor))
	}
	interviewHandler := handler.NewInterviewHandler(svc, handlerOpts...)

	serverTracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
		server.WithMaxRequestBodySize(cfg.Server.MaxRequestBytes),
		serverTracer,
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		glog.CtxInfof(c, "%s %s -> %d (%s)", string(ctx.Method()), string(ctx.Path()), ctx.Response.StatusCode(), time.Since(start))
	})

	router.RegisterRoutes(h, interviewHandler, router.Options{
		FrontendURL: cfg.Server.FrontendURL,
		APIKeys:     cfg.Server.APIKeys,
	})
	glog.Info("HTTP路由注册成功")

	glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout, 5*time.Second))
	defer cancelShutdown()

	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("服务器关闭失败: %v", err)
	}
	// 先停止接收请求，再等待排队中的快照写完
	if err := svc.Close(shutdownCtx); err != nil {
		glog.Errorf("等待会话持久化完成超时: %v", err)
	}
	if messageRelay != nil {
		messageRelay.Stop()
		glog.Info("消息中继服务已停止")
	}
	storageManager.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		glog.Errorf("关闭链路追踪失败: %v", err)
	}
	glog.Info("优雅退出完成")
	if logCloser != nil {
		_ = logCloser.Close()
	}
}

// initLogger 初始化全局 zerolog，并让 Hertz 的 hlog 复用同一个日志器
func initLogger(cfg *config.Config) interface{ Close() error } {
	closer, err := appLogger.Init(appLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
		File:         cfg.Logger.File,
	})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}

	glog.SetLogger(hertzadapter.From(appLogger.Logger))
	glog.SetLevel(hlogLevel(cfg.Logger.Level))
	return closer
}

func hlogLevel(level string) glog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return glog.LevelDebug
	case "warn":
		return glog.LevelWarn
	case "error":
		return glog.LevelError
	default:
		return glog.LevelInfo
	}
}

// newChatModel 按 oracle.backend 选择模型实现
func newChatModel(ctx context.Context, cfg *config.Config) (model.ToolCallingChatModel, error) {
	switch strings.ToLower(cfg.Oracle.Backend) {
	case "gemini":
		return agent.NewGeminiChatModel(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Oracle.MaxTokens)
	case "", "openrouter":
		return agent.NewOpenRouterChatModel(cfg.OpenRouter.APIKey, cfg.OpenRouter.Model, cfg.OpenRouter.APIURL,
			agent.WithReferer(cfg.Server.FrontendURL),
			agent.WithDefaultMaxTokens(cfg.Oracle.MaxTokens),
			agent.WithHTTPTimeout(config.GetDuration(cfg.Oracle.CallTimeout, 90*time.Second)),
		)
	default:
		return nil, fmt.Errorf("不支持的 oracle.backend: %s", cfg.Oracle.Backend)
	}
}

// newSessionStore 单实例用内存存储和进程内锁，多实例部署用 Redis
func newSessionStore(cfg *config.Config, st *storage.Storage) (session.Store, session.Locker, error) {
	ttl := config.GetDuration(cfg.Session.TTL, 24*time.Hour)
	lockWait := config.GetDuration(cfg.Session.LockWait, 10*time.Second)

	if strings.EqualFold(cfg.Session.Store, "redis") {
		if st.Redis == nil {
			return nil, nil, fmt.Errorf("session.store=redis 但 Redis 不可用")
		}
		glog.Info("会话存储: Redis")
		return session.NewRedisStore(st.Redis, ttl),
			session.NewRedisLocker(st.Redis, config.GetDuration(cfg.Session.LockTTL, 5*time.Minute), lockWait),
			nil
	}
	glog.Info("会话存储: 进程内存")
	return session.NewMemoryStore(cfg.Session.MemoryCapacity, ttl), session.NewKeyedMutex(lockWait), nil
}

func healthChecks(st *storage.Storage) []handler.HandlerOpt {
	var opts []handler.HandlerOpt
	if st.Redis != nil {
		opts = append(opts, handler.WithHealthCheck("redis", st.Redis.Ping))
	}
	if st.MinIO != nil {
		opts = append(opts, handler.WithHealthCheck("minio", st.MinIO.Ping))
	}
	if st.MySQL != nil {
		opts = append(opts, handler.WithHealthCheck("mysql", st.MySQL.Ping))
	}
	return opts
}
