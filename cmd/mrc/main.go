// =============================================================================
// MRC 流程引擎入口
// =============================================================================
// 运维入口点：建表、干跑会话、版本信息。补全服务与知识库是外部协作方，
// run 子命令使用内置回声 Provider 验证流程模板的推进与终止。
//
// 使用方法:
//
//	mrc migrate                      # 创建/更新数据表
//	mrc migrate --check <template>   # 校验模板配置列
//	mrc run --template <id>          # 干跑一个会话直至终止
//	mrc version                      # 显示版本信息
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jiazeyu1987/MRC-sub000/config"
	"github.com/jiazeyu1987/MRC-sub000/flow"
	"github.com/jiazeyu1987/MRC-sub000/internal/database"
	"github.com/jiazeyu1987/MRC-sub000/internal/metrics"
	"github.com/jiazeyu1987/MRC-sub000/internal/telemetry"
	"github.com/jiazeyu1987/MRC-sub000/knowledge"
	"github.com/jiazeyu1987/MRC-sub000/llm"
	"github.com/jiazeyu1987/MRC-sub000/llm/tokenizer"
	"github.com/jiazeyu1987/MRC-sub000/store"
	"github.com/jiazeyu1987/MRC-sub000/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		runMigrate(os.Args[2:])
	case "run":
		runSession(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	check := fs.String("check", "", "Validate a template's config columns instead of migrating")
	fs.Parse(args)

	cfg, logger := mustSetup(*configPath)
	defer logger.Sync()

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	st := store.New(db, logger)

	if *check != "" {
		diags, err := st.ValidateTemplate(context.Background(), *check)
		if err != nil {
			logger.Fatal("load template", zap.Error(err))
		}
		if len(diags) == 0 {
			fmt.Println("OK: template config is valid")
			return
		}
		for _, d := range diags {
			fmt.Fprintf(os.Stderr, "invalid: %v\n", d)
		}
		os.Exit(1)
	}

	if err := st.Migrate(); err != nil {
		logger.Fatal("migrate schema", zap.Error(err))
	}
	logger.Info("schema migrated", zap.String("driver", cfg.Database.Driver))
}

// =============================================================================
// ▶️ run 命令
// =============================================================================

func runSession(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	templateID := fs.String("template", "", "Flow template to drive")
	sessionID := fs.String("session", "", "Existing session to resume (created from --template when empty)")
	topic := fs.String("topic", "dry run", "Session topic")
	maxSteps := fs.Int("max-steps", 50, "Stop after this many executions")
	fs.Parse(args)

	if *templateID == "" && *sessionID == "" {
		fmt.Fprintln(os.Stderr, "run requires --template or --session")
		os.Exit(1)
	}

	cfg, logger := mustSetup(*configPath)
	defer logger.Sync()

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		otelProviders.Shutdown(ctx)
	}()

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	st := store.New(db, logger)

	var cache *knowledge.QueryCache
	if cfg.Redis.Enabled {
		cache, err = knowledge.NewQueryCache(knowledge.CacheConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warn("retrieval cache unavailable, continuing without it", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	counter := tokenizer.NewFallback(tokenizer.NewTiktoken(cfg.LLM.Model))
	collector := metrics.NewCollector("mrc", nil)
	engine := flow.NewEngine(st, &echoProvider{}, knowledge.NewRegistry(), cache, collector, counter, cfg, logger)

	ctx := context.Background()
	id := *sessionID
	if id == "" {
		id = uuid.NewString()
		if err := st.CreateSession(ctx, newSession(id, *templateID, *topic)); err != nil {
			logger.Fatal("create session", zap.Error(err))
		}
		if err := engine.Start(ctx, id); err != nil {
			logger.Fatal("start session", zap.Error(err))
		}
		fmt.Printf("session %s started\n", id)
	}

	for i := 0; i < *maxSteps; i++ {
		msg, info, err := engine.ExecuteStep(ctx, id)
		if err != nil {
			logger.Fatal("execute step", zap.Error(err))
		}
		fmt.Printf("[round %d] %s (%s): %s\n", msg.RoundIndex, msg.SpeakerName, info.TaskType, msg.ContentSummary)
		if info.Terminated {
			fmt.Printf("session terminated: %s\n", info.TerminationReason)
			return
		}
	}
	fmt.Printf("stopped after %d steps, session %s still running\n", *maxSteps, id)
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("mrc %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`mrc - multi-role conversation flow engine

Usage:
  mrc <command> [options]

Commands:
  migrate   Create or update the database schema
  run       Drive a session step-by-step with the echo provider
  version   Show version information
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  mrc migrate
  mrc migrate --check tpl-review
  mrc run --template tpl-review --topic "design review"
  mrc run --session 9be31c2e-...`)
}

// =============================================================================
// 🔧 初始化
// =============================================================================

func mustSetup(configPath string) (*config.Config, *zap.Logger) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg, initLogger(cfg.Log)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func newSession(id, templateID, topic string) *types.Session {
	now := time.Now()
	return &types.Session{
		ID:           id,
		Status:       types.SessionCreated,
		TemplateID:   templateID,
		Topic:        topic,
		CurrentRound: 1,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// echoProvider 回声 Provider：用于干跑，回显提示词摘要。
type echoProvider struct{}

func (p *echoProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	return &llm.ChatResponse{
		Provider:  p.Name(),
		Model:     req.Model,
		Text:      "[echo] " + types.Summarize(prompt, 120),
		CreatedAt: time.Now(),
	}, nil
}

func (p *echoProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *echoProvider) Name() string { return "echo" }
