package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgnsrekt/browser_relay/internal/api"
	"github.com/dgnsrekt/browser_relay/internal/audit"
	"github.com/dgnsrekt/browser_relay/internal/config"
	"github.com/dgnsrekt/browser_relay/internal/credstore"
	"github.com/dgnsrekt/browser_relay/internal/events"
	"github.com/dgnsrekt/browser_relay/internal/executor"
	"github.com/dgnsrekt/browser_relay/internal/gateway"
	"github.com/dgnsrekt/browser_relay/internal/metrics"
	"github.com/dgnsrekt/browser_relay/internal/netutil"
	"github.com/dgnsrekt/browser_relay/internal/notify"
	"github.com/dgnsrekt/browser_relay/internal/protocol"
	"github.com/dgnsrekt/browser_relay/internal/ratelimit"
	"github.com/dgnsrekt/browser_relay/internal/registry"
	"github.com/dgnsrekt/browser_relay/internal/template"
	"github.com/dgnsrekt/browser_relay/internal/types"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	config.LoadDotEnv()

	cfg, err := config.LoadGateway()
	if err != nil {
		slog.Error("failed to load gateway config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("gateway config loaded",
		"bind_addr", cfg.BindAddr,
		"target_base_url", cfg.TargetBaseURL,
		"endpoints_file", cfg.EndpointsFile,
		"store", storeKind(cfg),
		"default_policy", cfg.DefaultPolicy,
		"execute_timeout_ms", cfg.ExecuteTimeoutMS,
		"ping_interval_ms", cfg.PingIntervalMS,
		"pong_window_ms", cfg.PongWindowMS,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	engine, watcher, err := buildTemplates(cfg)
	if err != nil {
		slog.Error("failed to load endpoint catalog", "file", cfg.EndpointsFile, "error", err)
		os.Exit(1)
	}
	if watcher != nil {
		defer func() {
			if err := watcher.Close(); err != nil {
				slog.Debug("catalog watcher close failed", "error", err)
			}
		}()
	}

	store, err := buildStore(cfg)
	if err != nil {
		slog.Error("failed to open credential store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	m := metrics.New()
	alerts := notify.New(cfg.AlertWebhookURL)
	broker := events.NewBroker()

	var auditLog *audit.Log
	if cfg.AuditDir != "" {
		auditLog = audit.NewLog(cfg.AuditDir, 0, 0)
		defer func() {
			if err := auditLog.Close(); err != nil {
				slog.Debug("audit log close failed", "error", err)
			}
		}()
	}

	conns := registry.New()
	protoEngine := protocol.NewEngine(conns, store, m, alerts, broker, protocol.Config{
		AuthTimeout:  time.Duration(cfg.AuthTimeoutMS) * time.Millisecond,
		PingInterval: time.Duration(cfg.PingIntervalMS) * time.Millisecond,
		PongWindow:   time.Duration(cfg.PongWindowMS) * time.Millisecond,
	})

	direct := executor.New()
	direct.SetTimeout(time.Duration(cfg.ExecuteTimeoutMS) * time.Millisecond)

	svc := gateway.NewService(gateway.Options{
		Templates:      engine,
		Store:          store,
		Direct:         direct,
		Conns:          conns,
		Delegator:      protoEngine,
		Limiter:        ratelimit.New(cfg.UserRateLimit, cfg.UserRateBurst),
		Metrics:        m,
		Audit:          auditLog,
		Events:         broker,
		DefaultPolicy:  types.Policy(cfg.DefaultPolicy),
		DefaultTimeout: time.Duration(cfg.ExecuteTimeoutMS) * time.Millisecond,
	})

	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(svc, protoEngine, broker)}

	go func() {
		slog.Info("gateway listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("gateway shutdown failed", "error", err)
	}
}

// buildTemplates loads the endpoint catalog, preferring the YAML file when
// configured and falling back to the built-in catalog. A configured file is
// also watched so edits apply without a restart.
func buildTemplates(cfg *config.GatewayConfig) (*template.Engine, *template.Watcher, error) {
	if cfg.EndpointsFile == "" {
		return template.NewEngine(template.DefaultCatalog(cfg.TargetBaseURL)), nil, nil
	}
	cat, err := template.LoadCatalog(cfg.EndpointsFile)
	if err != nil {
		return nil, nil, err
	}
	engine := template.NewEngine(cat)
	watcher, err := template.WatchCatalog(cfg.EndpointsFile, engine)
	if err != nil {
		slog.Warn("catalog watch unavailable, edits need a restart", "file", cfg.EndpointsFile, "error", err)
		return engine, nil, nil
	}
	return engine, watcher, nil
}

// buildStore opens the credential store: Postgres when DATABASE_URL is set,
// in-memory otherwise, with an optional Redis read-through cache on top.
func buildStore(cfg *config.GatewayConfig) (credstore.Store, error) {
	var store credstore.Store
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := credstore.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store = pg
	} else {
		mem := credstore.NewMemory()
		seedAgentTokens(mem, cfg.AgentTokens)
		store = mem
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store = credstore.NewCached(store, rdb)
	}
	return store, nil
}

// seedAgentTokens loads "token:user" pairs into the in-memory store so
// agents can authenticate without a database.
func seedAgentTokens(mem *credstore.Memory, pairs []string) {
	for _, pair := range pairs {
		token, userID, ok := strings.Cut(pair, ":")
		if !ok || token == "" || userID == "" {
			slog.Warn("skipping malformed agent token pair, want token:user")
			continue
		}
		mem.RegisterAgentToken(token, userID)
		slog.Info("registered agent token", "user_id", userID)
	}
}

func storeKind(cfg *config.GatewayConfig) string {
	kind := "memory"
	if cfg.DatabaseURL != "" {
		kind = "postgres"
	}
	if cfg.RedisAddr != "" {
		kind += "+redis"
	}
	return kind
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
