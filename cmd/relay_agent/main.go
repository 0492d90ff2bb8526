package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/browser_relay/internal/agent"
	"github.com/dgnsrekt/browser_relay/internal/browser"
	"github.com/dgnsrekt/browser_relay/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	config.LoadDotEnv()

	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("failed to load agent config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("relay agent config loaded",
		"gateway_ws_url", cfg.GatewayWSURL,
		"cdp_url", cfg.CDPURL(),
		"tab_url_filter", cfg.TabURLFilter,
		"launch_browser", cfg.LaunchBrowser,
		"fetch_timeout_ms", cfg.FetchTimeoutMS,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
			StartURL:   cfg.BrowserStartURL,
		})
		launchCtx, launchCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := launcher.Launch(launchCtx)
		launchCancel()
		if err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	exec := agent.NewChromium(cfg.CDPURL(), cfg.TabURLFilter)
	defer func() {
		if err := exec.Close(); err != nil {
			slog.Debug("browser executor close failed", "error", err)
		}
	}()

	a := agent.New(agent.Options{
		GatewayWSURL: cfg.GatewayWSURL,
		Token:        cfg.AgentToken,
		Executor:     exec,
		FetchTimeout: time.Duration(cfg.FetchTimeoutMS) * time.Millisecond,
		BackoffMin:   time.Duration(cfg.ReconnectMinMS) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.ReconnectMaxMS) * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("agent stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("agent stopped")
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
