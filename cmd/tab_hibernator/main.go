package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/tab_hibernator/internal/api"
	"github.com/dgnsrekt/tab_hibernator/internal/browser"
	"github.com/dgnsrekt/tab_hibernator/internal/cdphost"
	"github.com/dgnsrekt/tab_hibernator/internal/config"
	"github.com/dgnsrekt/tab_hibernator/internal/journal"
	"github.com/dgnsrekt/tab_hibernator/internal/monitor"
	"github.com/dgnsrekt/tab_hibernator/internal/netutil"
	"github.com/dgnsrekt/tab_hibernator/internal/notify"
	"gopkg.in/natefinch/lumberjack.v2"
)

const journalBuffer = 64

// statusService serves the status API from the monitor's state and the host's
// live tab probe.
type statusService struct {
	*monitor.Monitor
	*cdphost.Host
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("tab hibernator config loaded",
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"journal_dir", cfg.JournalDir,
		"ntfy_enabled", cfg.NTFYEndpoint != "",
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"max_active_tabs", monitor.MaxActiveTabs,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			Address:    cfg.CDPAddress,
			Port:       cfg.CDPPort,
			Binary:     cfg.BrowserBinary,
			StartURLs:  startURLs(cfg.StartupWindowsPath),
			ProfileDir: cfg.ProfileDir,
		})
		started, err := launcher.Launch(ctx)
		if err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		if started {
			defer launcher.Stop()
		}
	}

	host := cdphost.NewHost(cfg.CDPURL(), cfg.EvalTimeout(), cfg.EventBuffer)
	if err := host.Connect(ctx); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() { _ = host.Close() }()

	var observers []monitor.PassObserver
	if cfg.JournalDir != "" {
		j := journal.NewPassJournal(cfg.JournalDir, journalBuffer, cfg.JournalMaxMB)
		defer func() {
			if err := j.Close(); err != nil {
				slog.Warn("journal close failed", "error", err)
			}
		}()
		observers = append(observers, j)
	}
	if cfg.NTFYEndpoint != "" {
		observers = append(observers, notify.NewPassNotifier(&http.Client{Timeout: 10 * time.Second}, cfg.NTFYEndpoint))
	}

	m := monitor.New(host, observers...)
	monitorDone := make(chan error, 1)
	go func() {
		monitorDone <- m.Run(ctx, host.Events())
	}()

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind status API", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	srv := &http.Server{Handler: api.NewServer(statusService{Monitor: m, Host: host})}
	go func() {
		addr := ln.Addr().String()
		slog.Info("status API listening", "addr", addr, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status API server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-monitorDone:
		// The event stream closes when the browser goes away.
		slog.Warn("monitor stopped", "error", err)
		monitorDone <- err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("status API shutdown failed", "error", err)
	}

	cancel()
	select {
	case <-monitorDone:
	case <-shutdownCtx.Done():
		slog.Warn("monitor did not stop before shutdown deadline")
	}
	slog.Info("tab hibernator stopped")
}

// startURLs reads the launcher's start URLs. A missing or invalid file falls
// back to a single blank tab.
func startURLs(path string) []string {
	windows, err := config.LoadStartupWindows(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("no startup windows config, opening blank tab", "path", path)
		} else {
			slog.Warn("startup windows config ignored", "path", path, "error", err)
		}
		return nil
	}
	return windows.URLs()
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: parseLevel(level)})
	slog.SetDefault(slog.New(h))
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
