// Package browser starts a Chromium instance with remote debugging enabled
// for the hibernator to attach to.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

const (
	blankPage    = "about:blank"
	readyTimeout = 15 * time.Second
	stopGrace    = 5 * time.Second
)

// Config holds browser launch configuration.
type Config struct {
	Address string
	Port    int
	// Binary overrides browser detection when set.
	Binary string
	// StartURLs open one tab each; empty means a single blank tab.
	StartURLs  []string
	ProfileDir string
}

// Launcher owns at most one browser process.
type Launcher struct {
	cfg    Config
	client *http.Client

	cmd    *exec.Cmd
	exited chan struct{}
}

// NewLauncher returns a Launcher for cfg; nothing starts until Launch.
func NewLauncher(cfg Config) *Launcher {
	return &Launcher{cfg: cfg, client: &http.Client{Timeout: time.Second}}
}

func (l *Launcher) versionURL() string {
	return "http://" + net.JoinHostPort(l.cfg.Address, strconv.Itoa(l.cfg.Port)) + "/json/version"
}

// Launch starts the browser and waits for its DevTools endpoint. When a
// browser already answers on the configured port it is reused and Launch
// reports started == false; Stop is then a no-op.
func (l *Launcher) Launch(ctx context.Context) (started bool, err error) {
	if l.endpointReady(ctx) {
		slog.Info("reusing running browser", "address", l.cfg.Address, "port", l.cfg.Port)
		return false, nil
	}

	bin := l.cfg.Binary
	if bin == "" {
		if bin, err = detectBrowser(); err != nil {
			return false, err
		}
	}
	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return false, fmt.Errorf("create profile dir: %w", err)
	}

	cmd := exec.Command(bin, l.args()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start browser: %w", err)
	}
	l.cmd = cmd
	l.exited = make(chan struct{})
	go func() {
		err := cmd.Wait()
		slog.Info("browser process exited", "pid", cmd.Process.Pid, "error", err)
		close(l.exited)
	}()
	slog.Info("browser process started", "path", bin, "pid", cmd.Process.Pid, "start_urls", len(l.cfg.StartURLs))

	if err := l.waitReady(ctx); err != nil {
		l.Stop()
		return false, err
	}
	slog.Info("CDP endpoint ready", "address", l.cfg.Address, "port", l.cfg.Port)
	return true, nil
}

// args builds the command line; start URLs go last so each opens its own tab.
func (l *Launcher) args() []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.Port),
		"--remote-debugging-address=" + l.cfg.Address,
		"--user-data-dir=" + l.cfg.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
		// Chromium's own discarding would race ours.
		"--disable-features=AutomaticTabDiscarding",
	}
	if len(l.cfg.StartURLs) == 0 {
		return append(args, blankPage)
	}
	return append(args, l.cfg.StartURLs...)
}

// waitReady polls the endpoint until it answers, the browser exits or the
// ready timeout passes.
func (l *Launcher) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("CDP not ready at %s: %w", l.versionURL(), ctx.Err())
		case <-l.exited:
			return errors.New("browser exited before CDP was ready")
		case <-ticker.C:
			if l.endpointReady(ctx) {
				return nil
			}
		}
	}
}

func (l *Launcher) endpointReady(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.versionURL(), nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stop terminates a browser started by Launch with SIGTERM, then SIGKILL
// after a grace period.
func (l *Launcher) Stop() {
	if l.cmd == nil {
		return
	}
	select {
	case <-l.exited:
		return
	default:
	}

	slog.Info("stopping browser", "pid", l.cmd.Process.Pid)
	if err := l.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Debug("browser SIGTERM failed", "error", err)
	}
	select {
	case <-l.exited:
	case <-time.After(stopGrace):
		slog.Warn("browser ignored SIGTERM, killing", "pid", l.cmd.Process.Pid)
		_ = l.cmd.Process.Kill()
		<-l.exited
	}
}

// detectBrowser finds a Chrome or Chromium binary on PATH, then the macOS
// application bundle.
func detectBrowser() (string, error) {
	names := []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		const app = "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(app); err == nil {
			return app, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried %v); set HIBERNATOR_BROWSER_BIN", names)
}
