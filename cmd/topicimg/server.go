package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/topicimg/internal/api"
	"github.com/kalambet/topicimg/internal/cache"
	"github.com/kalambet/topicimg/internal/config"
	"github.com/kalambet/topicimg/internal/maintenance"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (foreground)",
	Long: `Run the HTTP API in the foreground.

With --mcp the resolve, stats and report tools are also served over stdio
for MCP clients. When maintenance.auto_cleanup is on, cleanup and optimize
run every maintenance.interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "topicimg.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "topicimg version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()

	// Resolve still answers from cache and fallbacks without a backend, so
	// an unreachable one is not fatal.
	if err := a.ensureEngine(ctx, os.Stderr); err != nil {
		printWarning("generation backend not ready: %v", err)
	}

	if cfg.Maintenance.AutoCleanup {
		sched := maintenance.NewScheduler(a.maintainer, maintenance.SchedulerOptions{
			Interval:        cfg.Maintenance.Interval,
			CleanupDays:     cfg.Maintenance.CleanupDays,
			Checker:         a.validator,
			RevalidateBatch: cfg.Maintenance.ChunkSize,
			Logger:          logger.With("component", "scheduler"),
		})
		go sched.Run(ctx)
		logger.Info("maintenance scheduler started", "interval", cfg.Maintenance.Interval)
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Resolver:    a.resolver,
			Stats:       a.cache,
			Maintenance: a.maintainer,
			Version:     version,
		})
		stdio := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	if cfg.Server.APIToken == "" {
		printWarning("TOPICIMG_API_TOKEN is not set; /v1 routes are unauthenticated")
	}
	handler := api.NewHandler(api.Deps{
		Resolver:        a.resolver,
		Stats:           a.cache,
		Tracker:         a.tracker,
		Maintenance:     a.maintainer,
		Gatherer:        a.registry,
		Metrics:         a.metrics,
		Token:           cfg.Server.APIToken,
		CleanupDays:     cfg.Maintenance.CleanupDays,
		BestStrategyMin: cfg.Generation.BestStrategyMin,
		Logger:          logger.With("component", "api"),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "topicimg listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("could not stop topicimg (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to topicimg (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := clientFor(cfg)
	client.httpClient.Timeout = 2 * time.Second

	if err := client.health(ctx); err != nil {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on port %d", cfg.Server.Port)

		var st cache.Stats
		if resp, err := client.get(ctx, "/v1/stats"); err == nil && decodeJSON(resp, &st) == nil {
			printStatus("Topics", "%s", count(st.TotalTopics))
			printStatus("Images", "%s (%s valid)", count(st.TotalImages), count(st.ValidImages))
			printStatus("Weekly hit rate", "%s", percent(st.WeeklyHitRate))
		}
	}

	printStatus("Backend", "%s (%s)", cfg.Generation.Backend, cfg.Generation.Model)
	printStatus("Auto cleanup", "%s", onOff(cfg.Maintenance.AutoCleanup))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func clientFor(cfg config.Config) *apiClient {
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}
