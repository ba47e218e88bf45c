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

	"github.com/genexuslabs/ExposureNotifications/internal/api"
	"github.com/genexuslabs/ExposureNotifications/internal/config"
	"github.com/genexuslabs/ExposureNotifications/internal/detection"
	"github.com/genexuslabs/ExposureNotifications/internal/engine"
	"github.com/genexuslabs/ExposureNotifications/internal/exposure"
	"github.com/genexuslabs/ExposureNotifications/internal/hostevent"
	"github.com/genexuslabs/ExposureNotifications/internal/keyserver"
	"github.com/genexuslabs/ExposureNotifications/internal/scheduler"
	"github.com/genexuslabs/ExposureNotifications/internal/settings"
	"github.com/genexuslabs/ExposureNotifications/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the exposured daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running exposured daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and exposure notification status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "exposured.pid")
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

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func runServer(serveMCP bool) error {
	fmt.Fprintf(os.Stderr, "exposured version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.Detect(engine.DetectConfig{BaseURL: cfg.Engine.BaseURL})
	engine.EnsureReady(ctx, eng, os.Stderr)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	prefs := settings.NewPreferences(store)
	tokens := settings.NewTokenRepository(store, cfg.Detection.TokenCapacity)
	policy := scheduler.NewPolicy(store)
	runCtx := detection.NewRunContext()

	// Detection job: download key batches, hand them to the engine.
	downloader := keyserver.NewDownloader(
		cfg.KeyServer.IndexURL,
		filepath.Join(cfg.Storage.DataDir, "keyfiles"),
		cfg.KeyServer.DownloadConcurrency,
	)
	submitter := detection.NewSubmitter(eng, prefs, prefs, cfg.Engine.ProvideKeysTimeout)
	job := detection.NewProvideKeysJob(detection.JobDeps{
		Engine:     eng,
		Downloader: downloader,
		Submitter:  submitter,
		Tokens:     tokens,
		Retry:      policy,
		RunContext: runCtx,
		APITimeout: cfg.Engine.APITimeout,
		RetryDelay: cfg.Detection.RetryDelay,
	})

	var constraints scheduler.Constraints = scheduler.NoConstraints{}
	if cfg.Scheduler.Constraints {
		constraints = scheduler.NewSystemConstraints()
	}
	runner := scheduler.NewRunner(store, constraints, cfg.Scheduler.PollInterval)
	runner.Register(scheduler.TypeProvideKeys, job)

	// Host events: always logged and recorded, optionally forwarded.
	events := hostevent.Multi{
		hostevent.LogEmitter{Logger: slog.Default()},
		hostevent.NewStoreRecorder(store),
	}
	var webhook *hostevent.WebhookEmitter
	if cfg.Events.WebhookURL != "" {
		webhook = hostevent.NewWebhookEmitter(cfg.Events.WebhookURL)
		events = append(events, webhook)
	}

	reconciler := detection.NewReconciler(detection.ReconcilerDeps{
		Engine:     eng,
		Config:     prefs,
		Tokens:     tokens,
		Events:     events,
		Debouncer:  detection.NewDebouncer(cfg.Detection.DebounceWindow),
		APITimeout: cfg.Engine.APITimeout,
	})

	mgr := exposure.NewManager(exposure.Deps{
		Engine:     eng,
		Prefs:      prefs,
		Tokens:     tokens,
		Scheduler:  policy,
		RunContext: runCtx,
		APITimeout: cfg.Engine.APITimeout,
	})
	// Reading the enabled state installs the periodic job when a sync is due.
	slog.Info("exposure notification state", "enabled", mgr.Enabled(ctx), "authorization", mgr.AuthorizationStatus(ctx))

	appHandler := api.NewAppHandler(api.AppDeps{
		Exposure:   mgr,
		Reconciler: reconciler,
		Events:     store,
		Jobs:       store,
		Token:      apiToken,

		AllowedOrigins: cfg.Server.Origins(),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           appHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go runner.Run(ctx)

	if serveMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Exposure: mgr, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "exposured listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	err = srv.Shutdown(shutdownCtx)
	if webhook != nil {
		webhook.Wait()
	}
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("exposured is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop exposured (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to exposured (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Engine.BaseURL == "" {
		printStatus("Engine", "not configured")
	} else {
		printStatus("Engine", "%s", cfg.Engine.BaseURL)
	}
	if cfg.KeyServer.IndexURL == "" {
		printWarning("keyserver.index_url is not set; detection jobs will fail")
	}

	if running {
		token, tokenErr := config.LookupAPIToken(config.NewKeychain())
		if tokenErr == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: client}
			if err := printProperties(ctx, c); err != nil {
				printError("reading properties: %v", err)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printProperties(ctx context.Context, c *apiClient) error {
	resp, err := c.get(ctx, "/properties")
	if err != nil {
		return err
	}
	var props exposure.Properties
	if err := decodeJSON(resp, &props); err != nil {
		return err
	}

	printStatus("Available", "%s", onOff(props.IsAvailable))
	printStatus("Enabled", "%s", onOff(props.Enabled))
	printStatus("Authorization", "%s", props.AuthorizationStatus)
	printStatus("Bluetooth", "%s", onOff(props.BluetoothEnabled))
	printStatus("Min interval", "%d minutes", props.ExposureDetectionMinInterval)
	printStatus("Exposure detected", "%s", yesNo(props.ExposureDetected))
	return nil
}

func yesNo(v bool) string {
	if v {
		return colorize(colorRed, "yes")
	}
	return "no"
}
