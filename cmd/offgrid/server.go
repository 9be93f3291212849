package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/offgrid/internal/api"
	"github.com/kalambet/offgrid/internal/broadcast"
	"github.com/kalambet/offgrid/internal/cache"
	"github.com/kalambet/offgrid/internal/config"
	"github.com/kalambet/offgrid/internal/lifecycle"
	"github.com/kalambet/offgrid/internal/netstatus"
	"github.com/kalambet/offgrid/internal/notify"
	"github.com/kalambet/offgrid/internal/origin"
	"github.com/kalambet/offgrid/internal/resilience"
	"github.com/kalambet/offgrid/internal/storage"
	"github.com/kalambet/offgrid/internal/syncqueue"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the offgrid proxy (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running offgrid proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show offgrid status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "offgrid.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "offgrid version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	token, err := config.EnsureAPIToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(managementURL(cfg.Server.Port) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("offgrid is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("offgrid is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Connectivity starts optimistic and follows what the origin client sees.
	monitor := netstatus.New(true)
	originClient := origin.NewClient(cfg.Origin.BaseURL, cfg.Origin.Timeout)
	originClient.SetObserver(monitor)

	hub := broadcast.NewHub()
	var out broadcast.Broadcaster = hub
	if len(cfg.Events.KafkaBrokers) > 0 {
		publisher := broadcast.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		defer publisher.Close()
		out = broadcast.NewMirror(hub, publisher)
		slog.Info("mirroring events to kafka", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.KafkaTopic)
	}

	gens := lifecycle.NewManager(store, originClient, out)
	if err := gens.Load(ctx); err != nil {
		return fmt.Errorf("loading generations: %w", err)
	}

	engine := cache.NewEngine(originClient, gens, store, store, cache.Options{
		OfflinePage:    cfg.Cache.OfflinePage,
		SnapshotRoutes: map[string]string{cfg.Cache.CatalogPath: storage.KeyCatalog},
		SchemaVersion:  cfg.Cache.SchemaVersion,
	})

	queue := syncqueue.New(store, originClient, syncqueue.Config{
		Endpoints: map[storage.MutationKind]string{
			storage.KindCartSync:    cfg.Sync.CartPath,
			storage.KindOrderSubmit: cfg.Sync.OrderPath,
		},
		CallTimeout: cfg.Sync.CallTimeout,
		MaxAttempts: cfg.Sync.MaxAttempts,
		Interval:    cfg.Sync.PeriodicInterval,
	})

	dispatcher := notify.New(out, hub, gens)

	layer := resilience.New(resilience.Deps{
		Snapshots:   store,
		Queue:       queue,
		Network:     monitor,
		Generations: gens,
		Notifier:    dispatcher,
		Out:         out,
	}, resilience.Config{
		SchemaVersion:    cfg.Cache.SchemaVersion,
		CatalogStaleness: cfg.Cache.CatalogStaleness,
		Precache:         cfg.Cache.Precache,
	})
	defer layer.Close()
	go layer.Run(ctx)

	// Leftovers from earlier runs go first, then the configured generation
	// is installed. Installing the active generation again is a no-op.
	go func() {
		if err := gens.Cleanup(ctx); err != nil {
			slog.Warn("cleaning up generations", "error", err)
		}
		_, err := layer.Handle(ctx, resilience.Event{Kind: resilience.EventInstall, Generation: cfg.Cache.Generation})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("installing configured generation", "generation", cfg.Cache.Generation, "error", err)
		}
	}()

	handler := api.NewRouter(
		api.NewManagementHandler(api.ManageDeps{
			Layer:       layer,
			Queue:       queue,
			Generations: gens,
			Windows:     hub,
			Notifier:    dispatcher,
			Online:      monitor.IsOnline,
			Token:       token,
		}),
		api.NewInterceptHandler(api.InterceptDeps{
			Engine: engine,
			Queue:  layer,
			QueuedPaths: map[string]storage.MutationKind{
				cfg.Sync.CartPath:  storage.KindCartSync,
				cfg.Sync.OrderPath: storage.KindOrderSubmit,
			},
		}),
	)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "offgrid listening on %s (origin %s)\n", addr, cfg.Origin.BaseURL)
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
	err = srv.Shutdown(shutdownCtx)
	// Background revalidations write to the store; let them finish before it closes.
	engine.Wait()
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("offgrid is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop offgrid (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to offgrid (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(managementURL(cfg.Server.Port) + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health struct {
			Online     bool   `json:"online"`
			Generation string `json:"generation"`
		}
		if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&health) == nil {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			printStatus("Network", "%s", onlineLabel(health.Online))
			if health.Generation == "" {
				health.Generation = "none"
			}
			printStatus("Generation", "%s", health.Generation)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
		resp.Body.Close()
	}

	if resp != nil && resp.StatusCode == http.StatusOK && cfg.Server.APIToken != "" {
		mc := &apiClient{baseURL: managementURL(cfg.Server.Port), token: cfg.Server.APIToken, httpClient: client}
		ctx := context.Background()
		if qr, err := mc.get(ctx, "/queue"); err == nil {
			var pending []json.RawMessage
			if decodeJSON(qr, &pending) == nil {
				printStatus("Queued writes", "%d", len(pending))
			}
		}
		if dr, err := mc.get(ctx, "/queue/dead"); err == nil {
			var dead []json.RawMessage
			if decodeJSON(dr, &dead) == nil && len(dead) > 0 {
				printStatus("Dead letters", "%s", colorize(colorRed, strconv.Itoa(len(dead))))
			}
		}
	}

	printStatus("Origin", "%s", cfg.Origin.BaseURL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
