// Command taskflowd is the reference daemon for the task-tree engine: it
// wires a storage driver, the executor/tool registries, the config
// registry, the session pool, and the facade, then exposes them over the
// reference HTTP transport. Structured after the teacher's
// cmd/divinesense/main.go: cobra for the CLI surface, viper for layered
// flag/env configuration, godotenv for local .env loading, and a signal
// channel for graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/apflow/taskflow/config"
	"github.com/apflow/taskflow/executors"
	"github.com/apflow/taskflow/facade"
	"github.com/apflow/taskflow/registry"
	"github.com/apflow/taskflow/store"
	"github.com/apflow/taskflow/store/memstore"
	"github.com/apflow/taskflow/store/postgres"
	"github.com/apflow/taskflow/store/sessionpool"
	"github.com/apflow/taskflow/store/sqlite"
	"github.com/apflow/taskflow/transport/httpapi"
)

var rootCmd = &cobra.Command{
	Use:   "taskflowd",
	Short: "A hierarchical task-tree orchestrator daemon.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: run,
}

func init() {
	viper.SetDefault("driver", "memstore")
	viper.SetDefault("port", 28090)
	viper.SetDefault("demo-sleep-scale", 1.0)

	rootCmd.PersistentFlags().String("addr", "", "address to bind (default: all interfaces)")
	rootCmd.PersistentFlags().Int("port", 28090, "port to listen on")
	rootCmd.PersistentFlags().String("driver", "memstore", "storage driver (memstore, sqlite, postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "data source name for sqlite/postgres")
	rootCmd.PersistentFlags().String("seed", "", "path to a YAML task-array fixture to run once at startup")
	rootCmd.PersistentFlags().Bool("dev", false, "enable development mode (verbose HTTP error payloads)")
	rootCmd.PersistentFlags().Float64("demo-sleep-scale", 1.0, "scale factor applied to the sleep executor's demo delay")
	rootCmd.PersistentFlags().Int("session-limit", sessionpool.DefaultLimit, "maximum concurrent pooled storage sessions")

	for _, name := range []string{"addr", "port", "driver", "dsn", "seed", "dev", "demo-sleep-scale", "session-limit"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("taskflow")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driverName := viper.GetString("driver")
	dsn := viper.GetString("dsn")

	reg := prometheus.NewRegistry()

	repo, err := openDriver(ctx, driverName, dsn)
	if err != nil {
		return fmt.Errorf("taskflowd: open driver %s: %w", driverName, err)
	}
	defer repo.Close()

	execRegistry := registry.NewExecutorRegistry()
	cfg := config.New()
	cfg.SetDemoSleepScale(viper.GetFloat64("demo-sleep-scale"))

	if err := registerReferenceExecutors(execRegistry, cfg); err != nil {
		return fmt.Errorf("taskflowd: register executors: %w", err)
	}

	pool := sessionpool.New(
		func(ctx context.Context) (store.Driver, error) {
			// memstore has no on-disk identity to reopen a second
			// connection against; every pooled session shares the
			// single in-process store instead.
			if driverName == "memstore" || driverName == "" {
				return repo, nil
			}
			return openDriver(ctx, driverName, dsn)
		},
		sessionpool.WithLimit(viper.GetInt("session-limit")),
		sessionpool.WithMetrics(reg),
	)
	defer pool.Shutdown()

	f := facade.New(repo, cfg, execRegistry, reg)
	f.SetSessionPool(pool)
	facade.SetDefault(f)

	if seed := viper.GetString("seed"); seed != "" {
		if err := runSeed(ctx, f, seed); err != nil {
			slog.Error("taskflowd: seed run failed", "error", err)
		}
	}

	server := httpapi.NewServer(f, viper.GetBool("dev"))
	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", viper.GetString("addr"), viper.GetInt("port"))
	httpServer := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("taskflowd: listening", "addr", addr, "driver", driverName)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("taskflowd: server error: %w", err)
	case <-sigCh:
		slog.Info("taskflowd: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// openDriver selects and opens the storage driver named by driverName,
// mirroring the teacher's --driver flag semantics in cmd/divinesense.
func openDriver(ctx context.Context, driverName, dsn string) (store.Driver, error) {
	switch driverName {
	case "memstore", "":
		return memstore.New(), nil
	case "sqlite":
		if dsn == "" {
			dsn = "taskflow.db"
		}
		return sqlite.Open(ctx, dsn)
	case "postgres":
		return postgres.Open(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown driver %q (want memstore, sqlite, or postgres)", driverName)
	}
}

// registerReferenceExecutors wires the small set of demo executors that
// ship with this repository (spec.md §1: concrete executor plugins are
// out of core scope, but a runnable daemon needs something to dispatch
// to).
func registerReferenceExecutors(reg *registry.ExecutorRegistry, cfg *config.Registry) error {
	if err := reg.Register(&registry.Extension{
		ID: executors.SystemInfoMethod, Category: registry.CategoryExecutor,
		Type: executors.SystemInfoMethod, Factory: executors.NewSystemInfo,
	}); err != nil {
		return err
	}
	if err := reg.Register(&registry.Extension{
		ID: executors.AggregatorMethod, Category: registry.CategoryExecutor,
		Type: executors.AggregatorMethod, Factory: executors.NewAggregator,
	}); err != nil {
		return err
	}
	if err := reg.Register(&registry.Extension{
		ID: executors.SleepMethod, Category: registry.CategoryExecutor,
		Type: executors.SleepMethod, Factory: executors.NewSleepFactory(cfg),
	}); err != nil {
		return err
	}
	return nil
}

// runSeed loads a YAML task-array fixture and runs it to completion once
// at startup, for local demoing (`taskflowd --seed demo.yaml`).
func runSeed(ctx context.Context, f *facade.Facade, path string) error {
	specs, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	result, err := f.ExecuteTasks(ctx, specs, facade.ExecuteOptions{})
	if err != nil {
		return err
	}
	slog.Info("taskflowd: seed run finished", "root_task_id", result.RootTaskID, "status", result.Status)
	return nil
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("taskflowd: fatal", "error", err)
		os.Exit(1)
	}
}
