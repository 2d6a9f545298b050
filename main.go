package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/server"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

// store is what main needs from either database backend.
type store interface {
	server.Gateway
	Stats(ctx context.Context) (models.StoreStats, error)
	Close() error
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chatrelay:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath  string
		addr        string
		dbDriver    string
		dbDSN       string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Private messaging relay over a line-based TCP protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return fmt.Errorf("invalid --addr %q: %w", addr, err)
				}
				p, err := strconv.Atoi(port)
				if err != nil {
					return fmt.Errorf("invalid --addr port %q: %w", port, err)
				}
				cfg.Host, cfg.Port = host, p
			}
			if flags.Changed("db-driver") {
				cfg.DBDriver = dbDriver
			}
			if flags.Changed("db-dsn") {
				cfg.DBPath = dbDSN
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := cfg.NewLogger()
			slog.SetDefault(logger)

			return run(cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&addr, "addr", "", "chat listen address, host:port")
	flags.StringVar(&dbDriver, "db-driver", config.DriverSQLite, "database driver: sqlite3 or postgres")
	flags.StringVar(&dbDSN, "db-dsn", "", "sqlite file path or postgres connection string")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "prometheus listen address, empty disables")

	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return db.NewPostgres(ctx, cfg.DBPath)
	default:
		return db.New(cfg.DBPath)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	// the relay refuses to start against a store it cannot query
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	stats, err := database.Stats(checkCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("database check: %w", err)
	}
	logger.Info("database ready", "driver", cfg.DBDriver, "users", stats.Users, "messages", stats.Messages)

	srv := server.New(database, &server.ServerConfig{
		Addr:          cfg.Addr(),
		ReadTimeout:   time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:  time.Duration(cfg.WriteTimeout) * time.Second,
		OutboundQueue: cfg.OutboundQueue,
		MaxLineBytes:  cfg.MaxLineBytes,
		MessageRate:   rate.Limit(cfg.MessageRate),
		MessageBurst:  cfg.MessageBurst,

		RejectDuplicateLogin: cfg.RejectDuplicateLogin,
	}, logger)

	if err := srv.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	if cfg.ControlSocket != "" {
		go func() {
			if err := srv.ServeControl(cfg.ControlSocket); err != nil {
				logger.Error("control socket failed", "path", cfg.ControlSocket, "error", err)
			}
		}()
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	served := make(chan struct{})
	go shutdownOnSignal(ctx, served, srv.Shutdown, logger)

	err = srv.Serve()
	close(served)

	// Serve also returns after a shutdown requested over the control socket
	srv.Shutdown()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	return err
}

// shutdownOnSignal calls shutdown when ctx ends while the server is still
// serving. The deferred stop of the signal context after a normal return is
// not a signal.
func shutdownOnSignal(ctx context.Context, served <-chan struct{}, shutdown func(), logger *slog.Logger) {
	select {
	case <-served:
		return
	case <-ctx.Done():
	}

	select {
	case <-served:
		return
	default:
	}

	logger.Info("signal received, shutting down")
	shutdown()
}
