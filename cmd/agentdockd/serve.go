package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentdock"
	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/driver"
	anthropicdriver "github.com/hupe1980/agentdock/driver/anthropic"
	openaidriver "github.com/hupe1980/agentdock/driver/openai"
	"github.com/hupe1980/agentdock/logging"
	"github.com/hupe1980/agentdock/manager"
	"github.com/hupe1980/agentdock/queue"
	"github.com/hupe1980/agentdock/repository"
)

var serveFlags struct {
	listenAddr string
	sqlitePath string
	redisAddr  string
	driverName string
	logLevel   string
	logFormat  string
	retention  time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentdock daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.listenAddr, "listen", ":8420", "peer websocket listen address")
	serveCmd.Flags().StringVar(&serveFlags.sqlitePath, "sqlite", "", "sqlite database path (empty for in-memory store)")
	serveCmd.Flags().StringVar(&serveFlags.redisAddr, "redis", "", "redis address for the durable queue (empty for in-memory)")
	serveCmd.Flags().StringVar(&serveFlags.driverName, "driver", "scripted", "model driver: anthropic, openai or scripted")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	serveCmd.Flags().StringVar(&serveFlags.logFormat, "log-format", "json", "log format: json or text")
	serveCmd.Flags().DurationVar(&serveFlags.retention, "retention", 24*time.Hour, "queue retention window")
	rootCmd.AddCommand(serveCmd)
}

func buildLogger() logging.Logger {
	var level slog.Level
	switch serveFlags.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return logging.NewRuntimeLogger(&logging.Config{
		Level:     level,
		Format:    serveFlags.logFormat,
		Output:    os.Stderr,
		Component: "agentdockd",
	})
}

func buildDriverFactory() (manager.DriverFactory, error) {
	switch serveFlags.driverName {
	case "anthropic":
		return func(_ context.Context, img core.Image) (driver.Driver, error) {
			return anthropicdriver.New(), nil
		}, nil
	case "openai":
		return func(_ context.Context, img core.Image) (driver.Driver, error) {
			return openaidriver.New(), nil
		}, nil
	case "scripted":
		return func(context.Context, core.Image) (driver.Driver, error) {
			return driver.NewScripted(), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", serveFlags.driverName)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory, err := buildDriverFactory()
	if err != nil {
		return err
	}

	store := repository.NewMemoryStore().Repositories()
	var closeStore func() error
	if serveFlags.sqlitePath != "" {
		sqlite, err := repository.OpenSQLite(serveFlags.sqlitePath)
		if err != nil {
			return err
		}
		store = sqlite.Repositories()
		closeStore = sqlite.Close
	}

	var q queue.Queue
	if serveFlags.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: serveFlags.redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", serveFlags.redisAddr, err)
		}
		q = queue.NewRedis(client, queue.WithRetention(serveFlags.retention))
		defer client.Close()
	} else {
		mem := queue.NewMemory(serveFlags.retention)
		mem.StartSweeper(ctx, time.Minute)
		q = mem
	}

	rt := agentdock.New(func(o *agentdock.Options) {
		o.Store = store
		o.Queue = q
		o.DriverFactory = factory
		o.Downstream = true
		o.Logger = logger
	})
	rt.Start(ctx)

	httpServer := &http.Server{Addr: serveFlags.listenAddr, Handler: rt.Downstream()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("agentdockd started",
			"listen", serveFlags.listenAddr,
			"driver", serveFlags.driverName,
			"sqlite", serveFlags.sqlitePath,
			"redis", serveFlags.redisAddr,
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		rt.Shutdown(shutdownCtx)
		if closeStore != nil {
			closeStore()
		}
		return nil
	})
	return g.Wait()
}
