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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/chatstream/internal/config"
	"github.com/suPer8Hu/chatstream/internal/db"
	"github.com/suPer8Hu/chatstream/internal/httpapi"
	"github.com/suPer8Hu/chatstream/internal/httpapi/handlers"
	"github.com/suPer8Hu/chatstream/internal/models"
	"github.com/suPer8Hu/chatstream/internal/store/rabbitmq"
	"github.com/suPer8Hu/chatstream/internal/store/redisstore"
	"github.com/suPer8Hu/chatstream/internal/stream"
	"github.com/suPer8Hu/chatstream/internal/telemetry"
	"github.com/suPer8Hu/chatstream/internal/usage"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "api",
		Short:        "chatstream HTTP API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update database tables",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg := config.Load()
				setupLogger(cfg)
				gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
				if err != nil {
					return err
				}
				if err := db.Migrate(gdb); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				slog.Info("migration complete")
				return nil
			},
		},
		&cobra.Command{
			Use:   "promote-admin <email>",
			Short: "Grant the admin role to an existing user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg := config.Load()
				setupLogger(cfg)
				gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
				if err != nil {
					return err
				}
				return promoteAdmin(cmd.Context(), gdb, args[0])
			},
		},
	)
	return root
}

func setupLogger(cfg config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}

func promoteAdmin(ctx context.Context, gdb *gorm.DB, addr string) error {
	addr = strings.ToLower(strings.TrimSpace(addr))
	res := gdb.WithContext(ctx).Model(&models.User{}).
		Where("email = ?", addr).
		Update("role", models.RoleAdmin)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no user with email %q", addr)
	}
	slog.Info("user promoted to admin", "email", addr)
	return nil
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg := config.Load()
	logger := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, "chatstream-api", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rates, err := usage.LoadRates(cfg.PricingFile)
	if err != nil {
		return fmt.Errorf("load pricing: %w", err)
	}
	pricing := usage.NewRateBook(rates)
	if cfg.PricingFile != "" {
		if err := pricing.Watch(ctx, cfg.PricingFile, logger); err != nil {
			logger.Warn("pricing file will not be reloaded", "path", cfg.PricingFile, "error", err)
		}
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	if err := rds.Ping(ctx); err != nil {
		logger.Warn("redis unreachable, password resets will fail until it is up", "addr", cfg.RedisAddr, "error", err)
	}

	opts := handlers.Options{
		Pricer:  pricing,
		Resets:  rds,
		Metrics: stream.NewMetrics(prometheus.DefaultRegisterer),
		Logger:  logger,
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logger.Warn("rabbitmq unreachable, mail is sent inline", "error", err)
	} else {
		defer pub.Close()
		opts.Mail = pub
	}

	pool := stream.NewPool(cfg.PersistWorkers)
	// closed after the server drained, so in-flight writes land
	defer pool.Close()
	opts.Pool = pool

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(gdb, cfg, opts, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
