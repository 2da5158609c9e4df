package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/run"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"collabtext/internal/config"
	"collabtext/internal/logging"
	"collabtext/internal/membership"
	"collabtext/internal/registry"
	"collabtext/internal/relay"
	"collabtext/internal/wire"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:          "collabtext-server",
		Short:        "Run the CollabText relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg, closeRegistry, err := openRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()
	members, closeMembers, err := openMembership(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeMembers()

	codec, err := wire.CodecByName(cfg.Relay.Codec)
	if err != nil {
		return err
	}
	host := cfg.Relay.PublicHost
	if host == "" {
		host = cfg.Relay.Addr
	}
	srv := relay.NewServer(relay.Config{
		Host:       host,
		Codec:      codec,
		Retention:  cfg.Relay.Retention,
		AutoCreate: cfg.Relay.AutoCreate,
	}, reg, members, logger)

	httpServer := &http.Server{Addr: cfg.Relay.Addr, Handler: srv.Handler()}

	g := &run.Group{}
	g.Add(func() error {
		logger.Info("relay listening", zap.String("addr", cfg.Relay.Addr), zap.String("codec", codec.Name()))
		return httpServer.ListenAndServe()
	}, func(error) {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		srv.Close()
	})
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		logger.Info("relay stopped", zap.Stringer("signal", sig.Signal))
		return nil
	}
	return err
}

func openRegistry(ctx context.Context, cfg config.Config, logger *zap.Logger) (registry.Registry, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Info("room registry kept in memory")
		return registry.NewMemory(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	return registry.NewRedis(rdb, cfg.Relay.RoomTTL), func() { rdb.Close() }, nil
}

func openMembership(ctx context.Context, cfg config.Config, logger *zap.Logger) (membership.Store, func(), error) {
	if cfg.Postgres.URL == "" {
		logger.Info("membership kept in memory")
		return membership.NewMemory(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	store := membership.NewPostgres(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("connected to postgres")
	return store, pool.Close, nil
}
