package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quickbet/settlement/internal/api"
	"github.com/quickbet/settlement/internal/config"
	"github.com/quickbet/settlement/internal/custody"
	"github.com/quickbet/settlement/internal/delegation"
	"github.com/quickbet/settlement/internal/events"
	"github.com/quickbet/settlement/internal/oracle"
	"github.com/quickbet/settlement/internal/settlement"
	"github.com/quickbet/settlement/internal/store"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("migrate", false, "Apply pending PostgreSQL migrations before serving")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	migrate, _ := cmd.Flags().GetBool("migrate")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Venues ---
	primary, err := openPrimary(ctx, cfg, rdb, migrate)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() { primary.Close() })

	var secondary store.Store
	switch cfg.SecondaryBackend {
	case config.BackendRedis:
		secondary = store.NewRedisStore(rdb, cfg.SecondaryPrefix)
		slog.Info("secondary venue on Redis", "prefix", cfg.SecondaryPrefix)
	default:
		slog.Warn("secondary venue is in-memory (delegated state will not persist)")
		secondary = store.NewMemoryStore()
	}

	// --- Oracle ---
	feed, quotes := openOracle(cfg, rdb)

	// --- Events ---
	hub := api.NewWSHub()
	go hub.Run(ctx)
	sinks := []events.Sink{{Name: "ws", Publisher: hub}}
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL, slog.Default())
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		cleanup = append(cleanup, func() { nc.Close() })
		sinks = append(sinks, events.Sink{Name: "nats", Publisher: nc})
		slog.Info("publishing events to NATS")
	}
	publisher := events.NewMulti(slog.Default(), sinks...)

	// --- Core ---
	verifier, err := delegation.VerifierFor(cfg.SignatureMode)
	if err != nil {
		return err
	}
	if cfg.SignatureMode != config.SignatureSecp256k1 {
		slog.Warn("delegation signatures are not verified", "signature_mode", cfg.SignatureMode)
	}
	bridge := custody.NewBridge(primary, secondary, nil)
	engine := settlement.NewEngine(settlement.Config{
		Asset:          cfg.Asset,
		FeedID:         cfg.ParsedFeedID(),
		MaxPriceAge:    cfg.MaxPriceAge,
		StartingPoints: cfg.StartingPoints,
	}, primary, secondary, bridge, feed, nil, publisher)
	coord := delegation.NewCoordinator(primary, secondary, bridge, verifier, publisher, nil)
	svc := api.NewService(engine, coord, quotes, publisher)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(svc, hub, cfg.RequestTimeout),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("settlementd listening", "port", cfg.Port, "asset", cfg.Asset)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down settlementd...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("settlementd stopped")
	return nil
}

// openPrimary selects the primary venue: PostgreSQL (optionally behind the
// Redis read-through cache), LevelDB, or memory.
func openPrimary(ctx context.Context, cfg *config.Config, rdb *redis.Client, migrate bool) (store.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		if migrate {
			if err := store.MigrateUp(cfg.DatabaseURL); err != nil {
				return nil, err
			}
			slog.Info("migrations applied")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		slog.Info("connected to PostgreSQL")
		var st store.Store = store.NewPostgresStore(pool)
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
		return st, nil

	case cfg.LevelDBPath != "":
		st, err := store.OpenLevelStore(cfg.LevelDBPath)
		if err != nil {
			return nil, err
		}
		slog.Info("primary venue on LevelDB", "path", cfg.LevelDBPath)
		return st, nil

	default:
		slog.Warn("DATABASE_URL and LEVELDB_PATH not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}
}

// openOracle selects the quote source. quotes is the publisher behind
// PUT /api/v1/oracle/quote and is nil unless the push backend is configured;
// a Redis feed is owned by the external relay.
func openOracle(cfg *config.Config, rdb *redis.Client) (feed oracle.Feed, quotes oracle.Publisher) {
	if cfg.OracleBackend == config.BackendRedis {
		slog.Info("reading quotes from Redis")
		return oracle.NewRedisFeed(rdb), nil
	}
	push := oracle.NewPushFeed()
	slog.Info("accepting pushed quotes", "path", "/api/v1/oracle/quote")
	return push, push
}
