package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tollgate.org/internal/audit"
	"tollgate.org/internal/auth"
	"tollgate.org/internal/config"
	"tollgate.org/internal/events"
	"tollgate.org/internal/httpapi"
	"tollgate.org/internal/obs"
	"tollgate.org/internal/ratelimit"
	"tollgate.org/internal/rbac"
	"tollgate.org/internal/store/pg"
	"tollgate.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if cfg.Database.DSN == "" {
		log.Fatal("missing DSN: set TOLLGATE_PG_DSN or database.dsn")
	}
	store, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer store.Close()

	bus := events.NewBus()
	audit.Subscribe(bus)
	feed := stream.New()
	feed.Attach(bus)

	passwords, err := auth.NewPasswords(cfg.Auth.Pepper, cfg.Auth.BcryptCost)
	if err != nil {
		log.WithError(err).Fatal("passwords")
	}
	engine, err := auth.NewEngine(store, passwords, cfg.Auth.Secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithDefaultRateLimit(cfg.Auth.DefaultRateLimit),
		auth.WithPublisher(bus),
	)
	if err != nil {
		log.WithError(err).Fatal("auth engine")
	}

	buckets, closeBuckets, err := bucketStore(cfg, store)
	if err != nil {
		log.WithError(err).Fatal("rate limit store")
	}
	defer closeBuckets()
	limiter := ratelimit.New(buckets)
	ratelimit.ResetOnLogin(bus, limiter)

	trusted, err := cfg.Server.TrustedPrefixes()
	if err != nil {
		log.WithError(err).Fatal("trusted proxies")
	}

	ready := httpapi.ReadyCheck{DB: store.DB()}
	api := httpapi.New(httpapi.Deps{
		RBAC:    rbac.NewService(store, passwords, bus),
		Auth:    engine,
		Limiter: limiter,
		Stream:  feed,
		Ready:   ready,
		Version: version,
		Limits: httpapi.Limits{
			Auth:    cfg.RateLimits.Auth,
			Public:  cfg.RateLimits.Public,
			Webhook: cfg.RateLimits.Webhook,
		},
		DefaultPageSize: cfg.Pagination.DefaultPageSize,
		MaxPageSize:     cfg.Pagination.MaxPageSize,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		TrustedProxies:  trusted,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, httpapi.NewGRPCServer(ready))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).WithField("version", version).Info("http_listen")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
			if err != nil {
				return err
			}
			log.WithField("addr", cfg.Server.GRPCAddr).Info("grpc_listen")
			return grpcSrv.Serve(lis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server")
	}
	log.Info("stopped")
}

// bucketStore prefers Redis when configured and falls back to the
// rate_limit_buckets table.
func bucketStore(cfg *config.Config, store *pg.Store) (ratelimit.BucketStore, func(), error) {
	if cfg.Redis.URL == "" {
		return ratelimit.NewPGBucketStore(store.DB()), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return ratelimit.NewRedisBucketStore(client, cfg.Redis.Prefix), func() { _ = client.Close() }, nil
}
