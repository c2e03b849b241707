// Command sweeper deletes idle rate limit buckets from PostgreSQL on a cron
// schedule. Redis buckets expire on their own and need no sweeping.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"tollgate.org/internal/config"
	"tollgate.org/internal/obs"
	"tollgate.org/internal/ratelimit"
	"tollgate.org/internal/store/pg"
)

var runOnce = flag.Bool("run-once", false, "Sweep once and exit")

func main() {
	flag.Parse()
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config")
	}
	obs.SetLevel(cfg.LogLevel)
	if cfg.Database.DSN == "" {
		log.Fatal("missing DSN: set TOLLGATE_PG_DSN or database.dsn")
	}

	store, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer store.Close()

	sweeper := &ratelimit.Sweeper{
		Store: ratelimit.NewPGBucketStore(store.DB()),
		Idle:  cfg.Sweeper.Idle,
		Batch: cfg.Sweeper.BatchSize,
		Pace:  rate.NewLimiter(rate.Limit(cfg.Sweeper.BatchesPerSec), 1),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *runOnce {
		if _, err := sweeper.Sweep(ctx); err != nil {
			log.WithError(err).Fatal("sweep")
		}
		return
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.Sweeper.Schedule, func() {
		if _, err := sweeper.Sweep(ctx); err != nil {
			log.WithError(err).Error("sweep_failed")
		}
	})
	if err != nil {
		log.WithError(err).Fatalf("invalid schedule %q", cfg.Sweeper.Schedule)
	}
	c.Start()
	log.WithField("schedule", cfg.Sweeper.Schedule).Info("sweeper_started")

	<-ctx.Done()
	log.Info("shutting_down")
	<-c.Stop().Done()
}
