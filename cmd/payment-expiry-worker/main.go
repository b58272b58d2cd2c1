package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logger"
	"github.com/hackgods/clinic-booking/internal/payment"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("payment-expiry-worker", "dev")
		log.Fatal().Err(err).Msg("config load error")
	}
	logger.Init("payment-expiry-worker", cfg.Env)

	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("payment_ttl", cfg.Payment.TTL).
		Msg("payment-expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer rdb.Close()

	publisher := redisclient.NewPublisher(rdb, cfg.EventsChannel)
	appts := appointment.NewService(
		appointment.NewPgRepository(pgPool),
		redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL),
		publisher,
		cfg.SlotLocation,
	)
	reconciler := payment.NewReconciler(
		payment.NewPgRepository(pgPool),
		appts,
		payment.NewHTTPGateway(cfg.Payment.GatewayURL, cfg.Payment.Timeout),
		cfg.Payment,
		payment.WithPublisher(publisher),
	)

	runOnce(rootCtx, reconciler)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("payment-expiry-worker shutting down")
			return
		case <-ticker.C:
			runOnce(rootCtx, reconciler)
		}
	}
}

func runOnce(ctx context.Context, r *payment.Reconciler) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	n, err := r.ExpireStale(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("expire stale payments failed")
		return
	}
	if n > 0 {
		log.Info().Int("expired", n).Msg("expired stale payments")
	}
}
