// Package app wires the engine together: storage, event sink, domain
// services, background workers, and the health server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gavelworks/auction-engine/internal/domain/bidding"
	"github.com/gavelworks/auction-engine/internal/domain/inventory"
	"github.com/gavelworks/auction-engine/internal/domain/settlement"
	"github.com/gavelworks/auction-engine/internal/events"
	"github.com/gavelworks/auction-engine/internal/storage/postgres"
	"github.com/gavelworks/auction-engine/pkg/health"
	"github.com/gavelworks/auction-engine/pkg/keymutex"
)

// Run creates all dependencies, starts the background workers and the
// health server, and handles graceful shutdown. It is the single wiring
// point for the engine daemon.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Event sink: Kafka when brokers are configured, log-only otherwise.
	var sink events.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, "auction-engine")
		defer func() {
			if err := kafkaSink.Close(); err != nil {
				lg.Warn("close kafka sink", zap.Error(err))
			}
		}()
		sink = kafkaSink
		lg.Info("Kafka sink enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	} else {
		sink = events.NewLogSink(lg.Named("events"))
	}

	// Repositories.
	listingRepo := postgres.NewListingRepository(pool)
	bidRepo := postgres.NewBidRepository(pool)
	reservationRepo := postgres.NewReservationRepository(pool)
	couponRepo := postgres.NewCouponRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)

	// Domain services share one per-listing lock set, so bid acceptance,
	// stock holds, and auction settlement on the same listing serialize.
	locks := keymutex.New()
	ledger := bidding.NewLedger(listingRepo, bidRepo, locks, sink, lg.Named("bidding"))
	inventorySvc := inventory.NewService(listingRepo, reservationRepo, locks, lg.Named("inventory"))

	defaultShipping, err := cfg.DefaultShippingMoney()
	if err != nil {
		return errors.Wrap(err, "default shipping")
	}
	settlementSvc := settlement.NewService(
		listingRepo, bidRepo, reservationRepo, couponRepo, orderRepo,
		locks, sink, lg.Named("settlement"),
		settlement.Config{
			TaxRateBP:       cfg.Pricing.TaxRateBP,
			DefaultShipping: defaultShipping,
		},
	)
	// Health endpoints.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		Addr:              cfg.Addr,
		Handler:           mux,
	}

	g, workerCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return newAuctionCloser(listingRepo, ledger, settlementSvc, sink, lg.Named("closer"), cfg.Workers).Run(workerCtx)
	})
	g.Go(func() error {
		return newReservationSweeper(inventorySvc, lg.Named("sweeper"), cfg.Workers).Run(workerCtx)
	})

	healthSvc.SetReady(true)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		close(shutdownDone)
	}()

	lg.Info("Health server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "workers")
	}
	return nil
}
