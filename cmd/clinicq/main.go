package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicq/internal/assign"
	"clinicq/internal/bulkops"
	"clinicq/internal/clock"
	"clinicq/internal/config"
	"clinicq/internal/httpapi"
	"clinicq/internal/logging"
	"clinicq/internal/metrics"
	"clinicq/internal/notify"
	"clinicq/internal/store/postgres"
	"clinicq/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "clinicq"

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger setup: %v", err)
	}
	defer logger.Sync()

	clk, err := clock.New(cfg.ClinicTimezone)
	if err != nil {
		logger.Fatal("clock setup", zap.Error(err))
	}

	shutdownTracing := telemetry.Setup(serviceName, logger)

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry, serviceName)

	st := postgres.NewStore(pool, postgres.Options{
		Clock: clk,
		Defaults: postgres.QueueDefaults{
			StartNumber:      cfg.StartNumber,
			OnlineStartTime:  cfg.OnlineStartTime,
			OnlineEndTime:    cfg.OnlineEndTime,
			MaxOnlineEntries: cfg.MaxOnlineEntries,
		},
		SessionTTL: cfg.SessionTTL,
	})

	assigner := assign.NewRunner(st, logger, collector)
	bulk := bulkops.NewController(st, logger, collector)
	handler := httpapi.NewHandler(st, assigner, bulk, clk, collector)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", otelhttp.NewHandler(
		limiter.Middleware(httpapi.Instrument(handler.Routes(), logger, collector)),
		serviceName,
	))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Info("clinicq listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	if len(cfg.KafkaBrokers) > 0 {
		publisher := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer publisher.Close()
		dispatcher := notify.NewDispatcher(st, publisher, logger, collector, cfg.DispatchBatch)
		go notify.Start(ctx, cfg.DispatchInterval, dispatcher)
	}

	if cfg.SessionGCInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.SessionGCInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					sweepCtx, sweepCancel := context.WithTimeout(ctx, 10*time.Second)
					count, err := st.DeleteExpiredSessions(sweepCtx)
					sweepCancel()
					if err != nil {
						logger.Error("session sweep failed", zap.Error(err))
						continue
					}
					if count > 0 {
						collector.SessionsExpiredSwept.Add(float64(count))
						logger.Info("session sweep", zap.Int("removed", count))
					}
				}
			}
		}()
	}

	if cfg.AssignmentEnabled {
		go runMorningAssignment(ctx, cfg.AssignmentTime, clk, assigner, logger)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}
}

// runMorningAssignment fires the batch once per day at the configured
// local time. Re-firing after a restart is harmless because conversion
// is idempotent per appointment.
func runMorningAssignment(ctx context.Context, at string, clk clock.Clock, assigner *assign.Runner, logger *zap.Logger) {
	target, err := clock.MinutesOfDay(at)
	if err != nil {
		logger.Error("invalid morning assignment time", zap.String("at", at), zap.Error(err))
		return
	}

	lastRun := ""
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := clk.Now()
			day := clock.FormatDay(now)
			if day == lastRun || now.Hour()*60+now.Minute() < target {
				continue
			}
			runCtx, runCancel := context.WithTimeout(ctx, 2*time.Minute)
			summary, err := assigner.Run(runCtx, day)
			runCancel()
			if err != nil {
				logger.Error("morning assignment failed", zap.String("day", day), zap.Error(err))
				continue
			}
			lastRun = day
			logger.Info("morning assignment complete",
				zap.String("day", day),
				zap.Int("assigned", summary.Assigned),
				zap.Int("skipped", summary.Skipped),
				zap.Int("failed_scopes", summary.Failed))
		}
	}
}
