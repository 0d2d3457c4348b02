package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/inventory/internal/repos"
	"marketplace-order-fulfillment/inventory/internal/service"
	"marketplace-order-fulfillment/shared/config"
	"marketplace-order-fulfillment/shared/dbx"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/httpx"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/metricsx"
	"marketplace-order-fulfillment/shared/mqx"
	"marketplace-order-fulfillment/shared/observability"
)

var inventorySubjects = []string{
	events.SubjectReserveInventory,
	events.SubjectReleaseInventory,
	events.SubjectConfirmReservation,
}

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type reservationResponse struct {
	ReservationID string    `json:"reservation_id"`
	OrderID       string    `json:"order_id"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func main() {
	cfg, problems := config.Load("inventory-service", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "database init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	repo := repos.NewInventoryRepo(dbPool)
	svc := service.New(repo, cfg.ReservationTTL(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: cfg.ServiceName})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "database not reachable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ready", Service: cfg.ServiceName})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.HandleFunc("GET /api/v1/reservations/{id}", func(w http.ResponseWriter, r *http.Request) {
		reservationID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "reservation id must be a uuid", nil)
			return
		}
		res, err := repo.GetReservation(r.Context(), reservationID)
		if err != nil {
			if errors.Is(err, errx.ErrNotFound) {
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "reservation not found", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not load reservation", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, reservationResponse{
			ReservationID: res.ReservationID.String(),
			OrderID:       res.OrderID.String(),
			Status:        res.Status,
			ExpiresAt:     res.ExpiresAt,
			CreatedAt:     res.CreatedAt,
		})
	})

	var handler http.Handler = mux
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestID(handler)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info(context.Background(), "server_started", "http server listening", slog.Int("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "http server failed", slog.Any("error", err))
		}
	}()

	var wg sync.WaitGroup
	for _, subject := range inventorySubjects {
		for _, topic := range []string{subject, events.RetrySubject(subject)} {
			reader, err := mqx.NewConsumer(cfg, topic, cfg.KafkaGroupID)
			if err != nil {
				logger.Error(ctx, "consumer_init_failed", "consumer init failed",
					logx.Subject(topic), slog.Any("error", err))
				os.Exit(1)
			}
			runner := &mqx.Runner{
				Source:      reader,
				Producer:    producer,
				Handler:     svc.Handle,
				Subject:     subject,
				MaxAttempts: cfg.ConsumerMaxAttempts,
				Log:         logger,
			}
			wg.Add(1)
			go func(topic string, runner *mqx.Runner, reader interface{ Close() error }) {
				defer wg.Done()
				defer reader.Close()
				if err := runner.Run(ctx); err != nil {
					logger.Error(ctx, "consumer_stopped", "consumer loop failed",
						logx.Subject(topic), slog.Any("error", err))
				}
			}(topic, runner, reader)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	_ = server.Shutdown(shutdownCtx)
	wg.Wait()
}
