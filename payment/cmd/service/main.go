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

	"marketplace-order-fulfillment/payment/internal/repos"
	"marketplace-order-fulfillment/payment/internal/service"
	"marketplace-order-fulfillment/shared/clients/psp"
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

var paymentSubjects = []string{
	events.SubjectChargePayment,
	events.SubjectRefundPayment,
}

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type paymentResponse struct {
	PaymentID     string    `json:"payment_id"`
	OrderID       string    `json:"order_id"`
	Status        string    `json:"status"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	TransactionID *string   `json:"transaction_id,omitempty"`
	RefundID      *string   `json:"refund_id,omitempty"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func main() {
	cfg, problems := config.Load("payment-service", 8085)
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
	if cfg.PSPBaseURL == "" {
		problems = append(problems, config.Problem{Field: "PSP_BASE_URL", Message: "PSP_BASE_URL is required"})
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

	provider, err := psp.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "psp_init_failed", "payment provider init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	repo := repos.NewPaymentsRepo(dbPool)
	proc := service.New(repo, provider, logger)

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
	mux.HandleFunc("GET /api/v1/payments/{order_id}", func(w http.ResponseWriter, r *http.Request) {
		orderID, err := uuid.Parse(r.PathValue("order_id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "order id must be a uuid", nil)
			return
		}
		payment, err := repo.GetByOrder(r.Context(), orderID)
		if err != nil {
			if errors.Is(err, errx.ErrNotFound) {
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "payment not found", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not load payment", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, paymentResponse{
			PaymentID:     payment.PaymentID.String(),
			OrderID:       payment.OrderID.String(),
			Status:        payment.Status,
			Amount:        payment.Amount,
			Currency:      payment.Currency,
			TransactionID: payment.TransactionID,
			RefundID:      payment.RefundID,
			FailureReason: payment.FailureReason,
			CreatedAt:     payment.CreatedAt,
			UpdatedAt:     payment.UpdatedAt,
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
	for _, subject := range paymentSubjects {
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
				Handler:     proc.Handle,
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
