package main

import (
	"context"
	"encoding/json"
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

	"marketplace-order-fulfillment/shared/config"
	"marketplace-order-fulfillment/shared/dbx"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/httpx"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/metricsx"
	"marketplace-order-fulfillment/shared/money"
	"marketplace-order-fulfillment/shared/mqx"
	"marketplace-order-fulfillment/shared/observability"
	"marketplace-order-fulfillment/shared/workflow"
	"marketplace-order-fulfillment/shipping/internal/models"
	"marketplace-order-fulfillment/shipping/internal/repos"
	"marketplace-order-fulfillment/shipping/internal/service"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type assignRequest struct {
	CarrierID       string `json:"carrier_id"`
	DeliveryAddress string `json:"delivery_address"`
}

type failRequest struct {
	Reason string `json:"reason"`
}

type shipmentResponse struct {
	ShipmentID      string     `json:"shipment_id"`
	OrderID         string     `json:"order_id"`
	Status          string     `json:"status"`
	PickupAddress   string     `json:"pickup_address"`
	DeliveryAddress string     `json:"delivery_address,omitempty"`
	ShippingCost    string     `json:"shipping_cost"`
	Currency        string     `json:"currency"`
	CarrierID       *uuid.UUID `json:"carrier_id,omitempty"`
	EstimatedAt     *time.Time `json:"estimated_at,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toResponse(s models.Shipment) shipmentResponse {
	return shipmentResponse{
		ShipmentID:      s.ShipmentID.String(),
		OrderID:         s.OrderID.String(),
		Status:          s.Status,
		PickupAddress:   s.PickupAddress,
		DeliveryAddress: s.DeliveryAddress,
		ShippingCost:    s.ShippingCost,
		Currency:        s.Currency,
		CarrierID:       s.CarrierID,
		EstimatedAt:     s.EstimatedAt,
		DeliveredAt:     s.DeliveredAt,
		FailureReason:   s.FailureReason,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *workflow.InvalidTransitionError
	switch {
	case errors.Is(err, errx.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "shipment not found", nil)
	case errors.As(err, &invalid):
		httpx.WriteError(w, r, http.StatusConflict, "INVALID_STATE_TRANSITION", invalid.Error(), nil)
	case errors.Is(err, errx.ErrBusinessRule):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", err.Error(), nil)
	case errors.Is(err, errx.ErrValidation):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "shipment update failed", nil)
	}
}

func main() {
	cfg, problems := config.Load("shipping-service", 8086)
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
	flatRate, err := money.FromString(cfg.ShippingFlatRate, cfg.ShippingCurrency)
	if err != nil {
		problems = append(problems, config.Problem{Field: "SHIPPING_FLAT_RATE", Message: "SHIPPING_FLAT_RATE must be a decimal amount"})
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

	repo := repos.NewShipmentsRepo(dbPool)
	svc := service.New(repo, service.Config{
		PickupAddress: cfg.ShippingPickupAddress,
		FlatRate:      flatRate,
		TransitWindow: cfg.ShippingTransitWindow(),
	}, logger)

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

	mux.HandleFunc("GET /api/v1/shipments/{id}", func(w http.ResponseWriter, r *http.Request) {
		shipmentID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "shipment id must be a uuid", nil)
			return
		}
		shipment, err := repo.GetByID(r.Context(), shipmentID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toResponse(shipment))
	})

	mux.HandleFunc("POST /api/v1/shipments/{id}/assign", func(w http.ResponseWriter, r *http.Request) {
		shipmentID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "shipment id must be a uuid", nil)
			return
		}
		var req assignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed request body", nil)
			return
		}
		carrierID, err := uuid.Parse(req.CarrierID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "carrier_id must be a uuid", nil)
			return
		}
		shipment, err := svc.Assign(r.Context(), shipmentID, carrierID, strings.TrimSpace(req.DeliveryAddress))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toResponse(shipment))
	})

	mux.HandleFunc("POST /api/v1/shipments/{id}/in-transit", func(w http.ResponseWriter, r *http.Request) {
		shipmentID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "shipment id must be a uuid", nil)
			return
		}
		shipment, err := svc.MarkInTransit(r.Context(), shipmentID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toResponse(shipment))
	})

	mux.HandleFunc("POST /api/v1/shipments/{id}/delivered", func(w http.ResponseWriter, r *http.Request) {
		shipmentID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "shipment id must be a uuid", nil)
			return
		}
		shipment, err := svc.MarkDelivered(r.Context(), shipmentID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toResponse(shipment))
	})

	mux.HandleFunc("POST /api/v1/shipments/{id}/failed", func(w http.ResponseWriter, r *http.Request) {
		shipmentID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "shipment id must be a uuid", nil)
			return
		}
		var req failRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed request body", nil)
			return
		}
		if strings.TrimSpace(req.Reason) == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "reason is required", nil)
			return
		}
		shipment, err := svc.MarkFailed(r.Context(), shipmentID, strings.TrimSpace(req.Reason))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toResponse(shipment))
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
	for _, subject := range []string{events.SubjectOrderConfirmed, events.SubjectCarrierTracking} {
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
