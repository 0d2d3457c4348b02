package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"marketplace-order-fulfillment/gateway/internal/routing"
	"marketplace-order-fulfillment/shared/config"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/httpx"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/metricsx"
	"marketplace-order-fulfillment/shared/mqx"
	"marketplace-order-fulfillment/shared/observability"
)

const maxBodyBytes = 1 << 20

var trackingStatuses = map[string]bool{
	"picked_up": true,
	"delivered": true,
	"failed":    true,
}

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type trackingRequest struct {
	ShipmentID string     `json:"shipment_id"`
	CarrierID  string     `json:"carrier_id"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

type trackingResponse struct {
	EventID    string `json:"event_id"`
	Cluster    string `json:"cluster"`
	Topic      string `json:"topic"`
	OccurredAt string `json:"occurred_at"`
}

func main() {
	cfg, readyProblems := config.Load("carrier-gateway", 8090)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	var shutdownTracer func(context.Context) error
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Error(context.Background(), "otel_init_failed", "otel init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	routesPath := strings.TrimSpace(os.Getenv("GATEWAY_ROUTES_PATH"))
	if routesPath == "" {
		if p, err := routing.DefaultRoutesPath(cfg.Env); err == nil {
			routesPath = p
		} else {
			readyProblems = append(readyProblems, config.Problem{Field: "GATEWAY_ROUTES_PATH", Message: "failed to resolve default routes path"})
		}
	}

	var resolver routing.Resolver
	if routesPath != "" {
		var err error
		resolver, err = routing.Load(routesPath)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "GATEWAY_ROUTES_PATH", Message: err.Error()})
		}
	} else {
		readyProblems = append(readyProblems, config.Problem{Field: "GATEWAY_ROUTES_PATH", Message: "routes config path is required"})
	}

	producers := map[string]*mqx.Producer{}
	for name, cluster := range resolver.Config.Clusters {
		clone := cfg
		clone.KafkaBrokers = cluster.Brokers
		if strings.TrimSpace(cluster.ClientID) != "" {
			clone.KafkaClientID = cluster.ClientID
		} else if strings.TrimSpace(cfg.ServiceName) != "" {
			clone.KafkaClientID = cfg.ServiceName + "-" + name
		}
		producer, err := mqx.NewProducer(clone)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: "cluster " + name + ": " + err.Error()})
			continue
		}
		producers[name] = producer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("POST /v1/carriers/{code}/tracking", func(w http.ResponseWriter, r *http.Request) {
		code := r.PathValue("code")
		carrier, ok := resolver.ResolveCarrier(code)
		if !ok {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "unknown carrier", nil)
			return
		}
		token := strings.TrimSpace(r.Header.Get("X-Carrier-Token"))
		if subtle.ConstantTimeCompare([]byte(token), []byte(carrier.Token)) != 1 {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid carrier token", nil)
			return
		}

		req, err := decodeTrackingRequest(r)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		shipmentID, err := uuid.Parse(req.ShipmentID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "shipment_id must be a uuid", nil)
			return
		}
		carrierID, err := uuid.Parse(req.CarrierID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "carrier_id must be a uuid", nil)
			return
		}

		clusterName, ok := resolver.ResolveCluster(carrier)
		if !ok {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "no cluster configured for carrier", nil)
			return
		}
		producer, ok := producers[clusterName]
		if !ok || producer == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "cluster producer unavailable", map[string]any{"cluster": clusterName})
			return
		}
		topic := resolver.ResolveTopic(req.Status)
		if topic == "" {
			topic = events.SubjectCarrierTracking
		}

		occurredAt := time.Now().UTC()
		if req.OccurredAt != nil {
			occurredAt = req.OccurredAt.UTC()
		}
		envelope, err := events.Emit(events.SubjectCarrierTracking, events.CarrierTracking{
			ShipmentID: shipmentID,
			CarrierID:  carrierID,
			Status:     req.Status,
			Reason:     req.Reason,
			OccurredAt: occurredAt,
		}, uuid.New(), uuid.Nil)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to encode event", nil)
			return
		}
		data, err := envelope.Serialize()
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to encode event", nil)
			return
		}

		headers := map[string]string{
			"carrier":    strings.ToLower(strings.TrimSpace(code)),
			"cluster":    clusterName,
			"request_id": httpx.RequestIDFromContext(r.Context()),
		}
		if err := producer.Publish(r.Context(), topic, []byte(shipmentID.String()), data, headers); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "failed to publish event", nil)
			return
		}
		metricsx.IncEventPublished(topic)

		httpx.WriteJSON(w, http.StatusAccepted, trackingResponse{
			EventID:    envelope.EventID.String(),
			Cluster:    clusterName,
			Topic:      topic,
			OccurredAt: occurredAt.Format(time.RFC3339),
		})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.String("routes_path", routesPath),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	for _, producer := range producers {
		if producer != nil {
			_ = producer.Close()
		}
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func decodeTrackingRequest(r *http.Request) (trackingRequest, error) {
	if r.Body == nil {
		return trackingRequest{}, errors.New("request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	var req trackingRequest
	if err := dec.Decode(&req); err != nil {
		return trackingRequest{}, errors.New("invalid json body")
	}
	req.ShipmentID = strings.TrimSpace(req.ShipmentID)
	req.CarrierID = strings.TrimSpace(req.CarrierID)
	req.Status = strings.TrimSpace(req.Status)
	req.Reason = strings.TrimSpace(req.Reason)

	if req.ShipmentID == "" {
		return trackingRequest{}, errors.New("shipment_id is required")
	}
	if req.CarrierID == "" {
		return trackingRequest{}, errors.New("carrier_id is required")
	}
	if !trackingStatuses[req.Status] {
		return trackingRequest{}, errors.New("status must be one of picked_up, delivered, failed")
	}
	return req, nil
}
