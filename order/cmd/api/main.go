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
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace-order-fulfillment/order/internal/middleware"
	"marketplace-order-fulfillment/order/internal/models"
	"marketplace-order-fulfillment/order/internal/repos"
	"marketplace-order-fulfillment/order/internal/saga"
	"marketplace-order-fulfillment/shared/authx"
	"marketplace-order-fulfillment/shared/cachex"
	"marketplace-order-fulfillment/shared/config"
	"marketplace-order-fulfillment/shared/dbx"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/httpx"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/metricsx"
	"marketplace-order-fulfillment/shared/money"
	"marketplace-order-fulfillment/shared/observability"
	"marketplace-order-fulfillment/shared/outboxx"
	"marketplace-order-fulfillment/shared/workflow"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type createOrderRequest struct {
	CustomerID string            `json:"customer_id"`
	Currency   string            `json:"currency"`
	Items      []createOrderItem `json:"items"`
}

type createOrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type orderResponse struct {
	OrderID       string            `json:"order_id"`
	CustomerID    string            `json:"customer_id"`
	Status        string            `json:"status"`
	Currency      string            `json:"currency"`
	TotalAmount   string            `json:"total_amount"`
	Items         []createOrderItem `json:"items"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func parseCSVEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func main() {
	cfg, readyProblems := config.Load("order-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfig{
		ServiceName: cfg.ServiceName,
		Env:         cfg.Env,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
	})
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracing disabled", slog.Any("error", err))
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}
	if dbPool != nil {
		defer dbPool.Close()
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "cache_init_failed", "order cache disabled", slog.Any("error", err))
		}
	}
	if cache != nil {
		defer cache.Close()
	}

	ordersRepo := repos.NewOrdersRepo(dbPool)
	coordinator := saga.New(ordersRepo, logger)

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration", map[string]any{"problems": readyProblems})
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "database not reachable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ready", Service: cfg.ServiceName})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("POST /api/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed request body", nil)
			return
		}
		order, created, err := createOrder(r.Context(), ordersRepo, req, r.Header.Get("Idempotency-Key"))
		if err != nil {
			if errors.Is(err, errx.ErrValidation) {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
				return
			}
			logger.Error(r.Context(), "order_create_failed", "order create failed", slog.Any("error", err))
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not create order", nil)
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		httpx.WriteJSON(w, status, toResponse(order))
	})

	mux.HandleFunc("GET /api/v1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		orderID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "order id must be a uuid", nil)
			return
		}
		if cache != nil {
			var cached orderResponse
			if hit, err := cache.GetJSON(r.Context(), cachex.OrderKey(orderID.String()), &cached); err == nil && hit {
				httpx.WriteJSON(w, http.StatusOK, cached)
				return
			}
		}
		order, err := ordersRepo.GetByID(r.Context(), orderID)
		if err != nil {
			if errors.Is(err, errx.ErrNotFound) {
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not load order", nil)
			return
		}
		resp := toResponse(order)
		if cache != nil {
			_ = cache.SetJSON(r.Context(), cachex.OrderKey(orderID.String()), resp, time.Duration(cfg.CacheTTLSeconds)*time.Second)
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("POST /api/v1/orders/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		orderID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "order id must be a uuid", nil)
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		err = coordinator.Cancel(r.Context(), orderID, body.Reason, uuid.New(), uuid.Nil, uuid.Nil)
		if err != nil {
			var invalid *workflow.InvalidTransitionError
			switch {
			case errors.Is(err, errx.ErrNotFound):
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			case errors.As(err, &invalid):
				httpx.WriteError(w, r, http.StatusConflict, "INVALID_STATE_TRANSITION", invalid.Error(), nil)
			case errors.Is(err, errx.ErrBusinessRule):
				httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", err.Error(), nil)
			default:
				logger.Error(r.Context(), "order_cancel_failed", "order cancel failed", slog.Any("error", err))
				httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not cancel order", nil)
			}
			return
		}
		if cache != nil {
			_ = cache.Delete(r.Context(), cachex.OrderKey(orderID.String()))
		}
		w.WriteHeader(http.StatusAccepted)
	})

	var handler http.Handler = mux
	if verifier != nil {
		protected := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" {
				mux.ServeHTTP(w, r)
				return
			}
			authx.Middleware(verifier, "", protected).ServeHTTP(w, r)
		})
	}
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(20, 40, 2*time.Minute),
		Skip: func(r *http.Request) bool {
			return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
		},
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: parseCSVEnv("CORS_ALLOWED_ORIGINS"),
		MaxAge:         10 * time.Minute,
	}.Wrap(handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestID(handler)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "server_started", "http server listening", slog.Int("port", cfg.HTTPPort))
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "http server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "graceful shutdown failed", slog.Any("error", err))
	}
}

func createOrder(ctx context.Context, repo *repos.OrdersRepo, req createOrderRequest, idempotencyKey string) (models.Order, bool, error) {
	customerID, err := uuid.Parse(strings.TrimSpace(req.CustomerID))
	if err != nil {
		return models.Order{}, false, errx.Validation("customer_id must be a uuid")
	}
	if len(req.Items) == 0 {
		return models.Order{}, false, errx.Validation("order needs at least one item")
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	total, err := money.Zero(currency)
	if err != nil {
		return models.Order{}, false, errx.Validation("currency: %v", err)
	}
	items := make([]models.OrderItem, 0, len(req.Items))
	eventItems := make([]events.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		productID, err := uuid.Parse(strings.TrimSpace(item.ProductID))
		if err != nil {
			return models.Order{}, false, errx.Validation("product_id must be a uuid")
		}
		if item.Quantity <= 0 {
			return models.Order{}, false, errx.Validation("quantity must be positive")
		}
		unit, err := money.FromString(item.UnitPrice, currency)
		if err != nil {
			return models.Order{}, false, errx.Validation("unit_price: %v", err)
		}
		line, err := unit.Multiply(int64(item.Quantity))
		if err != nil {
			return models.Order{}, false, errx.Validation("line total: %v", err)
		}
		total, err = total.Add(line)
		if err != nil {
			return models.Order{}, false, errx.Validation("order total: %v", err)
		}
		items = append(items, models.OrderItem{ProductID: productID, Quantity: item.Quantity, UnitPrice: unit.String()})
		eventItems = append(eventItems, events.OrderItem{ProductID: productID.String(), Quantity: item.Quantity, UnitPrice: unit})
	}

	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	order := models.Order{
		OrderID:        uuid.New(),
		CustomerID:     customerID,
		Currency:       currency,
		TotalAmount:    total.Amount().StringFixed(2),
		Items:          items,
		IdempotencyKey: idempotencyKey,
		CorrelationID:  uuid.New(),
	}

	env, err := events.Emit(events.SubjectOrderCreated, events.OrderCreated{
		OrderID:     order.OrderID,
		CustomerID:  customerID,
		Items:       eventItems,
		TotalAmount: total,
	}, order.CorrelationID, uuid.Nil)
	if err != nil {
		return models.Order{}, false, err
	}
	raw, err := env.Serialize()
	if err != nil {
		return models.Order{}, false, err
	}

	return repo.Create(ctx, order, []outboxx.Record{{
		EventID:       env.EventID,
		AggregateType: "order",
		AggregateID:   order.OrderID,
		Subject:       events.SubjectOrderCreated,
		Payload:       raw,
	}})
}

func toResponse(order models.Order) orderResponse {
	items := make([]createOrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, createOrderItem{ProductID: item.ProductID.String(), Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}
	return orderResponse{
		OrderID:       order.OrderID.String(),
		CustomerID:    order.CustomerID.String(),
		Status:        order.Status,
		Currency:      order.Currency,
		TotalAmount:   order.TotalAmount,
		Items:         items,
		FailureReason: order.FailureReason,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
	}
}
