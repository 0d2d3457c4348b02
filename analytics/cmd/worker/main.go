// The analytics worker tails fulfillment outcome topics, keeps a sliding
// failure-share window, ships per-event points to InfluxDB, and raises a
// redis alert when failures spike. It observes; it never participates in the
// saga, so handler errors are logged and the offset always commits.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"marketplace-order-fulfillment/analytics/internal/agg"
	"marketplace-order-fulfillment/shared/cachex"
	"marketplace-order-fulfillment/shared/config"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/influxx"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/metricsx"
	"marketplace-order-fulfillment/shared/mqx"
	"marketplace-order-fulfillment/shared/observability"
)

const (
	alertChannel = "fulfillment.alerts"
	snapshotKey  = "analytics:fulfillment:snapshot"
)

var outcomeBySubject = map[string]string{
	events.SubjectOrderConfirmed:    agg.OutcomeConfirmed,
	events.SubjectOrderFailed:       agg.OutcomeFailed,
	events.SubjectOrderCancelled:    agg.OutcomeCancelled,
	events.SubjectShipmentDelivered: agg.OutcomeDelivered,
}

func main() {
	cfg, problems := config.Load("analytics-worker", 8087)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

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

	var cacheClient *cachex.Client
	if cfg.RedisAddr != "" {
		var err error
		cacheClient, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "redis init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			cacheClient = nil
		}
	}
	if cacheClient != nil {
		defer cacheClient.Close()
	}

	var influxClient *influxx.Client
	if cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != "" {
		var err error
		influxClient, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			influxClient = nil
		}
	}
	if influxClient != nil {
		defer influxClient.Close()
	}

	state := agg.New(
		time.Duration(cfg.AnalyticsWindowSec)*time.Second,
		cfg.AnalyticsFailurePct,
		cfg.AnalyticsMinEvents,
		time.Duration(cfg.AnalyticsCooldownSec)*time.Second,
	)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var wg sync.WaitGroup
	for subject, outcome := range outcomeBySubject {
		reader, err := mqx.NewConsumer(cfg, subject, cfg.KafkaGroupID)
		if err != nil {
			logger.Error(ctx, "kafka_init_failed", "consumer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
				logx.Subject(subject),
			)
			os.Exit(1)
		}
		wg.Add(1)
		go func(subject, outcome string, reader *kafka.Reader) {
			defer wg.Done()
			defer reader.Close()
			runConsumer(ctx, reader, cfg.KafkaGroupID, func(payload []byte) error {
				return handleOutcome(ctx, payload, subject, outcome, state, cacheClient, influxClient, logger)
			}, logger)
		}(subject, outcome, reader)
	}

	wg.Wait()
	logger.Info(context.Background(), "worker_stop", "analytics worker stopped")
}

func runConsumer(ctx context.Context, reader *kafka.Reader, groupID string, handler func([]byte) error, logger logx.Logger) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		_, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		)
		if err := handler(msg.Value); err != nil {
			logger.Error(ctx, "event_handle_failed", "failed to handle event",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		span.End()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, groupID, stats.Lag)
	}
}

func handleOutcome(ctx context.Context, payload []byte, subject, outcome string, state *agg.State, cacheClient *cachex.Client, influxClient *influxx.Client, logger logx.Logger) error {
	envelope, err := events.Deserialize(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	snapshot := state.Record(outcome, now)
	metricsx.IncEventConsumed(subject, "observed")

	if influxClient != nil {
		if err := influxClient.WritePoint(ctx, "fulfillment_outcomes", map[string]string{
			"subject": subject,
			"outcome": outcome,
		}, map[string]any{
			"confirmed":     snapshot.Confirmed,
			"failed":        snapshot.Failed,
			"cancelled":     snapshot.Cancelled,
			"delivered":     snapshot.Delivered,
			"failure_share": snapshot.FailureShare,
		}, now); err != nil {
			metricsx.IncInfluxWriteFailure()
		}
	}
	if cacheClient != nil {
		_ = cacheClient.SetJSON(ctx, snapshotKey, snapshot, 2*time.Duration(snapshot.WindowSec)*time.Second)
	}

	alert, fire := state.AlertIfNeeded(now)
	if !fire {
		return nil
	}
	logger.Warn(ctx, "failure_spike", "fulfillment failure share crossed threshold",
		logx.Correlation(envelope.CorrelationID.String()),
		slog.Float64("failure_share", alert.FailureShare),
		slog.Int("failed", alert.Failed),
		slog.Int("window_seconds", alert.WindowSec),
	)
	if cacheClient != nil {
		if data, err := json.Marshal(alert); err == nil {
			_ = cacheClient.Client().Publish(ctx, alertChannel, string(data)).Err()
		}
	}
	return nil
}
