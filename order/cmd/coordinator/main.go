package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"marketplace-order-fulfillment/order/internal/repos"
	"marketplace-order-fulfillment/order/internal/saga"
	"marketplace-order-fulfillment/shared/config"
	"marketplace-order-fulfillment/shared/dbx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/metricsx"
	"marketplace-order-fulfillment/shared/mqx"
	"marketplace-order-fulfillment/shared/observability"
)

// coordinatorSubjects are the subjects the saga reacts to, each consumed with
// its paired retry subject.
var coordinatorSubjects = []string{
	events.SubjectOrderCreated,
	events.SubjectInventoryReserved,
	events.SubjectInventoryFailed,
	events.SubjectInventoryReleased,
	events.SubjectPaymentConfirmed,
	events.SubjectPaymentFailed,
	events.SubjectPaymentRefunded,
	events.SubjectShipmentCreated,
	events.SubjectShipmentInTransit,
	events.SubjectShipmentDelivered,
	events.SubjectShipmentFailed,
	events.SubjectCancelOrder,
}

func main() {
	cfg, problems := config.Load("order-coordinator", 8081)
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

	coordinator := saga.New(repos.NewOrdersRepo(dbPool), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
		cancel()
	}()

	var wg sync.WaitGroup
	for _, subject := range coordinatorSubjects {
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
				Handler:     coordinator.Handle,
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

	wg.Wait()
	logger.Info(context.Background(), "consumer_exit", "all consumer loops drained")
}
