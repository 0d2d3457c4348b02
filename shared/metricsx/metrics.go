package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_events_consumed_total",
			Help: "Events consumed by subject and outcome.",
		},
		[]string{"subject", "outcome"},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_events_published_total",
			Help: "Events published to the broker by subject.",
		},
		[]string{"subject"},
	)
	compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Compensating actions issued by kind.",
		},
		[]string{"kind"},
	)
	sagaOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_outcomes_total",
			Help: "Terminal saga outcomes by order status.",
		},
		[]string{"status"},
	)
	reservationExpirations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_reservation_expirations_total",
			Help: "Reservations expired by the watcher.",
		},
	)
	outboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_events",
			Help: "Events waiting in the outbox.",
		},
	)
	outboxDead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_dead_events_total",
			Help: "Outbox events moved to the dead state.",
		},
	)
	pspRequestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "psp_request_duration_seconds",
			Help:    "Payment provider call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	pspFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "psp_request_failures_total",
			Help: "Total payment provider call failures.",
		},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		eventsConsumed, eventsPublished, compensations, sagaOutcomes,
		reservationExpirations, outboxPending, outboxDead,
		pspRequestLatency, pspFailures,
		kafkaConsumerLag, asynqQueueDepth, influxWriteFailures,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventConsumed(subject string, outcome string) {
	eventsConsumed.WithLabelValues(subject, outcome).Inc()
}

func IncEventPublished(subject string) {
	eventsPublished.WithLabelValues(subject).Inc()
}

func IncCompensation(kind string) {
	compensations.WithLabelValues(kind).Inc()
}

func IncSagaOutcome(status string) {
	sagaOutcomes.WithLabelValues(status).Inc()
}

func IncReservationExpired() {
	reservationExpirations.Inc()
}

func SetOutboxPending(n int) {
	outboxPending.Set(float64(n))
}

func IncOutboxDead() {
	outboxDead.Inc()
}

func ObservePSPLatency(d time.Duration) {
	pspRequestLatency.Observe(d.Seconds())
}

func IncPSPFailure() {
	pspFailures.Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
