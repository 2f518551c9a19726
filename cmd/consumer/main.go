// Command consumer projects driver locations from Kafka into the Redis position cache the
// relay reads when a ride row has no position yet.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/config"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/storage"
)

var messages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ride_tracking",
	Subsystem: "consumer",
	Name:      "messages_total",
	Help:      "Driver location messages by outcome",
}, []string{"result"})

const (
	resultProjected = "projected"
	resultInvalid   = "invalid"
	resultStale     = "stale"
	resultFailed    = "failed"
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid consumer config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	go serveOps(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	p := &projector{
		positions: storage.NewRedisPositions(rc, cfg.RedisGeoKey),
		attempts:  cfg.RetryAttempts,
		delay:     cfg.RetryDelay,
		logger:    logger,
	}
	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	p.run(ctx, r)
	logger.Info("consumer stopped")
}

func serveOps(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("ops server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("ops server stopped", "error", err)
	}
}

// MessageReader is the part of kafka.Reader the loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// PositionCache is the part of storage.RedisPositions the projection needs.
type PositionCache interface {
	Record(ctx context.Context, ev models.LocationEvent) error
	Last(ctx context.Context, rideID string) (models.Point, time.Time, bool, error)
}

var errStale = errors.New("older than cached position")

type projector struct {
	positions PositionCache
	attempts  int
	delay     time.Duration
	logger    *slog.Logger
}

func (p *projector) run(ctx context.Context, r MessageReader) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		messages.WithLabelValues(p.handle(ctx, m)).Inc()
	}
}

func (p *projector) handle(ctx context.Context, m kafka.Message) string {
	ev, err := decodeEvent(m.Value)
	if err != nil {
		p.logger.Warn("invalid location message", "partition", m.Partition, "offset", m.Offset, "error", err)
		return resultInvalid
	}
	ctx = logging.WithRide(ctx, ev.RideID, "consumer")
	err = withRetry(ctx, p.attempts, p.delay, func() error { return p.project(ctx, ev) })
	switch {
	case errors.Is(err, errStale):
		p.logger.DebugContext(ctx, "stale location skipped", "driver_id", ev.DriverID, "recorded_at", ev.RecordedAt)
		return resultStale
	case err != nil:
		p.logger.WarnContext(ctx, "position projection failed", "driver_id", ev.DriverID, "error", err)
		return resultFailed
	}
	return resultProjected
}

// project writes ev unless the ride already holds a newer fix; partitions are ordered per
// driver, but redelivery after a rebalance can replay old offsets.
func (p *projector) project(ctx context.Context, ev models.LocationEvent) error {
	if ev.RideID != "" && !ev.RecordedAt.IsZero() {
		_, at, ok, err := p.positions.Last(ctx, ev.RideID)
		if err != nil {
			return err
		}
		if ok && at.After(ev.RecordedAt) {
			return errStale
		}
	}
	return p.positions.Record(ctx, ev)
}

var validate = validator.New()

func decodeEvent(b []byte) (models.LocationEvent, error) {
	var ev models.LocationEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if err := validate.Struct(ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// withRetry runs fn up to attempts times, doubling delay between tries. errStale is final.
func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || errors.Is(err, errStale) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
