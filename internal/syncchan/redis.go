package syncchan

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/models"
)

// RedisChannel relays patches over Redis pub/sub, one channel per ride
// ("ride:{id}:changes"), JSON encoded.
type RedisChannel struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisChannel(client *redis.Client, logger *slog.Logger) *RedisChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChannel{client: client, logger: logger}
}

func (r *RedisChannel) Publish(ctx context.Context, rideID string, p models.Patch) error {
	b, err := encodePatch(p)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channelName(rideID), b).Err(); err != nil {
		return transportErr("redis publish", err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning, so no patch
// published afterwards is missed.
func (r *RedisChannel) Subscribe(ctx context.Context, rideID string, onChange Handler) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channelName(rideID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, transportErr("redis subscribe", err)
	}
	sub := &redisSub{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			p, err := decodePatch([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("dropping undecodable patch", "channel", msg.Channel, "error", err)
				continue
			}
			onChange(p)
		}
	}()
	return sub, nil
}

type redisSub struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

// Unsubscribe closes the pub/sub connection and waits for the delivery goroutine.
func (s *redisSub) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}
