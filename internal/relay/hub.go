// Package relay is the server half of the realtime channel: a per-ride fan-out of row
// patches to websocket subscribers, optionally bridged through Redis pub/sub so several
// relay instances and Redis-transport trackers see the same feed.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/storage"
)

const (
	channelPrefix = "ride:"
	channelSuffix = ":changes"
)

func channelName(rideID string) string { return channelPrefix + rideID + channelSuffix }

func rideFromChannel(ch string) string {
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}

// Hub tracks the sockets subscribed to each ride.
type Hub struct {
	store  storage.RideStore
	redis  *redis.Client
	logger *slog.Logger

	mu    sync.RWMutex
	rides map[string]map[*Conn]struct{}
}

// NewHub builds a hub. redisClient may be nil, in which case fan-out stays in process.
func NewHub(store storage.RideStore, redisClient *redis.Client, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{store: store, redis: redisClient, logger: logger, rides: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rides[c.rideID] == nil {
		h.rides[c.rideID] = make(map[*Conn]struct{})
	}
	h.rides[c.rideID][c] = struct{}{}
	observability.RelaySockets.Inc()
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rides[c.rideID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rides, c.rideID)
	}
	observability.RelaySockets.Dec()
}

// Sockets reports how many sockets are subscribed to a ride.
func (h *Hub) Sockets(rideID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rides[rideID])
}

// Submit stores a patch and broadcasts whatever part of it changed the row. Patches for
// rides the store does not know are relayed unchanged.
func (h *Hub) Submit(ctx context.Context, source string, p models.Patch) (models.Patch, error) {
	if p.RideID == "" {
		return models.Patch{}, storage.ErrInvalid
	}
	_, accepted, err := h.store.ApplyPatch(ctx, p)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		accepted = p
	case errors.Is(err, storage.ErrConflict):
		observability.PatchesRejected.WithLabelValues("conflict").Inc()
		return models.Patch{}, err
	case errors.Is(err, storage.ErrInvalid):
		observability.PatchesRejected.WithLabelValues("invalid").Inc()
		return models.Patch{}, err
	case err != nil:
		observability.PatchesRejected.WithLabelValues("store").Inc()
		return models.Patch{}, err
	}
	if accepted.Empty() {
		return accepted, nil
	}
	b, err := json.Marshal(accepted)
	if err != nil {
		return models.Patch{}, err
	}
	observability.PatchesRelayed.WithLabelValues(source).Inc()
	if h.redis != nil {
		err := h.redis.Publish(ctx, channelName(p.RideID), b).Err()
		if err == nil {
			return accepted, nil
		}
		h.logger.WarnContext(ctx, "redis publish failed, delivering locally", "ride_id", p.RideID, "error", err)
	}
	h.fanout(p.RideID, b)
	return accepted, nil
}

func (h *Hub) fanout(rideID string, payload []byte) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rides[rideID]))
	for c := range h.rides[rideID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.enqueue(payload) {
			h.logger.Warn("slow subscriber dropped", "ride_id", rideID)
		}
	}
}

// Run bridges Redis into local sockets until ctx is done. Patches seen on Redis are also
// folded into the store so REST readers see writes from Redis-transport clients.
// Re-applying a patch this relay already stored leaves the row unchanged.
func (h *Hub) Run(ctx context.Context) error {
	if h.redis == nil {
		<-ctx.Done()
		return nil
	}
	ps := h.redis.PSubscribe(ctx, channelName("*"))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	h.logger.Info("redis bridge subscribed", "pattern", channelName("*"))

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			rideID := rideFromChannel(msg.Channel)
			if rideID == "" {
				continue
			}
			var p models.Patch
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				observability.PatchesRejected.WithLabelValues("undecodable").Inc()
				h.logger.Warn("dropping undecodable patch", "channel", msg.Channel, "error", err)
				continue
			}
			if p.RideID == "" {
				p.RideID = rideID
			}
			if _, _, err := h.store.ApplyPatch(ctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
				h.logger.Debug("bridged patch not stored", "ride_id", rideID, "error", err)
			}
			h.fanout(rideID, []byte(msg.Payload))
		}
	}
}
