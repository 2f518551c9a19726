package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/storage"
	"github.com/example/ride-tracking/internal/syncchan"
)

type sink struct {
	mu  sync.Mutex
	got []models.Patch
}

func (s *sink) handle(p models.Patch) {
	s.mu.Lock()
	s.got = append(s.got, p)
	s.mu.Unlock()
}

func (s *sink) patches() []models.Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Patch(nil), s.got...)
}

func serveHub(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/ws/rides/")
		_ = h.ServeWS(r.Context(), w, r, id)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func seed(t *testing.T, store *storage.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, store.CreateRide(context.Background(), models.RideRecord{ID: id, DriverID: "drv", PassengerID: "pax", Status: models.StatusMatched}))
}

func TestHubFansOutToEverySocketIncludingSender(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, "r1")
	h := NewHub(store, nil, nil)
	srv := serveHub(t, h)

	driver, err := syncchan.NewWSChannel(srv.URL, nil)
	require.NoError(t, err)
	defer driver.Close()
	passenger, err := syncchan.NewWSChannel(srv.URL, nil)
	require.NoError(t, err)
	defer passenger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var d, p sink
	_, err = driver.Subscribe(ctx, "r1", d.handle)
	require.NoError(t, err)
	_, err = passenger.Subscribe(ctx, "r1", p.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Sockets("r1") == 2 }, time.Second, 5*time.Millisecond)

	pos := models.Point{Lat: 52.52, Lng: 13.405}
	require.NoError(t, driver.Publish(ctx, "r1", models.PositionPatch("r1", "drv", pos, time.Now())))
	require.Eventually(t, func() bool { return len(d.patches()) == 1 && len(p.patches()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got, ok := p.patches()[0].Position()
	require.True(t, ok)
	assert.Equal(t, pos, got)

	rec, err := store.GetRide(ctx, "r1")
	require.NoError(t, err)
	stored, ok := rec.Position()
	require.True(t, ok)
	assert.Equal(t, pos, stored)
}

func TestHubDropsRejectedAndDuplicatePatches(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, "r1")
	h := NewHub(store, nil, nil)
	ctx := context.Background()

	_, err := h.Submit(ctx, "test", models.StatusPatch("r1", "drv", models.StatusOngoing, time.Now()))
	require.NoError(t, err)
	_, err = h.Submit(ctx, "test", models.StatusPatch("r1", "drv", models.StatusMatched, time.Now()))
	require.ErrorIs(t, err, storage.ErrConflict)

	accepted, err := h.Submit(ctx, "test", models.StatusPatch("r1", "drv", models.StatusOngoing, time.Now()))
	require.NoError(t, err)
	assert.True(t, accepted.Empty())

	_, err = h.Submit(ctx, "test", models.Patch{})
	require.ErrorIs(t, err, storage.ErrInvalid)
}

func TestHubRelaysUnknownRides(t *testing.T) {
	h := NewHub(storage.NewMemoryStore(), nil, nil)
	p := models.ArrivedPatch("ghost", "drv", time.Now())
	accepted, err := h.Submit(context.Background(), "test", p)
	require.NoError(t, err)
	assert.Equal(t, p, accepted)
}

func TestHubBridgesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := storage.NewMemoryStore()
	seed(t, store, "r1")
	h := NewHub(store, client, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	require.Eventually(t, func() bool { return mr.PubSubNumPat() == 1 }, time.Second, 5*time.Millisecond)

	srv := serveHub(t, h)
	ws, err := syncchan.NewWSChannel(srv.URL, nil)
	require.NoError(t, err)
	defer ws.Close()
	var viaWS sink
	_, err = ws.Subscribe(ctx, "r1", viaWS.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Sockets("r1") == 1 }, time.Second, 5*time.Millisecond)

	// A tracker on the Redis transport publishes straight to the bus.
	rc := syncchan.NewRedisChannel(client, nil)
	var viaRedis sink
	sub, err := rc.Subscribe(ctx, "r1", viaRedis.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, rc.Publish(ctx, "r1", models.StatusPatch("r1", "drv", models.StatusOngoing, time.Now())))
	require.Eventually(t, func() bool { return len(viaWS.patches()) == 1 }, 2*time.Second, 5*time.Millisecond)
	rec, err := store.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOngoing, rec.Status)

	// And a websocket publish reaches the Redis subscriber.
	require.NoError(t, ws.Publish(ctx, "r1", models.ArrivedPatch("r1", "drv", time.Now())))
	require.Eventually(t, func() bool {
		for _, p := range viaRedis.patches() {
			if p.DriverArrived != nil {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRideFromChannel(t *testing.T) {
	assert.Equal(t, "abc", rideFromChannel(channelName("abc")))
	assert.Equal(t, "", rideFromChannel("tracking:abc:broadcast"))
}
