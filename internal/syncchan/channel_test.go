package syncchan

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/models"
)

type collector struct {
	mu  sync.Mutex
	got []models.Patch
	ch  chan struct{}
}

func newCollector() *collector { return &collector{ch: make(chan struct{}, 64)} }

func (c *collector) handle(p models.Patch) {
	c.mu.Lock()
	c.got = append(c.got, p)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []models.Patch {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for patch %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Patch(nil), c.got...)
}

func TestMemoryDeliversToAllSubscribersIncludingPublisher(t *testing.T) {
	m := NewMemory()
	a, b := newCollector(), newCollector()
	subA, err := m.Subscribe(context.Background(), "r1", a.handle)
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), "r1", b.handle)
	require.NoError(t, err)
	other := newCollector()
	_, err = m.Subscribe(context.Background(), "r2", other.handle)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, m.Publish(context.Background(), "r1", models.StatusPatch("r1", "drv", models.StatusOngoing, now)))
	assert.Len(t, a.wait(t, 1), 1)
	assert.Len(t, b.wait(t, 1), 1)
	assert.Empty(t, other.got)

	require.NoError(t, subA.Unsubscribe())
	require.NoError(t, subA.Unsubscribe())
	assert.Equal(t, 1, m.Subscribers("r1"))
}

func TestMemoryInterceptFailsPublish(t *testing.T) {
	m := NewMemory()
	c := newCollector()
	_, _ = m.Subscribe(context.Background(), "r1", c.handle)
	m.SetIntercept(func(string, models.Patch) error { return errors.New("offline") })

	err := m.Publish(context.Background(), "r1", models.ArrivedPatch("r1", "drv", time.Now()))
	require.ErrorIs(t, err, ErrTransport)
	assert.Empty(t, c.got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.Publish(ctx, "r1", models.Patch{}), ErrTransport)
}

func TestRedisChannelRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ch := NewRedisChannel(client, nil)

	c := newCollector()
	sub, err := ch.Subscribe(context.Background(), "ride-9", c.handle)
	require.NoError(t, err)

	pt := models.Point{Lat: 52.52, Lng: 13.405}
	require.NoError(t, ch.Publish(context.Background(), "ride-9", models.PositionPatch("ride-9", "drv", pt, time.Now())))

	got := c.wait(t, 1)
	pos, ok := got[0].Position()
	require.True(t, ok)
	assert.Equal(t, pt, pos)
	assert.Equal(t, "drv", got[0].UpdatedBy)

	// Garbage on the channel is skipped.
	mr.Publish(channelName("ride-9"), "{not json")
	require.NoError(t, ch.Publish(context.Background(), "ride-9", models.ArrivedPatch("ride-9", "drv", time.Now())))
	got = c.wait(t, 1)
	require.NotNil(t, got[1].DriverArrived)

	require.NoError(t, sub.Unsubscribe())
}

func TestRedisChannelPublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	err := NewRedisChannel(client, nil).Publish(context.Background(), "r", models.Patch{RideID: "r"})
	require.ErrorIs(t, err, ErrTransport)
}

// fakeRelay fans every text frame out to every socket on the same path.
type fakeRelay struct {
	mu    sync.Mutex
	conns map[string][]*websocket.Conn

	dials atomic.Int32
	open  atomic.Int32
	// stall holds new handshakes until the client gives up.
	stall atomic.Bool
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.stall.Load() {
		<-r.Context().Done()
		return
	}
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.dials.Add(1)
	f.open.Add(1)
	defer f.open.Add(-1)
	f.mu.Lock()
	f.conns[r.URL.Path] = append(f.conns[r.URL.Path], conn)
	f.mu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.mu.Lock()
		for _, c := range f.conns[r.URL.Path] {
			_ = c.WriteMessage(websocket.TextMessage, data)
		}
		f.mu.Unlock()
	}
}

func (f *fakeRelay) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cs := range f.conns {
		for _, c := range cs {
			_ = c.Close()
		}
	}
}

func TestWSChannelEchoesThroughRelay(t *testing.T) {
	relay := &fakeRelay{conns: make(map[string][]*websocket.Conn)}
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	t.Cleanup(relay.closeAll)

	ch, err := NewWSChannel(srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c := newCollector()
	sub, err := ch.Subscribe(ctx, "ride/1", c.handle)
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, "ride/1", models.StatusPatch("ride/1", "pax", models.StatusCancelled, time.Now())))
	got := c.wait(t, 1)
	require.NotNil(t, got[0].Status)
	assert.Equal(t, models.StatusCancelled, *got[0].Status)

	require.NoError(t, sub.Unsubscribe())
}

func TestWSChannelPublishBeforeConnectFails(t *testing.T) {
	ch, err := NewWSChannel("http://127.0.0.1:1", nil)
	require.NoError(t, err)
	defer ch.Close()
	err = ch.Publish(context.Background(), "r", models.Patch{})
	require.ErrorIs(t, err, ErrTransport)
}

func TestWSChannelPublishAfterUnsubscribeDoesNotRedial(t *testing.T) {
	relay := &fakeRelay{conns: make(map[string][]*websocket.Conn)}
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	t.Cleanup(relay.closeAll)

	ch, err := NewWSChannel(srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := ch.Subscribe(ctx, "r1", newCollector().handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.Eventually(t, func() bool { return relay.open.Load() == 0 }, time.Second, 5*time.Millisecond)

	err = ch.Publish(ctx, "r1", models.StatusPatch("r1", "pax", models.StatusCancelled, time.Now()))
	require.ErrorIs(t, err, ErrTransport)

	time.Sleep(3 * wsMinBackoff)
	assert.Equal(t, int32(1), relay.dials.Load())
	assert.Equal(t, int32(0), relay.open.Load())
}

// stallingListener accepts TCP connections and never answers the handshake.
func stallingListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var held []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			_ = c.Close()
		}
	})
	return "http://" + ln.Addr().String()
}

func TestWSChannelAbandonedSubscribeReleasesSocket(t *testing.T) {
	ch, err := NewWSChannel(stallingListener(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = ch.Subscribe(ctx, "r1", newCollector().handle)
	require.ErrorIs(t, err, ErrTransport)
	assert.Less(t, time.Since(start), time.Second, "dial in flight must not hold the caller")

	ch.mu.Lock()
	assert.Empty(t, ch.links)
	ch.mu.Unlock()

	start = time.Now()
	require.NoError(t, ch.Close())
	assert.Less(t, time.Since(start), time.Second)
}

func TestWSChannelUnsubscribeDuringRedialReturnsPromptly(t *testing.T) {
	relay := &fakeRelay{conns: make(map[string][]*websocket.Conn)}
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	ch, err := NewWSChannel(srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := ch.Subscribe(ctx, "r1", newCollector().handle)
	require.NoError(t, err)

	// Drop the socket; the redial then hangs in the handshake.
	relay.stall.Store(true)
	relay.closeAll()
	time.Sleep(2 * wsMinBackoff)

	done := make(chan struct{})
	go func() {
		_ = sub.Unsubscribe()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unsubscribe blocked behind the redial")
	}
}

func TestNewWSChannelRejectsScheme(t *testing.T) {
	_, err := NewWSChannel("ftp://relay", nil)
	require.Error(t, err)
}

func TestRESTClient(t *testing.T) {
	var gotStatus map[string]string
	var gotLoc models.LocationEvent
	lat, lng := 52.5, 13.4
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/rides/r1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.RideRecord{ID: "r1", Status: models.StatusOngoing, Latitude: &lat, Longitude: &lng})
	})
	mux.HandleFunc("/api/v1/rides/r1/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&gotStatus)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/v1/rides/r2/status", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid transition", http.StatusConflict)
	})
	mux.HandleFunc("/api/v1/drivers/d1/location", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotLoc)
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewRESTClient(srv.URL + "/")
	ctx := context.Background()

	rec, err := c.GetRide(ctx, "r1")
	require.NoError(t, err)
	pos, ok := rec.Position()
	require.True(t, ok)
	assert.Equal(t, models.Point{Lat: lat, Lng: lng}, pos)

	require.NoError(t, c.PutStatus(ctx, "r1", models.StatusCompleted, "drv"))
	assert.Equal(t, "COMPLETED", gotStatus["status"])

	err = c.PutStatus(ctx, "r2", models.StatusOngoing, "drv")
	require.ErrorIs(t, err, ErrTransport)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)

	require.NoError(t, c.PostDriverLocation(ctx, models.LocationEvent{DriverID: "d1", RideID: "r1", Latitude: 1, Longitude: 2}))
	assert.Equal(t, "r1", gotLoc.RideID)

	_, err = c.GetRide(ctx, "missing")
	require.ErrorIs(t, err, ErrTransport)
}
