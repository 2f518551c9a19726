package syncchan

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-tracking/internal/models"
)

var (
	errNotConnected  = errors.New("relay socket not connected")
	errNotSubscribed = errors.New("no subscription holds the ride socket open")
)

const (
	wsWriteTimeout = 2 * time.Second
	wsMinBackoff   = 200 * time.Millisecond
	wsMaxBackoff   = 5 * time.Second
)

// WSChannel talks to the relay's /ws/rides/{id} endpoint. One socket per ride is shared by
// publishes and subscriptions and is redialled with backoff when it drops.
type WSChannel struct {
	base   string
	dialer *websocket.Dialer
	header http.Header
	logger *slog.Logger

	mu    sync.Mutex
	links map[string]*wsLink
}

// NewWSChannel takes the relay base URL (http(s):// or ws(s)://).
func NewWSChannel(baseURL string, logger *slog.Logger) (*WSChannel, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.New("relay url must be http(s) or ws(s)")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSChannel{
		base:   u.String(),
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		header: http.Header{},
		logger: logger,
		links:  make(map[string]*wsLink),
	}, nil
}

// Publish writes on the ride's socket. It never opens one: a ride nobody subscribed to,
// or whose last subscriber left, has no socket to write on.
func (w *WSChannel) Publish(ctx context.Context, rideID string, p models.Patch) error {
	b, err := encodePatch(p)
	if err != nil {
		return err
	}
	w.mu.Lock()
	l, ok := w.links[rideID]
	w.mu.Unlock()
	if !ok {
		return transportErr("ws publish", errNotSubscribed)
	}
	if err := l.write(ctx, b); err != nil {
		return transportErr("ws publish", err)
	}
	return nil
}

// Subscribe returns once the socket is connected or ctx is done.
func (w *WSChannel) Subscribe(ctx context.Context, rideID string, onChange Handler) (Subscription, error) {
	l, id := w.acquire(rideID, onChange)
	select {
	case <-l.ready:
	case <-ctx.Done():
		w.drop(rideID, l, id)
		return nil, transportErr("ws subscribe", ctx.Err())
	}
	return &wsSub{ch: w, rideID: rideID, link: l, id: id}, nil
}

// Close drops every socket.
func (w *WSChannel) Close() error {
	w.mu.Lock()
	links := w.links
	w.links = make(map[string]*wsLink)
	w.mu.Unlock()
	for _, l := range links {
		l.close()
	}
	return nil
}

// acquire registers h on the ride's link, dialling a new one if needed. Both steps happen
// under w.mu so a concurrent drop cannot retire the link in between.
func (w *WSChannel) acquire(rideID string, h Handler) (*wsLink, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.links[rideID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		l = &wsLink{
			url:      w.base + "/ws/rides/" + url.PathEscape(rideID),
			dialer:   w.dialer,
			header:   w.header,
			logger:   w.logger.With("ride_id", rideID),
			handlers: make(map[int]Handler),
			ready:    make(chan struct{}),
			ctx:      ctx,
			cancel:   cancel,
			done:     make(chan struct{}),
		}
		w.links[rideID] = l
		go l.run()
	}
	return l, l.addHandler(h)
}

// drop removes a handler and closes the link once none remain.
func (w *WSChannel) drop(rideID string, l *wsLink, id int) {
	w.mu.Lock()
	last := l.removeHandler(id) == 0
	if last && w.links[rideID] == l {
		delete(w.links, rideID)
	}
	w.mu.Unlock()
	if last {
		l.close()
	}
}

type wsLink struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	handlers  map[int]Handler
	nextID    int
	readyOnce sync.Once
	ready     chan struct{}

	// ctx is cancelled by close; it aborts an in-flight dial.
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func (l *wsLink) run() {
	defer close(l.done)
	backoff := wsMinBackoff
	for l.ctx.Err() == nil {
		conn, _, err := l.dialer.DialContext(l.ctx, l.url, l.header)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.logger.Warn("relay dial failed", "error", err, "backoff", backoff)
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, wsMaxBackoff)
			continue
		}
		if !l.attach(conn) {
			_ = conn.Close()
			return
		}
		backoff = wsMinBackoff
		l.readyOnce.Do(func() { close(l.ready) })
		l.readLoop(conn)
		l.detach()
		_ = conn.Close()
	}
}

// attach installs conn unless close already ran; close only sees conns installed here.
func (l *wsLink) attach(conn *websocket.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return false
	}
	l.conn = conn
	return true
}

func (l *wsLink) detach() {
	l.mu.Lock()
	l.conn = nil
	l.mu.Unlock()
}

func (l *wsLink) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Warn("relay socket dropped", "error", err)
			}
			return
		}
		p, err := decodePatch(data)
		if err != nil {
			l.logger.Warn("dropping undecodable patch", "error", err)
			continue
		}
		l.mu.Lock()
		handlers := make([]Handler, 0, len(l.handlers))
		for _, h := range l.handlers {
			handlers = append(handlers, h)
		}
		l.mu.Unlock()
		for _, h := range handlers {
			h(p)
		}
	}
}

func (l *wsLink) write(ctx context.Context, b []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		// Unblock the reader so run() redials.
		_ = conn.Close()
		return err
	}
	return nil
}

func (l *wsLink) addHandler(h Handler) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.handlers[l.nextID] = h
	return l.nextID
}

// removeHandler reports how many handlers remain.
func (l *wsLink) removeHandler(id int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, id)
	return len(l.handlers)
}

func (l *wsLink) close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.cancel()
		if l.conn != nil {
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = l.conn.Close()
		}
		l.mu.Unlock()
		<-l.done
	})
}

type wsSub struct {
	ch     *WSChannel
	rideID string
	link   *wsLink
	id     int
	once   sync.Once
}

// Unsubscribe closes the ride's socket once its last subscriber leaves.
func (s *wsSub) Unsubscribe() error {
	s.once.Do(func() {
		s.ch.drop(s.rideID, s.link, s.id)
	})
	return nil
}
