// Package session keeps one ride's driver or passenger view in sync with the relay.
//
// A Controller owns every piece of per-ride state (state machine, route store, proximity
// latch, simulator) and mutates it from a single goroutine. Channel callbacks, ticker
// fires, route lookups, publish results and UI actions all reach that goroutine as
// messages, so no component below needs locking.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/proximity"
	"github.com/example/ride-tracking/internal/ridestate"
	"github.com/example/ride-tracking/internal/route"
	"github.com/example/ride-tracking/internal/routing"
	"github.com/example/ride-tracking/internal/simulator"
	"github.com/example/ride-tracking/internal/syncchan"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrWrongRole     = errors.New("action not available for this role")
	ErrNoPosition    = errors.New("vehicle position unknown")
)

type Config struct {
	TickInterval      time.Duration
	ArrivalThreshold  float64
	RouteDebounce     time.Duration
	RouteEndTolerance float64
	SpeedKmh          float64
	PublishTimeout    time.Duration
	OutboxSize        int
	Sim               simulator.Config
}

func DefaultConfig() Config {
	return Config{
		TickInterval:      3 * time.Second,
		ArrivalThreshold:  proximity.DefaultThresholdMeters,
		RouteDebounce:     500 * time.Millisecond,
		RouteEndTolerance: 250,
		SpeedKmh:          30,
		PublishTimeout:    2 * time.Second,
		OutboxSize:        32,
		Sim:               simulator.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.ArrivalThreshold <= 0 {
		c.ArrivalThreshold = d.ArrivalThreshold
	}
	if c.RouteDebounce < 0 {
		c.RouteDebounce = 0
	}
	if c.RouteEndTolerance <= 0 {
		c.RouteEndTolerance = d.RouteEndTolerance
	}
	if c.SpeedKmh <= 0 {
		c.SpeedKmh = d.SpeedKmh
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = d.OutboxSize
	}
	return c
}

// Deps are the collaborators a controller talks to. API and Router are optional.
type Deps struct {
	Channel syncchan.Channel
	API     syncchan.RideAPI
	Router  routing.Router
	Logger  *slog.Logger
}

type field string

const (
	fieldPosition field = "position"
	fieldStatus   field = "status"
	fieldArrived  field = "driver_arrived"
	fieldRoute    field = "route"
)

type job struct {
	field field
	patch models.Patch
}

type ack struct {
	field field
	err   error
}

type routeResult struct {
	gen    int
	points []models.Point
	err    error
}

type action struct {
	name  string
	fn    func(ctx context.Context) error
	reply chan error
}

type Controller struct {
	role        models.Role
	participant string
	rideID      string
	cfg         Config
	ch          syncchan.Channel
	api         syncchan.RideAPI
	router      routing.Router
	logger      *slog.Logger

	// Owned by the Run goroutine.
	sess      models.RideSession
	machine   *ridestate.Machine
	store     *route.Store
	detector  *proximity.Detector
	sim       *simulator.Simulator
	coalescer *Coalescer
	primed    bool
	routeGen  int
	dirty     map[field]bool
	closing   bool

	inbox   chan models.Patch
	actions chan action
	routes  chan routeResult
	acks    chan ack
	outbox  chan job
	updates chan Update

	started  atomic.Bool
	stopping chan struct{}
	done     chan struct{}
	fetches  sync.WaitGroup

	snapMu sync.RWMutex
	snap   models.RideSession
}

// New builds a controller for one ride as seen by participant. Nothing runs until Run.
func New(role models.Role, participant string, initial models.RideSession, cfg Config, deps Deps) (*Controller, error) {
	if role != models.RoleDriver && role != models.RolePassenger {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	if initial.ID == "" {
		return nil, errors.New("ride id is required")
	}
	if deps.Channel == nil {
		return nil, errors.New("sync channel is required")
	}
	if initial.Status == "" {
		initial.Status = models.StatusMatched
	}
	machine, err := ridestate.Restore(initial.Status, initial.DriverArrivedAtPickup)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if deps.Router == nil {
		deps.Router = routing.StraightRouter{Points: 10}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	store := route.NewStore()
	if initial.VehiclePosition != nil {
		store.Anchor(*initial.VehiclePosition)
	}
	if len(initial.RoutePath) > 0 {
		store.Replace(initial.RoutePath)
	}
	c := &Controller{
		role:        role,
		participant: participant,
		rideID:      initial.ID,
		cfg:         cfg,
		ch:          deps.Channel,
		api:         deps.API,
		router:      deps.Router,
		logger:      deps.Logger,

		sess:      initial.Clone(),
		machine:   machine,
		store:     store,
		detector:  proximity.NewDetector(),
		sim:       simulator.New(store, cfg.Sim),
		coalescer: NewCoalescer(cfg.RouteDebounce),
		dirty:     make(map[field]bool),

		inbox:   make(chan models.Patch, 64),
		actions: make(chan action),
		routes:  make(chan routeResult),
		acks:    make(chan ack, cfg.OutboxSize+1),
		outbox:  make(chan job, cfg.OutboxSize),
		updates: make(chan Update, 32),

		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.syncState()
	c.snap = c.sess.Clone()
	return c, nil
}

// Snapshot returns a copy of the latest session state.
func (c *Controller) Snapshot() models.RideSession {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap.Clone()
}

// Updates delivers a copy of the session after every applied change. The channel is
// closed when Run returns. Slow readers lose the oldest updates.
func (c *Controller) Updates() <-chan Update { return c.updates }

// Done is closed once Run has torn everything down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Run mounts the session and processes events until ctx is cancelled or the ride reaches
// a terminal status. It returns an error only when the relay subscription cannot be
// established.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer close(c.done)
	ctx = logging.WithRide(ctx, c.rideID, string(c.role))
	observability.ActiveSessions.Inc()
	defer observability.ActiveSessions.Dec()

	c.mount(ctx)

	var sub syncchan.Subscription
	err := retry(ctx, 3, 200*time.Millisecond, func() error {
		s, err := c.ch.Subscribe(ctx, c.rideID, c.receive)
		if err != nil {
			c.logger.WarnContext(ctx, "subscribe failed", "error", err)
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		close(c.stopping)
		close(c.updates)
		return fmt.Errorf("subscribe ride %s: %w", c.rideID, err)
	}

	pubDone := make(chan struct{})
	go c.publisher(ctx, pubDone)

	loopCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(c.cfg.TickInterval)
	var flush flushTimer

	// The outbox drains while the subscription still holds the socket open, so the
	// final status patch goes out on it.
	defer func() {
		ticker.Stop()
		flush.stop()
		close(c.stopping)
		cancel()
		c.fetches.Wait()
		close(c.outbox)
		select {
		case <-pubDone:
		case <-time.After(time.Duration(cap(c.outbox)+1) * c.cfg.PublishTimeout):
			c.logger.WarnContext(ctx, "publisher did not drain before teardown")
		}
		if err := sub.Unsubscribe(); err != nil {
			c.logger.WarnContext(ctx, "unsubscribe failed", "error", err)
		}
		c.sim.Stop()
		close(c.updates)
		c.logger.InfoContext(ctx, "session closed", "status", c.sess.Status)
	}()

	c.logger.InfoContext(ctx, "session mounted", "status", c.sess.Status, "participant", c.participant)
	c.start(loopCtx)

	for !c.closing {
		select {
		case <-ctx.Done():
			return nil
		case p := <-c.inbox:
			c.apply(loopCtx, p)
		case <-ticker.C:
			c.tick(loopCtx)
		case a := <-c.actions:
			actx := logging.WithAction(loopCtx, a.name)
			err := a.fn(actx)
			if err != nil {
				c.logger.InfoContext(actx, "action rejected", "error", err)
			}
			a.reply <- err
		case r := <-c.routes:
			c.onRoute(loopCtx, r)
		case <-flush.C():
			flush.fired()
			c.flushRoute(loopCtx)
		case a := <-c.acks:
			c.onAck(loopCtx, a)
		}
		if !c.closing {
			flush.arm(c.coalescer.Deadline())
		}
	}
	return nil
}

func (c *Controller) receive(p models.Patch) {
	select {
	case c.inbox <- p:
	case <-c.stopping:
	}
}

// mount reads the authoritative row. On failure the values the caller supplied stand.
func (c *Controller) mount(ctx context.Context) {
	if c.api == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()
	rec, err := c.api.GetRide(rctx, c.rideID)
	if err != nil {
		c.logger.WarnContext(ctx, "ride read failed, using local values", "error", err)
		return
	}
	if rec.DriverArrived {
		_, _ = c.machine.MarkDriverArrived()
	}
	if rec.Status.Valid() {
		c.machine.ApplyRemoteStatus(rec.Status)
	}
	if pos, ok := rec.Position(); ok && pos.Validate() == nil {
		c.sess.VehiclePosition = &pos
		c.store.Anchor(pos)
	}
	c.syncState()
	if rec.RoutePolyline != "" && c.role == models.RolePassenger {
		c.applyRoute(ctx, rec.RoutePolyline)
	}
}

// start resolves the phase the mounted row is in.
func (c *Controller) start(ctx context.Context) {
	switch {
	case c.machine.Terminal():
		c.closing = true
		c.emit(ctx, noticeFor(c.machine.Status()))
		return
	case c.role == models.RoleDriver && c.machine.Status() == models.StatusOngoing:
		from := c.sess.Pickup
		if c.sess.VehiclePosition != nil {
			from = *c.sess.VehiclePosition
		}
		if err := c.sim.Resume(from, c.sess.Destination); err != nil {
			c.logger.WarnContext(ctx, "resume failed", "error", err)
			break
		}
		c.store.Clear()
		c.fetchRoute(ctx, from, c.sess.Destination)
		c.logger.InfoContext(ctx, "resumed trip in progress")
	}
	c.emit(ctx, NoticeNone)
}

func (c *Controller) fetchRoute(ctx context.Context, from, to models.Point) {
	c.routeGen++
	gen := c.routeGen
	c.fetches.Add(1)
	go func() {
		defer c.fetches.Done()
		points, err := c.router.FetchRoute(ctx, from, to)
		select {
		case c.routes <- routeResult{gen: gen, points: points, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) onRoute(ctx context.Context, r routeResult) {
	if r.gen != c.routeGen {
		return
	}
	if r.err != nil {
		c.logger.WarnContext(ctx, "route fetch failed, moving in a straight line", "error", r.err)
		return
	}
	if len(r.points) == 0 || c.machine.Terminal() {
		return
	}
	c.store.Replace(r.points)
	c.syncState()
	c.coalescer.Offer(c.sess.RoutePath, time.Now())
	c.emit(ctx, NoticeNone)
}

func (c *Controller) flushRoute(ctx context.Context) {
	points, ok := c.coalescer.Flush(time.Now())
	if !ok {
		return
	}
	c.enqueue(ctx, fieldRoute, models.RoutePatch(c.rideID, c.participant, encodeRoute(points), time.Now().UTC()))
}

func (c *Controller) tick(ctx context.Context) {
	c.republishDirty(ctx)
	if c.role != models.RoleDriver || !c.sim.Ticking() {
		return
	}
	st := c.sim.Step()
	if !st.Moved && !st.Done {
		return
	}
	pos := st.Position
	c.sess.VehiclePosition = &pos
	c.enqueue(ctx, fieldPosition, models.PositionPatch(c.rideID, c.participant, pos, time.Now().UTC()))
	c.syncState()
	if !c.store.Empty() {
		c.coalescer.Offer(c.sess.RoutePath, time.Now())
	}
	notice := c.checkArrival(ctx, pos)
	if st.Done && !c.detector.Fired() {
		// Route ended short of the target.
		c.sim.ContinueDirect()
		c.syncState()
	}
	c.emit(ctx, notice)
}

// checkArrival runs the proximity detector for the current phase.
func (c *Controller) checkArrival(ctx context.Context, pos models.Point) Notice {
	if c.detector.Check(pos, c.sess.Target(), c.cfg.ArrivalThreshold) != proximity.Arrived {
		return NoticeNone
	}
	switch c.machine.Status() {
	case models.StatusMatched:
		observability.ArrivalsDetected.WithLabelValues("pickup").Inc()
		changed, _ := c.machine.MarkDriverArrived()
		if c.role == models.RoleDriver {
			if err := c.sim.MarkArrived(); err != nil {
				c.logger.DebugContext(ctx, "simulator not moving at arrival", "error", err)
			}
			c.enqueue(ctx, fieldArrived, models.ArrivedPatch(c.rideID, c.participant, time.Now().UTC()))
		}
		c.syncState()
		if changed {
			c.logger.InfoContext(ctx, "driver arrived at pickup", "distance_m", c.detector.LastDistance())
			return NoticeDriverArrivedAtPickup
		}
	case models.StatusOngoing:
		observability.ArrivalsDetected.WithLabelValues("destination").Inc()
		c.logger.InfoContext(ctx, "arrived at destination", "distance_m", c.detector.LastDistance())
		return NoticeArrivedAtDestination
	}
	return NoticeNone
}

// runEffects performs the side effects of a status transition and returns the notice
// to show.
func (c *Controller) runEffects(ctx context.Context, effects []ridestate.Effect) Notice {
	notice := NoticeNone
	for _, e := range effects {
		switch e {
		case ridestate.EffectArmDestination:
			c.detector.Reset()
			c.coalescer.Reset()
			notice = NoticeRideStarted
		case ridestate.EffectFetchTripRoute:
			c.store.Clear()
			if c.role == models.RoleDriver {
				c.beginTrip(ctx)
			}
		case ridestate.EffectCompletionNotice:
			notice = NoticeRideCompleted
		case ridestate.EffectCancellationNotice:
			notice = NoticeRideCancelled
		case ridestate.EffectTeardown:
			c.closing = true
			c.sim.Stop()
			c.coalescer.Reset()
		}
	}
	c.syncState()
	return notice
}

// beginTrip moves the simulator into the destination phase from wherever it is.
func (c *Controller) beginTrip(ctx context.Context) {
	var err error
	switch c.sim.Mode() {
	case simulator.MovingToPickup:
		if err = c.sim.MarkArrived(); err == nil {
			err = c.sim.StartTrip(c.sess.Destination)
		}
	case simulator.ArrivedAtPickup:
		err = c.sim.StartTrip(c.sess.Destination)
	case simulator.Idle:
		from := c.sess.Pickup
		if c.sess.VehiclePosition != nil {
			from = *c.sess.VehiclePosition
		}
		err = c.sim.Resume(from, c.sess.Destination)
	default:
		return
	}
	if err != nil {
		c.logger.WarnContext(ctx, "could not start trip simulation", "error", err)
		return
	}
	c.fetchRoute(ctx, c.sim.Position(), c.sess.Destination)
}

func (c *Controller) enqueue(ctx context.Context, f field, p models.Patch) {
	select {
	case c.outbox <- job{field: f, patch: p}:
	default:
		c.dirty[f] = true
		observability.PublishFailures.WithLabelValues(string(f)).Inc()
		c.logger.WarnContext(ctx, "outbox full, patch deferred to next tick", "field", f)
	}
}

func (c *Controller) onAck(ctx context.Context, a ack) {
	if a.err == nil {
		return
	}
	c.logger.WarnContext(ctx, "publish failed, retrying next tick", "field", a.field, "error", a.err)
	c.dirty[a.field] = true
	if a.field == fieldRoute {
		c.coalescer.Forget()
	}
}

// republishDirty resends the current value of every field whose last publish failed.
func (c *Controller) republishDirty(ctx context.Context) {
	if len(c.dirty) == 0 {
		return
	}
	dirty := c.dirty
	c.dirty = make(map[field]bool)
	now := time.Now().UTC()
	for f := range dirty {
		switch f {
		case fieldStatus:
			c.enqueue(ctx, f, models.StatusPatch(c.rideID, c.participant, c.machine.Status(), now))
		case fieldArrived:
			if c.machine.DriverArrived() {
				c.enqueue(ctx, f, models.ArrivedPatch(c.rideID, c.participant, now))
			}
		case fieldPosition:
			if c.role == models.RoleDriver && !c.sim.Ticking() && c.sess.VehiclePosition != nil {
				c.enqueue(ctx, f, models.PositionPatch(c.rideID, c.participant, *c.sess.VehiclePosition, now))
			}
		case fieldRoute:
			if c.role == models.RoleDriver && !c.store.Empty() {
				c.coalescer.Offer(c.store.TruncatedSuffix(), time.Now())
			}
		}
	}
}

// publisher drains the outbox so a slow relay never stalls the event loop. It keeps
// running after ctx is cancelled until the outbox is closed, bounding each publish by
// PublishTimeout.
func (c *Controller) publisher(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	base := context.WithoutCancel(ctx)
	for j := range c.outbox {
		pctx, cancel := context.WithTimeout(base, c.cfg.PublishTimeout)
		err := c.ch.Publish(pctx, c.rideID, j.patch)
		if c.api != nil {
			if rerr := c.restWrite(pctx, j, err != nil); rerr != nil {
				c.logger.DebugContext(ctx, "rest write failed", "field", j.field, "error", rerr)
			} else if err != nil && (j.field == fieldPosition || j.field == fieldStatus) {
				err = nil
			}
		}
		cancel()
		if err != nil {
			observability.PublishFailures.WithLabelValues(string(j.field)).Inc()
		} else {
			observability.PatchesPublished.WithLabelValues(string(j.field)).Inc()
		}
		select {
		case c.acks <- ack{field: j.field, err: err}:
		case <-c.stopping:
		}
	}
}

// restWrite mirrors positions to the REST API on every publish and status changes only
// when the realtime publish failed.
func (c *Controller) restWrite(ctx context.Context, j job, channelFailed bool) error {
	switch j.field {
	case fieldPosition:
		pos, ok := j.patch.Position()
		if !ok {
			return nil
		}
		return c.api.PostDriverLocation(ctx, models.LocationEvent{
			DriverID:   c.participant,
			RideID:     c.rideID,
			Latitude:   pos.Lat,
			Longitude:  pos.Lng,
			RecordedAt: j.patch.LastUpdated,
		})
	case fieldStatus:
		if !channelFailed || j.patch.Status == nil {
			return nil
		}
		return c.api.PutStatus(ctx, c.rideID, *j.patch.Status, c.participant)
	}
	return nil
}

func (c *Controller) syncState() {
	c.sess.Status = c.machine.Status()
	c.sess.DriverArrivedAtPickup = c.machine.DriverArrived()
	c.sess.RoutePath = c.store.TruncatedSuffix()
}

func (c *Controller) emit(ctx context.Context, n Notice) {
	c.sess.UpdatedAt = time.Now().UTC()
	snap := c.sess.Clone()
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()

	u := Update{Session: snap, Notice: n}
	u.ETAMinutes, u.RemainingKm = c.estimate()
	if n != NoticeNone {
		c.logger.InfoContext(ctx, "session notice", "notice", n.String())
	}
	select {
	case c.updates <- u:
	default:
		select {
		case <-c.updates:
		default:
		}
		select {
		case c.updates <- u:
		default:
		}
	}
}

func retry(ctx context.Context, n int, sleep time.Duration, fn func() error) error {
	var err error
	for i := 0; i < n; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(sleep):
		}
	}
	return err
}
