package session

import (
	"context"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/polyline"
	"github.com/example/ride-tracking/internal/route"
	"github.com/example/ride-tracking/internal/simulator"
)

// Outcome records what happened to one field of an incoming patch.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	// OutcomeIgnored covers fields this role does not take from the relay.
	OutcomeIgnored
	// OutcomeStale is an event discarded by a monotonicity check.
	OutcomeStale
	// OutcomeDropped is an event that could not be decoded.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeStale:
		return "stale"
	case OutcomeDropped:
		return "dropped"
	}
	return "unknown"
}

// apply folds one relay patch into the session. Every field is judged on its own:
// status through the state machine, route through the store's suffix rule, position by
// role.
func (c *Controller) apply(ctx context.Context, p models.Patch) {
	if p.RideID != "" && p.RideID != c.rideID {
		c.record(ctx, "position", OutcomeIgnored, "other_ride")
		return
	}
	applied := false
	notice := NoticeNone
	take := func(o Outcome, n Notice) {
		if o == OutcomeApplied {
			applied = true
		}
		if n != NoticeNone {
			notice = n
		}
	}

	if p.Status != nil {
		o, n := c.applyStatus(ctx, *p.Status)
		take(o, n)
	}
	if p.DriverArrived != nil && !c.closing {
		o, n := c.applyArrived(ctx, *p.DriverArrived)
		take(o, n)
	}
	if p.RoutePolyline != nil && !c.closing {
		take(c.applyRoute(ctx, *p.RoutePolyline), NoticeNone)
	}
	if pos, ok := p.Position(); ok && !c.closing {
		o, n := c.applyPosition(ctx, pos, p.UpdatedBy)
		take(o, n)
	}
	if applied {
		c.emit(ctx, notice)
	}
}

func (c *Controller) applyStatus(ctx context.Context, s models.Status) (Outcome, Notice) {
	if !s.Valid() {
		return c.record(ctx, "status", OutcomeDropped, "unknown_status"), NoticeNone
	}
	effects, ok := c.machine.ApplyRemoteStatus(s)
	if !ok {
		return c.record(ctx, "status", OutcomeStale, "status_not_forward"), NoticeNone
	}
	c.logger.InfoContext(ctx, "remote status applied", "status", s)
	return OutcomeApplied, c.runEffects(ctx, effects)
}

func (c *Controller) applyArrived(ctx context.Context, v bool) (Outcome, Notice) {
	if !v {
		return c.record(ctx, "driver_arrived", OutcomeStale, "flag_never_cleared"), NoticeNone
	}
	changed, err := c.machine.MarkDriverArrived()
	if err != nil {
		return c.record(ctx, "driver_arrived", OutcomeStale, "not_matched"), NoticeNone
	}
	if !changed {
		return c.record(ctx, "driver_arrived", OutcomeIgnored, "duplicate"), NoticeNone
	}
	if c.role == models.RoleDriver && c.sim.Mode() == simulator.MovingToPickup {
		_ = c.sim.MarkArrived()
	}
	c.syncState()
	return OutcomeApplied, NoticeDriverArrivedAtPickup
}

// applyRoute takes the driver's published route on the passenger side. A path that is
// not a suffix of the current one replaces it only when it ends near the current phase
// target; anything else is an echo from an earlier phase.
func (c *Controller) applyRoute(ctx context.Context, encoded string) Outcome {
	if c.role == models.RoleDriver {
		return c.record(ctx, "route", OutcomeIgnored, "driver_authoritative")
	}
	points, err := polyline.Decode(encoded)
	if err != nil {
		c.logger.WarnContext(ctx, "route polyline rejected, keeping previous route", "error", err)
		return c.record(ctx, "route", OutcomeDropped, "decode_error")
	}
	if len(points) == 0 {
		return c.record(ctx, "route", OutcomeIgnored, "empty_route")
	}
	if !c.store.IsSuffix(points) {
		end := points[len(points)-1]
		if geo.PlanarDistanceMeters(end, c.sess.Target()) > c.cfg.RouteEndTolerance {
			return c.record(ctx, "route", OutcomeStale, "other_phase")
		}
	}
	switch c.store.Reconcile(points) {
	case route.Stale:
		return c.record(ctx, "route", OutcomeStale, "behind_cursor")
	case route.Unchanged:
		return c.record(ctx, "route", OutcomeIgnored, "duplicate")
	}
	c.syncState()
	return OutcomeApplied
}

func (c *Controller) applyPosition(ctx context.Context, pos models.Point, by string) (Outcome, Notice) {
	if pos.Validate() != nil {
		return c.record(ctx, "position", OutcomeDropped, "invalid_point"), NoticeNone
	}
	if c.role == models.RoleDriver {
		return c.applyDriverPosition(ctx, pos, by), NoticeNone
	}

	c.sess.VehiclePosition = &pos
	c.store.Anchor(pos)
	if !c.primed {
		// Baseline only; may be a stale row from before we subscribed.
		c.primed = true
		c.record(ctx, "position", OutcomeApplied, "priming")
		return OutcomeApplied, NoticeNone
	}
	return OutcomeApplied, c.checkArrival(ctx, pos)
}

// applyDriverPosition: the simulator is the only source of the driver's position once it
// has started, so remote positions only seed a driver that has not started moving.
func (c *Controller) applyDriverPosition(ctx context.Context, pos models.Point, by string) Outcome {
	own := by == c.participant || (c.sess.DriverID != "" && by == c.sess.DriverID)
	if c.sim.Ticking() && own {
		return c.record(ctx, "position", OutcomeIgnored, "own_echo")
	}
	if c.sim.Mode() != simulator.Idle {
		return c.record(ctx, "position", OutcomeStale, "simulator_authoritative")
	}
	c.sess.VehiclePosition = &pos
	c.store.Anchor(pos)
	return OutcomeApplied
}

func (c *Controller) record(ctx context.Context, f string, o Outcome, reason string) Outcome {
	if o != OutcomeApplied {
		observability.PatchesIgnored.WithLabelValues(reason).Inc()
	}
	c.logger.DebugContext(ctx, "incoming patch", "field", f, "outcome", o.String(), "reason", reason)
	return o
}

func encodeRoute(points []models.Point) string { return polyline.Encode(points) }
