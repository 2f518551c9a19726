package session

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/ridestate"
)

// Notice marks a one-shot event the UI should surface.
type Notice int

const (
	NoticeNone Notice = iota
	NoticeDriverArrivedAtPickup
	NoticeArrivedAtDestination
	NoticeRideStarted
	NoticeRideCompleted
	NoticeRideCancelled
)

func (n Notice) String() string {
	switch n {
	case NoticeDriverArrivedAtPickup:
		return "driver_arrived_at_pickup"
	case NoticeArrivedAtDestination:
		return "arrived_at_destination"
	case NoticeRideStarted:
		return "ride_started"
	case NoticeRideCompleted:
		return "ride_completed"
	case NoticeRideCancelled:
		return "ride_cancelled"
	}
	return "none"
}

func noticeFor(s models.Status) Notice {
	switch s {
	case models.StatusCompleted:
		return NoticeRideCompleted
	case models.StatusCancelled:
		return NoticeRideCancelled
	}
	return NoticeNone
}

// Update is what the UI receives after every change.
type Update struct {
	Session     models.RideSession
	Notice      Notice
	ETAMinutes  int
	RemainingKm float64
}

// estimate covers the current phase: along the route when there is one, straight-line
// otherwise.
func (c *Controller) estimate() (int, float64) {
	if c.machine.Terminal() {
		return 0, 0
	}
	var meters float64
	switch {
	case !c.store.Empty():
		meters = c.store.RemainingMeters()
		if last, ok := c.store.Last(); ok {
			meters += geo.PlanarDistanceMeters(last, c.sess.Target())
		}
	case c.sess.VehiclePosition != nil:
		meters = geo.PlanarDistanceMeters(*c.sess.VehiclePosition, c.sess.Target())
	default:
		return 0, 0
	}
	return geo.ETAMinutes(meters, c.cfg.SpeedKmh), geo.ToKm(meters)
}

// StartMovingToPickup starts the driver's simulated approach from the current position.
func (c *Controller) StartMovingToPickup(ctx context.Context) error {
	return c.do(ctx, "start_moving_to_pickup", func(ctx context.Context) error {
		if c.role != models.RoleDriver {
			return ErrWrongRole
		}
		if st := c.machine.Status(); st != models.StatusMatched {
			return fmt.Errorf("start moving in %s: %w", st, ridestate.ErrInvalidTransition)
		}
		if c.sess.VehiclePosition == nil {
			return ErrNoPosition
		}
		from := *c.sess.VehiclePosition
		if err := c.sim.StartToPickup(from, c.sess.Pickup); err != nil {
			return err
		}
		c.store.Clear()
		c.detector.Reset()
		c.coalescer.Reset()
		c.fetchRoute(ctx, from, c.sess.Pickup)
		c.syncState()
		c.emit(ctx, NoticeNone)
		return nil
	})
}

// ConfirmPickup starts the trip (MATCHED -> ONGOING).
func (c *Controller) ConfirmPickup(ctx context.Context) error {
	return c.transition(ctx, "confirm_pickup", models.StatusOngoing, false)
}

// CompleteRide ends the trip (ONGOING -> COMPLETED) and tears the session down.
func (c *Controller) CompleteRide(ctx context.Context) error {
	return c.transition(ctx, "complete_ride", models.StatusCompleted, false)
}

// CancelRide is available to both parties.
func (c *Controller) CancelRide(ctx context.Context) error {
	return c.transition(ctx, "cancel_ride", models.StatusCancelled, true)
}

func (c *Controller) transition(ctx context.Context, name string, to models.Status, anyRole bool) error {
	return c.do(ctx, name, func(ctx context.Context) error {
		if !anyRole && c.role != models.RoleDriver {
			return ErrWrongRole
		}
		effects, err := c.machine.RequestTransition(to)
		if err != nil {
			return err
		}
		c.enqueue(ctx, fieldStatus, models.StatusPatch(c.rideID, c.participant, to, time.Now().UTC()))
		c.logger.InfoContext(ctx, "status requested", "status", to)
		c.emit(ctx, c.runEffects(ctx, effects))
		return nil
	})
}

// do hands fn to the event loop and waits for its result.
func (c *Controller) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	a := action{name: name, fn: fn, reply: make(chan error, 1)}
	select {
	case c.actions <- a:
	case <-c.stopping:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-a.reply:
		return err
	case <-c.stopping:
		select {
		case err := <-a.reply:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
