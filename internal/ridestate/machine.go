// Package ridestate owns the ride lifecycle:
//
//	MATCHED -> ONGOING -> COMPLETED
//	MATCHED | ONGOING -> CANCELLED
//
// Remote observations may jump along a reachable path (a lost ONGOING followed by
// COMPLETED still completes the ride); local requests must follow a single edge.
package ridestate

import (
	"errors"
	"fmt"

	"github.com/example/ride-tracking/internal/models"
)

var ErrInvalidTransition = errors.New("invalid status transition")

type TransitionError struct {
	From, To models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type Effect int

const (
	EffectArmDestination Effect = iota + 1
	EffectFetchTripRoute
	EffectCompletionNotice
	EffectCancellationNotice
	EffectTeardown
)

func (e Effect) String() string {
	switch e {
	case EffectArmDestination:
		return "arm_destination"
	case EffectFetchTripRoute:
		return "fetch_trip_route"
	case EffectCompletionNotice:
		return "completion_notice"
	case EffectCancellationNotice:
		return "cancellation_notice"
	case EffectTeardown:
		return "teardown"
	}
	return "unknown"
}

var edges = map[models.Status][]models.Status{
	models.StatusMatched: {models.StatusOngoing, models.StatusCancelled},
	models.StatusOngoing: {models.StatusCompleted, models.StatusCancelled},
}

// CanTransition reports whether to is a single allowed edge from from.
func CanTransition(from, to models.Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from by one or more edges.
func Reachable(from, to models.Status) bool {
	return len(pathTo(from, to)) > 0
}

// pathTo returns the shortest list of statuses entered after from on the way to to, or nil.
func pathTo(from, to models.Status) []models.Status {
	if CanTransition(from, to) {
		return []models.Status{to}
	}
	for _, next := range edges[from] {
		if rest := pathTo(next, to); rest != nil {
			return append([]models.Status{next}, rest...)
		}
	}
	return nil
}

// Machine is owned by one session loop and is not safe for concurrent use.
type Machine struct {
	status  models.Status
	arrived bool
}

func New() *Machine { return &Machine{status: models.StatusMatched} }

// Restore builds a machine from a persisted snapshot.
func Restore(status models.Status, arrived bool) (*Machine, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("restore: unknown status %q", status)
	}
	return &Machine{status: status, arrived: arrived}, nil
}

func (m *Machine) Status() models.Status { return m.status }

func (m *Machine) DriverArrived() bool { return m.arrived }

func (m *Machine) Terminal() bool { return m.status.Terminal() }

// ApplyRemoteStatus folds an observed status in. Duplicates, regressions and unknown
// values are ignored and report applied=false. Otherwise the effects of every
// traversed edge are returned in order.
func (m *Machine) ApplyRemoteStatus(s models.Status) ([]Effect, bool) {
	steps := pathTo(m.status, s)
	if steps == nil {
		return nil, false
	}
	var effects []Effect
	for _, next := range steps {
		effects = append(effects, effectsOf(next)...)
		m.status = next
	}
	return effects, true
}

// RequestTransition validates a locally initiated change. Only a single edge is allowed.
func (m *Machine) RequestTransition(s models.Status) ([]Effect, error) {
	if !CanTransition(m.status, s) {
		return nil, &TransitionError{From: m.status, To: s}
	}
	m.status = s
	return effectsOf(s), nil
}

// MarkDriverArrived sets the pickup flag. It is only valid while MATCHED and reports
// whether the flag changed. The flag is never cleared.
func (m *Machine) MarkDriverArrived() (bool, error) {
	if m.status != models.StatusMatched {
		return false, fmt.Errorf("mark arrived in %s: %w", m.status, ErrInvalidTransition)
	}
	if m.arrived {
		return false, nil
	}
	m.arrived = true
	return true, nil
}

func effectsOf(s models.Status) []Effect {
	switch s {
	case models.StatusOngoing:
		return []Effect{EffectArmDestination, EffectFetchTripRoute}
	case models.StatusCompleted:
		return []Effect{EffectCompletionNotice, EffectTeardown}
	case models.StatusCancelled:
		return []Effect{EffectCancellationNotice, EffectTeardown}
	}
	return nil
}
