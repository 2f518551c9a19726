// Package simulator advances a driver's vehicle one step per tick, along the current route
// when one is known and in a straight line toward the phase target otherwise.
package simulator

import (
	"errors"
	"fmt"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/route"
)

var ErrInvalidMode = errors.New("invalid simulator mode")

type Mode int

const (
	Idle Mode = iota
	MovingToPickup
	ArrivedAtPickup
	OngoingToDestination
	Stopped
)

func (m Mode) String() string {
	switch m {
	case MovingToPickup:
		return "MOVING_TO_PICKUP"
	case ArrivedAtPickup:
		return "ARRIVED_AT_PICKUP"
	case OngoingToDestination:
		return "ONGOING_TO_DESTINATION"
	case Stopped:
		return "STOPPED"
	default:
		return "IDLE"
	}
}

type Config struct {
	StepPoints int
	StepMeters float64
}

func DefaultConfig() Config { return Config{StepPoints: 1, StepMeters: 25} }

// Step is the result of one tick.
type Step struct {
	Position models.Point
	Cursor   int // -1 when moving without a route
	Moved    bool
	Done     bool // the ticker should stop
}

// Simulator is driven by the session loop and is not safe for concurrent use.
type Simulator struct {
	cfg      Config
	route    *route.Store
	mode     Mode
	position models.Point
	target   models.Point
	ticking  bool
}

func New(store *route.Store, cfg Config) *Simulator {
	if cfg.StepPoints <= 0 {
		cfg.StepPoints = 1
	}
	if cfg.StepMeters <= 0 {
		cfg.StepMeters = DefaultConfig().StepMeters
	}
	return &Simulator{cfg: cfg, route: store}
}

func (s *Simulator) Mode() Mode { return s.mode }

func (s *Simulator) Ticking() bool { return s.ticking }

func (s *Simulator) Position() models.Point { return s.position }

func (s *Simulator) Target() models.Point { return s.target }

// StartToPickup begins the first phase from the driver's current position.
func (s *Simulator) StartToPickup(from, pickup models.Point) error {
	if s.mode != Idle {
		return fmt.Errorf("start to pickup from %s: %w", s.mode, ErrInvalidMode)
	}
	s.begin(MovingToPickup, from, pickup)
	return nil
}

// MarkArrived stops movement at the pickup until StartTrip is called.
func (s *Simulator) MarkArrived() error {
	if s.mode != MovingToPickup {
		return fmt.Errorf("mark arrived from %s: %w", s.mode, ErrInvalidMode)
	}
	s.mode = ArrivedAtPickup
	s.ticking = false
	return nil
}

// StartTrip begins the destination phase. The caller replaces the route store's path.
func (s *Simulator) StartTrip(destination models.Point) error {
	if s.mode != ArrivedAtPickup {
		return fmt.Errorf("start trip from %s: %w", s.mode, ErrInvalidMode)
	}
	s.begin(OngoingToDestination, s.position, destination)
	return nil
}

// Resume puts a restarted driver straight into the destination phase.
func (s *Simulator) Resume(from, destination models.Point) error {
	if s.mode != Idle {
		return fmt.Errorf("resume from %s: %w", s.mode, ErrInvalidMode)
	}
	s.begin(OngoingToDestination, from, destination)
	return nil
}

// ContinueDirect drops the route and keeps ticking in a straight line to the target.
// Used when a route ends short of the target.
func (s *Simulator) ContinueDirect() {
	if s.mode != MovingToPickup && s.mode != OngoingToDestination {
		return
	}
	s.route.Clear()
	s.ticking = true
}

func (s *Simulator) Stop() {
	s.mode = Stopped
	s.ticking = false
}

func (s *Simulator) begin(mode Mode, from, target models.Point) {
	s.mode = mode
	s.position = from
	s.target = target
	s.ticking = true
	s.route.Anchor(from)
}

// Step advances one tick. It is a no-op when the simulator is not ticking.
func (s *Simulator) Step() Step {
	if !s.ticking {
		return Step{Position: s.position, Cursor: -1, Done: true}
	}
	var st Step
	if s.route.Empty() {
		next, arrived := geo.MoveToward(s.position, s.target, s.cfg.StepMeters)
		st = Step{Position: next, Cursor: -1, Moved: next != s.position, Done: arrived}
	} else {
		s.route.AdvanceTo(s.route.Cursor() + s.cfg.StepPoints)
		cur, _ := s.route.Current()
		st = Step{Position: cur, Cursor: s.route.Cursor(), Moved: cur != s.position, Done: s.route.AtEnd()}
	}
	s.position = st.Position
	s.route.Anchor(st.Position)
	if st.Done {
		s.ticking = false
	}
	return st
}
