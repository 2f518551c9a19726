package proximity

import (
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
)

// DefaultThresholdMeters is the pickup arrival radius observed in production tuning.
const DefaultThresholdMeters = 100.0

type Result int

const (
	NotYet Result = iota
	Arrived
	AlreadyFired
)

func (r Result) String() string {
	switch r {
	case Arrived:
		return "ARRIVED"
	case AlreadyFired:
		return "ALREADY_FIRED"
	default:
		return "NOT_YET"
	}
}

// Detector fires Arrived once per arm cycle. After firing it stays latched until Reset.
type Detector struct {
	fired bool
	last  float64
}

func NewDetector() *Detector { return &Detector{} }

func (d *Detector) Check(current, target models.Point, thresholdMeters float64) Result {
	if d.fired {
		return AlreadyFired
	}
	d.last = geo.PlanarDistanceMeters(current, target)
	if d.last <= thresholdMeters {
		d.fired = true
		return Arrived
	}
	return NotYet
}

// Reset re-arms the detector for a new phase.
func (d *Detector) Reset() {
	d.fired = false
	d.last = 0
}

func (d *Detector) Fired() bool { return d.fired }

// LastDistance is the distance measured by the most recent non-latched Check.
func (d *Detector) LastDistance() float64 { return d.last }
