package proximity

import (
	"testing"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
)

var pickup = models.Point{Lat: 40.7580, Lng: -73.9855}

// approach returns positions due south of pickup at the given distances in meters.
func approach(distances ...float64) []models.Point {
	out := make([]models.Point, len(distances))
	for i, d := range distances {
		out[i] = models.Point{Lat: pickup.Lat - d/111320.0, Lng: pickup.Lng}
	}
	return out
}

func TestDefaultThreshold(t *testing.T) {
	if DefaultThresholdMeters != 100 {
		t.Fatalf("pickup arrival threshold changed: %v", DefaultThresholdMeters)
	}
}

func TestFiresExactlyOncePerArmCycle(t *testing.T) {
	d := NewDetector()
	seq := approach(800, 400, 150, 101, 99, 60, 20, 0)
	var got []Result
	for _, p := range seq {
		got = append(got, d.Check(p, pickup, DefaultThresholdMeters))
	}
	want := []Result{NotYet, NotYet, NotYet, NotYet, Arrived, AlreadyFired, AlreadyFired, AlreadyFired}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: got %v want %v (all=%v)", i, got[i], want[i], got)
		}
	}
}

func TestStaysLatchedWhenLeavingRange(t *testing.T) {
	d := NewDetector()
	for _, p := range approach(50, 500, 50) {
		d.Check(p, pickup, DefaultThresholdMeters)
	}
	if r := d.Check(pickup, pickup, DefaultThresholdMeters); r != AlreadyFired {
		t.Fatalf("expected latched detector, got %v", r)
	}
}

func TestResetRearms(t *testing.T) {
	d := NewDetector()
	p := approach(10)[0]
	if d.Check(p, pickup, DefaultThresholdMeters) != Arrived {
		t.Fatalf("expected first fire")
	}
	d.Reset()
	if d.Fired() {
		t.Fatalf("reset should clear latch")
	}
	if r := d.Check(approach(300)[0], pickup, DefaultThresholdMeters); r != NotYet {
		t.Fatalf("got %v", r)
	}
	if r := d.Check(p, pickup, DefaultThresholdMeters); r != Arrived {
		t.Fatalf("expected second cycle fire, got %v", r)
	}
}

func TestBoundaryIsInclusive(t *testing.T) {
	d := NewDetector()
	p := approach(50)[0]
	dist := geo.PlanarDistanceMeters(p, pickup)
	if r := d.Check(p, pickup, dist); r != Arrived {
		t.Fatalf("distance equal to threshold should fire, got %v", r)
	}
}
