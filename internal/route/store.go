// Package route holds the shared path for the active ride phase and a forward-only
// cursor marking how much of it the vehicle has already travelled.
package route

import (
	"math"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
)

// pointEpsilon treats two points as equal when they agree after polyline rounding.
const pointEpsilon = 1.1e-5

type Outcome int

const (
	Unchanged Outcome = iota
	Advanced
	Replaced
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Advanced:
		return "advanced"
	case Replaced:
		return "replaced"
	case Stale:
		return "stale"
	default:
		return "unchanged"
	}
}

// Store is owned by a single session loop and is not safe for concurrent use.
type Store struct {
	path      []models.Point
	cursor    int
	anchor    models.Point
	hasAnchor bool
}

func NewStore() *Store { return &Store{} }

// Anchor records the last known vehicle position. The next Replace starts its cursor at
// the path point nearest to it.
func (s *Store) Anchor(p models.Point) {
	s.anchor = p
	s.hasAnchor = true
}

// Replace swaps the whole path for a new phase.
func (s *Store) Replace(points []models.Point) {
	s.path = append([]models.Point(nil), points...)
	s.cursor = 0
	if s.hasAnchor && len(s.path) > 0 {
		s.cursor = geo.NearestIndex(s.path, s.anchor)
	}
}

// Clear drops the path, e.g. when a phase ends without a follow-up route.
func (s *Store) Clear() {
	s.path = nil
	s.cursor = 0
}

// AdvanceTo moves the cursor forward, clamped to the last index. Indices behind the
// cursor are ignored. It reports whether the cursor moved.
func (s *Store) AdvanceTo(i int) bool {
	if len(s.path) == 0 || i <= s.cursor {
		return false
	}
	if last := len(s.path) - 1; i > last {
		i = last
	}
	if i == s.cursor {
		return false
	}
	s.cursor = i
	return true
}

// TruncatedSuffix returns a copy of the untravelled part of the path, cursor included.
func (s *Store) TruncatedSuffix() []models.Point {
	if len(s.path) == 0 {
		return nil
	}
	return append([]models.Point(nil), s.path[s.cursor:]...)
}

func (s *Store) Cursor() int { return s.cursor }

func (s *Store) Len() int { return len(s.path) }

func (s *Store) Empty() bool { return len(s.path) == 0 }

func (s *Store) AtEnd() bool { return len(s.path) > 0 && s.cursor == len(s.path)-1 }

// Current is the path point under the cursor.
func (s *Store) Current() (models.Point, bool) {
	if len(s.path) == 0 {
		return models.Point{}, false
	}
	return s.path[s.cursor], true
}

// Last is the final point of the path, normally the phase target.
func (s *Store) Last() (models.Point, bool) {
	if len(s.path) == 0 {
		return models.Point{}, false
	}
	return s.path[len(s.path)-1], true
}

// RemainingMeters is the path length from the cursor to the end.
func (s *Store) RemainingMeters() float64 {
	if len(s.path) == 0 {
		return 0
	}
	return geo.PathLengthMeters(s.path[s.cursor:])
}

// Reconcile folds a route observed from the remote side into the store.
//
// A suffix that starts at or after the cursor advances it; a suffix starting before the
// cursor is a stale echo; anything else is a new path and replaces the current one.
// Callers decide beforehand whether a non-suffix may replace (phase check).
func (s *Store) Reconcile(points []models.Point) Outcome {
	if len(points) == 0 {
		return Stale
	}
	if k, ok := s.suffixOffset(points); ok {
		switch {
		case k == s.cursor:
			return Unchanged
		case k < s.cursor:
			return Stale
		default:
			s.AdvanceTo(k)
			return Advanced
		}
	}
	s.Replace(points)
	return Replaced
}

// IsSuffix reports whether points is a tail of the current path.
func (s *Store) IsSuffix(points []models.Point) bool {
	_, ok := s.suffixOffset(points)
	return ok
}

func (s *Store) suffixOffset(points []models.Point) (int, bool) {
	k := len(s.path) - len(points)
	if len(points) == 0 || k < 0 {
		return 0, false
	}
	for i, p := range points {
		if !SamePoint(s.path[k+i], p) {
			return 0, false
		}
	}
	return k, true
}

// SamePoint compares two points at polyline precision.
func SamePoint(a, b models.Point) bool {
	return math.Abs(a.Lat-b.Lat) <= pointEpsilon && math.Abs(a.Lng-b.Lng) <= pointEpsilon
}
