package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/polyline"
	"github.com/example/ride-tracking/internal/ridestate"
)

var (
	ErrNotFound = errors.New("ride not found")
	ErrExists   = errors.New("ride already exists")
	// ErrConflict means the patch disagrees with the stored row: a status that is not
	// forward, a cleared arrival flag or a write to a finished ride.
	ErrConflict = errors.New("ride update conflicts with stored state")
	ErrInvalid  = errors.New("invalid ride patch")
)

// RideStore persists the relay's ride rows.
type RideStore interface {
	CreateRide(ctx context.Context, r models.RideRecord) error
	GetRide(ctx context.Context, id string) (models.RideRecord, error)
	// ApplyPatch folds p into the row and returns the new row plus the part of p that
	// actually changed it. An empty accepted patch means nothing changed.
	ApplyPatch(ctx context.Context, p models.Patch) (models.RideRecord, models.Patch, error)
}

// merge applies the relay's write guards. rec is a copy; on error the caller keeps its
// original row.
func merge(rec models.RideRecord, p models.Patch) (models.RideRecord, models.Patch, error) {
	accepted := models.Patch{RideID: rec.ID, LastUpdated: p.LastUpdated, UpdatedBy: p.UpdatedBy}
	if accepted.LastUpdated.IsZero() {
		accepted.LastUpdated = time.Now().UTC()
	}

	if rec.Status.Terminal() {
		onlySame := p.Status != nil && *p.Status == rec.Status &&
			p.Latitude == nil && p.Longitude == nil && p.DriverArrived == nil && p.RoutePolyline == nil
		if onlySame {
			return rec, models.Patch{}, nil
		}
		return rec, models.Patch{}, fmt.Errorf("%w: ride %s is %s", ErrConflict, rec.ID, rec.Status)
	}

	if p.Status != nil {
		s := *p.Status
		switch {
		case !s.Valid():
			return rec, models.Patch{}, fmt.Errorf("%w: unknown status %q", ErrInvalid, s)
		case s == rec.Status:
		case !ridestate.Reachable(rec.Status, s):
			return rec, models.Patch{}, fmt.Errorf("%w: %s -> %s", ErrConflict, rec.Status, s)
		default:
			rec.Status = s
			accepted.Status = &s
		}
	}

	if p.DriverArrived != nil {
		switch v := *p.DriverArrived; {
		case !v && rec.DriverArrived:
			return rec, models.Patch{}, fmt.Errorf("%w: driver_arrived cannot be cleared", ErrConflict)
		case v && !rec.DriverArrived:
			rec.DriverArrived = true
			accepted.DriverArrived = &v
		}
	}

	if p.RoutePolyline != nil {
		enc := *p.RoutePolyline
		if _, err := polyline.Decode(enc); err != nil {
			return rec, models.Patch{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if enc != rec.RoutePolyline {
			rec.RoutePolyline = enc
			accepted.RoutePolyline = &enc
		}
	}

	if p.Latitude != nil || p.Longitude != nil {
		pos, ok := p.Position()
		if !ok {
			return rec, models.Patch{}, fmt.Errorf("%w: latitude and longitude travel together", ErrInvalid)
		}
		if err := pos.Validate(); err != nil {
			return rec, models.Patch{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		lat, lng := pos.Lat, pos.Lng
		rec.Latitude, rec.Longitude = &lat, &lng
		accepted.Latitude, accepted.Longitude = &lat, &lng
	}

	if !accepted.Empty() {
		rec.LastUpdated = accepted.LastUpdated
	}
	return rec, accepted, nil
}

// MemoryStore keeps rows in process. Used when no database is configured and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.RideRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.RideRecord)}
}

func (m *MemoryStore) CreateRide(_ context.Context, r models.RideRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, r.ID)
	}
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (models.RideRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.RideRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

func (m *MemoryStore) ApplyPatch(_ context.Context, p models.Patch) (models.RideRecord, models.Patch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[p.RideID]
	if !ok {
		return models.RideRecord{}, models.Patch{}, fmt.Errorf("%w: %s", ErrNotFound, p.RideID)
	}
	next, accepted, err := merge(r, p)
	if err != nil {
		return r, models.Patch{}, err
	}
	m.rides[p.RideID] = next
	return next, accepted, nil
}
