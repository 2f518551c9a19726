package models

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPoint = errors.New("invalid coordinates")

// Point is a WGS84 coordinate. JSON keys match the relay row columns.
type Point struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

func (p Point) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude must be between -90 and 90", ErrInvalidPoint)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude must be between -180 and 180", ErrInvalidPoint)
	}
	return nil
}

func (p Point) String() string { return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng) }

type Status string

const (
	StatusMatched   Status = "MATCHED"
	StatusOngoing   Status = "ONGOING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusMatched, StatusOngoing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

// RideSession is the in-memory view of one matched ride held by a client process.
type RideSession struct {
	ID                    string    `json:"id"`
	Status                Status    `json:"status"`
	DriverArrivedAtPickup bool      `json:"driver_arrived"`
	DriverID              string    `json:"driver_id"`
	PassengerID           string    `json:"passenger_id"`
	Pickup                Point     `json:"pickup"`
	Destination           Point     `json:"destination"`
	RoutePath             []Point   `json:"route_path,omitempty"`
	VehiclePosition       *Point    `json:"vehicle_position,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s RideSession) Clone() RideSession {
	out := s
	if s.RoutePath != nil {
		out.RoutePath = append([]Point(nil), s.RoutePath...)
	}
	if s.VehiclePosition != nil {
		p := *s.VehiclePosition
		out.VehiclePosition = &p
	}
	return out
}

// Target is the proximity target for the current phase.
func (s RideSession) Target() Point {
	if s.Status == StatusOngoing {
		return s.Destination
	}
	return s.Pickup
}

// Patch is a partial row change carried by the realtime relay. Absent fields are nil.
type Patch struct {
	RideID        string    `json:"ride_id"`
	Latitude      *float64  `json:"latitude,omitempty"`
	Longitude     *float64  `json:"longitude,omitempty"`
	Status        *Status   `json:"status,omitempty"`
	DriverArrived *bool     `json:"driver_arrived,omitempty"`
	RoutePolyline *string   `json:"route_polyline,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
	UpdatedBy     string    `json:"updated_by,omitempty"`
}

func (p Patch) Position() (Point, bool) {
	if p.Latitude == nil || p.Longitude == nil {
		return Point{}, false
	}
	return Point{Lat: *p.Latitude, Lng: *p.Longitude}, true
}

func (p Patch) Empty() bool {
	return p.Latitude == nil && p.Longitude == nil && p.Status == nil && p.DriverArrived == nil && p.RoutePolyline == nil
}

func PositionPatch(rideID, by string, pt Point, at time.Time) Patch {
	lat, lng := pt.Lat, pt.Lng
	return Patch{RideID: rideID, Latitude: &lat, Longitude: &lng, LastUpdated: at, UpdatedBy: by}
}

func StatusPatch(rideID, by string, s Status, at time.Time) Patch {
	return Patch{RideID: rideID, Status: &s, LastUpdated: at, UpdatedBy: by}
}

func ArrivedPatch(rideID, by string, at time.Time) Patch {
	v := true
	return Patch{RideID: rideID, DriverArrived: &v, LastUpdated: at, UpdatedBy: by}
}

func RoutePatch(rideID, by, polyline string, at time.Time) Patch {
	return Patch{RideID: rideID, RoutePolyline: &polyline, LastUpdated: at, UpdatedBy: by}
}

// RideRecord is the relay's persisted row, returned by the REST fallback.
type RideRecord struct {
	ID            string    `json:"id"`
	DriverID      string    `json:"driver_id"`
	PassengerID   string    `json:"passenger_id"`
	Pickup        Point     `json:"pickup"`
	Destination   Point     `json:"destination"`
	Status        Status    `json:"status"`
	DriverArrived bool      `json:"driver_arrived"`
	RoutePolyline string    `json:"route_polyline,omitempty"`
	Latitude      *float64  `json:"latitude,omitempty"`
	Longitude     *float64  `json:"longitude,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdated   time.Time `json:"last_updated"`
}

func (r RideRecord) Position() (Point, bool) {
	if r.Latitude == nil || r.Longitude == nil {
		return Point{}, false
	}
	return Point{Lat: *r.Latitude, Lng: *r.Longitude}, true
}

// CreateRideRequest is what the matching collaborator posts once two parties are paired.
type CreateRideRequest struct {
	DriverID    string `json:"driver_id" validate:"required"`
	PassengerID string `json:"passenger_id" validate:"required"`
	Pickup      Point  `json:"pickup"`
	Destination Point  `json:"destination"`
}

// LocationEvent is a driver position accepted by the relay and streamed to Kafka.
type LocationEvent struct {
	DriverID   string    `json:"driver_id" validate:"required"`
	RideID     string    `json:"ride_id"`
	Latitude   float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude  float64   `json:"longitude" validate:"gte=-180,lte=180"`
	RecordedAt time.Time `json:"recorded_at"`
}
