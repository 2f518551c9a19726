package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/models"
)

// RedisPositions is the last-known-position projection: a GEO set of vehicles keyed by
// driver id plus one hash per ride.
type RedisPositions struct {
	client *redis.Client
	geoKey string
}

func NewRedisPositions(client *redis.Client, geoKey string) *RedisPositions {
	if geoKey == "" {
		geoKey = "vehicles_geo"
	}
	return &RedisPositions{client: client, geoKey: geoKey}
}

func positionKey(rideID string) string { return "ride:pos:" + rideID }

func (r *RedisPositions) Record(ctx context.Context, ev models.LocationEvent) error {
	at := ev.RecordedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: ev.Longitude, Latitude: ev.Latitude, Name: ev.DriverID})
	if ev.RideID != "" {
		pipe.HSet(ctx, positionKey(ev.RideID), map[string]any{
			"lat":       strconv.FormatFloat(ev.Latitude, 'f', -1, 64),
			"lng":       strconv.FormatFloat(ev.Longitude, 'f', -1, 64),
			"driver_id": ev.DriverID,
			"updated":   at.Format(time.RFC3339Nano),
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Last returns the most recent position recorded for a ride. ok is false when there is
// none.
func (r *RedisPositions) Last(ctx context.Context, rideID string) (models.Point, time.Time, bool, error) {
	m, err := r.client.HGetAll(ctx, positionKey(rideID)).Result()
	if err != nil {
		return models.Point{}, time.Time{}, false, err
	}
	if len(m) == 0 {
		return models.Point{}, time.Time{}, false, nil
	}
	lat, err1 := strconv.ParseFloat(m["lat"], 64)
	lng, err2 := strconv.ParseFloat(m["lng"], 64)
	if err := errors.Join(err1, err2); err != nil {
		return models.Point{}, time.Time{}, false, err
	}
	at, _ := time.Parse(time.RFC3339Nano, m["updated"])
	return models.Point{Lat: lat, Lng: lng}, at, true, nil
}

// Nearby lists driver ids within radius meters of p, closest first.
func (r *RedisPositions) Nearby(ctx context.Context, p models.Point, radius float64, limit int) ([]string, error) {
	res, err := r.client.GeoRadius(ctx, r.geoKey, p.Lng, p.Lat, &redis.GeoRadiusQuery{Radius: radius, Unit: "m", Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res))
	for _, g := range res {
		out = append(out, g.Name)
	}
	return out, nil
}
