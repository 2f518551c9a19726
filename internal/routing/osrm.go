package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/polyline"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 5 * time.Second}}
}

// FetchRoute queries /route with full overview geometry in precision-5 polyline form.
func (o *OSRMClient) FetchRoute(ctx context.Context, from, to models.Point) ([]models.Point, error) {
	start := time.Now()
	points, err := o.fetch(ctx, from, to)
	observability.RouteFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.RouteFetchErrors.Inc()
	}
	return points, err
}

func (o *OSRMClient) fetch(ctx context.Context, from, to models.Point) ([]models.Point, error) {
	// OSRM wants lng,lat.
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=polyline",
		o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Geometry string  `json:"geometry"`
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("osrm decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return nil, fmt.Errorf("%w: osrm code %q", ErrNoRoute, out.Code)
	}
	points, err := polyline.Decode(out.Routes[0].Geometry)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: empty geometry", ErrNoRoute)
	}
	return points, nil
}
