package syncchan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

// RideAPI is the relay's REST surface used to read the authoritative row and to fall back
// when the realtime socket is unavailable.
type RideAPI interface {
	GetRide(ctx context.Context, rideID string) (models.RideRecord, error)
	PutStatus(ctx context.Context, rideID string, status models.Status, by string) error
	PostDriverLocation(ctx context.Context, ev models.LocationEvent) error
}

// StatusError carries a non-2xx reply from the relay.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.Code, e.Body)
}

type RESTClient struct {
	Base   string
	Client *http.Client
}

func NewRESTClient(base string) *RESTClient {
	return &RESTClient{Base: strings.TrimRight(base, "/"), Client: &http.Client{Timeout: 5 * time.Second}}
}

func (c *RESTClient) GetRide(ctx context.Context, rideID string) (models.RideRecord, error) {
	var out models.RideRecord
	err := c.do(ctx, http.MethodGet, "/api/v1/rides/"+url.PathEscape(rideID), nil, &out)
	return out, err
}

func (c *RESTClient) PutStatus(ctx context.Context, rideID string, status models.Status, by string) error {
	body := map[string]string{"status": string(status), "updated_by": by}
	return c.do(ctx, http.MethodPut, "/api/v1/rides/"+url.PathEscape(rideID)+"/status", body, nil)
}

func (c *RESTClient) PostDriverLocation(ctx context.Context, ev models.LocationEvent) error {
	return c.do(ctx, http.MethodPost, "/api/v1/drivers/"+url.PathEscape(ev.DriverID)+"/location", ev, nil)
}

func (c *RESTClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return transportErr("rest "+method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return transportErr("rest "+method, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))})
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportErr("rest decode", err)
	}
	return nil
}
