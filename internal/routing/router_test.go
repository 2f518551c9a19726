package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/polyline"
)

type countingRouter struct {
	calls int
	err   error
}

func (c *countingRouter) FetchRoute(_ context.Context, from, to models.Point) ([]models.Point, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []models.Point{from, to}, nil
}

func TestCachedRouterHitsAndExpires(t *testing.T) {
	next := &countingRouter{}
	c := NewCachedRouter(next, time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	a := models.Point{Lat: 52.52, Lng: 13.405}
	b := models.Point{Lat: 52.53, Lng: 13.41}
	first, err := c.FetchRoute(context.Background(), a, b)
	if err != nil {
		t.Fatal(err)
	}
	first[0] = models.Point{}
	second, _ := c.FetchRoute(context.Background(), a, b)
	if next.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", next.calls)
	}
	if second[0] != a {
		t.Fatalf("cache handed out a shared slice")
	}

	now = now.Add(2 * time.Minute)
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("expired entry survived purge")
	}
	_, _ = c.FetchRoute(context.Background(), a, b)
	if next.calls != 2 {
		t.Fatalf("expected refetch after expiry, got %d calls", next.calls)
	}
}

func TestCachedRouterDoesNotCacheErrors(t *testing.T) {
	next := &countingRouter{err: errors.New("down")}
	c := NewCachedRouter(next, time.Minute)
	a := models.Point{Lat: 1, Lng: 1}
	for i := 0; i < 2; i++ {
		if _, err := c.FetchRoute(context.Background(), a, a); err == nil {
			t.Fatalf("expected error")
		}
	}
	if next.calls != 2 {
		t.Fatalf("errors should not be cached, calls=%d", next.calls)
	}
}

func TestStraightRouter(t *testing.T) {
	a := models.Point{Lat: 1, Lng: 1}
	b := models.Point{Lat: 2, Lng: 3}
	got, _ := StraightRouter{}.FetchRoute(context.Background(), a, b)
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("unexpected %v", got)
	}
	got, _ = StraightRouter{Points: 5}.FetchRoute(context.Background(), a, b)
	if len(got) != 5 || got[0] != a || got[4] != b {
		t.Fatalf("unexpected %v", got)
	}
	if got[2].Lat != 1.5 || got[2].Lng != 2 {
		t.Fatalf("midpoint %v", got[2])
	}
	got, _ = StraightRouter{Points: 5}.FetchRoute(context.Background(), a, a)
	if len(got) != 1 {
		t.Fatalf("degenerate route should be one point, got %v", got)
	}
}

func TestOSRMClientDecodesGeometry(t *testing.T) {
	path := []models.Point{{Lat: 52.52, Lng: 13.405}, {Lat: 52.521, Lng: 13.406}, {Lat: 52.522, Lng: 13.408}}
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		fmt.Fprintf(w, `{"code":"Ok","routes":[{"geometry":%q,"distance":320,"duration":60}]}`, polyline.Encode(path))
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL+"/").FetchRoute(context.Background(), path[0], path[2])
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[2] != path[2] {
		t.Fatalf("unexpected route %v", got)
	}
	if gotPath != "/route/v1/driving/13.405000,52.520000;13.408000,52.522000" {
		t.Fatalf("coordinates not in lng,lat order: %s", gotPath)
	}
	if !strings.Contains(gotQuery, "overview=full") || !strings.Contains(gotQuery, "geometries=polyline") {
		t.Fatalf("unexpected query %s", gotQuery)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	_, err := NewOSRMClient(srv.URL).FetchRoute(context.Background(), models.Point{}, models.Point{Lat: 1})
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestOSRMClientBadGeometry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"Ok","routes":[{"geometry":"_p~iF~ps|U_"}]}`))
	}))
	defer srv.Close()
	_, err := NewOSRMClient(srv.URL).FetchRoute(context.Background(), models.Point{}, models.Point{Lat: 1})
	if !errors.Is(err, polyline.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
