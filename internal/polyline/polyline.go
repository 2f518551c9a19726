// Package polyline implements the signed-delta, 5-bit-chunk polyline wire format used
// by the relay's route_polyline column and by routing engines such as OSRM.
package polyline

import (
	"errors"
	"fmt"

	"github.com/twpayne/go-polyline"

	"github.com/example/ride-tracking/internal/models"
)

// ErrDecode is matched by every error Decode returns.
var ErrDecode = errors.New("polyline decode")

// DecodeError reports the byte offset of the point that failed to decode.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("polyline decode at offset %d: %s", e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// Codec encodes coordinates multiplied by Factor and rounded to integers.
type Codec struct {
	Factor float64
}

var (
	// Precision5 is the common 1e-5 degree format.
	Precision5 = Codec{Factor: 1e5}
	// Precision6 is OSRM's "polyline6".
	Precision6 = Codec{Factor: 1e6}
)

func Encode(points []models.Point) string { return Precision5.Encode(points) }

func Decode(s string) ([]models.Point, error) { return Precision5.Decode(s) }

// Tolerance is the largest per-coordinate error a round trip can introduce.
func (c Codec) Tolerance() float64 { return 0.5 / c.Factor }

func (c Codec) codec() polyline.Codec { return polyline.Codec{Dim: 2, Scale: c.Factor} }

func (c Codec) Encode(points []models.Point) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Lat, p.Lng}
	}
	return string(c.codec().EncodeCoords(make([]byte, 0, len(points)*8), coords))
}

func (c Codec) Decode(s string) ([]models.Point, error) {
	if s == "" {
		return []models.Point{}, nil
	}
	buf := []byte(s)
	coords, _, err := c.codec().DecodeCoords(buf)
	if err != nil {
		return nil, &DecodeError{Offset: c.pointOffset(buf, len(buf)), Reason: err.Error()}
	}
	points := make([]models.Point, 0, len(coords))
	for i, xy := range coords {
		p := models.Point{Lat: xy[0], Lng: xy[1]}
		if err := p.Validate(); err != nil {
			return nil, &DecodeError{Offset: c.pointOffset(buf, i), Reason: err.Error()}
		}
		points = append(points, p)
	}
	return points, nil
}

// pointOffset returns where point n starts, or where the first undecodable point starts
// if that comes earlier.
func (c Codec) pointOffset(buf []byte, n int) int {
	rest := buf
	for i := 0; i < n && len(rest) > 0; i++ {
		_, next, err := c.codec().DecodeCoord(rest)
		if err != nil {
			break
		}
		rest = next
	}
	return len(buf) - len(rest)
}
