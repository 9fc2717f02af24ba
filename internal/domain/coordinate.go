// Package domain contains the core business entities and value objects.
package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Coordinate represents a WGS84 geographic coordinate.
type Coordinate struct {
	Lon float64 // Longitude in degrees
	Lat float64 // Latitude in degrees
}

// NewCoordinate creates a coordinate from longitude and latitude.
func NewCoordinate(lon, lat float64) Coordinate {
	return Coordinate{Lon: lon, Lat: lat}
}

// Validate checks that the coordinate lies within WGS84 bounds.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lon) || c.Lon < -180 || c.Lon > 180 {
		return &ValidationError{
			Field:      "longitude",
			Value:      c.Lon,
			Constraint: "[-180, 180]",
			Message:    "longitude must be between -180 and 180",
		}
	}
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return &ValidationError{
			Field:      "latitude",
			Value:      c.Lat,
			Constraint: "[-90, 90]",
			Message:    "latitude must be between -90 and 90",
		}
	}
	return nil
}

// String returns a string representation of the coordinate.
func (c Coordinate) String() string {
	return fmt.Sprintf("POINT(%f %f)", c.Lon, c.Lat)
}

// GeoRectangle is an axis-aligned bounding box described by its north-west
// and south-east corners.
type GeoRectangle struct {
	NorthWest Coordinate
	SouthEast Coordinate
}

// NewGeoRectangle builds a rectangle from any two opposite corners.
func NewGeoRectangle(a, b Coordinate) GeoRectangle {
	return GeoRectangle{
		NorthWest: Coordinate{Lon: math.Min(a.Lon, b.Lon), Lat: math.Max(a.Lat, b.Lat)},
		SouthEast: Coordinate{Lon: math.Max(a.Lon, b.Lon), Lat: math.Min(a.Lat, b.Lat)},
	}
}

// RectangleFromBBox builds a rectangle from a [minLon, minLat, maxLon, maxLat] box.
func RectangleFromBBox(bbox []float64) (GeoRectangle, error) {
	if len(bbox) != 4 {
		return GeoRectangle{}, &ValidationError{
			Field:      "bbox",
			Value:      bbox,
			Constraint: "len == 4",
			Message:    "bbox must be [minLon, minLat, maxLon, maxLat]",
		}
	}
	rect := NewGeoRectangle(NewCoordinate(bbox[0], bbox[3]), NewCoordinate(bbox[2], bbox[1]))
	if err := rect.Validate(); err != nil {
		return GeoRectangle{}, err
	}
	return rect, nil
}

// ParseBBox parses "minLon,minLat,maxLon,maxLat".
func ParseBBox(s string) (GeoRectangle, error) {
	parts := strings.Split(s, ",")
	values := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return GeoRectangle{}, fmt.Errorf("parsing bbox %q: %w", s, ErrInvalidRectangle)
		}
		values = append(values, v)
	}
	return RectangleFromBBox(values)
}

// Validate checks both corners and their ordering.
func (r GeoRectangle) Validate() error {
	if err := r.NorthWest.Validate(); err != nil {
		return err
	}
	if err := r.SouthEast.Validate(); err != nil {
		return err
	}
	if r.NorthWest.Lon > r.SouthEast.Lon || r.NorthWest.Lat < r.SouthEast.Lat {
		return fmt.Errorf("corners out of order: %w", ErrInvalidRectangle)
	}
	return nil
}

// MinLon returns the western edge.
func (r GeoRectangle) MinLon() float64 { return r.NorthWest.Lon }

// MaxLon returns the eastern edge.
func (r GeoRectangle) MaxLon() float64 { return r.SouthEast.Lon }

// MinLat returns the southern edge.
func (r GeoRectangle) MinLat() float64 { return r.SouthEast.Lat }

// MaxLat returns the northern edge.
func (r GeoRectangle) MaxLat() float64 { return r.NorthWest.Lat }

// BBox returns [minLon, minLat, maxLon, maxLat].
func (r GeoRectangle) BBox() []float64 {
	return []float64{r.MinLon(), r.MinLat(), r.MaxLon(), r.MaxLat()}
}

// Contains checks if a coordinate is within the rectangle.
func (r GeoRectangle) Contains(c Coordinate) bool {
	return c.Lon >= r.MinLon() && c.Lon <= r.MaxLon() && c.Lat >= r.MinLat() && c.Lat <= r.MaxLat()
}

// Covers reports whether other lies entirely within r.
func (r GeoRectangle) Covers(other GeoRectangle) bool {
	return r.Contains(other.NorthWest) && r.Contains(other.SouthEast)
}

// Intersects reports whether the two rectangles share any area or edge.
func (r GeoRectangle) Intersects(other GeoRectangle) bool {
	return r.MinLon() <= other.MaxLon() && other.MinLon() <= r.MaxLon() &&
		r.MinLat() <= other.MaxLat() && other.MinLat() <= r.MaxLat()
}

// Width returns the width in degrees of longitude.
func (r GeoRectangle) Width() float64 {
	return math.Abs(r.MaxLon() - r.MinLon())
}

// Height returns the height in degrees of latitude.
func (r GeoRectangle) Height() float64 {
	return math.Abs(r.MaxLat() - r.MinLat())
}

// Area returns the area in square degrees.
func (r GeoRectangle) Area() float64 {
	return r.Width() * r.Height()
}

// Center returns the center coordinate of the rectangle.
func (r GeoRectangle) Center() Coordinate {
	return Coordinate{
		Lon: (r.MinLon() + r.MaxLon()) / 2,
		Lat: (r.MinLat() + r.MaxLat()) / 2,
	}
}

// String formats the rectangle as "minLon,minLat;maxLon,maxLat", the form
// used in routing tile request paths.
func (r GeoRectangle) String() string {
	return fmt.Sprintf("%s,%s;%s,%s",
		formatDegrees(r.MinLon()), formatDegrees(r.MinLat()),
		formatDegrees(r.MaxLon()), formatDegrees(r.MaxLat()))
}

func formatDegrees(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
