// Package geo provides geographic coordinates and a local tangent-plane frame
// for short-baseline geometry.
package geo

import (
	"fmt"
	"math"
)

// Coordinate is a WGS84-style latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NoFix is the sentinel coordinate reported when a receiver has no position
// fix. It is outside the valid latitude range, so Valid() rejects it.
var NoFix = Coordinate{Lat: 999, Lon: 999}

// Valid reports whether the coordinate lies in [-90,90]x[-180,180].
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// String formats the coordinate with six decimal places (~0.1 m).
func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// MetersPerDegree returns the local meters-per-degree scale factors for
// latitude and longitude at the given latitude in radians. The factors are
// standard polynomial approximations of the ellipsoidal radii of curvature.
func MetersPerDegree(latRad float64) (mPerDegLat, mPerDegLon float64) {
	mPerDegLat = 111132.92 -
		559.82*math.Cos(2*latRad) +
		1.175*math.Cos(4*latRad) -
		0.0023*math.Cos(6*latRad)
	mPerDegLon = 111412.84*math.Cos(latRad) -
		93.5*math.Cos(3*latRad) +
		0.118*math.Cos(5*latRad)
	return mPerDegLat, mPerDegLon
}

// Point is a position in a local tangent-plane frame, in meters.
type Point struct {
	X, Y float64
}

// Distance returns the Euclidean distance to another point.
func (p Point) Distance(other Point) float64 {
	return math.Hypot(other.X-p.X, other.Y-p.Y)
}

// Frame is a local tangent-plane projection anchored at an origin coordinate.
// Scale factors are evaluated once at a fixed mean latitude, so projection and
// unprojection are exact inverses of each other. The flattening is only valid
// while distances stay small relative to the Earth's radius.
type Frame struct {
	origin     Coordinate
	mPerDegLat float64
	mPerDegLon float64
}

// NewFrame builds a frame anchored at origin using the scale factors at
// meanLat degrees. Pass the mean latitude of the points being projected.
func NewFrame(origin Coordinate, meanLat float64) Frame {
	mLat, mLon := MetersPerDegree(meanLat * math.Pi / 180)
	return Frame{origin: origin, mPerDegLat: mLat, mPerDegLon: mLon}
}

// Project converts a coordinate to frame meters relative to the origin.
func (f Frame) Project(c Coordinate) Point {
	return Point{
		X: (c.Lon - f.origin.Lon) * f.mPerDegLon,
		Y: (c.Lat - f.origin.Lat) * f.mPerDegLat,
	}
}

// Unproject converts frame meters back to a geographic coordinate.
func (f Frame) Unproject(p Point) Coordinate {
	return Coordinate{
		Lat: p.Y/f.mPerDegLat + f.origin.Lat,
		Lon: p.X/f.mPerDegLon + f.origin.Lon,
	}
}
