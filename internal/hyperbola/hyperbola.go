// Package hyperbola computes TDOA loci: the set of points whose distance
// difference to two receivers matches a measured arrival-time difference.
package hyperbola

import (
	"errors"
	"fmt"
	"math"

	"github.com/sonotrack/go-tdoa/internal/geo"
)

var (
	// ErrNoRealHyperbola means |deltaT*speed| exceeds the baseline distance:
	// the measured time difference is physically impossible for the pair.
	ErrNoRealHyperbola = errors.New("no real hyperbola: time difference exceeds baseline")

	// ErrZeroBaseline means both receivers project to the same point.
	ErrZeroBaseline = errors.New("zero baseline: receivers are coincident")

	// ErrInvalidCoordinate means a receiver reported an out-of-range
	// coordinate, typically the no-fix sentinel.
	ErrInvalidCoordinate = errors.New("invalid receiver coordinate")
)

// NumPoints is the number of samples on every returned locus.
const NumPoints = 1000

// uMax bounds the hyperbolic parameter, which bounds the drawn extent of the
// regular branch. cosh(uMax) = 10.
var uMax = math.Acosh(10)

// bisectorHalfExtentM is the half-length of the sampled bisector segment in
// the degenerate deltaT = 0 case, in meters.
const bisectorHalfExtentM = 10000.0

// Locus is one branch of a TDOA hyperbola (or the bisector segment when the
// time difference is zero), sampled as an ordered sequence of coordinates.
type Locus struct {
	IDA, IDB string
	Foci     [2]geo.Coordinate
	DeltaT   float64 // seconds, time at A minus time at B
	Speed    float64 // meters per second
	Points   []geo.Coordinate
}

// Compute returns the locus of source positions consistent with the signal
// arriving at receiver a deltaT seconds before/after receiver b, for a signal
// propagating at speed meters per second. deltaT is signed: time at a minus
// time at b. The result is deterministic for identical inputs.
//
// Compute is stateless and safe for concurrent use.
func Compute(idA, idB string, a, b geo.Coordinate, deltaT, speed float64) (Locus, error) {
	if !a.Valid() || !b.Valid() {
		return Locus{}, fmt.Errorf("%w: %s=%v %s=%v", ErrInvalidCoordinate, idA, a, idB, b)
	}

	// Flatten into a local frame anchored at receiver a, scaled at the
	// mean latitude of the pair.
	frame := geo.NewFrame(a, (a.Lat+b.Lat)/2)
	p1 := frame.Project(a)
	p2 := frame.Project(b)

	d := p1.Distance(p2)
	if d == 0 {
		return Locus{}, fmt.Errorf("%w: %s and %s both at %v", ErrZeroBaseline, idA, idB, a)
	}

	deltaD := deltaT * speed
	if math.Abs(deltaD) > d {
		return Locus{}, fmt.Errorf("%w: |dt*v|=%.3fm baseline=%.3fm", ErrNoRealHyperbola, math.Abs(deltaD), d)
	}

	c := d / 2
	semiA := math.Abs(deltaD) / 2

	var pts []geo.Point
	if semiA == 0 {
		pts = bisector(p1, p2)
	} else {
		pts = branch(p1, p2, semiA, c, deltaD < 0)
	}

	out := make([]geo.Coordinate, len(pts))
	for i, p := range pts {
		out[i] = frame.Unproject(p)
	}

	return Locus{
		IDA:    idA,
		IDB:    idB,
		Foci:   [2]geo.Coordinate{a, b},
		DeltaT: deltaT,
		Speed:  speed,
		Points: out,
	}, nil
}

// bisector samples the perpendicular bisector of the baseline: the exact
// locus when the signal arrived at both receivers simultaneously.
func bisector(p1, p2 geo.Point) []geo.Point {
	x0 := (p1.X + p2.X) / 2
	y0 := (p1.Y + p2.Y) / 2
	dx := p2.X - p1.X
	dy := p2.Y - p1.Y

	pts := make([]geo.Point, NumPoints)
	switch {
	case dy == 0:
		// Horizontal baseline: the bisector is the vertical line x = x0.
		for i := range pts {
			pts[i] = geo.Point{X: x0, Y: y0 + span(i)}
		}
	case dx == 0:
		// Vertical baseline: the bisector is the horizontal line y = y0.
		for i := range pts {
			pts[i] = geo.Point{X: x0 + span(i), Y: y0}
		}
	default:
		slope := -dx / dy
		for i := range pts {
			x := x0 + span(i)
			pts[i] = geo.Point{X: x, Y: slope*(x-x0) + y0}
		}
	}
	return pts
}

// span maps a sample index to [-bisectorHalfExtentM, +bisectorHalfExtentM].
func span(i int) float64 {
	return -bisectorHalfExtentM + 2*bisectorHalfExtentM*float64(i)/float64(NumPoints-1)
}

// branch samples one branch of the hyperbola with semi-major axis a and
// focal half-distance c in a frame where the baseline runs from p1 to p2.
// The branch nearer the earlier receiver is selected: deltaD > 0 means the
// signal reached p2 first, so the branch opens toward p2 (positive x' before
// rotation); mirror selects the opposite branch.
func branch(p1, p2 geo.Point, a, c float64, mirror bool) []geo.Point {
	b := math.Sqrt(c*c - a*a)

	x0 := (p1.X + p2.X) / 2
	y0 := (p1.Y + p2.Y) / 2
	theta := math.Atan2(p2.Y-p1.Y, p2.X-p1.X)
	cosT := math.Cos(theta)
	sinT := math.Sin(theta)

	pts := make([]geo.Point, NumPoints)
	for i := range pts {
		u := -uMax + 2*uMax*float64(i)/float64(NumPoints-1)
		xp := a * math.Cosh(u)
		yp := b * math.Sinh(u)
		if mirror {
			xp = -xp
		}
		pts[i] = geo.Point{
			X: xp*cosT - yp*sinT + x0,
			Y: xp*sinT + yp*cosT + y0,
		}
	}
	return pts
}
