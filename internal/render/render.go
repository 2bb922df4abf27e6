// Package render turns aggregation results into a visual artifact.
package render

import (
	"github.com/sonotrack/go-tdoa/internal/geo"
)

// Marker is a labeled receiver position.
type Marker struct {
	Label string         `json:"label"`
	Coord geo.Coordinate `json:"coord"`
}

// Polyline is a named, colored locus curve.
type Polyline struct {
	Label  string           `json:"label"`
	Color  string           `json:"color"`
	Points []geo.Coordinate `json:"points"`
}

// Artifact is everything the renderer needs for one aggregation round.
type Artifact struct {
	RoundID   string
	Center    geo.Coordinate
	Markers   []Marker
	Polylines []Polyline
}

// Renderer produces a standalone visual artifact from a round. The artifact
// format is the renderer's business; the return value is a path or locator
// for logging.
type Renderer interface {
	Render(a Artifact) (string, error)
}

// NopRenderer discards artifacts. Used in tests and headless rounds.
type NopRenderer struct{}

func (NopRenderer) Render(a Artifact) (string, error) { return "", nil }
