package render

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/template"
)

// mapTemplate is a standalone Leaflet page: one polyline per locus, one
// marker per receiver, fitted to the receiver bounds.
const mapTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>TDOA loci {{.RoundID}}</title>
<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
<style>html, body, #map { height: 100%; margin: 0; }</style>
</head>
<body>
<div id="map"></div>
<script>
var map = L.map('map').setView([{{.Center.Lat}}, {{.Center.Lon}}], 15);
L.tileLayer('https://tile.openstreetmap.org/{z}/{x}/{y}.png', {
  attribution: '&copy; OpenStreetMap contributors'
}).addTo(map);

var markers = {{json .Markers}};
markers.forEach(function(m) {
  L.marker([m.coord.lat, m.coord.lon]).addTo(map).bindPopup(m.label);
});

var lines = {{json .Polylines}};
lines.forEach(function(l) {
  var latlngs = l.points.map(function(p) { return [p.lat, p.lon]; });
  L.polyline(latlngs, {color: l.color, weight: 2.5, opacity: 1})
    .addTo(map).bindPopup(l.label);
});

if (markers.length > 1) {
  map.fitBounds(markers.map(function(m) { return [m.coord.lat, m.coord.lon]; }), {padding: [40, 40]});
}
</script>
</body>
</html>
`

var mapTmpl = template.Must(template.New("map").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}).Parse(mapTemplate))

// MapRenderer writes one standalone HTML map per round into OutputDir.
type MapRenderer struct {
	OutputDir string
	logger    *slog.Logger
}

// NewMapRenderer creates a renderer writing into outputDir.
func NewMapRenderer(outputDir string, logger *slog.Logger) *MapRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MapRenderer{OutputDir: outputDir, logger: logger}
}

// Render writes the artifact and returns the output path.
func (r *MapRenderer) Render(a Artifact) (string, error) {
	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(r.OutputDir, fmt.Sprintf("tdoa_map_%s.html", a.RoundID))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create map file: %w", err)
	}

	if err := mapTmpl.Execute(f, a); err != nil {
		f.Close()
		return "", fmt.Errorf("render map: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	r.logger.Info("map rendered",
		"path", path,
		"markers", len(a.Markers),
		"polylines", len(a.Polylines),
	)
	return path, nil
}
