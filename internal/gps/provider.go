// Package gps provides position-fix acquisition for detection nodes.
package gps

import (
	"context"
	"errors"
	"sync"

	"github.com/sonotrack/go-tdoa/internal/geo"
)

// ErrNoFix is returned when the provider is reachable but has no current
// position fix. The reporter substitutes the no-fix sentinel coordinate and
// still emits the event.
var ErrNoFix = errors.New("no position fix available")

// Provider supplies the node's current geocoordinate.
type Provider interface {
	// Fix returns the current coordinate, or ErrNoFix when none is held.
	Fix(ctx context.Context) (geo.Coordinate, error)

	// Close releases the provider connection.
	Close() error

	// Healthy returns true if the provider is operational.
	Healthy() bool

	// Name returns the provider type name.
	Name() string
}

// StaticProvider always reports a fixed, surveyed coordinate. Useful for
// permanently installed receivers without a GPS unit.
type StaticProvider struct {
	coord geo.Coordinate
}

// NewStaticProvider creates a provider pinned at coord.
func NewStaticProvider(coord geo.Coordinate) *StaticProvider {
	return &StaticProvider{coord: coord}
}

func (s *StaticProvider) Fix(ctx context.Context) (geo.Coordinate, error) {
	return s.coord, nil
}

func (s *StaticProvider) Close() error  { return nil }
func (s *StaticProvider) Healthy() bool { return true }
func (s *StaticProvider) Name() string  { return "static" }

// MockProvider is a settable provider for tests.
type MockProvider struct {
	mu      sync.Mutex
	coord   geo.Coordinate
	err     error
	healthy bool
	calls   int
}

// NewMockProvider creates a healthy mock with no fix set.
func NewMockProvider() *MockProvider {
	return &MockProvider{healthy: true, err: ErrNoFix}
}

// SetFix sets the coordinate returned by Fix and clears any error.
func (m *MockProvider) SetFix(c geo.Coordinate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coord = c
	m.err = nil
}

// SetError makes Fix return err.
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times Fix was invoked.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) Fix(ctx context.Context) (geo.Coordinate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return geo.Coordinate{}, m.err
	}
	return m.coord, nil
}

func (m *MockProvider) Close() error  { return nil }
func (m *MockProvider) Healthy() bool { return m.healthy }
func (m *MockProvider) Name() string  { return "mock" }
