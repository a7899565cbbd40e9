// Package registry holds the fixed catalogue of sensors known to the process.
package registry

import (
	"fmt"

	"github.com/envmon/envmon/internal/types"
)

// Registry is an immutable, ordered set of sensor descriptors
type Registry struct {
	sensors []types.SensorDescriptor
	byID    map[string]int
}

// New validates descriptors and builds a registry preserving their order
func New(descs []types.SensorDescriptor) (*Registry, error) {
	r := &Registry{
		sensors: make([]types.SensorDescriptor, 0, len(descs)),
		byID:    make(map[string]int, len(descs)),
	}
	for _, d := range descs {
		if d.ID == "" {
			return nil, fmt.Errorf("sensor id is required")
		}
		if !d.Category.Valid() {
			return nil, fmt.Errorf("sensor %s: unknown category %q", d.ID, d.Category)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("sensor %s: duplicate id", d.ID)
		}
		r.byID[d.ID] = len(r.sensors)
		r.sensors = append(r.sensors, d)
	}
	return r, nil
}

// List returns a copy of all descriptors in configuration order
func (r *Registry) List() []types.SensorDescriptor {
	out := make([]types.SensorDescriptor, len(r.sensors))
	copy(out, r.sensors)
	return out
}

// Get looks up a descriptor by id
func (r *Registry) Get(id string) (types.SensorDescriptor, bool) {
	i, ok := r.byID[id]
	if !ok {
		return types.SensorDescriptor{}, false
	}
	return r.sensors[i], true
}

func (r *Registry) Len() int {
	return len(r.sensors)
}

// Counts returns the number of sensors per category
func (r *Registry) Counts() map[types.Category]int {
	counts := make(map[types.Category]int, 2)
	for _, s := range r.sensors {
		counts[s.Category]++
	}
	return counts
}

// DefaultSensors is the stock deployment used when no sensors are configured
func DefaultSensors() []types.SensorDescriptor {
	return []types.SensorDescriptor{
		{
			ID:       "AIR_001",
			Category: types.CategoryAir,
			Location: types.Location{Latitude: 40.7128, Longitude: -74.0060, Address: "Industrial Zone A, New York"},
		},
		{
			ID:       "AIR_002",
			Category: types.CategoryAir,
			Location: types.Location{Latitude: 40.7589, Longitude: -73.9851, Address: "Industrial Zone B, New York"},
		},
		{
			ID:       "WATER_001",
			Category: types.CategoryWater,
			Location: types.Location{Latitude: 40.7282, Longitude: -74.0776, Address: "River Monitoring Point 1"},
		},
		{
			ID:       "WATER_002",
			Category: types.CategoryWater,
			Location: types.Location{Latitude: 40.7505, Longitude: -73.9934, Address: "River Monitoring Point 2"},
		},
	}
}
