package generator

import (
	"math/rand"
	"sync"
	"time"

	"github.com/envmon/envmon/internal/types"
)

// Default spike probabilities per tick
const (
	DefaultAirSpikeProbability   = 0.10
	DefaultWaterSpikeProbability = 0.08
)

var (
	airSpikeParams   = []string{"pm25", "pm10", "co2", "no2"}
	waterSpikeParams = []string{"ph", "turbidity", "dissolvedOxygen"}
)

// Synthesizer draws synthetic parameter values. It is safe for concurrent use.
type Synthesizer struct {
	mu  sync.Mutex
	rng *rand.Rand

	airSpike   float64
	waterSpike float64
}

// NewSynthesizer creates a synthesizer. A zero seed seeds from the clock.
func NewSynthesizer(seed int64, airSpike, waterSpike float64) *Synthesizer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Synthesizer{
		rng:        rand.New(rand.NewSource(seed)),
		airSpike:   airSpike,
		waterSpike: waterSpike,
	}
}

// Parameters returns a fresh parameter set for the category
func (s *Synthesizer) Parameters(c types.Category) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch c {
	case types.CategoryAir:
		return s.air()
	case types.CategoryWater:
		return s.water()
	default:
		return map[string]float64{}
	}
}

// Interval draws a duration uniformly from [min, max)
func (s *Synthesizer) Interval(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return min + time.Duration(s.rng.Int63n(int64(max-min)))
}

func (s *Synthesizer) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

func (s *Synthesizer) air() map[string]float64 {
	p := map[string]float64{
		"pm25":        s.uniform(15, 35),
		"pm10":        s.uniform(25, 55),
		"co2":         s.uniform(400, 600),
		"no2":         s.uniform(20, 60),
		"temperature": s.uniform(20, 35),
		"humidity":    s.uniform(40, 70),
	}

	if s.rng.Float64() < s.airSpike {
		switch airSpikeParams[s.rng.Intn(len(airSpikeParams))] {
		case "pm25":
			p["pm25"] = s.uniform(50, 100)
		case "pm10":
			p["pm10"] = s.uniform(80, 180)
		case "co2":
			p["co2"] = s.uniform(1200, 3200)
		case "no2":
			p["no2"] = s.uniform(120, 220)
		}
	}
	return p
}

func (s *Synthesizer) water() map[string]float64 {
	p := map[string]float64{
		"ph":              s.uniform(6.5, 7.5),
		"turbidity":       s.uniform(1, 3),
		"dissolvedOxygen": s.uniform(8, 10),
		"temperature":     s.uniform(15, 25),
		"humidity":        s.uniform(80, 95),
	}

	if s.rng.Float64() < s.waterSpike {
		switch waterSpikeParams[s.rng.Intn(len(waterSpikeParams))] {
		case "ph":
			if s.rng.Float64() < 0.5 {
				p["ph"] = s.uniform(5.5, 6.5)
			} else {
				p["ph"] = s.uniform(8.5, 9.5)
			}
		case "turbidity":
			p["turbidity"] = s.uniform(5, 13)
		case "dissolvedOxygen":
			p["dissolvedOxygen"] = s.uniform(2, 5)
		}
	}
	return p
}
