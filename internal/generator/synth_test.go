package generator

import (
	"testing"
	"time"

	"github.com/envmon/envmon/internal/types"
)

func inRange(v, lo, hi float64) bool { return v >= lo && v < hi }

func TestBaseRangesWithoutSpikes(t *testing.T) {
	s := NewSynthesizer(42, 0, 0)

	for i := 0; i < 500; i++ {
		air := s.Parameters(types.CategoryAir)
		checks := map[string][2]float64{
			"pm25": {15, 35}, "pm10": {25, 55}, "co2": {400, 600},
			"no2": {20, 60}, "temperature": {20, 35}, "humidity": {40, 70},
		}
		for p, r := range checks {
			if !inRange(air[p], r[0], r[1]) {
				t.Fatalf("air %s = %v outside [%v,%v)", p, air[p], r[0], r[1])
			}
		}

		water := s.Parameters(types.CategoryWater)
		checks = map[string][2]float64{
			"ph": {6.5, 7.5}, "turbidity": {1, 3}, "dissolvedOxygen": {8, 10},
			"temperature": {15, 25}, "humidity": {80, 95},
		}
		for p, r := range checks {
			if !inRange(water[p], r[0], r[1]) {
				t.Fatalf("water %s = %v outside [%v,%v)", p, water[p], r[0], r[1])
			}
		}
		if len(water) != 5 || len(air) != 6 {
			t.Fatalf("unexpected parameter sets: air=%d water=%d", len(air), len(water))
		}
	}
}

func TestAlwaysSpike(t *testing.T) {
	s := NewSynthesizer(7, 1, 1)

	for i := 0; i < 200; i++ {
		air := s.Parameters(types.CategoryAir)
		spiked := 0
		if air["pm25"] >= 50 {
			spiked++
		}
		if air["pm10"] >= 80 {
			spiked++
		}
		if air["co2"] >= 1200 {
			spiked++
		}
		if air["no2"] >= 120 {
			spiked++
		}
		if spiked != 1 {
			t.Fatalf("air spike touched %d parameters: %v", spiked, air)
		}

		water := s.Parameters(types.CategoryWater)
		ph := water["ph"]
		phSpiked := inRange(ph, 5.5, 6.5) || inRange(ph, 8.5, 9.5)
		turbSpiked := inRange(water["turbidity"], 5, 13)
		doSpiked := inRange(water["dissolvedOxygen"], 2, 5)
		if !phSpiked && !turbSpiked && !doSpiked {
			t.Fatalf("no water spike: %v", water)
		}
	}
}

func TestSeedIsDeterministic(t *testing.T) {
	a := NewSynthesizer(99, 0.5, 0.5)
	b := NewSynthesizer(99, 0.5, 0.5)
	for i := 0; i < 20; i++ {
		pa, pb := a.Parameters(types.CategoryAir), b.Parameters(types.CategoryAir)
		if pa["pm25"] != pb["pm25"] || pa["co2"] != pb["co2"] {
			t.Fatalf("same seed diverged at %d", i)
		}
	}
}

func TestInterval(t *testing.T) {
	s := NewSynthesizer(1, 0, 0)
	for i := 0; i < 1000; i++ {
		d := s.Interval(10*time.Second, 30*time.Second)
		if d < 10*time.Second || d >= 30*time.Second {
			t.Fatalf("Interval() = %v outside [10s,30s)", d)
		}
	}
	if d := s.Interval(time.Second, time.Second); d != time.Second {
		t.Errorf("degenerate Interval() = %v", d)
	}
}
