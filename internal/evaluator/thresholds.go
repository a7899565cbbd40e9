package evaluator

import (
	"fmt"

	"github.com/envmon/envmon/internal/config"
)

// Direction says which side of a threshold is unsafe
type Direction int

const (
	// HighBad parameters are unsafe at or above their bounds
	HighBad Direction = iota
	// LowBad parameters are unsafe at or below their bounds
	LowBad
	// Band parameters are safe only strictly inside the warning band
	Band
)

// Threshold holds the classification bounds for one parameter. Bounds are
// inclusive: a value equal to a bound belongs to the more severe side.
type Threshold struct {
	Direction Direction
	Warning   float64
	Danger    float64

	// Band only
	WarningLow  float64
	WarningHigh float64
	DangerLow   float64
	DangerHigh  float64
}

// Table maps parameter names to thresholds
type Table map[string]Threshold

// DefaultThresholds returns the stock classification table
func DefaultThresholds() Table {
	return Table{
		"pm25":            {Direction: HighBad, Warning: 35, Danger: 75},
		"pm10":            {Direction: HighBad, Warning: 50, Danger: 150},
		"co2":             {Direction: HighBad, Warning: 1000, Danger: 5000},
		"no2":             {Direction: HighBad, Warning: 100, Danger: 200},
		"ph":              {Direction: Band, WarningLow: 6.5, WarningHigh: 8.5, DangerLow: 6.0, DangerHigh: 9.0},
		"turbidity":       {Direction: HighBad, Warning: 4, Danger: 10},
		"dissolvedOxygen": {Direction: LowBad, Warning: 5, Danger: 3},
	}
}

// TableFromConfig merges configured overrides onto the default table
func TableFromConfig(overrides map[string]config.ThresholdConfig) (Table, error) {
	table := DefaultThresholds()
	for param, o := range overrides {
		var t Threshold
		switch o.Direction {
		case "high":
			t = Threshold{Direction: HighBad, Warning: o.Warning, Danger: o.Danger}
		case "low":
			t = Threshold{Direction: LowBad, Warning: o.Warning, Danger: o.Danger}
		case "band":
			t = Threshold{
				Direction:   Band,
				WarningLow:  o.WarningLow,
				WarningHigh: o.WarningHigh,
				DangerLow:   o.DangerLow,
				DangerHigh:  o.DangerHigh,
			}
		default:
			return nil, fmt.Errorf("threshold %s: unknown direction %q", param, o.Direction)
		}
		table[param] = t
	}
	return table, nil
}
