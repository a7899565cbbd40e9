package evaluator

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/config"
	"github.com/envmon/envmon/internal/types"
)

func newTestEvaluator() *Evaluator {
	return NewEvaluator(DefaultThresholds(), zerolog.Nop())
}

func TestClassifyBoundaries(t *testing.T) {
	e := newTestEvaluator()

	tests := []struct {
		param string
		value float64
		want  types.Severity
	}{
		{"pm25", 34.999, types.SeveritySafe},
		{"pm25", 35.0, types.SeverityWarning},
		{"pm25", 74.999, types.SeverityWarning},
		{"pm25", 75.0, types.SeverityDanger},
		{"pm10", 50, types.SeverityWarning},
		{"pm10", 150, types.SeverityDanger},
		{"co2", 999, types.SeveritySafe},
		{"co2", 5000, types.SeverityDanger},
		{"no2", 100, types.SeverityWarning},
		{"no2", 200, types.SeverityDanger},
		{"ph", 6.5, types.SeverityWarning},
		{"ph", 6.0, types.SeverityDanger},
		{"ph", 7.0, types.SeveritySafe},
		{"ph", 8.5, types.SeverityWarning},
		{"ph", 9.0, types.SeverityDanger},
		{"turbidity", 4, types.SeverityWarning},
		{"turbidity", 10, types.SeverityDanger},
		{"dissolvedOxygen", 5.0, types.SeverityWarning},
		{"dissolvedOxygen", 3.0, types.SeverityDanger},
		{"dissolvedOxygen", 6.0, types.SeveritySafe},
		{"temperature", 1000, types.SeveritySafe},
		{"pm25", math.NaN(), types.SeveritySafe},
		{"pm25", math.Inf(1), types.SeveritySafe},
	}

	for _, tt := range tests {
		if got := e.Classify(tt.param, tt.value); got != tt.want {
			t.Errorf("Classify(%s, %v) = %s, want %s", tt.param, tt.value, got, tt.want)
		}
	}
}

func TestEvaluateTakesMaximum(t *testing.T) {
	e := newTestEvaluator()

	tests := []struct {
		name   string
		params map[string]float64
		want   types.Severity
		count  int
	}{
		{"empty", map[string]float64{}, types.SeveritySafe, 0},
		{"all safe", map[string]float64{"pm25": 20, "co2": 500, "humidity": 50}, types.SeveritySafe, 0},
		{"one warning", map[string]float64{"pm25": 40, "co2": 500}, types.SeverityWarning, 1},
		{"warning and danger", map[string]float64{"pm25": 40, "no2": 250}, types.SeverityDanger, 2},
		{"unknown ignored", map[string]float64{"radon": 1e9, "ph": 7}, types.SeveritySafe, 0},
		{"nan ignored", map[string]float64{"pm25": math.NaN(), "turbidity": 5}, types.SeverityWarning, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sev, crossings := e.Evaluate(tt.params)
			if sev != tt.want {
				t.Errorf("severity = %s, want %s", sev, tt.want)
			}
			if len(crossings) != tt.count {
				t.Errorf("crossings = %d, want %d", len(crossings), tt.count)
			}

			// overall severity equals the max over classified parameters
			worst := types.SeveritySafe
			for p, v := range tt.params {
				worst = types.MaxSeverity(worst, e.Classify(p, v))
			}
			if worst != sev {
				t.Errorf("severity %s disagrees with per-parameter max %s", sev, worst)
			}
		})
	}
}

func TestEvaluateCrossingDetails(t *testing.T) {
	e := newTestEvaluator()

	_, crossings := e.Evaluate(map[string]float64{"pm25": 80, "ph": 9.2, "dissolvedOxygen": 4})
	if len(crossings) != 3 {
		t.Fatalf("crossings = %d, want 3", len(crossings))
	}

	// sorted by parameter name
	want := []struct {
		param     string
		sev       types.Severity
		threshold float64
		message   string
	}{
		{"dissolvedOxygen", types.SeverityWarning, 5, "Low dissolved oxygen warning: 4.00 mg/L (Minimum safe: 5 mg/L)"},
		{"ph", types.SeverityDanger, 9, "Critical pH level detected: 9.20 (Safe range: 6.5-8.5)"},
		{"pm25", types.SeverityDanger, 75, "Critical PM25 level: 80.00 (Danger threshold: 75)"},
	}
	for i, w := range want {
		c := crossings[i]
		if c.Parameter != w.param || c.Severity != w.sev || c.Threshold != w.threshold {
			t.Errorf("crossing %d = %+v, want %s/%s/%v", i, c, w.param, w.sev, w.threshold)
		}
		if c.Message != w.message {
			t.Errorf("crossing %d message = %q, want %q", i, c.Message, w.message)
		}
	}
}

func TestPhLowSideThreshold(t *testing.T) {
	e := newTestEvaluator()
	_, crossings := e.Evaluate(map[string]float64{"ph": 6.2})
	if len(crossings) != 1 || crossings[0].Threshold != 6.5 {
		t.Fatalf("crossings = %+v", crossings)
	}
	if crossings[0].Message != "pH level warning: 6.20 (Safe range: 6.5-8.5)" {
		t.Errorf("message = %q", crossings[0].Message)
	}
}

func TestTableFromConfig(t *testing.T) {
	table, err := TableFromConfig(map[string]config.ThresholdConfig{
		"pm25":  {Direction: "high", Warning: 10, Danger: 20},
		"ozone": {Direction: "high", Warning: 70, Danger: 85},
	})
	if err != nil {
		t.Fatalf("TableFromConfig() error = %v", err)
	}

	e := NewEvaluator(table, zerolog.Nop())
	if got := e.Classify("pm25", 15); got != types.SeverityWarning {
		t.Errorf("override pm25 = %s", got)
	}
	if got := e.Classify("ozone", 90); got != types.SeverityDanger {
		t.Errorf("new ozone = %s", got)
	}
	if got := e.Classify("co2", 5000); got != types.SeverityDanger {
		t.Errorf("default co2 lost: %s", got)
	}

	if _, err := TableFromConfig(map[string]config.ThresholdConfig{"x": {Direction: "sideways"}}); err == nil {
		t.Error("expected error for unknown direction")
	}
}
