package evaluator

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/types"
)

// Evaluator classifies parameter values against a threshold table.
// It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	table  Table
	logger zerolog.Logger
}

// Crossing describes one parameter that reached warning or danger
type Crossing struct {
	Parameter string
	Value     float64
	Severity  types.Severity
	Threshold float64
	Message   string
}

// NewEvaluator creates an evaluator over the given table
func NewEvaluator(table Table, logger zerolog.Logger) *Evaluator {
	if table == nil {
		table = DefaultThresholds()
	}
	return &Evaluator{
		table:  table,
		logger: logger.With().Str("component", "evaluator").Logger(),
	}
}

// Classify returns the severity of a single parameter value.
// Unknown parameters and non-finite values are safe.
func (e *Evaluator) Classify(param string, value float64) types.Severity {
	sev, _ := e.classify(param, value)
	return sev
}

// Evaluate returns the overall severity of a parameter set and the
// crossings it contains, sorted by parameter name.
func (e *Evaluator) Evaluate(params map[string]float64) (types.Severity, []Crossing) {
	overall := types.SeveritySafe

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var crossings []Crossing
	for _, name := range names {
		value := params[name]
		if math.IsNaN(value) || math.IsInf(value, 0) {
			e.logger.Debug().Str("parameter", name).Float64("value", value).Msg("Ignoring non-finite value")
			continue
		}
		t, ok := e.table[name]
		if !ok {
			continue
		}

		sev, bound := e.classify(name, value)
		overall = types.MaxSeverity(overall, sev)
		if sev == types.SeveritySafe {
			continue
		}

		crossings = append(crossings, Crossing{
			Parameter: name,
			Value:     value,
			Severity:  sev,
			Threshold: bound,
			Message:   message(name, value, sev, t),
		})
	}
	return overall, crossings
}

// classify returns the severity and the bound that was crossed
func (e *Evaluator) classify(param string, value float64) (types.Severity, float64) {
	t, ok := e.table[param]
	if !ok || math.IsNaN(value) || math.IsInf(value, 0) {
		return types.SeveritySafe, 0
	}

	switch t.Direction {
	case HighBad:
		if value >= t.Danger {
			return types.SeverityDanger, t.Danger
		}
		if value >= t.Warning {
			return types.SeverityWarning, t.Warning
		}
	case LowBad:
		if value <= t.Danger {
			return types.SeverityDanger, t.Danger
		}
		if value <= t.Warning {
			return types.SeverityWarning, t.Warning
		}
	case Band:
		if value <= t.DangerLow {
			return types.SeverityDanger, t.DangerLow
		}
		if value >= t.DangerHigh {
			return types.SeverityDanger, t.DangerHigh
		}
		if value <= t.WarningLow {
			return types.SeverityWarning, t.WarningLow
		}
		if value >= t.WarningHigh {
			return types.SeverityWarning, t.WarningHigh
		}
	}
	return types.SeveritySafe, 0
}

func message(param string, value float64, sev types.Severity, t Threshold) string {
	danger := sev == types.SeverityDanger
	switch {
	case param == "ph":
		safe := fmt.Sprintf("Safe range: %s-%s", num(t.WarningLow), num(t.WarningHigh))
		if danger {
			return fmt.Sprintf("Critical pH level detected: %.2f (%s)", value, safe)
		}
		return fmt.Sprintf("pH level warning: %.2f (%s)", value, safe)
	case param == "dissolvedOxygen":
		if danger {
			return fmt.Sprintf("Critical dissolved oxygen level: %.2f mg/L (Minimum safe: %s mg/L)", value, num(t.Warning))
		}
		return fmt.Sprintf("Low dissolved oxygen warning: %.2f mg/L (Minimum safe: %s mg/L)", value, num(t.Warning))
	case t.Direction == Band:
		safe := fmt.Sprintf("Safe range: %s-%s", num(t.WarningLow), num(t.WarningHigh))
		if danger {
			return fmt.Sprintf("Critical %s level: %.2f (%s)", strings.ToUpper(param), value, safe)
		}
		return fmt.Sprintf("%s warning level: %.2f (%s)", strings.ToUpper(param), value, safe)
	case t.Direction == LowBad:
		if danger {
			return fmt.Sprintf("Critical %s level: %.2f (Minimum safe: %s)", strings.ToUpper(param), value, num(t.Warning))
		}
		return fmt.Sprintf("Low %s warning: %.2f (Minimum safe: %s)", strings.ToUpper(param), value, num(t.Warning))
	default:
		if danger {
			return fmt.Sprintf("Critical %s level: %.2f (Danger threshold: %s)", strings.ToUpper(param), value, num(t.Danger))
		}
		return fmt.Sprintf("%s warning level: %.2f (Warning threshold: %s)", strings.ToUpper(param), value, num(t.Warning))
	}
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
