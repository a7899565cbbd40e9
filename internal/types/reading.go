package types

import "time"

// Reading is one synthetic sample emitted by a sensor
type Reading struct {
	SensorID   string             `json:"sensorId"`
	Category   Category           `json:"category"`
	Location   Location           `json:"location"`
	Parameters map[string]float64 `json:"parameters"`
	Severity   Severity           `json:"severity"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Clone returns a copy that shares no state with r
func (r Reading) Clone() Reading {
	out := r
	if r.Parameters != nil {
		out.Parameters = make(map[string]float64, len(r.Parameters))
		for k, v := range r.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}
