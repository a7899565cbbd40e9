package bus

import "github.com/envmon/envmon/internal/types"

// EventType names what happened
type EventType string

const (
	EventReading           EventType = "reading"
	EventAlertCreated      EventType = "alert.created"
	EventAlertAcknowledged EventType = "alert.acknowledged"
	EventAlertResolved     EventType = "alert.resolved"
)

// Event is one message on the bus. Exactly one of Reading and Alert is set.
type Event struct {
	Seq     uint64         `json:"seq"`
	Type    EventType      `json:"type"`
	Reading *types.Reading `json:"reading,omitempty"`
	Alert   *types.Alert   `json:"alert,omitempty"`
}

// ReadingEvent wraps a reading
func ReadingEvent(r types.Reading) Event {
	c := r.Clone()
	return Event{Type: EventReading, Reading: &c}
}

// AlertEvent wraps an alert transition
func AlertEvent(t EventType, a types.Alert) Event {
	c := a.Clone()
	return Event{Type: t, Alert: &c}
}

// SensorID returns the sensor the event concerns
func (e Event) SensorID() string {
	switch {
	case e.Reading != nil:
		return e.Reading.SensorID
	case e.Alert != nil:
		return e.Alert.SensorID
	default:
		return ""
	}
}

// Snapshot is the world state handed to a new subscriber. Seq is the
// sequence number of the last event published before it was taken.
type Snapshot struct {
	Seq          uint64          `json:"seq"`
	Readings     []types.Reading `json:"readings"`
	ActiveAlerts []types.Alert   `json:"activeAlerts"`
}
