package types

import "time"

// Notification delivery states
const (
	NotificationSent       = "sent"
	NotificationFailed     = "failed"
	NotificationSuppressed = "suppressed"
)

// Notification records one delivery attempt for an alert
type Notification struct {
	Channel string    `json:"channel"`
	SentAt  time.Time `json:"sentAt"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
}

// Alert represents a threshold crossing and its acknowledgement/resolution state
type Alert struct {
	ID             string         `json:"id"`
	SensorID       string         `json:"sensorId"`
	Parameter      string         `json:"parameter"`
	Severity       Severity       `json:"severity"`
	CurrentValue   float64        `json:"currentValue"`
	ThresholdValue float64        `json:"thresholdValue"`
	Message        string         `json:"message"`
	Location       Location       `json:"location"`
	CreatedAt      time.Time      `json:"createdAt"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy *string        `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	Resolved       bool           `json:"resolved"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	Notifications  []Notification `json:"notifications,omitempty"`
}

// Active reports whether the alert is still unresolved
func (a Alert) Active() bool {
	return !a.Resolved
}

// Clone returns a deep copy of the alert
func (a Alert) Clone() Alert {
	out := a
	if a.AcknowledgedBy != nil {
		by := *a.AcknowledgedBy
		out.AcknowledgedBy = &by
	}
	if a.AcknowledgedAt != nil {
		at := *a.AcknowledgedAt
		out.AcknowledgedAt = &at
	}
	if a.ResolvedAt != nil {
		at := *a.ResolvedAt
		out.ResolvedAt = &at
	}
	if a.Notifications != nil {
		out.Notifications = append([]Notification(nil), a.Notifications...)
	}
	return out
}
