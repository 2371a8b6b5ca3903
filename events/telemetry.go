package events

import "time"

// Record is a flat key value payload as delivered by the store
//
// example:
// `{"lat": 51.5007, "lng": -0.1246, "accuracy": 8, "timestamp": 1756742602000}`
type Record map[string]any

// Kind of telemetry carried by a record
type Kind string

const (
	KindLocation Kind = "location"
	KindMotion   Kind = "motion"
	KindAlert    Kind = "alert"
)

// Unknown is the default for string fields that are missing or malformed
const Unknown = "Unknown"

// Event is implemented by every normalized record
type Event interface {
	Device() string
	Kind() Kind
	Time() time.Time
	Defaulted() bool
	TimestampDefaulted() bool
}

// Quality describes how much of a record had to be filled in by the normalizer
type Quality struct {
	// WasDefaulted is set when at least one field was replaced by its default
	WasDefaulted bool `json:"wasDefaulted"`
	// DefaultedFields lists the canonical names of the defaulted fields
	DefaultedFields []string `json:"defaultedFields,omitempty"`
	// UnitAmbiguous is set when the timestamp unit heuristic was not confident
	UnitAmbiguous bool `json:"unitAmbiguous,omitempty"`
}

// FieldDefaulted reports whether the named canonical field was defaulted
func (q Quality) FieldDefaulted(name string) bool {
	for _, f := range q.DefaultedFields {
		if f == name {
			return true
		}
	}
	return false
}

// TimestampDefaulted reports whether the timestamp is ingestion time
func (q Quality) TimestampDefaulted() bool {
	return q.FieldDefaulted(FieldTimestamp)
}

// LocationSample is a single GPS fix
type LocationSample struct {
	DeviceID  string    `json:"deviceId"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`        // meters
	Speed     *float64  `json:"speed,omitempty"` // m/s, nil when not reported
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Quality
}

func (s *LocationSample) Device() string { return s.DeviceID }
func (s *LocationSample) Kind() Kind { return KindLocation }
func (s *LocationSample) Time() time.Time { return s.Timestamp }
func (s *LocationSample) Defaulted() bool { return s.WasDefaulted }

// HasFix reports whether both coordinates came from the device
func (s *LocationSample) HasFix() bool {
	return !s.FieldDefaulted(FieldLatitude) && !s.FieldDefaulted(FieldLongitude)
}

// MotionEvent is a PIR style motion status change
type MotionEvent struct {
	DeviceID  string    `json:"deviceId"`
	Status    string    `json:"status"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Quality
}

func (e *MotionEvent) Device() string { return e.DeviceID }
func (e *MotionEvent) Kind() Kind { return KindMotion }
func (e *MotionEvent) Time() time.Time { return e.Timestamp }
func (e *MotionEvent) Defaulted() bool { return e.WasDefaulted }

// AlertEvent is raised by a device or by its gateway
type AlertEvent struct {
	DeviceID  string    `json:"deviceId"`
	Status    string    `json:"status"`
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Quality
}

func (e *AlertEvent) Device() string { return e.DeviceID }
func (e *AlertEvent) Kind() Kind { return KindAlert }
func (e *AlertEvent) Time() time.Time { return e.Timestamp }
func (e *AlertEvent) Defaulted() bool { return e.WasDefaulted }
