package events

import (
	"math"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Canonical field names, also used in Quality.DefaultedFields
const (
	FieldDeviceID  = "deviceId"
	FieldLatitude  = "lat"
	FieldLongitude = "lng"
	FieldAccuracy  = "accuracy"
	FieldSpeed     = "speed"
	FieldSource    = "source"
	FieldTimestamp = "timestamp"
	FieldStatus    = "status"
	FieldSeverity  = "severity"
	FieldType      = "type"
	FieldMessage   = "message"
)

// keys accepted for each canonical field, in lookup order
var aliases = map[string][]string{
	FieldDeviceID:  {"deviceId", "device_id", "id"},
	FieldLatitude:  {"lat", "latitude"},
	FieldLongitude: {"lng", "lon", "longitude"},
	FieldAccuracy:  {"accuracy", "acc"},
	FieldSpeed:     {"speed"},
	FieldSource:    {"source", "provider"},
	FieldTimestamp: {"timestamp", "ts", "time"},
	FieldStatus:    {"status", "state"},
	FieldSeverity:  {"severity", "level"},
	FieldType:      {"type", "alertType", "alert_type"},
	FieldMessage:   {"message", "msg"},
}

// Normalizer coerces untyped store payloads into typed records.
//
// It never fails on malformed input: fields that are missing or of the wrong
// type get a default and are listed in the record's Quality. The only
// rejection is a payload that is not an object at all, reported as nil.
//
// Required fields (coordinates, timestamp, status, alert type) are flagged
// when missing. Optional fields (accuracy, speed, source, severity, message)
// are only flagged when present but malformed.
type Normalizer struct {
	Units UnitPolicy
	Now   func() time.Time
}

func NewNormalizer(units UnitPolicy) *Normalizer {
	if units == nil {
		units = MagnitudePolicy{Threshold: DefaultMillisThreshold}
	}
	return &Normalizer{Units: units, Now: time.Now}
}

// Normalize dispatches on kind; the result is a nil interface when the
// payload is rejected
func (n *Normalizer) Normalize(kind Kind, deviceID string, payload any) Event {
	switch kind {
	case KindLocation:
		if s := n.Location(deviceID, payload); s != nil {
			return s
		}
	case KindMotion:
		if e := n.Motion(deviceID, payload); e != nil {
			return e
		}
	case KindAlert:
		if e := n.Alert(deviceID, payload); e != nil {
			return e
		}
	}
	return nil
}

func (n *Normalizer) Location(deviceID string, payload any) *LocationSample {
	r, ok := n.reader(payload)
	if !ok {
		return nil
	}

	s := &LocationSample{DeviceID: r.device(deviceID)}
	s.Latitude = r.bounded(FieldLatitude, -90, 90, true)
	s.Longitude = r.bounded(FieldLongitude, -180, 180, true)
	s.Accuracy = r.bounded(FieldAccuracy, 0, math.MaxFloat64, false)
	if _, present := r.lookup(FieldSpeed); present {
		if v, valid := r.number(FieldSpeed); valid && v >= 0 {
			s.Speed = &v
		} else {
			r.defaulted(FieldSpeed)
		}
	}
	s.Source = r.text(FieldSource, false)
	s.Timestamp = r.timestamp()
	s.Quality = r.quality
	return s
}

func (n *Normalizer) Motion(deviceID string, payload any) *MotionEvent {
	r, ok := n.reader(payload)
	if !ok {
		return nil
	}

	e := &MotionEvent{DeviceID: r.device(deviceID)}
	e.Status = r.text(FieldStatus, true)
	e.Severity = r.text(FieldSeverity, false)
	e.Message = r.optionalText(FieldMessage)
	e.Timestamp = r.timestamp()
	e.Quality = r.quality
	return e
}

func (n *Normalizer) Alert(deviceID string, payload any) *AlertEvent {
	r, ok := n.reader(payload)
	if !ok {
		return nil
	}

	e := &AlertEvent{DeviceID: r.device(deviceID)}
	e.Type = r.text(FieldType, true)
	e.Status = r.text(FieldStatus, false)
	e.Message = r.optionalText(FieldMessage)
	e.Timestamp = r.timestamp()
	e.Quality = r.quality
	return e
}

// AsRecord converts any map-like payload into a Record
func AsRecord(payload any) (Record, bool) {
	switch v := payload.(type) {
	case nil:
		return nil, false
	case Record:
		return v, true
	case map[string]any:
		return Record(v), true
	}

	var rec Record
	if err := mapstructure.Decode(payload, &rec); err != nil || rec == nil {
		return nil, false
	}
	return rec, true
}

type fieldReader struct {
	rec     Record
	units   UnitPolicy
	now     time.Time
	quality Quality
}

func (n *Normalizer) reader(payload any) (*fieldReader, bool) {
	rec, ok := AsRecord(payload)
	if !ok {
		return nil, false
	}
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	units := n.Units
	if units == nil {
		units = MagnitudePolicy{}
	}
	return &fieldReader{rec: rec, units: units, now: now()}, true
}

func (r *fieldReader) defaulted(field string) {
	r.quality.WasDefaulted = true
	r.quality.DefaultedFields = append(r.quality.DefaultedFields, field)
}

func (r *fieldReader) lookup(field string) (any, bool) {
	for _, key := range aliases[field] {
		if v, ok := r.rec[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// number weakly decodes a field into a finite float; bools are not numbers here
func (r *fieldReader) number(field string) (float64, bool) {
	v, ok := r.lookup(field)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case bool:
		return 0, false
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, false
		}
	}

	var f float64
	if err := mapstructure.WeakDecode(v, &f); err != nil {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (r *fieldReader) bounded(field string, lo, hi float64, required bool) float64 {
	_, present := r.lookup(field)
	if !present && !required {
		return 0
	}
	v, ok := r.number(field)
	if !ok || v < lo || v > hi {
		r.defaulted(field)
		return 0
	}
	return v
}

func (r *fieldReader) stringValue(field string) (string, bool) {
	v, ok := r.lookup(field)
	if !ok {
		return "", false
	}
	switch v.(type) {
	case map[string]any, []any:
		return "", false
	}

	var s string
	if err := mapstructure.WeakDecode(v, &s); err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func (r *fieldReader) text(field string, required bool) string {
	_, present := r.lookup(field)
	s, ok := r.stringValue(field)
	if ok {
		return s
	}
	if present || required {
		r.defaulted(field)
	}
	return Unknown
}

func (r *fieldReader) optionalText(field string) string {
	_, present := r.lookup(field)
	s, ok := r.stringValue(field)
	if !ok && present {
		r.defaulted(field)
	}
	return s
}

func (r *fieldReader) device(fromPath string) string {
	if fromPath != "" {
		return fromPath
	}
	if s, ok := r.stringValue(FieldDeviceID); ok {
		return s
	}
	return Unknown
}

// timestamp falls back to ingestion time, which trades accuracy for
// availability and is always flagged
func (r *fieldReader) timestamp() time.Time {
	if v, ok := r.lookup(FieldTimestamp); ok {
		if s, isString := v.(string); isString {
			if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
				return ts.UTC()
			}
		}
	}

	raw, ok := r.number(FieldTimestamp)
	if !ok || raw <= 0 {
		r.defaulted(FieldTimestamp)
		return r.now.UTC()
	}

	ts, ambiguous := r.units.Resolve(raw, r.now)
	if ambiguous {
		r.quality.UnitAmbiguous = true
	}
	return ts
}
