package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture(t *testing.T) *Normalizer {
	t.Helper()
	n := NewNormalizer(nil)
	n.Now = func() time.Time { return referenceNow }
	return n
}

func TestLocationWellFormed(t *testing.T) {
	// arrange
	n := fixture(t)
	payload := map[string]any{
		"lat":       -1.2921,
		"lng":       36.8219,
		"accuracy":  12.5,
		"speed":     1.4,
		"source":    "gps",
		"timestamp": 1700000000000,
	}

	// act
	s := n.Location("collar-1", payload)

	// assert
	require.NotNil(t, s)
	assert.Equal(t, "collar-1", s.DeviceID)
	assert.Equal(t, -1.2921, s.Latitude)
	assert.Equal(t, 36.8219, s.Longitude)
	assert.Equal(t, 12.5, s.Accuracy)
	require.NotNil(t, s.Speed)
	assert.Equal(t, 1.4, *s.Speed)
	assert.Equal(t, "gps", s.Source)
	assert.True(t, time.UnixMilli(1700000000000).Equal(s.Timestamp))
	assert.False(t, s.WasDefaulted)
	assert.True(t, s.HasFix())
}

func TestLocationMalformedLatitudeIsDefaulted(t *testing.T) {
	// arrange
	n := fixture(t)
	payload := map[string]any{"lat": "bad", "lng": 12}

	// act
	s := n.Location("collar-1", payload)

	// assert
	require.NotNil(t, s, "malformed records must not be dropped")
	assert.True(t, s.WasDefaulted)
	assert.Equal(t, 0.0, s.Latitude)
	assert.Equal(t, 12.0, s.Longitude)
	assert.True(t, s.FieldDefaulted(FieldLatitude))
	assert.False(t, s.FieldDefaulted(FieldLongitude))
	assert.False(t, s.HasFix())
}

func TestLocationMissingTimestampUsesIngestionTime(t *testing.T) {
	n := fixture(t)

	s := n.Location("collar-1", map[string]any{"lat": 1.0, "lng": 2.0})

	require.NotNil(t, s)
	assert.True(t, referenceNow.Equal(s.Timestamp))
	assert.True(t, s.WasDefaulted)
	assert.Equal(t, []string{FieldTimestamp}, s.DefaultedFields)
}

func TestLocationCoercion(t *testing.T) {
	n := fixture(t)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"latitude": "51.5007",
		"lon": -0.1246,
		"speed": -3,
		"accuracy": true,
		"ts": "2024-03-01T10:00:00Z"
	}`), &payload))

	s := n.Location("", payload)

	require.NotNil(t, s)
	assert.Equal(t, Unknown, s.DeviceID)
	assert.Equal(t, 51.5007, s.Latitude)
	assert.Equal(t, -0.1246, s.Longitude)
	assert.Nil(t, s.Speed, "negative speed is not a speed")
	assert.True(t, s.FieldDefaulted(FieldSpeed))
	assert.True(t, s.FieldDefaulted(FieldAccuracy))
	assert.Equal(t, Unknown, s.Source)
	assert.False(t, s.FieldDefaulted(FieldSource), "missing optional fields are not flagged")
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), s.Timestamp)
}

func TestLocationOutOfRange(t *testing.T) {
	n := fixture(t)

	s := n.Location("collar-1", map[string]any{"lat": 91.0, "lng": -181.0, "timestamp": 1700000000})

	require.NotNil(t, s)
	assert.True(t, s.FieldDefaulted(FieldLatitude))
	assert.True(t, s.FieldDefaulted(FieldLongitude))
	assert.False(t, s.FieldDefaulted(FieldTimestamp))
}

func TestRejectsNonObjects(t *testing.T) {
	n := fixture(t)

	for _, payload := range []any{nil, "hello", 42.0, []any{1, 2}, true} {
		assert.Nil(t, n.Location("collar-1", payload), "payload %v", payload)
		assert.Nil(t, n.Motion("collar-1", payload), "payload %v", payload)
		assert.Nil(t, n.Alert("collar-1", payload), "payload %v", payload)
		assert.Nil(t, n.Normalize(KindLocation, "collar-1", payload), "payload %v", payload)
	}
}

func TestAcceptsOtherMapTypes(t *testing.T) {
	n := fixture(t)

	s := n.Location("collar-1", map[string]string{"lat": "1.5", "lng": "2.5", "timestamp": "1700000000"})

	require.NotNil(t, s)
	assert.Equal(t, 1.5, s.Latitude)
	assert.Equal(t, 2.5, s.Longitude)
	assert.False(t, s.WasDefaulted)
}

func TestMotion(t *testing.T) {
	n := fixture(t)

	e := n.Motion("trap-3", Record{"status": "MOTION", "severity": "high", "timestamp": 1700000000})
	require.NotNil(t, e)
	assert.Equal(t, "MOTION", e.Status)
	assert.Equal(t, "high", e.Severity)
	assert.Empty(t, e.Message)
	assert.False(t, e.WasDefaulted)

	missing := n.Motion("trap-3", Record{"status": map[string]any{"nested": true}, "timestamp": 1700000000})
	require.NotNil(t, missing)
	assert.Equal(t, Unknown, missing.Status)
	assert.Equal(t, Unknown, missing.Severity)
	assert.Equal(t, []string{FieldStatus}, missing.DefaultedFields)
}

func TestAlert(t *testing.T) {
	n := fixture(t)

	e := n.Alert("trap-3", Record{"type": "intrusion", "msg": "PIR fired", "timestamp": 1700000000})
	require.NotNil(t, e)
	assert.Equal(t, "intrusion", e.Type)
	assert.Equal(t, "PIR fired", e.Message)
	assert.Equal(t, Unknown, e.Status)
	assert.False(t, e.WasDefaulted)

	ev := n.Normalize(KindAlert, "trap-3", Record{})
	require.NotNil(t, ev)
	assert.Equal(t, KindAlert, ev.Kind())
	assert.True(t, ev.Defaulted())
}

func TestAmbiguousTimestampIsFlagged(t *testing.T) {
	n := fixture(t)

	s := n.Location("collar-1", Record{"lat": 1.0, "lng": 1.0, "timestamp": 12345})

	require.NotNil(t, s)
	assert.True(t, s.UnitAmbiguous)
	assert.False(t, s.WasDefaulted)
}
