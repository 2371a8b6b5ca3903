package store

import (
	"testing"

	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/stretchr/testify/assert"
)

func TestPaths(t *testing.T) {
	assert.Equal(t, "devices/c1/locations", LocationsPath("c1"))
	assert.Equal(t, "devices/c1/alerts", AlertsPath("c1"))
	assert.Equal(t, "devices/c1/motion_status/last", MotionLastPath("c1"))
	assert.Equal(t, "devices/c1/motion_status/history", MotionHistoryPath("c1"))
}

func TestLastN(t *testing.T) {
	// arrange
	children := []Child{
		{Key: "c", Value: events.Record{"timestamp": 300}},
		{Key: "a", Value: events.Record{"timestamp": 100}},
		{Key: "x", Value: "not a record"},
		{Key: "b", Value: events.Record{"timestamp": "200"}},
		{Key: "d", Value: events.Record{"timestamp": 400}},
	}

	// act
	last := LastN(children, "", 3)
	all := LastN(children, "timestamp", 0)

	// assert
	assert.Equal(t, []string{"b", "c", "d"}, keys(last))
	assert.Equal(t, []string{"x", "a", "b", "c", "d"}, keys(all))
	assert.Equal(t, "c", children[0].Key, "input must not be reordered")
}

func TestQueryIsList(t *testing.T) {
	assert.False(t, Query{}.IsList())
	assert.True(t, Query{OrderKey: DefaultOrderKey, Limit: 50}.IsList())
}

func keys(children []Child) []string {
	out := make([]string, len(children))
	for i, c := range children {
		out[i] = c.Key
	}
	return out
}
