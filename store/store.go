package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/mitchellh/mapstructure"
)

// ConnectivityPath carries a single boolean, true while the backend is reachable
const ConnectivityPath = ".info/connected"

// DefaultOrderKey orders history children by their record timestamp
const DefaultOrderKey = "timestamp"

var ErrDisconnected = errors.New("store: disconnected")

// Child is one keyed entry below a list path
type Child struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Snapshot is the full current value at a path, never a diff
type Snapshot struct {
	Path     string
	Exists   bool
	Value    any     // single value subscriptions
	Children []Child // list subscriptions, ordered oldest first
}

// Query selects what a subscription delivers. The zero value subscribes to a
// single value; a positive Limit subscribes to the last Limit children ordered
// by OrderKey.
type Query struct {
	OrderKey string
	Limit    int
}

// IsList reports whether the query addresses children rather than a value
func (q Query) IsList() bool { return q.Limit > 0 }

type DataFunc func(Snapshot)
type ErrorFunc func(error)

// Adapter abstracts the remote real-time store.
//
// Subscribe delivers the current value right away and again after every change.
// On transport loss onError is called; after reconnecting the full current
// value is delivered again so consumers can heal themselves. The returned
// function cancels the subscription and is safe to call more than once.
type Adapter interface {
	Subscribe(path string, q Query, onData DataFunc, onError ErrorFunc) (unsubscribe func())
	FetchLast(ctx context.Context, path, orderKey string, limit int) ([]Child, error)
}

// Writer is implemented by backends that can also be written to
type Writer interface {
	// Set replaces the single value at path
	Set(ctx context.Context, path string, value events.Record) error
	// Push adds or replaces the child key below path; an empty key lets the
	// backend pick one
	Push(ctx context.Context, path, key string, value events.Record) (string, error)
}

func LocationsPath(deviceID string) string {
	return fmt.Sprintf("devices/%s/locations", deviceID)
}

func AlertsPath(deviceID string) string {
	return fmt.Sprintf("devices/%s/alerts", deviceID)
}

func MotionLastPath(deviceID string) string {
	return fmt.Sprintf("devices/%s/motion_status/last", deviceID)
}

func MotionHistoryPath(deviceID string) string {
	return fmt.Sprintf("devices/%s/motion_status/history", deviceID)
}

// LastN orders children by the numeric value of orderKey (store key as tie
// breaker and for children without that field) and keeps the last limit
func LastN(children []Child, orderKey string, limit int) []Child {
	if orderKey == "" {
		orderKey = DefaultOrderKey
	}
	sorted := make([]Child, len(children))
	copy(sorted, children)
	sort.SliceStable(sorted, func(i, j int) bool {
		oi, oj := orderValue(sorted[i].Value, orderKey), orderValue(sorted[j].Value, orderKey)
		if oi != oj {
			return oi < oj
		}
		return sorted[i].Key < sorted[j].Key
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted
}

// OrderValue returns the numeric ordering value of a child record, or
// -Inf when it has none
func OrderValue(value any, orderKey string) float64 {
	if orderKey == "" {
		orderKey = DefaultOrderKey
	}
	return orderValue(value, orderKey)
}

func orderValue(value any, orderKey string) float64 {
	rec, ok := events.AsRecord(value)
	if !ok {
		return math.Inf(-1)
	}
	raw, ok := rec[orderKey]
	if !ok || raw == nil {
		return math.Inf(-1)
	}
	if _, isBool := raw.(bool); isBool {
		return math.Inf(-1)
	}
	var f float64
	if err := mapstructure.WeakDecode(raw, &f); err != nil || math.IsNaN(f) {
		return math.Inf(-1)
	}
	return f
}

// Backend is a store that can be both read and written
type Backend interface {
	Adapter
	Writer
}
