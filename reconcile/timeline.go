package reconcile

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"reflect"
	"slices"
	"sort"
	"time"

	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/gwc-sys/wildlife-tracking-Client-side/metrics"
)

// DefaultWindow is the number of entries a Timeline keeps
const DefaultWindow = 50

// Source tells which feed delivered an entry
type Source int

const (
	SourceLive Source = iota
	SourceHistory
)

func (s Source) String() string {
	switch s {
	case SourceLive:
		return "live"
	case SourceHistory:
		return "history"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Entry is one reconciled record
type Entry struct {
	Key       string       `json:"key"`
	Timestamp time.Time    `json:"timestamp"`
	Source    Source       `json:"source"`
	Record    events.Event `json:"record"`
	// Synthetic is set when the store gave no key and one was derived
	Synthetic bool `json:"synthetic,omitempty"`
}

// Timeline is the deduplicated, time ordered record of one device stream.
// It is not safe for concurrent use; the device actor owns it.
type Timeline struct {
	window  int
	entries []Entry
}

func NewTimeline(window int) *Timeline {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Timeline{window: window}
}

// Merge folds a batch into the timeline and reports whether anything changed.
//
// An existing key is replaced by the incoming entry (last write by arrival).
// New keys are inserted after every entry with an equal or older timestamp.
// A timestamp that was defaulted to ingestion time never replaces the one
// already held for that key. A synthetic live entry and a store keyed entry
// with the same timestamp and the same content are one reading and end up
// under the store key, whichever arrives first. Afterwards the oldest entries
// beyond the window are dropped.
func (t *Timeline) Merge(batch []Entry) bool {
	changed := false
	for _, e := range batch {
		if t.upsert(e) {
			changed = true
		}
	}
	if over := len(t.entries) - t.window; over > 0 {
		t.entries = slices.Delete(t.entries, 0, over)
		changed = true
	}
	return changed
}

func (t *Timeline) upsert(e Entry) bool {
	i := slices.IndexFunc(t.entries, func(x Entry) bool { return x.Key == e.Key })
	if i < 0 {
		if j := t.counterpart(e); j >= 0 {
			if e.Synthetic {
				return false
			}
			t.entries[j] = e
			return true
		}
		t.insert(e)
		return true
	}

	old := t.entries[i]
	if e.Record != nil && e.Record.TimestampDefaulted() {
		e.Timestamp = old.Timestamp
		e.Record = withTime(e.Record, old.Timestamp)
	}
	if sameEntry(old, e) {
		return false
	}
	if old.Timestamp.Equal(e.Timestamp) {
		t.entries[i] = e
		return true
	}
	t.entries = slices.Delete(t.entries, i, i+1)
	t.insert(e)
	return true
}

// counterpart finds the same reading held under the other kind of identity:
// a store key for a synthetic entry, a synthetic key for a store keyed one
func (t *Timeline) counterpart(e Entry) int {
	if e.Record == nil || e.Record.TimestampDefaulted() {
		return -1
	}
	return slices.IndexFunc(t.entries, func(x Entry) bool {
		return x.Synthetic != e.Synthetic &&
			x.Timestamp.Equal(e.Timestamp) &&
			x.Record != nil && !x.Record.TimestampDefaulted() &&
			sameRecord(x.Record, e.Record)
	})
}

func (t *Timeline) insert(e Entry) {
	pos := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Timestamp.After(e.Timestamp)
	})
	t.entries = slices.Insert(t.entries, pos, e)
}

func (t *Timeline) Len() int { return len(t.entries) }

// Current is the newest entry; among equal timestamps the latest arrival
func (t *Timeline) Current() (Entry, bool) {
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// Entries returns a copy, oldest first
func (t *Timeline) Entries() []Entry {
	return slices.Clone(t.entries)
}

// View is an immutable copy of a device stream handed to consumers
type View struct {
	DeviceID  string    `json:"deviceId"`
	Stream    Stream    `json:"stream"`
	Entries   []Entry   `json:"entries"`
	Current   *Entry    `json:"current"`
	Stale     bool      `json:"stale"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Locations returns the location samples of the view in order
func (v View) Locations() []*events.LocationSample {
	var out []*events.LocationSample
	for _, e := range v.Entries {
		if s, ok := e.Record.(*events.LocationSample); ok {
			out = append(out, s)
		}
	}
	return out
}

// Points returns the positions of every sample with a real fix
func (v View) Points() []metrics.Point {
	var out []metrics.Point
	for _, s := range v.Locations() {
		if s.HasFix() {
			out = append(out, metrics.FromSample(s))
		}
	}
	return out
}

func sameEntry(a, b Entry) bool {
	if a.Key != b.Key || !a.Timestamp.Equal(b.Timestamp) || a.Source != b.Source || a.Synthetic != b.Synthetic {
		return false
	}
	return sameRecord(a.Record, b.Record)
}

// sameRecord compares the content of two records regardless of their timestamp
func sameRecord(a, b events.Event) bool {
	return reflect.DeepEqual(withTime(a, time.Time{}), withTime(b, time.Time{}))
}

func withTime(ev events.Event, ts time.Time) events.Event {
	switch v := ev.(type) {
	case *events.LocationSample:
		c := *v
		c.Timestamp = ts
		return &c
	case *events.MotionEvent:
		c := *v
		c.Timestamp = ts
		return &c
	case *events.AlertEvent:
		c := *v
		c.Timestamp = ts
		return &c
	}
	return ev
}

// syntheticKey derives an identity for records the store gave no key.
// Device timestamps give `t{unixMillis}-{n}`, n counting earlier records of
// the same delivery with that timestamp. Records stamped with ingestion time
// are keyed by a fingerprint of their payload so re-deliveries collapse.
func syntheticKey(ev events.Event, payload any, seen map[int64]int) string {
	if ev.TimestampDefaulted() {
		return fingerprint(payload)
	}
	ms := ev.Time().UnixMilli()
	n := seen[ms]
	seen[ms] = n + 1
	return fmt.Sprintf("t%d-%d", ms, n)
}

func fingerprint(payload any) string {
	h := fnv.New64a()
	raw, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintf(h, "%#v", payload)
	} else {
		h.Write(raw)
	}
	return fmt.Sprintf("h%016x", h.Sum64())
}
