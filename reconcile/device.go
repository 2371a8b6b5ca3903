package reconcile

import (
	"fmt"
	"time"

	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/gwc-sys/wildlife-tracking-Client-side/stats"
	"github.com/gwc-sys/wildlife-tracking-Client-side/store"
	"github.com/rs/zerolog/log"
)

// message is anything a device actor accepts in its inbox
type message interface{ isMessage() }

type snapshotMsg struct {
	sub    *Subscription // nil for explicit backfills
	spec   StreamSpec
	source Source
	snap   store.Snapshot
}

type transportMsg struct {
	sub    *Subscription
	spec   StreamSpec
	source Source
	err    error
}

type connectivityMsg struct {
	online bool
}

type viewMsg struct {
	stream Stream
	reply  chan<- View
}

type retryDoneMsg struct {
	stream Stream
}

func (snapshotMsg) isMessage()     {}
func (transportMsg) isMessage()    {}
func (connectivityMsg) isMessage() {}
func (viewMsg) isMessage()         {}
func (retryDoneMsg) isMessage()    {}

// device is the state owned by one actor goroutine
type device struct {
	id        string
	inbox     chan message
	timelines map[Stream]*Timeline
	updated   map[Stream]time.Time
	retrying  map[Stream]bool
	stale     bool
}

func (e *Engine) run(d *device) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case msg := <-d.inbox:
			e.handle(d, msg)
		}
	}
}

func (e *Engine) handle(d *device, msg message) {
	switch m := msg.(type) {
	case snapshotMsg:
		if m.sub != nil && m.sub.Closed() {
			stats.StaleDrops.Add(1)
			return
		}
		e.applySnapshot(d, m)
	case transportMsg:
		if m.sub.Closed() {
			stats.StaleDrops.Add(1)
			return
		}
		e.applyTransportError(d, m)
	case connectivityMsg:
		e.setStale(d, !m.online)
	case viewMsg:
		m.reply <- d.view(m.stream)
	case retryDoneMsg:
		delete(d.retrying, m.stream)
	}
}

func (e *Engine) applySnapshot(d *device, m snapshotMsg) {
	stats.SnapshotsReceived.Add(1)
	e.setStale(d, !e.online.Load())

	payloads := snapshotPayloads(m.snap)
	if len(payloads) == 0 {
		stats.SnapshotsEmpty.Add(1)
		e.consumer.OnError(d.id, NoData, nil)
		return
	}

	var (
		batch     = make([]Entry, 0, len(payloads))
		seen      = make(map[int64]int)
		malformed int
		ambiguous int
	)
	for _, p := range payloads {
		ev := e.normalizer.Normalize(m.spec.Kind, d.id, p.value)
		if ev == nil {
			stats.RecordsRejected.Add(1)
			malformed++
			continue
		}
		stats.RecordsNormalized.Add(1)
		if ev.Defaulted() {
			stats.RecordsDefaulted.Add(1)
			malformed++
		}
		if unitAmbiguous(ev) {
			stats.AmbiguousTimestamps.Add(1)
			ambiguous++
		}

		entry := Entry{Key: p.key, Timestamp: ev.Time(), Source: m.source, Record: ev}
		if entry.Key == "" {
			entry.Key = syntheticKey(ev, p.value, seen)
			entry.Synthetic = true
		}
		batch = append(batch, entry)
	}

	tl := d.timelines[m.spec.Stream]
	before, hadBefore := tl.Current()
	if tl.Merge(batch) {
		d.updated[m.spec.Stream] = time.Now()
		e.consumer.OnTimelineChange(d.id, m.spec.Stream, d.view(m.spec.Stream))

		after, hasAfter := tl.Current()
		if hadBefore != hasAfter || !sameEntry(before, after) {
			var cur *Entry
			if hasAfter {
				cur = &after
			}
			e.consumer.OnCurrentChange(d.id, m.spec.Stream, cur)
		}
	}

	if malformed > 0 {
		e.consumer.OnError(d.id, MalformedRecord,
			fmt.Errorf("%d of %d records at %s were rejected or defaulted", malformed, len(payloads), m.snap.Path))
	}
	if ambiguous > 0 {
		e.consumer.OnError(d.id, AmbiguousTimestampUnit,
			fmt.Errorf("%d records at %s have a timestamp of uncertain unit", ambiguous, m.snap.Path))
	}
}

func (e *Engine) applyTransportError(d *device, m transportMsg) {
	stats.TransportErrors.Add(1)
	log.Warn().Str("device", d.id).Str("stream", string(m.spec.Stream)).
		Msgf("%s feed failed: %s", m.source, m.err)
	e.setStale(d, true)
	e.consumer.OnError(d.id, TransportError, m.err)

	if m.spec.HistoryPath == nil || d.retrying[m.spec.Stream] {
		return
	}
	d.retrying[m.spec.Stream] = true
	e.wg.Add(1)
	go e.retryBackfill(d, m.sub, m.spec)
}

// setStale flips the stale flag and republishes every non-empty stream
func (e *Engine) setStale(d *device, stale bool) {
	if d.stale == stale {
		return
	}
	d.stale = stale
	for _, spec := range e.cfg.Streams {
		if d.timelines[spec.Stream].Len() == 0 {
			continue
		}
		e.consumer.OnTimelineChange(d.id, spec.Stream, d.view(spec.Stream))
	}
}

func (d *device) view(stream Stream) View {
	v := View{DeviceID: d.id, Stream: stream, Stale: d.stale, UpdatedAt: d.updated[stream]}
	tl, ok := d.timelines[stream]
	if !ok {
		return v
	}
	v.Entries = tl.Entries()
	if cur, ok := tl.Current(); ok {
		v.Current = &cur
	}
	return v
}

type payload struct {
	key   string
	value any
}

// snapshotPayloads flattens a snapshot; a missing path and a null value are
// both "nothing to merge"
func snapshotPayloads(snap store.Snapshot) []payload {
	if !snap.Exists {
		return nil
	}
	if len(snap.Children) > 0 {
		out := make([]payload, 0, len(snap.Children))
		for _, c := range snap.Children {
			if c.Value == nil {
				continue
			}
			out = append(out, payload{key: c.Key, value: c.Value})
		}
		return out
	}
	if snap.Value == nil {
		return nil
	}
	return []payload{{value: snap.Value}}
}

func unitAmbiguous(ev events.Event) bool {
	switch v := ev.(type) {
	case *events.LocationSample:
		return v.UnitAmbiguous
	case *events.MotionEvent:
		return v.UnitAmbiguous
	case *events.AlertEvent:
		return v.UnitAmbiguous
	}
	return false
}
