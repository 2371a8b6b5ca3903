package reconcile

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrorKind classifies what went wrong for one device. None of them is fatal.
type ErrorKind int

const (
	// TransportError means the store is unreachable; the engine retries and
	// marks the device stale meanwhile
	TransportError ErrorKind = iota
	// MalformedRecord is reported when payloads were rejected or defaulted
	MalformedRecord
	// AmbiguousTimestampUnit is reported when the unit heuristic was unsure
	AmbiguousTimestampUnit
	// NoData is a delivery without records. It is a valid state, not a failure.
	NoData
)

func (k ErrorKind) String() string {
	switch k {
	case TransportError:
		return "TransportError"
	case MalformedRecord:
		return "MalformedRecord"
	case AmbiguousTimestampUnit:
		return "AmbiguousTimestampUnit"
	case NoData:
		return "NoData"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Consumer receives reconciled state. Callbacks run on the device's actor
// goroutine: they must not block and must not query the engine for the same
// device.
type Consumer interface {
	OnTimelineChange(deviceID string, stream Stream, view View)
	// current is nil when the stream has no entries
	OnCurrentChange(deviceID string, stream Stream, current *Entry)
	// err carries detail and may be nil, e.g. for NoData
	OnError(deviceID string, kind ErrorKind, err error)
}

// Consumers fans every callback out to each consumer in order
type Consumers []Consumer

func (cs Consumers) OnTimelineChange(deviceID string, stream Stream, view View) {
	for _, c := range cs {
		c.OnTimelineChange(deviceID, stream, view)
	}
}

func (cs Consumers) OnCurrentChange(deviceID string, stream Stream, current *Entry) {
	for _, c := range cs {
		c.OnCurrentChange(deviceID, stream, current)
	}
}

func (cs Consumers) OnError(deviceID string, kind ErrorKind, err error) {
	for _, c := range cs {
		c.OnError(deviceID, kind, err)
	}
}

// LogConsumer writes every callback to the global logger
type LogConsumer struct{}

func (LogConsumer) OnTimelineChange(deviceID string, stream Stream, view View) {
	log.Debug().Str("device", deviceID).Str("stream", string(stream)).Msgf("Timeline changed (%d entries)", len(view.Entries))
}

func (LogConsumer) OnCurrentChange(deviceID string, stream Stream, current *Entry) {
	if current == nil {
		log.Info().Str("device", deviceID).Str("stream", string(stream)).Msg("No current record")
		return
	}
	log.Info().Str("device", deviceID).Str("stream", string(stream)).
		Msgf("Current record %s at %s (%s)", current.Key, current.Timestamp.Format("2006-01-02T15:04:05Z07:00"), current.Source)
}

func (LogConsumer) OnError(deviceID string, kind ErrorKind, err error) {
	ev := log.Warn()
	if kind == NoData {
		ev = log.Debug()
	}
	ev.Str("device", deviceID).Str("kind", kind.String()).Err(err).Msg("Telemetry degraded")
}
