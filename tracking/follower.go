package tracking

import (
	"errors"

	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/gwc-sys/wildlife-tracking-Client-side/metrics"
	"github.com/gwc-sys/wildlife-tracking-Client-side/reconcile"
	"github.com/rs/zerolog/log"
)

// Follower feeds the current location of every device into its running
// session. The device id is the session context.
type Follower struct {
	Manager *Manager
}

func (f Follower) OnTimelineChange(string, reconcile.Stream, reconcile.View) {}

func (f Follower) OnError(string, reconcile.ErrorKind, error) {}

func (f Follower) OnCurrentChange(deviceID string, stream reconcile.Stream, current *reconcile.Entry) {
	if stream != reconcile.StreamLocations || current == nil {
		return
	}
	s, ok := current.Record.(*events.LocationSample)
	if !ok || !s.HasFix() {
		return
	}

	appended, err := f.Manager.OnNewLocation(deviceID, metrics.FromSample(s))
	if err != nil {
		if !errors.Is(err, ErrNotTracking) {
			log.Warn().Err(err).Str("device", deviceID).Msg("Dropped tracking point")
		}
		return
	}
	if appended {
		log.Debug().Str("device", deviceID).Msgf("Tracking point %.5f,%.5f", s.Latitude, s.Longitude)
	}
}
