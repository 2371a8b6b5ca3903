package reconcile

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Watcher keeps exactly one device tracked at a time
type Watcher struct {
	engine *Engine

	mu      sync.Mutex
	current *Subscription
}

func NewWatcher(engine *Engine) *Watcher {
	return &Watcher{engine: engine}
}

// Switch closes every subscription of the observed device before subscribing
// to deviceID, so no update of the old device lands after Switch returns.
// Switching to the device already observed is a no-op.
func (w *Watcher) Switch(deviceID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current != nil {
		if w.current.Device() == deviceID && !w.current.Closed() {
			return nil
		}
		log.Info().Msgf("Switching observed device %s -> %s", w.current.Device(), deviceID)
		w.current.Close()
		w.current = nil
	}

	sub, err := w.engine.Track(deviceID)
	if err != nil {
		return err
	}
	w.current = sub
	return nil
}

// Current returns the observed device, empty when none
func (w *Watcher) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ""
	}
	return w.current.Device()
}

func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		w.current.Close()
		w.current = nil
	}
}
