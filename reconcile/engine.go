package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/gwc-sys/wildlife-tracking-Client-side/stats"
	"github.com/gwc-sys/wildlife-tracking-Client-side/store"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed        = errors.New("reconcile: engine closed")
	ErrUnknownDevice = errors.New("reconcile: unknown device")
	ErrUnknownStream = errors.New("reconcile: unknown stream")
)

// Stream names one reconciled feed of a device
type Stream string

const (
	StreamLocations Stream = "locations"
	StreamMotion    Stream = "motion"
	StreamAlerts    Stream = "alerts"
)

// StreamSpec binds a stream to its store paths
type StreamSpec struct {
	Stream Stream
	Kind   events.Kind
	// LivePath is the "last known value" path; nil when the stream has none
	LivePath func(deviceID string) string
	// HistoryPath is the last-N list path
	HistoryPath func(deviceID string) string
}

var DefaultStreams = []StreamSpec{
	{Stream: StreamLocations, Kind: events.KindLocation, HistoryPath: store.LocationsPath},
	{Stream: StreamMotion, Kind: events.KindMotion, LivePath: store.MotionLastPath, HistoryPath: store.MotionHistoryPath},
	{Stream: StreamAlerts, Kind: events.KindAlert, HistoryPath: store.AlertsPath},
}

// Config tunes the engine; zero values take the defaults
type Config struct {
	Window       int           // entries kept per timeline
	HistoryLimit int           // children requested from history paths, defaults to Window
	OrderKey     string        // history ordering field
	Streams      []StreamSpec  // defaults to DefaultStreams
	InboxSize    int           // per device mailbox
	RetryInitial time.Duration // first backfill retry delay after a transport error
	RetryMax     time.Duration // backoff cap
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = c.Window
	}
	if c.OrderKey == "" {
		c.OrderKey = store.DefaultOrderKey
	}
	if len(c.Streams) == 0 {
		c.Streams = DefaultStreams
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.RetryMax < c.RetryInitial {
		c.RetryMax = 30 * time.Second
	}
	return c
}

// Engine reconciles the live and history feeds of every tracked device.
//
// Each device is owned by one actor goroutine; store callbacks only post
// messages to its mailbox, so a device's timelines have a single writer and
// merging never waits on I/O. One device's failures never touch another's.
type Engine struct {
	adapter    store.Adapter
	consumer   Consumer
	normalizer *events.Normalizer
	cfg        Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	online atomic.Bool

	mu        sync.Mutex
	devices   map[string]*device
	subs      map[*Subscription]struct{}
	connUnsub func()
}

func NewEngine(adapter store.Adapter, consumer Consumer, normalizer *events.Normalizer, cfg Config) *Engine {
	if consumer == nil {
		consumer = Consumers{}
	}
	if normalizer == nil {
		normalizer = events.NewNormalizer(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		adapter:    adapter,
		consumer:   consumer,
		normalizer: normalizer,
		cfg:        cfg.withDefaults(),
		ctx:        ctx,
		cancel:     cancel,
		devices:    make(map[string]*device),
		subs:       make(map[*Subscription]struct{}),
	}
	e.online.Store(true)
	e.connUnsub = adapter.Subscribe(store.ConnectivityPath, store.Query{}, e.onConnectivity, nil)
	return e
}

// Close cancels every subscription and stops all actors
func (e *Engine) Close() {
	e.mu.Lock()
	subs := make([]*Subscription, 0, len(e.subs))
	for s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	if e.connUnsub != nil {
		e.connUnsub()
	}
	e.cancel()
	e.wg.Wait()
}

// Online reports the last connectivity value seen from the store
func (e *Engine) Online() bool { return e.online.Load() }

// Devices lists every device seen so far
func (e *Engine) Devices() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.devices))
	for id := range e.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Streams lists the configured streams
func (e *Engine) Streams() []Stream {
	out := make([]Stream, len(e.cfg.Streams))
	for i, s := range e.cfg.Streams {
		out[i] = s.Stream
	}
	return out
}

// Track subscribes to every stream of the device. Closing the returned
// subscription unsubscribes all of them.
func (e *Engine) Track(deviceID string) (*Subscription, error) {
	d, err := e.device(deviceID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(e.ctx)
	sub := &Subscription{engine: e, deviceID: deviceID, ctx: ctx, cancel: cancel}
	e.mu.Lock()
	e.subs[sub] = struct{}{}
	e.mu.Unlock()

	history := store.Query{OrderKey: e.cfg.OrderKey, Limit: e.cfg.HistoryLimit}
	for _, spec := range e.cfg.Streams {
		if spec.LivePath != nil {
			u := e.adapter.Subscribe(spec.LivePath(deviceID), store.Query{},
				e.onData(d, sub, spec, SourceLive), e.onError(d, sub, spec, SourceLive))
			sub.add(u)
		}
		if spec.HistoryPath != nil {
			u := e.adapter.Subscribe(spec.HistoryPath(deviceID), history,
				e.onData(d, sub, spec, SourceHistory), e.onError(d, sub, spec, SourceHistory))
			sub.add(u)
		}
	}
	log.Info().Str("device", deviceID).Msgf("Tracking %d streams", len(e.cfg.Streams))
	return sub, nil
}

// Timeline returns a copy of one device stream
func (e *Engine) Timeline(ctx context.Context, deviceID string, stream Stream) (View, error) {
	if _, ok := e.spec(stream); !ok {
		return View{}, fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	e.mu.Lock()
	d, ok := e.devices[deviceID]
	e.mu.Unlock()
	if !ok {
		return View{DeviceID: deviceID, Stream: stream}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	reply := make(chan View, 1)
	if err := e.post(ctx, d, viewMsg{stream: stream, reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-e.ctx.Done():
		return View{}, ErrClosed
	}
}

// Backfill fetches the last records of a stream's history path and merges
// them as history. The device is created if it was never seen.
func (e *Engine) Backfill(ctx context.Context, deviceID string, stream Stream) error {
	spec, ok := e.spec(stream)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	d, err := e.device(deviceID)
	if err != nil {
		return err
	}

	path := spec.HistoryPath(deviceID)
	children, err := e.adapter.FetchLast(ctx, path, e.cfg.OrderKey, e.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("backfill %s: %w", path, err)
	}
	return e.post(ctx, d, snapshotMsg{
		spec:   spec,
		source: SourceHistory,
		snap:   store.Snapshot{Path: path, Exists: len(children) > 0, Children: children},
	})
}

func (e *Engine) spec(stream Stream) (StreamSpec, bool) {
	for _, s := range e.cfg.Streams {
		if s.Stream == stream {
			return s, true
		}
	}
	return StreamSpec{}, false
}

// device returns the actor for id, starting it on first sighting
func (e *Engine) device(id string) (*device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if d, ok := e.devices[id]; ok {
		return d, nil
	}

	d := &device{
		id:        id,
		inbox:     make(chan message, e.cfg.InboxSize),
		timelines: make(map[Stream]*Timeline),
		updated:   make(map[Stream]time.Time),
		retrying:  make(map[Stream]bool),
		stale:     !e.online.Load(),
	}
	for _, s := range e.cfg.Streams {
		d.timelines[s.Stream] = NewTimeline(e.cfg.Window)
	}
	e.devices[id] = d

	e.wg.Add(1)
	go e.run(d)
	log.Debug().Str("device", id).Msg("Device actor started")
	return d, nil
}

// post enqueues a message, giving up when ctx or the engine is done
func (e *Engine) post(ctx context.Context, d *device, msg message) error {
	select {
	case d.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}

func (e *Engine) onData(d *device, sub *Subscription, spec StreamSpec, source Source) store.DataFunc {
	return func(snap store.Snapshot) {
		if sub.Closed() {
			return
		}
		_ = e.post(sub.ctx, d, snapshotMsg{sub: sub, spec: spec, source: source, snap: snap})
	}
}

func (e *Engine) onError(d *device, sub *Subscription, spec StreamSpec, source Source) store.ErrorFunc {
	return func(err error) {
		if sub.Closed() {
			return
		}
		_ = e.post(sub.ctx, d, transportMsg{sub: sub, spec: spec, source: source, err: err})
	}
}

func (e *Engine) onConnectivity(snap store.Snapshot) {
	online, _ := snap.Value.(bool)
	if e.online.Swap(online) == online {
		return
	}
	if online {
		log.Info().Msg("Store connectivity restored")
	} else {
		log.Warn().Msg("Store connectivity lost")
	}

	e.mu.Lock()
	devices := make([]*device, 0, len(e.devices))
	for _, d := range e.devices {
		devices = append(devices, d)
	}
	e.mu.Unlock()
	for _, d := range devices {
		_ = e.post(e.ctx, d, connectivityMsg{online: online})
	}
}

// retryBackfill re-reads a stream's history with exponential backoff until it
// succeeds or the subscription ends
func (e *Engine) retryBackfill(d *device, sub *Subscription, spec StreamSpec) {
	defer e.wg.Done()
	defer func() { _ = e.post(e.ctx, d, retryDoneMsg{stream: spec.Stream}) }()

	path := spec.HistoryPath(d.id)
	delay := e.cfg.RetryInitial
	for attempt := 1; ; attempt++ {
		select {
		case <-sub.ctx.Done():
			return
		case <-time.After(delay):
		}

		stats.BackfillRetries.Add(1)
		children, err := e.adapter.FetchLast(sub.ctx, path, e.cfg.OrderKey, e.cfg.HistoryLimit)
		if err == nil {
			log.Info().Str("device", d.id).Msgf("Backfilled %s after %d attempts", path, attempt)
			_ = e.post(sub.ctx, d, snapshotMsg{
				sub:    sub,
				spec:   spec,
				source: SourceHistory,
				snap:   store.Snapshot{Path: path, Exists: len(children) > 0, Children: children},
			})
			return
		}
		if sub.Closed() {
			return
		}
		log.Warn().Str("device", d.id).Msgf("Backfill attempt %d for %s failed: %s", attempt, path, err)
		delay = min(delay*2, e.cfg.RetryMax)
	}
}

// Subscription is the set of store subscriptions of one tracked device
type Subscription struct {
	engine   *Engine
	deviceID string
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	unsubs []func()
	once   sync.Once
}

func (s *Subscription) Device() string { return s.deviceID }

// Closed reports whether Close was called
func (s *Subscription) Closed() bool { return s.ctx.Err() != nil }

func (s *Subscription) add(unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed() {
		unsubscribe()
		return
	}
	s.unsubs = append(s.unsubs, unsubscribe)
}

// Close unsubscribes from the store. Once it returns, nothing delivered
// through this subscription reaches a timeline any more.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		unsubs := s.unsubs
		s.unsubs = nil
		s.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		s.engine.mu.Lock()
		delete(s.engine.subs, s)
		s.engine.mu.Unlock()
		log.Debug().Str("device", s.deviceID).Msg("Subscription closed")
	})
}
