package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/rs/zerolog/log"
)

// Memory is an in-process store. Updates are delivered synchronously on the
// writer's goroutine. Disconnect and Reconnect simulate transport loss: writes
// made while disconnected are kept and show up in the full re-delivery.
type Memory struct {
	mu        sync.Mutex
	values    map[string]any
	lists     map[string]map[string]any
	subs      map[uint64]*memorySub
	nextSub   uint64
	pushSeq   uint64
	connected bool
}

type memorySub struct {
	path    string
	query   Query
	onData  DataFunc
	onError ErrorFunc
	closed  atomic.Bool
}

type delivery struct {
	sub  *memorySub
	snap Snapshot
	err  error
}

func NewMemory() *Memory {
	return &Memory{
		values:    make(map[string]any),
		lists:     make(map[string]map[string]any),
		subs:      make(map[uint64]*memorySub),
		connected: true,
	}
}

func (m *Memory) Subscribe(path string, q Query, onData DataFunc, onError ErrorFunc) func() {
	sub := &memorySub{path: path, query: q, onData: onData, onError: onError}

	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = sub
	d := m.deliveryLocked(sub)
	m.mu.Unlock()

	log.Debug().Msgf("Memory store subscription #%d on %s", id, path)
	dispatch([]delivery{d})

	return func() {
		if sub.closed.Swap(true) {
			return
		}
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Memory) FetchLast(ctx context.Context, path, orderKey string, limit int) ([]Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("fetch %s: %w", path, ErrDisconnected)
	}
	return LastN(m.childrenLocked(path), orderKey, limit), nil
}

func (m *Memory) Set(ctx context.Context, path string, value events.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.values[path] = value
	ds := m.notifyLocked(path)
	m.mu.Unlock()

	dispatch(ds)
	return nil
}

func (m *Memory) Push(ctx context.Context, path, key string, value events.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	if key == "" {
		m.pushSeq++
		key = fmt.Sprintf("-m%012d", m.pushSeq)
	}
	list, ok := m.lists[path]
	if !ok {
		list = make(map[string]any)
		m.lists[path] = list
	}
	list[key] = value
	ds := m.notifyLocked(path)
	m.mu.Unlock()

	dispatch(ds)
	return key, nil
}

// Remove deletes a child, or the single value when key is empty
func (m *Memory) Remove(path, key string) {
	m.mu.Lock()
	if key == "" {
		delete(m.values, path)
	} else if list, ok := m.lists[path]; ok {
		delete(list, key)
	}
	ds := m.notifyLocked(path)
	m.mu.Unlock()

	dispatch(ds)
}

func (m *Memory) Disconnect() {
	m.mu.Lock()
	m.connected = false
	var ds []delivery
	for _, sub := range m.subs {
		if sub.path == ConnectivityPath {
			ds = append(ds, m.deliveryLocked(sub))
			continue
		}
		ds = append(ds, delivery{sub: sub, err: ErrDisconnected})
	}
	m.mu.Unlock()

	log.Warn().Msg("Memory store disconnected")
	dispatch(ds)
}

func (m *Memory) Reconnect() {
	m.mu.Lock()
	m.connected = true
	ds := make([]delivery, 0, len(m.subs))
	for _, sub := range m.subs {
		ds = append(ds, m.deliveryLocked(sub))
	}
	m.mu.Unlock()

	log.Info().Msg("Memory store reconnected")
	dispatch(ds)
}

func (m *Memory) childrenLocked(path string) []Child {
	list := m.lists[path]
	children := make([]Child, 0, len(list))
	for k, v := range list {
		children = append(children, Child{Key: k, Value: v})
	}
	return children
}

func (m *Memory) deliveryLocked(sub *memorySub) delivery {
	if !m.connected && sub.path != ConnectivityPath {
		return delivery{sub: sub, err: ErrDisconnected}
	}

	snap := Snapshot{Path: sub.path}
	switch {
	case sub.path == ConnectivityPath:
		snap.Exists = true
		snap.Value = m.connected
	case sub.query.IsList():
		snap.Children = LastN(m.childrenLocked(sub.path), sub.query.OrderKey, sub.query.Limit)
		snap.Exists = len(snap.Children) > 0
	default:
		snap.Value, snap.Exists = m.values[sub.path]
	}
	return delivery{sub: sub, snap: snap}
}

func (m *Memory) notifyLocked(path string) []delivery {
	if !m.connected {
		return nil
	}
	var ds []delivery
	for _, sub := range m.subs {
		if sub.path == path {
			ds = append(ds, m.deliveryLocked(sub))
		}
	}
	return ds
}

func dispatch(ds []delivery) {
	for _, d := range ds {
		if d.sub.closed.Load() {
			continue
		}
		if d.err != nil {
			if d.sub.onError != nil {
				d.sub.onError(d.err)
			}
			continue
		}
		if d.sub.onData != nil {
			d.sub.onData(d.snap)
		}
	}
}
