package store

import (
	"context"
	"errors"
	"testing"

	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	snaps []Snapshot
	errs  []error
}

func (r *recorder) data(s Snapshot) { r.snaps = append(r.snaps, s) }
func (r *recorder) err(e error) { r.errs = append(r.errs, e) }

func (r *recorder) last() Snapshot { return r.snaps[len(r.snaps)-1] }

func TestMemorySubscribeDeliversCurrentValue(t *testing.T) {
	// arrange
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, MotionLastPath("c1"), events.Record{"status": "idle", "timestamp": 1}))

	// act
	var rec recorder
	unsubscribe := m.Subscribe(MotionLastPath("c1"), Query{}, rec.data, rec.err)
	defer unsubscribe()

	// assert
	require.Len(t, rec.snaps, 1)
	assert.True(t, rec.snaps[0].Exists)
	assert.Equal(t, "idle", rec.snaps[0].Value.(events.Record)["status"])
}

func TestMemoryMissingValue(t *testing.T) {
	m := NewMemory()
	var rec recorder

	unsubscribe := m.Subscribe(MotionLastPath("nobody"), Query{}, rec.data, rec.err)
	defer unsubscribe()

	require.Len(t, rec.snaps, 1)
	assert.False(t, rec.snaps[0].Exists)
}

func TestMemoryListSubscription(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var rec recorder
	unsubscribe := m.Subscribe(LocationsPath("c1"), Query{OrderKey: "timestamp", Limit: 2}, rec.data, rec.err)

	_, err := m.Push(ctx, LocationsPath("c1"), "k1", events.Record{"timestamp": 10})
	require.NoError(t, err)
	_, err = m.Push(ctx, LocationsPath("c1"), "k3", events.Record{"timestamp": 30})
	require.NoError(t, err)
	generated, err := m.Push(ctx, LocationsPath("c1"), "", events.Record{"timestamp": 20})
	require.NoError(t, err)
	assert.NotEmpty(t, generated)

	require.Len(t, rec.snaps, 4)
	assert.Equal(t, []string{generated, "k3"}, keys(rec.last().Children), "full last-2 value on every change")

	unsubscribe()
	unsubscribe()
	_, err = m.Push(ctx, LocationsPath("c1"), "k4", events.Record{"timestamp": 40})
	require.NoError(t, err)
	assert.Len(t, rec.snaps, 4, "no deliveries after unsubscribe")
}

func TestMemoryDisconnectAndReconnect(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var data, conn recorder
	defer m.Subscribe(AlertsPath("c1"), Query{Limit: 10}, data.data, data.err)()
	defer m.Subscribe(ConnectivityPath, Query{}, conn.data, conn.err)()
	require.Len(t, conn.snaps, 1)
	assert.Equal(t, true, conn.last().Value)

	// act
	m.Disconnect()
	_, err := m.Push(ctx, AlertsPath("c1"), "a1", events.Record{"type": "intrusion", "timestamp": 5})
	require.NoError(t, err)
	_, fetchErr := m.FetchLast(ctx, AlertsPath("c1"), "", 10)
	m.Reconnect()

	// assert
	require.Len(t, data.errs, 1)
	assert.True(t, errors.Is(data.errs[0], ErrDisconnected))
	assert.True(t, errors.Is(fetchErr, ErrDisconnected))
	assert.Equal(t, []any{true, false, true}, []any{conn.snaps[0].Value, conn.snaps[1].Value, conn.snaps[2].Value})
	assert.Equal(t, []string{"a1"}, keys(data.last().Children), "writes made offline are re-delivered in full")
}

func TestMemoryFetchLast(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i, k := range []string{"a", "b", "c"} {
		_, err := m.Push(ctx, MotionHistoryPath("c1"), k, events.Record{"timestamp": i})
		require.NoError(t, err)
	}

	children, err := m.FetchLast(ctx, MotionHistoryPath("c1"), "timestamp", 2)

	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys(children))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.FetchLast(canceled, MotionHistoryPath("c1"), "timestamp", 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryRemove(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var rec recorder
	defer m.Subscribe(LocationsPath("c1"), Query{Limit: 5}, rec.data, rec.err)()
	_, err := m.Push(ctx, LocationsPath("c1"), "k1", events.Record{"timestamp": 1})
	require.NoError(t, err)

	m.Remove(LocationsPath("c1"), "k1")

	assert.False(t, rec.last().Exists)
	assert.Empty(t, rec.last().Children)
}
