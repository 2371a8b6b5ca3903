package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture(t *testing.T) *MQTT {
	cfg := MQTTConfig{
		// free to use, see https://test.mosquitto.org/
		ServerURL: "mqtt://test.mosquitto.org:1883",
		// 1883/8883 is unauthenticated
		Username:       "",
		Password:       "",
		KeepAlive:      60,
		RequestTimeout: 2 * time.Second,
	}
	return NewMQTT(cfg)
}

func TestRouteSingleValue(t *testing.T) {
	// arrange
	c := fixture(t)
	var rec recorder
	defer c.Subscribe(MotionLastPath("c1"), Query{}, rec.data, rec.err)()

	// act
	c.route(&paho.Publish{Topic: MotionLastPath("c1"), Payload: []byte(`{"status":"MOTION","timestamp":100}`)})
	c.route(&paho.Publish{Topic: MotionLastPath("c2"), Payload: []byte(`{"status":"MOTION","timestamp":100}`)})
	c.route(&paho.Publish{Topic: MotionLastPath("c1"), Payload: nil})

	// assert
	require.Len(t, rec.snaps, 2)
	assert.True(t, rec.snaps[0].Exists)
	assert.Equal(t, "MOTION", rec.snaps[0].Value.(map[string]any)["status"])
	assert.False(t, rec.snaps[1].Exists, "empty retained payload clears the value")
}

func TestRouteListChildren(t *testing.T) {
	c := fixture(t)
	var rec recorder
	defer c.Subscribe(LocationsPath("c1"), Query{OrderKey: "timestamp", Limit: 2}, rec.data, rec.err)()

	c.route(&paho.Publish{Topic: LocationsPath("c1") + "/k1", Payload: []byte(`{"lat":1,"lng":1,"timestamp":10}`)})
	c.route(&paho.Publish{Topic: LocationsPath("c1") + "/k2", Payload: []byte(`{"lat":2,"lng":2,"timestamp":20}`)})
	c.route(&paho.Publish{Topic: LocationsPath("c1") + "/k3", Payload: []byte(`{"lat":3,"lng":3,"timestamp":30}`)})
	c.route(&paho.Publish{Topic: LocationsPath("c1") + "/k3", Payload: []byte{}})

	require.Len(t, rec.snaps, 4)
	assert.Equal(t, []string{"k2", "k3"}, keys(rec.snaps[2].Children))
	assert.Equal(t, []string{"k1", "k2"}, keys(rec.snaps[3].Children))
}

type topicCall struct {
	unsubscribe bool
	topic       string
}

// fakeTopics records subscription changes in the order the broker sees them
type fakeTopics struct {
	mu         sync.Mutex
	calls      []topicCall
	subscribed map[string]bool
	failWith   error
}

func (f *fakeTopics) Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range s.Subscriptions {
		f.calls = append(f.calls, topicCall{topic: o.Topic})
		if f.failWith == nil {
			f.subscribed[o.Topic] = true
		}
	}
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &paho.Suback{}, nil
}

func (f *fakeTopics) Unsubscribe(ctx context.Context, u *paho.Unsubscribe) (*paho.Unsuback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range u.Topics {
		f.calls = append(f.calls, topicCall{unsubscribe: true, topic: topic})
		delete(f.subscribed, topic)
	}
	return &paho.Unsuback{}, nil
}

// connectedFixture is a client that believes it is connected and applies
// topic changes only when the test calls drain
func connectedFixture(t *testing.T) (*MQTT, *fakeTopics) {
	c := fixture(t)
	fake := &fakeTopics{subscribed: map[string]bool{}}
	c.topics = fake
	c.isConnected.Store(true)
	hold(c)
	return c, fake
}

func hold(c *MQTT) {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
}

func flush(c *MQTT) {
	c.drain()
	hold(c)
}

func TestTopicSubscribedAgainAfterQuickSwitchBack(t *testing.T) {
	// arrange
	c, fake := connectedFixture(t)
	topic := LocationsPath("c1") + "/+"
	first := c.Subscribe(LocationsPath("c1"), Query{Limit: 5}, nil, nil)
	flush(c)

	// act: the old subscription is closed and a new one opened before the
	// broker saw either change
	first()
	second := c.Subscribe(LocationsPath("c1"), Query{Limit: 5}, nil, nil)
	defer second()
	flush(c)

	// assert
	assert.Equal(t, []topicCall{{topic: topic}, {topic: topic}}, fake.calls)
	assert.True(t, fake.subscribed[topic])
}

func TestTopicUnsubscribedWhenLastUserLeaves(t *testing.T) {
	c, fake := connectedFixture(t)
	topic := MotionLastPath("c1")
	a := c.Subscribe(topic, Query{}, nil, nil)
	b := c.Subscribe(topic, Query{}, nil, nil)
	flush(c)

	a()
	flush(c)
	assert.True(t, fake.subscribed[topic], "still used by b")

	b()
	b()
	flush(c)
	assert.False(t, fake.subscribed[topic])
	assert.Equal(t, topicCall{unsubscribe: true, topic: topic}, fake.calls[len(fake.calls)-1])
	assert.Len(t, fake.calls, 3)
}

func TestTopicSubscribeFailureIsReported(t *testing.T) {
	c, fake := connectedFixture(t)
	fake.failWith = assert.AnError
	var rec recorder
	defer c.Subscribe(AlertsPath("c1"), Query{Limit: 5}, rec.data, rec.err)()

	flush(c)

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], assert.AnError)
}

func TestRouteNonJSONPayload(t *testing.T) {
	c := fixture(t)
	var rec recorder
	defer c.Subscribe(MotionLastPath("c1"), Query{}, rec.data, rec.err)()

	c.route(&paho.Publish{Topic: MotionLastPath("c1"), Payload: []byte("garbage")})

	require.Len(t, rec.snaps, 1)
	assert.Equal(t, "garbage", rec.snaps[0].Value)
}

func TestConnectionLostReportsErrors(t *testing.T) {
	c := fixture(t)
	var data, conn recorder
	defer c.Subscribe(AlertsPath("c1"), Query{Limit: 5}, data.data, data.err)()
	c.isConnected.Store(true)
	defer c.Subscribe(ConnectivityPath, Query{}, conn.data, conn.err)()

	c.connectionLost(assert.AnError)
	c.connectionLost(assert.AnError)

	require.Len(t, data.errs, 1, "one report per outage")
	assert.ErrorIs(t, data.errs[0], ErrDisconnected)
	assert.ErrorIs(t, data.errs[0], assert.AnError)
	assert.Equal(t, []any{true, false}, []any{conn.snaps[0].Value, conn.snaps[1].Value})
}

func TestRouteHistoryResponse(t *testing.T) {
	c := fixture(t)
	ch := make(chan *events.HistoryResponse, 1)
	c.pending["7"] = ch
	payload, err := json.Marshal(events.HistoryResponse{Records: map[string]events.Record{"k1": {"timestamp": 1}}})
	require.NoError(t, err)

	c.route(&paho.Publish{Topic: historyResponseTopic + "7", Payload: payload})

	resp := <-ch
	assert.Equal(t, "7", resp.Id)
	assert.Contains(t, resp.Records, "k1")
}

func TestFetchLastWhileDisconnected(t *testing.T) {
	c := fixture(t)

	_, err := c.FetchLast(context.Background(), LocationsPath("c1"), "", 5)

	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MQTT connection test")
	}

	c := fixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.isConnected.Load(), "MQTT should be connected")
	c.Disconnect(ctx)
	assert.False(t, c.isConnected.Load(), "MQTT should be disconnected")
}

func TestRetainedRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MQTT integration test")
	}

	c := fixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect(ctx)

	// unique path so other users of the public broker do not interfere
	path := MotionLastPath("wildlife-test-" + time.Now().Format("150405.000000"))
	received := make(chan Snapshot, 4)
	defer c.Subscribe(path, Query{}, func(s Snapshot) { received <- s }, nil)()
	time.Sleep(500 * time.Millisecond)

	require.NoError(t, c.Set(ctx, path, events.Record{"status": "MOTION", "timestamp": 100}))

	select {
	case snap := <-received:
		assert.True(t, snap.Exists)
		assert.Equal(t, "MOTION", snap.Value.(map[string]any)["status"])
	case <-ctx.Done():
		t.Fatal("retained value was not delivered")
	}
}
