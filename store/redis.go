package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type RedisConfig struct {
	Addr         string        `env:"ADDR,default=localhost:6379"`
	Password     string        `env:"PASSWORD"`
	DB           int           `env:"DB,default=0"`
	PingInterval time.Duration `env:"PING_INTERVAL,default=5s"`
}

// Redis keeps single values as JSON strings at key `path` and lists as a hash
// `path` (child key -> JSON) indexed by the sorted set `path:by:timestamp`.
// Writers publish on channel `path` after every change; subscribers re-read
// the full value on every message and whenever the subscription is
// (re)established.
type Redis struct {
	client       *redis.Client
	pingInterval time.Duration
	connected    atomic.Bool
	cancel       context.CancelFunc

	mu       sync.Mutex
	connSubs map[uint64]*redisConnSub
	nextSub  uint64
}

type redisConnSub struct {
	onData DataFunc
	closed atomic.Bool
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	interval := cfg.PingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client:       client,
		pingInterval: interval,
		cancel:       cancel,
		connSubs:     make(map[uint64]*redisConnSub),
	}
	r.connected.Store(true)
	go r.watch(watchCtx)

	return r, nil
}

func (r *Redis) Close() error {
	r.cancel()
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Subscribe(path string, q Query, onData DataFunc, onError ErrorFunc) func() {
	if path == ConnectivityPath {
		return r.subscribeConnectivity(onData)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps := r.client.Subscribe(ctx, path)
	go r.listen(ctx, ps, path, q, onData, onError)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := ps.Close(); err != nil {
				log.Debug().Msgf("Closing redis subscription %s: %s", path, err)
			}
		})
	}
}

func (r *Redis) listen(ctx context.Context, ps *redis.PubSub, path string, q Query, onData DataFunc, onError ErrorFunc) {
	backoff := 100 * time.Millisecond
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Msgf("Redis subscription %s: %s", path, err)
			if onError != nil {
				onError(fmt.Errorf("redis subscription %s: %w", path, errors.Join(ErrDisconnected, err)))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			log.Debug().Msgf("Redis subscription to %s confirmed", m.Channel)
		case *redis.Message:
		default:
			continue
		}

		snap, err := r.read(ctx, path, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if onError != nil {
				onError(err)
			}
			continue
		}
		if ctx.Err() == nil && onData != nil {
			onData(snap)
		}
	}
}

func (r *Redis) read(ctx context.Context, path string, q Query) (Snapshot, error) {
	snap := Snapshot{Path: path}
	if q.IsList() {
		children, err := r.FetchLast(ctx, path, q.OrderKey, q.Limit)
		if err != nil {
			return snap, err
		}
		snap.Children = children
		snap.Exists = len(children) > 0
		return snap, nil
	}

	raw, err := r.client.Get(ctx, path).Result()
	if err == redis.Nil {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("redis get %s: %w", path, errors.Join(ErrDisconnected, err))
	}
	snap.Value = decodeValue(raw)
	snap.Exists = true
	return snap, nil
}

func (r *Redis) FetchLast(ctx context.Context, path, orderKey string, limit int) ([]Child, error) {
	if orderKey == "" {
		orderKey = DefaultOrderKey
	}
	if orderKey != DefaultOrderKey {
		all, err := r.client.HGetAll(ctx, path).Result()
		if err != nil {
			return nil, fmt.Errorf("redis hgetall %s: %w", path, errors.Join(ErrDisconnected, err))
		}
		children := make([]Child, 0, len(all))
		for k, v := range all {
			children = append(children, Child{Key: k, Value: decodeValue(v)})
		}
		return LastN(children, orderKey, limit), nil
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	keys, err := r.client.ZRevRange(ctx, indexKey(path, orderKey), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange %s: %w", path, errors.Join(ErrDisconnected, err))
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.HMGet(ctx, path, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget %s: %w", path, errors.Join(ErrDisconnected, err))
	}

	// newest first from the index, handed out oldest first
	children := make([]Child, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		s, ok := vals[i].(string)
		if !ok {
			// index entry without a record
			continue
		}
		children = append(children, Child{Key: keys[i], Value: decodeValue(s)})
	}
	return children, nil
}

func (r *Redis) Set(ctx context.Context, path string, value events.Record) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, path, payload, 0)
	pipe.Publish(ctx, path, "set")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (r *Redis) Push(ctx context.Context, path, key string, value events.Record) (string, error) {
	if key == "" {
		key = uuid.NewString()
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s/%s: %w", path, key, err)
	}
	score := OrderValue(value, DefaultOrderKey)
	if math.IsInf(score, -1) {
		score = float64(time.Now().UnixMilli())
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, path, key, payload)
	pipe.ZAdd(ctx, indexKey(path, DefaultOrderKey), redis.Z{Score: score, Member: key})
	pipe.Publish(ctx, path, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis pipeline failed: %w", err)
	}
	return key, nil
}

func (r *Redis) subscribeConnectivity(onData DataFunc) func() {
	sub := &redisConnSub{onData: onData}
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.connSubs[id] = sub
	r.mu.Unlock()

	if onData != nil {
		onData(Snapshot{Path: ConnectivityPath, Exists: true, Value: r.connected.Load()})
	}

	return func() {
		sub.closed.Store(true)
		r.mu.Lock()
		delete(r.connSubs, id)
		r.mu.Unlock()
	}
}

// watch pings the server and drives ConnectivityPath
func (r *Redis) watch(ctx context.Context) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, r.pingInterval)
			err := r.client.Ping(pingCtx).Err()
			cancel()

			up := err == nil
			if r.connected.Swap(up) == up {
				continue
			}
			if up {
				log.Info().Msg("Redis reachable again")
			} else {
				log.Warn().Msgf("Redis unreachable: %s", err)
			}

			r.mu.Lock()
			subs := make([]*redisConnSub, 0, len(r.connSubs))
			for _, s := range r.connSubs {
				subs = append(subs, s)
			}
			r.mu.Unlock()
			for _, s := range subs {
				if !s.closed.Load() && s.onData != nil {
					s.onData(Snapshot{Path: ConnectivityPath, Exists: true, Value: up})
				}
			}
		}
	}
}

func indexKey(path, orderKey string) string {
	return path + ":by:" + orderKey
}

func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
