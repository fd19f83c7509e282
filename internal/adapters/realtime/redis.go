package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
)

const (
	presenceKeyPrefix = "presence:"
	topicPrefix       = "rt:"
	callInsertTopic   = "db:calls"

	redisOpTimeout = 5 * time.Second

	DefaultPresenceTTL = 30 * time.Second
)

type envelopeKind string

const (
	kindJoin      envelopeKind = "join"
	kindLeave     envelopeKind = "leave"
	kindBroadcast envelopeKind = "broadcast"
)

// envelope is what travels on a channel topic.
type envelope struct {
	Kind    envelopeKind    `json:"kind"`
	From    string          `json:"from"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// lease is one hash field: a presence record valid until Expires (unix ms).
// Members renew their lease; a member that stops renewing drops out of
// every sync once it expires.
type lease struct {
	Expires int64           `json:"expires"`
	Payload json.RawMessage `json:"payload"`
}

// RedisRelay keeps presence in a hash per channel and fans deltas and
// broadcasts out over pub/sub, so agents on different hosts share channels.
type RedisRelay struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client, ttl: DefaultPresenceTTL, now: time.Now}
}

// renewEvery is how often members renew their lease and resync.
func (r *RedisRelay) renewEvery() time.Duration { return r.ttl / 3 }

// DialRedis parses a redis:// url and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisRelay) Channel(name string) core.SignalChannel {
	return &redisChannel{relay: r, name: name, key: uuid.NewString()}
}

func (r *RedisRelay) PublishCallInsert(ctx context.Context, call domain.Call) error {
	raw, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal call: %w", err)
	}
	return r.client.Publish(ctx, callInsertTopic, raw).Err()
}

func (r *RedisRelay) SubscribeCallInserts(ctx context.Context, fn func(domain.Call)) (func(), error) {
	ps := r.client.Subscribe(ctx, callInsertTopic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", callInsertTopic, err)
	}
	go func() {
		for msg := range ps.Channel() {
			var call domain.Call
			if err := json.Unmarshal([]byte(msg.Payload), &call); err != nil {
				log.Warn().Err(err).Str("module", "realtime.redis").Msg("bad call insert payload")
				continue
			}
			fn(call)
		}
	}()
	return func() { _ = ps.Close() }, nil
}

type redisChannel struct {
	relay *RedisRelay
	name  string
	key   string

	mu       sync.Mutex
	ps       *redis.PubSub
	handlers core.ChannelHandlers
	tracked  json.RawMessage
}

func (c *redisChannel) Name() string { return c.name }

func (c *redisChannel) hashKey() string { return presenceKeyPrefix + c.name }
func (c *redisChannel) topic() string   { return topicPrefix + c.name }

func (c *redisChannel) Subscribe(ctx context.Context, h core.ChannelHandlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ps != nil {
		return ErrAlreadySubscribed
	}
	ps := c.relay.client.Subscribe(ctx, c.topic())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", c.topic(), err)
	}
	c.ps = ps
	c.handlers = h
	go c.readLoop(ps, h)
	log.Debug().Str("module", "realtime.redis").Str("channel", c.name).Str("key", c.key).Msg("subscribed")
	return nil
}

// readLoop ends when Leave closes ps.
func (c *redisChannel) readLoop(ps *redis.PubSub, h core.ChannelHandlers) {
	c.sync(h)
	ticker := time.NewTicker(c.relay.renewEvery())
	defer ticker.Stop()
	msgs := ps.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Str("module", "realtime.redis").Str("channel", c.name).Msg("bad envelope")
				continue
			}
			c.dispatch(h, env)
		case <-ticker.C:
			c.renew()
			c.sync(h)
		}
	}
}

func (c *redisChannel) renew() {
	c.mu.Lock()
	raw := c.tracked
	c.mu.Unlock()
	if raw == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := c.writeLease(ctx, raw); err != nil {
		log.Warn().Err(err).Str("module", "realtime.redis").Str("channel", c.name).Msg("presence renew failed")
	}
}

func (c *redisChannel) writeLease(ctx context.Context, raw json.RawMessage) error {
	value, err := json.Marshal(lease{Expires: c.relay.now().Add(c.relay.ttl).UnixMilli(), Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	return c.relay.client.HSet(ctx, c.hashKey(), c.key, string(value)).Err()
}

func (c *redisChannel) dispatch(h core.ChannelHandlers, env envelope) {
	entries := []core.PresenceEntry{{Key: env.From, Payload: env.Payload}}
	switch env.Kind {
	case kindJoin:
		if h.OnJoin != nil {
			h.OnJoin(entries)
		}
		c.sync(h)
	case kindLeave:
		if h.OnLeave != nil {
			h.OnLeave(entries)
		}
		c.sync(h)
	case kindBroadcast:
		if env.From != c.key && h.OnBroadcast != nil {
			h.OnBroadcast(env.Event, env.Payload)
		}
	}
}

func (c *redisChannel) sync(h core.ChannelHandlers) {
	if h.OnSync == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	all, err := c.relay.client.HGetAll(ctx, c.hashKey()).Result()
	if err != nil {
		log.Warn().Err(err).Str("module", "realtime.redis").Str("channel", c.name).Msg("presence read failed")
		return
	}
	live, expired := liveEntries(all, c.relay.now())
	if len(expired) > 0 {
		if err := c.relay.client.HDel(ctx, c.hashKey(), expired...).Err(); err != nil {
			log.Warn().Err(err).Str("module", "realtime.redis").Str("channel", c.name).Msg("presence reap failed")
		} else {
			log.Info().Str("module", "realtime.redis").Str("channel", c.name).Strs("keys", expired).Msg("reaped expired presence")
		}
	}
	h.OnSync(live)
}

// liveEntries splits hash fields into unexpired presence and keys to reap.
// Unreadable fields are reaped too.
func liveEntries(all map[string]string, now time.Time) ([]core.PresenceEntry, []string) {
	live := make([]core.PresenceEntry, 0, len(all))
	var expired []string
	for key, raw := range all {
		var l lease
		if err := json.Unmarshal([]byte(raw), &l); err != nil || l.Expires <= now.UnixMilli() {
			expired = append(expired, key)
			continue
		}
		live = append(live, core.PresenceEntry{Key: key, Payload: l.Payload})
	}
	return live, expired
}

func (c *redisChannel) publish(ctx context.Context, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.relay.client.Publish(ctx, c.topic(), raw).Err()
}

func (c *redisChannel) Track(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	c.mu.Lock()
	subscribed := c.ps != nil
	if subscribed {
		c.tracked = raw
	}
	c.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}
	if err := c.writeLease(ctx, raw); err != nil {
		return fmt.Errorf("track %s: %w", c.name, err)
	}
	return c.publish(ctx, envelope{Kind: kindJoin, From: c.key, Payload: raw})
}

func (c *redisChannel) Broadcast(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	return c.publish(ctx, envelope{Kind: kindBroadcast, From: c.key, Event: event, Payload: raw})
}

func (c *redisChannel) Leave(ctx context.Context) error {
	c.mu.Lock()
	ps, tracked := c.ps, c.tracked
	c.ps, c.tracked = nil, nil
	c.mu.Unlock()
	if ps == nil {
		return nil
	}
	// Unsubscribe first so our own leave is not delivered back to us.
	_ = ps.Close()
	if tracked == nil {
		return nil
	}
	if err := c.relay.client.HDel(ctx, c.hashKey(), c.key).Err(); err != nil {
		return fmt.Errorf("leave %s: %w", c.name, err)
	}
	return c.publish(ctx, envelope{Kind: kindLeave, From: c.key, Payload: tracked})
}
