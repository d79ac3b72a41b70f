// Package kv hosts the Redis-backed substrate client shared by the rate
// limiter, request-number allocator, event publisher and session stores.
// It is the only package that imports the Redis driver; callers observe
// typed faults instead of transport errors.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

const (
	defaultOpTimeout = 5 * time.Second
	clientName       = "kv-redis"
)

// ErrNotFound reports a missing key. It is distinct from substrate
// unavailability so callers can treat absence as a domain answer.
var ErrNotFound = errors.New("kv: key not found")

type (
	// Client exposes the substrate operations the platform relies on:
	// TTL counters, sorted sets, capped streams, pub/sub fan-out and
	// server-side scripts. All operations honor the context deadline and
	// fall back to the client's own timeout when the caller sets none.
	Client interface {
		health.Pinger

		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
		Del(ctx context.Context, keys ...string) error
		Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
		TTL(ctx context.Context, key string) (time.Duration, error)

		// IncrWithTTL increments key and arms its expiry only when the key
		// has none, so the window anchors to the first increment.
		IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

		ZAdd(ctx context.Context, key string, score float64, member string) error
		ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error)
		ZCard(ctx context.Context, key string) (int64, error)
		ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)

		// Append adds an entry to a stream capped at approximately maxLen.
		Append(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error)
		// AppendAndPublish appends to the stream and publishes to the
		// channel in one transactional pipeline so subscribers never see a
		// notification without the corresponding stream entry.
		AppendAndPublish(ctx context.Context, stream string, maxLen int64, values map[string]any, channel, payload string) (string, error)
		Range(ctx context.Context, stream, from, to string, count int64) ([]Entry, error)

		Publish(ctx context.Context, channel, payload string) error
		Subscribe(ctx context.Context, channels ...string) (Subscription, error)

		// Script prepares a server-side script executed by SHA with
		// automatic reload when the script cache was flushed.
		Script(src string) Script

		PoolStats() PoolStats
		Close() error
	}

	// Script runs a prepared Lua script.
	Script interface {
		Run(ctx context.Context, keys []string, args ...any) (any, error)
	}

	// Subscription delivers pub/sub messages until closed.
	Subscription interface {
		Receive(ctx context.Context) (Message, error)
		Close() error
	}

	// Message is one pub/sub delivery.
	Message struct {
		Channel string
		Payload string
	}

	// Member pairs a sorted-set member with its score.
	Member struct {
		Member string
		Score  float64
	}

	// Entry is one stream record.
	Entry struct {
		ID     string
		Values map[string]any
	}

	// PoolStats mirrors the driver connection pool counters for metrics.
	PoolStats struct {
		Hits       uint32
		Misses     uint32
		Timeouts   uint32
		TotalConns uint32
		IdleConns  uint32
	}

	// Options configures the substrate client.
	Options struct {
		// URL is a redis:// connection string. Ignored when Redis is set.
		URL string
		// Redis overrides the parsed URL, used by tests.
		Redis *redis.Client
		// Timeout bounds each operation when the caller's context has no
		// deadline. Defaults to 5s.
		Timeout time.Duration
	}

	client struct {
		rdb     *redis.Client
		timeout time.Duration
	}
)

// New returns a Client backed by Redis.
func New(opts Options) (Client, error) {
	rdb := opts.Redis
	if rdb == nil {
		if opts.URL == "" {
			return nil, errors.New("redis URL is required")
		}
		ropts, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		rdb = redis.NewClient(ropts)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{rdb: rdb, timeout: timeout}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return c.fault("ping", err)
	}
	return nil
}

func (c *client) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", c.fault("get", err)
	}
	return v, nil
}

func (c *client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return c.fault("set", err)
	}
	return nil
}

func (c *client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, c.fault("setnx", err)
	}
	return ok, nil
}

func (c *client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return c.fault("del", err)
	}
	return nil
}

func (c *client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, c.fault("expire", err)
	}
	return ok, nil
}

func (c *client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, c.fault("ttl", err)
	}
	return d, nil
}

func (c *client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, c.fault("incr", err)
	}
	return incr.Val(), nil
}

func (c *client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return c.fault("zadd", err)
	}
	return nil
}

func (c *client) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
	if err != nil {
		return 0, c.fault("zremrangebyscore", err)
	}
	return n, nil
}

func (c *client) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, c.fault("zcard", err)
	}
	return n, nil
}

func (c *client) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	zs, err := c.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, c.fault("zrange", err)
	}
	out := make([]Member, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		out[i] = Member{Member: member, Score: z.Score}
	}
	return out, nil
}

func (c *client) Append(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", c.fault("xadd", err)
	}
	return id, nil
}

func (c *client) AppendAndPublish(ctx context.Context, stream string, maxLen int64, values map[string]any, channel, payload string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	pipe := c.rdb.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	})
	pipe.Publish(ctx, channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", c.fault("xadd+publish", err)
	}
	return add.Val(), nil
}

func (c *client) Range(ctx context.Context, stream, from, to string, count int64) ([]Entry, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if from == "" {
		from = "-"
	}
	if to == "" {
		to = "+"
	}
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = c.rdb.XRangeN(ctx, stream, from, to, count).Result()
	} else {
		msgs, err = c.rdb.XRange(ctx, stream, from, to).Result()
	}
	if err != nil {
		return nil, c.fault("xrange", err)
	}
	out := make([]Entry, len(msgs))
	for i, m := range msgs {
		out[i] = Entry{ID: m.ID, Values: m.Values}
	}
	return out, nil
}

func (c *client) Publish(ctx context.Context, channel, payload string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return c.fault("publish", err)
	}
	return nil
}

func (c *client) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("at least one channel is required")
	}
	sub := c.rdb.Subscribe(ctx, channels...)
	// Force the SUBSCRIBE round-trip so connectivity errors surface here
	// rather than on the first receive.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, c.fault("subscribe", err)
	}
	return &subscription{sub: sub}, nil
}

func (c *client) Script(src string) Script {
	return &script{rdb: c.rdb, script: redis.NewScript(src), timeout: c.timeout}
}

func (c *client) PoolStats() PoolStats {
	s := c.rdb.PoolStats()
	return PoolStats{
		Hits:       s.Hits,
		Misses:     s.Misses,
		Timeouts:   s.Timeouts,
		TotalConns: s.TotalConns,
		IdleConns:  s.IdleConns,
	}
}

func (c *client) Close() error { return c.rdb.Close() }

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// fault classifies a driver error. Deadline overruns map to timeouts,
// everything else to substrate unavailability.
func (c *client) fault(op string, err error) error {
	kind := fault.KindUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = fault.KindTimeout
	}
	return fault.Wrap(kind, err, "kv %s", op)
}

type script struct {
	rdb     *redis.Client
	script  *redis.Script
	timeout time.Duration
}

func (s *script) Run(ctx context.Context, keys []string, args ...any) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	v, err := s.script.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		kind := fault.KindUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = fault.KindTimeout
		}
		return nil, fault.Wrap(kind, err, "kv script")
	}
	return v, nil
}

type subscription struct {
	sub *redis.PubSub
}

func (s *subscription) Receive(ctx context.Context) (Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	msg, err := s.sub.ReceiveMessage(ctx)
	if err != nil {
		return Message{}, fault.Wrap(fault.KindUnavailable, err, "kv receive")
	}
	return Message{Channel: msg.Channel, Payload: msg.Payload}, nil
}

func (s *subscription) Close() error { return s.sub.Close() }
