package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(Options{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	_, c := newTestClient(t)
	_, err := c.Get(context.Background(), "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetGetRoundTrip(t *testing.T) {
	mr, c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "greeting", "hello", time.Minute))
	v, err := c.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, time.Minute, mr.TTL("greeting"))
}

func TestSetNXOnlyFirstWriterWins(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()
	ok, err := c.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	v, err := c.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestIncrWithTTLAnchorsExpiryToFirstIncrement(t *testing.T) {
	mr, c := newTestClient(t)
	ctx := context.Background()

	n, err := c.IncrWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Minute, mr.TTL("counter"))

	mr.FastForward(10 * time.Second)

	n, err = c.IncrWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	// EXPIRE NX must not rearm the window on later increments.
	assert.Equal(t, 50*time.Second, mr.TTL("counter"))
}

func TestSortedSetOperations(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.ZAdd(ctx, "window", 100, "a"))
	require.NoError(t, c.ZAdd(ctx, "window", 200, "b"))
	require.NoError(t, c.ZAdd(ctx, "window", 300, "c"))

	n, err := c.ZCard(ctx, "window")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	removed, err := c.ZRemRangeByScore(ctx, "window", "-inf", "150")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	members, err := c.ZRangeWithScores(ctx, "window", 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, Member{Member: "b", Score: 200}, members[0])
	assert.Equal(t, Member{Member: "c", Score: 300}, members[1])
}

func TestAppendAndRange(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	id1, err := c.Append(ctx, "events:test", 100, map[string]any{"seq": "1"})
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	id2, err := c.Append(ctx, "events:test", 100, map[string]any{"seq": "2"})
	require.NoError(t, err)

	entries, err := c.Range(ctx, "events:test", "", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].ID)
	assert.Equal(t, id2, entries[1].ID)
	assert.Equal(t, "2", entries[1].Values["seq"])
}

func TestAppendAndPublishReachesSubscriber(t *testing.T) {
	_, c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, "events.test")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	id, err := c.AppendAndPublish(ctx, "events:test", 100,
		map[string]any{"payload": "x"}, "events.test", "x")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "events.test", msg.Channel)
	assert.Equal(t, "x", msg.Payload)

	entries, err := c.Range(ctx, "events:test", "", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
}

func TestScriptRunsBySHA(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	incr := c.Script(`return redis.call('INCR', KEYS[1])`)
	v, err := incr.Run(ctx, []string{"script-counter"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, err = incr.Run(ctx, []string{"script-counter"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestTransportErrorsAreUnavailable(t *testing.T) {
	mr, c := newTestClient(t)
	mr.Close()

	_, err := c.Get(context.Background(), "any")
	require.Error(t, err)
	assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))
}

func TestPingReportsHealth(t *testing.T) {
	mr, c := newTestClient(t)
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "kv-redis", c.Name())

	mr.Close()
	require.Error(t, c.Ping(context.Background()))
}
