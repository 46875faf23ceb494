package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pipeflow/internal/runtime/statistics"
)

func TestKeyIsStableAndNamespaced(t *testing.T) {
	a := Key("orders", []byte("hello"))
	assert.Equal(t, a, Key("orders", []byte("hello")))
	assert.NotEqual(t, a, Key("invoices", []byte("hello")))
	assert.NotEqual(t, a, Key("orders", []byte("hello!")))
}

func TestMemoryCacheTTLAndEviction(t *testing.T) {
	m, err := NewMemory(2, time.Minute)
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "a", Entry{Content: []byte("A"), State: "SUCCESS"}))
	e, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", string(e.Content))

	now = now.Add(2 * time.Minute)
	_, ok, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "entry must expire")

	require.NoError(t, m.Put(ctx, "b", Entry{}))
	require.NoError(t, m.Put(ctx, "c", Entry{}))
	require.NoError(t, m.Put(ctx, "d", Entry{}))
	assert.Equal(t, 2, m.Len())

	require.NoError(t, m.Close())
	_, _, err = m.Get(ctx, "d")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedis(client, "pf:", time.Minute)
	defer c.Close() //nolint:errcheck
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "k", Entry{Content: []byte("<ok/>"), State: "SUCCESS", Exit: "READY"}))
	assert.True(t, mr.Exists("pf:k"))

	e, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<ok/>", string(e.Content))
	assert.Equal(t, "READY", e.Exit)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := DialRedis(context.Background(), RedisConfig{Address: mr.Addr(), Prefix: "x:"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = DialRedis(context.Background(), RedisConfig{})
	assert.Error(t, err)
}

func TestObservedCountsAndReports(t *testing.T) {
	m, err := NewMemory(4, 0)
	require.NoError(t, err)
	o := Observe("results", m)
	assert.Same(t, o, Observe("again", o))
	ctx := context.Background()

	_, _, _ = o.Get(ctx, "k")
	require.NoError(t, o.Put(ctx, "k", Entry{State: "SUCCESS"}))
	_, ok, _ := o.Get(ctx, "k")
	assert.True(t, ok)
	assert.EqualValues(t, 1, o.Hits())
	assert.EqualValues(t, 1, o.Misses())

	tree, err := statistics.Collect(o, statistics.ActionReset)
	require.NoError(t, err)
	node := tree.Root().Find("results")
	require.NotNil(t, node)
	assert.Equal(t, statistics.KindCache, node.Kind)
	assert.EqualValues(t, 1, node.Int("puts"))
	assert.EqualValues(t, 0, o.hits.IntervalValue())
}
