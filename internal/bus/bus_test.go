package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webconsole/appservice/internal/registry"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := Connect(ctx, mr.Addr())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b, mr
}

func TestConnect(t *testing.T) {
	b, _ := newTestBus(t)
	assert.NotNil(t, b)
}

func TestConnectFailsWhenUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	// Cancel immediately so the retry loop gives up on the first backoff
	// instead of burning through ten attempts.
	cancel()

	_, err := Connect(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}

func TestStoreAndLoadTable(t *testing.T) {
	b, mr := newTestBus(t)
	ctx := context.Background()

	payload := []byte(`{"abc": {"ip": "10.0.0.5", "status": "wait_target"}}`)
	require.NoError(t, b.StoreTable(ctx, payload))

	stored, err := mr.Get(Key)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), stored)

	table := b.LoadTable(ctx)
	require.Contains(t, table, "abc")
	assert.Equal(t, registry.StatusWaitTarget, table["abc"].Status)
}

func TestLoadTableAbsentKey(t *testing.T) {
	b, _ := newTestBus(t)
	table := b.LoadTable(context.Background())
	assert.Empty(t, table)
}

func TestLoadTableMalformedPayload(t *testing.T) {
	b, mr := newTestBus(t)
	mr.Set(Key, "{not json")

	table := b.LoadTable(context.Background())
	assert.Empty(t, table)
}

func TestWatchReplacesRegistryTable(t *testing.T) {
	b, mr := newTestBus(t)

	reg := registry.New(nil)
	go reg.Run()
	t.Cleanup(reg.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, b.Subscribe(ctx))
	go b.Watch(ctx, reg)

	// A peer replica publishes its table.
	peer := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer peer.Close()
	payload := `{"abc": {"ip": "10.0.0.5", "status": "running"}}`
	require.NoError(t, peer.Publish(ctx, Channel, payload).Err())

	assert.Eventually(t, func() bool {
		sess := reg.Get("abc")
		return sess != nil && sess.Status == registry.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchIgnoresMalformedBroadcast(t *testing.T) {
	b, mr := newTestBus(t)

	reg := registry.New(nil)
	go reg.Run()
	t.Cleanup(reg.Stop)
	require.NoError(t, reg.Insert("keep", "10.0.0.9", ""))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, b.Subscribe(ctx))
	go b.Watch(ctx, reg)

	peer := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer peer.Close()
	require.NoError(t, peer.Publish(ctx, Channel, "{garbage").Err())
	require.NoError(t, peer.Publish(ctx, Channel, `{"abc": {"ip": "10.0.0.5", "status": "wait_target"}}`).Err())

	// The good broadcast lands, the bad one changed nothing in between.
	assert.Eventually(t, func() bool {
		return reg.Get("abc") != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPublishTable(t *testing.T) {
	b, _ := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, b.Subscribe(ctx))

	reg := registry.New(nil)
	go reg.Run()
	t.Cleanup(reg.Stop)
	go b.Watch(ctx, reg)

	// Publishing through the bus loops back to our own watcher too, the
	// same as in the original deployment.
	require.NoError(t, b.PublishTable(ctx, []byte(`{"xyz": {"ip": "10.0.0.7", "status": "wait_target"}}`)))
	assert.Eventually(t, func() bool {
		return reg.Get("xyz") != nil
	}, 5*time.Second, 20*time.Millisecond)
}
