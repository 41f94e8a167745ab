package bridge

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	frame   string
	exclude string
}

type sink struct {
	mu  sync.Mutex
	got []received
}

func (s *sink) deliver(frame []byte, exclude string) {
	s.mu.Lock()
	s.got = append(s.got, received{string(frame), exclude})
	s.mu.Unlock()
}

func (s *sink) frames() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.got...)
}

func newBridge(t *testing.T, addr string) *Redis {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewRedis(client, "", log)
}

func TestRedisBridgeRelaysBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	one := newBridge(t, mr.Addr())
	two := newBridge(t, mr.Addr())
	require.NotEqual(t, one.Origin(), two.Origin())

	var atOne, atTwo sink
	unsubOne, err := one.Subscribe(ctx, "42", atOne.deliver)
	require.NoError(t, err)
	defer unsubOne()
	unsubTwo, err := two.Subscribe(ctx, "42", atTwo.deliver)
	require.NoError(t, err)
	defer unsubTwo()

	frame := `{"type":"cursor:move","position":{"x":1,"y":2},"userId":"A","userName":"Al"}`
	require.NoError(t, one.Publish(ctx, "42", []byte(frame), "A"))

	assert.Eventually(t, func() bool { return len(atTwo.frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := atTwo.frames()[0]
	assert.JSONEq(t, frame, got.frame)
	assert.Equal(t, "A", got.exclude)

	// The publisher never hears its own frames back.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, atOne.frames())
}

func TestRedisBridgeChannelsArePerRoom(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	one := newBridge(t, mr.Addr())
	two := newBridge(t, mr.Addr())

	var other sink
	unsub, err := two.Subscribe(ctx, "7", other.deliver)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, one.Publish(ctx, "8", []byte(`{"type":"user:left","userId":"x"}`), ""))
	require.NoError(t, one.Publish(ctx, "7", []byte(`{"type":"user:left","userId":"y"}`), ""))

	assert.Eventually(t, func() bool { return len(other.frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"type":"user:left","userId":"y"}`, other.frames()[0].frame)
}

func TestRedisBridgeIgnoresForeignPayloads(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	b := newBridge(t, mr.Addr())
	var s sink
	unsub, err := b.Subscribe(ctx, "1", s.deliver)
	require.NoError(t, err)
	defer unsub()

	mr.Publish(DefaultPrefix+"1", "not an envelope")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.frames())
}

func TestRedisBridgeSubscribeFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	b := newBridge(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := b.Subscribe(ctx, "1", func([]byte, string) {})
	assert.Error(t, err)
	assert.Error(t, b.Publish(ctx, "1", []byte(`{}`), ""))
}
