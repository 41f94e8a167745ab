package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/internal/collab"
)

func TestConfigURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "bare host",
			cfg:  Config{BaseURL: "localhost:8081", CanvasID: "42", UserID: "A"},
			want: "ws://localhost:8081/api/canvas/42/collab?userId=A",
		},
		{
			name: "https becomes wss",
			cfg:  Config{BaseURL: "https://relay.example/", CanvasID: "42", UserID: "A", UserName: "Ada L"},
			want: "wss://relay.example/api/canvas/42/collab?userId=A&userName=Ada+L",
		},
		{
			name: "http with prefix",
			cfg:  Config{BaseURL: "http://host:1/edge", CanvasID: "7", UserID: "u"},
			want: "ws://host:1/edge/api/canvas/7/collab?userId=u",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.URL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Config{BaseURL: "ftp://x", CanvasID: "1", UserID: "u"}.URL()
	assert.Error(t, err)
	_, err = Config{BaseURL: "ws://x", CanvasID: "1"}.URL()
	assert.Error(t, err)
}

type frames struct {
	mu  sync.Mutex
	got []map[string]any
}

func (f *frames) add(b []byte) {
	var m map[string]any
	if json.Unmarshal(b, &m) != nil {
		return
	}
	f.mu.Lock()
	f.got = append(f.got, m)
	f.mu.Unlock()
}

func (f *frames) ofType(typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, m := range f.got {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startRelay(t *testing.T) (*httptest.Server, *collab.Manager) {
	t.Helper()
	m := collab.NewManager(collab.WithLogger(quiet()))
	r := mux.NewRouter()
	r.Handle("/api/canvas/{canvasId}/collab", collab.NewHandler(m, collab.DefaultWSConfig(), nil, quiet()))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		m.Close()
		srv.Close()
	})
	return srv, m
}

func runClient(t *testing.T, ctx context.Context, base, userID string) (*Client, *frames) {
	t.Helper()
	c, err := New(Config{BaseURL: base, CanvasID: "42", UserID: userID, UserName: userID + "-name"}, quiet())
	require.NoError(t, err)
	got := &frames{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx, got.add)
	}()
	t.Cleanup(func() { <-done })
	return c, got
}

func TestClientRelaysThroughServer(t *testing.T) {
	srv, m := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, atA := runClient(t, ctx, srv.URL, "A")
	assert.Eventually(t, func() bool { return len(atA.ofType("cursors:init")) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, atB := runClient(t, ctx, srv.URL, "B")
	assert.Eventually(t, func() bool { return len(atA.ofType("user:joined")) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(atB.ofType("cursors:init")) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.SendCursor(4, 5))
	assert.Eventually(t, func() bool { return len(atB.ofType("cursor:move")) == 1 }, 2*time.Second, 10*time.Millisecond)
	move := atB.ofType("cursor:move")[0]
	assert.Equal(t, "A", move["userId"])
	assert.Equal(t, "A-name", move["userName"])

	assert.Equal(t, 2, m.Stats().Participants)
}

func TestClientReconnectsAsNewJoin(t *testing.T) {
	srv, m := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, got := runClient(t, ctx, srv.URL, "A")
	assert.Eventually(t, func() bool { return len(got.ofType("cursors:init")) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Dropping every connection forces a fresh handshake.
	m.Close()
	assert.Eventually(t, func() bool { return len(got.ofType("cursors:init")) == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return m.Stats().Participants == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientGivesUpAfterMaxElapsed(t *testing.T) {
	c, err := New(Config{BaseURL: "ws://127.0.0.1:1", CanvasID: "1", UserID: "u", MaxElapsed: 50 * time.Millisecond}, quiet())
	require.NoError(t, err)

	err = c.Run(context.Background(), func([]byte) {})
	assert.Error(t, err)
}

func TestClientSendQueueBounded(t *testing.T) {
	c, err := New(Config{BaseURL: "ws://127.0.0.1:1", CanvasID: "1", UserID: "u"}, quiet())
	require.NoError(t, err)
	for i := 0; i < cap(c.out); i++ {
		require.NoError(t, c.Send([]byte(`{}`)))
	}
	assert.ErrorIs(t, c.Send([]byte(`{}`)), ErrQueueFull)
}
