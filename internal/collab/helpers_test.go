package collab

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeConn records every frame it is sent.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed int
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return ErrConnClosed
	}
	if c.fail {
		return ErrSendQueueFull
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) setFail(v bool) {
	c.mu.Lock()
	c.fail = v
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

// messages decodes every received frame into a generic map.
func (c *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// typesOf lists the "type" field of each message.
func typesOf(msgs []map[string]any) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		s, _ := m["type"].(string)
		out = append(out, s)
	}
	return out
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestManager(opts ...Option) *Manager {
	return NewManager(append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func mustJoin(t *testing.T, m *Manager, roomID, userID, userName string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s, err := m.Join(context.Background(), roomID, Participant{ID: userID, Name: userName}, conn)
	require.NoError(t, err)
	return s, conn
}

// recordingRecorder collects activity records.
type recordingRecorder struct {
	mu      sync.Mutex
	records []Activity
}

func (r *recordingRecorder) Record(a Activity) {
	r.mu.Lock()
	r.records = append(r.records, a)
	r.mu.Unlock()
}

func (r *recordingRecorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, a := range r.records {
		out = append(out, a.Event+":"+a.UserID)
	}
	return out
}

type published struct {
	roomID  string
	frame   []byte
	exclude string
}

// fakeBridge captures publishes and exposes the subscribed deliver callbacks.
type fakeBridge struct {
	mu           sync.Mutex
	published    []published
	subscribers  map[string]func([]byte, string)
	unsubscribed []string
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{subscribers: make(map[string]func([]byte, string))}
}

func (b *fakeBridge) Publish(_ context.Context, roomID string, frame []byte, exclude string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{roomID, append([]byte(nil), frame...), exclude})
	return nil
}

func (b *fakeBridge) Subscribe(_ context.Context, roomID string, deliver func([]byte, string)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[roomID] = deliver
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, roomID)
		b.unsubscribed = append(b.unsubscribed, roomID)
	}, nil
}

func (b *fakeBridge) subscriber(roomID string) func([]byte, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribers[roomID]
}

func (b *fakeBridge) publishedTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.published))
	for _, p := range b.published {
		var m map[string]any
		_ = json.Unmarshal(p.frame, &m)
		s, _ := m["type"].(string)
		out = append(out, s)
	}
	return out
}
