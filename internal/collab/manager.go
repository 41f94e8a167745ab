package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collabcanvas/internal/metrics"
)

// Manager maps canvas ids to their single live Room. Rooms are created on first
// access and kept while idle; Sweep evicts the empty ones.
type Manager struct {
	log      logrus.FieldLogger
	bridge   Bridge
	recorder ActivityRecorder

	ratePerSecond float64
	rateBurst     int

	mu    sync.Mutex
	rooms map[string]*Room
}

type Option func(*Manager)

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = log }
}

// WithBridge fans every room out to other relay instances as well.
func WithBridge(b Bridge) Option {
	return func(m *Manager) { m.bridge = b }
}

func WithRecorder(r ActivityRecorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithRateLimit caps inbound frames per connection. Zero means unlimited.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(m *Manager) {
		m.ratePerSecond = perSecond
		m.rateBurst = burst
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:   logrus.StandardLogger(),
		rooms: make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the live room for id, creating it if needed.
func (m *Manager) GetOrCreate(id string) *Room {
	m.mu.Lock()
	r, ok := m.rooms[id]
	if !ok {
		r = newRoom(id, m.bridge, m.log)
		m.rooms[id] = r
		metrics.RoomOpened()
	}
	m.mu.Unlock()

	r.start()
	return r
}

// Lookup returns the live room for id without creating one.
func (m *Manager) Lookup(id string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Join places a handshaken connection into the room for roomID and returns its
// active session. If the resolved room is retired by a concurrent sweep, the
// lookup is repeated so the connection lands in the room's successor.
func (m *Manager) Join(ctx context.Context, roomID string, p Participant, conn Conn) (*Session, error) {
	if p.Name == "" {
		p.Name = DefaultParticipantName
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		room := m.GetOrCreate(roomID)
		s := newSession(room, p, conn, m)
		err := s.activate()
		if errors.Is(err, ErrRoomRetired) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Sweep retires and forgets every room without participants. It returns the
// evicted ids.
func (m *Manager) Sweep() []string {
	var evicted []*Room
	m.mu.Lock()
	for id, r := range m.rooms {
		if r.retireIfIdle() {
			delete(m.rooms, id)
			evicted = append(evicted, r)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, r := range evicted {
		r.stop()
		metrics.RoomClosed()
		ids = append(ids, r.id)
	}
	if len(ids) > 0 {
		m.log.WithField("rooms", len(ids)).Debug("evicted idle rooms")
	}
	return ids
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Stats is a point-in-time count of rooms and connections.
type Stats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
}

func (m *Manager) Stats() Stats {
	rooms := m.snapshot()
	st := Stats{Rooms: len(rooms)}
	for _, r := range rooms {
		st.Participants += r.Count()
	}
	return st
}

// Close disconnects every participant of every room.
func (m *Manager) Close() {
	for _, r := range m.snapshot() {
		r.closeAll()
	}
}

func (m *Manager) snapshot() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}
