package collab

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"collabcanvas/internal/metrics"
)

// SessionState is the lifecycle position of one participant connection.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateHandshakeOK
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakeOK:
		return "handshake_ok"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrSessionInactive is returned when a frame arrives outside the active state.
	ErrSessionInactive = errors.New("session not active")
	// ErrRateLimited is returned for frames over the per-connection rate.
	ErrRateLimited = errors.New("rate limited")
)

// Activity event names written to the analytics sink.
const (
	ActivityJoined = "collab:joined"
	ActivityLeft   = "collab:left"
)

// Activity is a join or leave observed by the relay.
type Activity struct {
	Event    string
	CanvasID string
	UserID   string
	UserName string
	ConnID   string
	At       time.Time
}

// ActivityRecorder receives join/leave activity. Record must not block.
type ActivityRecorder interface {
	Record(Activity)
}

// Session routes the frames of one participant connection through its room.
type Session struct {
	id          string
	participant Participant
	room        *Room
	conn        Conn
	log         logrus.FieldLogger
	limiter     *rate.Limiter
	recorder    ActivityRecorder

	state  atomic.Int32
	closed chan struct{}
}

func newSession(room *Room, p Participant, conn Conn, m *Manager) *Session {
	s := &Session{
		id:          uuid.NewString(),
		participant: p,
		room:        room,
		conn:        conn,
		recorder:    m.recorder,
		closed:      make(chan struct{}),
	}
	s.log = room.log.WithFields(logrus.Fields{"user": p.ID, "conn": s.id})
	if m.ratePerSecond > 0 {
		burst := m.rateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(m.ratePerSecond), burst)
	}
	s.state.Store(int32(StateHandshakeOK))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Participant() Participant { return s.participant }

func (s *Session) RoomID() string { return s.room.id }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// activate moves a freshly handshaken session into the room.
func (s *Session) activate() error {
	if s.State() != StateHandshakeOK {
		return ErrSessionInactive
	}
	if err := s.room.join(s.participant, s.conn); err != nil {
		return err
	}
	s.state.Store(int32(StateActive))
	metrics.ParticipantJoined()
	s.record(ActivityJoined)
	return nil
}

// Handle processes one inbound frame. Frames that cannot be parsed or exceed the
// rate limit are dropped; the session stays active either way.
func (s *Session) Handle(frame []byte) error {
	if s.State() != StateActive {
		return ErrSessionInactive
	}
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.FrameDropped("rate_limited")
		s.log.Debug("frame over rate limit dropped")
		return ErrRateLimited
	}
	ev, err := ParseEvent(frame)
	if err != nil {
		metrics.FrameDropped("malformed")
		s.log.WithError(err).Warn("dropping frame")
		return err
	}
	return s.room.relay(s.participant, ev)
}

// Close runs the ACTIVE -> CLOSED cleanup. It returns true only for the call
// that performed it; every later call, whatever its reason, is a no-op.
func (s *Session) Close(reason error) bool {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateClosed)) {
		if s.state.CompareAndSwap(int32(StateHandshakeOK), int32(StateClosed)) {
			close(s.closed)
			_ = s.conn.Close()
		}
		return false
	}

	s.room.leave(s.participant, s.conn)
	_ = s.conn.Close()
	metrics.ParticipantLeft()
	s.record(ActivityLeft)

	entry := s.log
	if reason != nil {
		entry = entry.WithField("reason", reason.Error())
	}
	entry.Debug("session closed")
	close(s.closed)
	return true
}

func (s *Session) record(event string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(Activity{
		Event:    event,
		CanvasID: s.room.id,
		UserID:   s.participant.ID,
		UserName: s.participant.Name,
		ConnID:   s.id,
		At:       time.Now().UTC(),
	})
}
