package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collabcanvas/internal/metrics"
)

// ErrRoomRetired is returned when joining a room the manager already evicted.
var ErrRoomRetired = errors.New("room retired")

const publishTimeout = 5 * time.Second

// Bridge carries frames between relay instances serving the same canvas.
// Deliver callbacks only ever see frames published by other instances.
type Bridge interface {
	Publish(ctx context.Context, roomID string, frame []byte, exclude string) error
	Subscribe(ctx context.Context, roomID string, deliver func(frame []byte, exclude string)) (unsubscribe func(), err error)
}

// Room is the collaboration scope of one canvas. A single mutex guards the
// registry and presence map; all fan-out for the room happens under it.
type Room struct {
	id     string
	log    logrus.FieldLogger
	bridge Bridge

	mu       sync.Mutex
	registry *Registry
	presence *Presence
	retired  bool

	// owners maps each participant id to the connection that joined last
	// under it. Only that connection's leave touches the room.
	owners map[string]Conn

	startOnce   sync.Once
	unsubscribe func()
}

func newRoom(id string, bridge Bridge, log logrus.FieldLogger) *Room {
	return &Room{
		id:       id,
		log:      log.WithField("canvas", id),
		bridge:   bridge,
		registry: NewRegistry(),
		presence: NewPresence(),
		owners:   make(map[string]Conn),
	}
}

func (r *Room) ID() string { return r.id }

// start attaches the room to the bridge. Safe to call from every goroutine that
// resolved the room; only the first call does any work.
func (r *Room) start() {
	r.startOnce.Do(func() {
		if r.bridge == nil {
			return
		}
		unsub, err := r.bridge.Subscribe(context.Background(), r.id, r.deliverRemote)
		if err != nil {
			r.log.WithError(err).Warn("bridge subscribe failed, room is local only")
			return
		}
		r.unsubscribe = unsub
	})
}

// stop detaches a retired room from the bridge.
func (r *Room) stop() {
	r.startOnce.Do(func() {})
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// Count returns the number of registered connections.
func (r *Room) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Count()
}

// Cursors returns the presence snapshot.
func (r *Room) Cursors() []Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence.Snapshot()
}

// join registers conn, announces p to everyone else and hands the new
// connection the current cursors. The three steps happen under one lock hold so
// no unrelated event in the room can interleave with them.
func (r *Room) join(p Participant, conn Conn) error {
	joined, err := Encode(UserJoined{UserID: p.ID, UserName: p.Name})
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return ErrRoomRetired
	}
	r.registry.Register(p.ID, conn)
	r.owners[p.ID] = conn
	res := r.registry.Deliver(joined, p.ID)

	// A failed snapshot send is an implicit disconnect like any other; the
	// session's close path announces the departure.
	snapshot, err := Encode(CursorsInit{Cursors: r.presence.Snapshot()})
	if err == nil {
		err = conn.Send(snapshot)
	}
	if err != nil {
		_ = conn.Close()
		r.registry.UnregisterConn(p.ID, conn)
		res.Dropped = append(res.Dropped, p.ID)
	}
	n := r.registry.Count()
	r.mu.Unlock()

	r.observe(res)
	r.log.WithFields(logrus.Fields{"user": p.ID, "participants": n}).Info("participant joined")
	r.publish(joined, p.ID)
	return nil
}

// relay applies ev on behalf of p and fans it out to everyone but p.
func (r *Room) relay(p Participant, ev Event) error {
	stamped := ev.Stamp(p)
	frame, err := Encode(stamped)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if ev.Type == EventCursorMove {
		r.presence.Update(p.ID, ev.Position.X, ev.Position.Y, p.Name)
	}
	res := r.registry.Deliver(frame, p.ID)
	r.mu.Unlock()

	r.observe(res)
	metrics.FrameRelayed(string(ev.Type))
	r.log.WithFields(logrus.Fields{"user": p.ID, "type": ev.Type, "recipients": res.Sent}).Debug("relayed")
	r.publish(frame, p.ID)
	return nil
}

// leave removes p and tells the remaining participants. A connection that was
// replaced by a newer join under the same id leaves the room untouched.
func (r *Room) leave(p Participant, conn Conn) {
	left, err := Encode(UserLeft{UserID: p.ID})
	if err != nil {
		return
	}

	r.mu.Lock()
	if r.owners[p.ID] != conn {
		r.mu.Unlock()
		r.log.WithField("user", p.ID).Debug("replaced connection closed, room unchanged")
		return
	}
	delete(r.owners, p.ID)
	r.registry.UnregisterConn(p.ID, conn)
	r.presence.Remove(p.ID)
	res := r.registry.Deliver(left, "")
	n := r.registry.Count()
	r.mu.Unlock()

	r.observe(res)
	r.log.WithFields(logrus.Fields{"user": p.ID, "participants": n}).Info("participant left")
	r.publish(left, "")
}

// deliverRemote fans out a frame that another relay instance published,
// mirroring its cursor effects into local presence.
func (r *Room) deliverRemote(frame []byte, exclude string) {
	var h frameHeader
	if err := json.Unmarshal(frame, &h); err != nil {
		r.log.WithError(err).Warn("dropping undecodable bridge frame")
		return
	}

	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return
	}
	switch h.Type {
	case EventCursorMove:
		if h.Position != nil && h.UserID != "" {
			r.presence.Update(h.UserID, h.Position.X, h.Position.Y, h.UserName)
		}
	case EventUserLeft:
		// The id is still connected here; only the remote copy went away.
		if _, local := r.registry.Lookup(h.UserID); local {
			r.mu.Unlock()
			return
		}
		r.presence.Remove(h.UserID)
	}
	res := r.registry.Deliver(frame, exclude)
	r.mu.Unlock()

	r.observe(res)
}

// retireIfIdle marks an empty room as retired so it can never be joined again.
func (r *Room) retireIfIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired || r.registry.Count() > 0 {
		return false
	}
	r.retired = true
	return true
}

// closeAll closes every registered connection. Sessions observe the close on
// their read loop and run their own cleanup.
func (r *Room) closeAll() {
	r.mu.Lock()
	conns := r.registry.Conns()
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (r *Room) observe(res DeliveryResult) {
	if len(res.Dropped) == 0 {
		return
	}
	metrics.SendFailures(len(res.Dropped))
	r.log.WithField("users", res.Dropped).Info("dropped unreachable participants")
}

func (r *Room) publish(frame []byte, exclude string) {
	if r.bridge == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.bridge.Publish(ctx, r.id, frame, exclude); err != nil {
		r.log.WithError(err).Warn("bridge publish failed")
	}
}
