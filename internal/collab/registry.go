package collab

import "errors"

var (
	// ErrConnClosed is returned by Conn.Send after the connection was closed.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned by Conn.Send when the recipient is not draining.
	ErrSendQueueFull = errors.New("send queue full")
)

// Conn is a live participant connection as seen by the registry.
//
// Send must not block: it either queues the frame for the connection's writer
// or fails. Close must be idempotent.
type Conn interface {
	Send(frame []byte) error
	Close() error
}

// Participant identifies one connected client.
type Participant struct {
	ID   string
	Name string
}

// DefaultParticipantName is used when the handshake carries no display name.
const DefaultParticipantName = "Anonymous"

// Registry holds the live connections of one room and is the only place frames
// leave the server. It is not safe for concurrent use; Room serializes access.
type Registry struct {
	conns map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register stores conn under id, replacing any previous entry for that id.
func (r *Registry) Register(id string, conn Conn) {
	r.conns[id] = conn
}

// Unregister removes id. Removing an absent id is a no-op.
func (r *Registry) Unregister(id string) {
	delete(r.conns, id)
}

// UnregisterConn removes id only while it is still bound to conn, so a
// replaced connection cannot evict its successor. It reports whether it did.
func (r *Registry) UnregisterConn(id string, conn Conn) bool {
	if cur, ok := r.conns[id]; ok && cur == conn {
		delete(r.conns, id)
		return true
	}
	return false
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id string) (Conn, bool) {
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Count() int {
	return len(r.conns)
}

// Broadcast encodes msg once and delivers it to every connection except
// exclude. It returns the number of successful sends. It is a convenience over
// Deliver for callers that do not need the dropped ids; Room uses Deliver so the
// same encoded frame can also go to the bridge.
func (r *Registry) Broadcast(msg Message, exclude string) int {
	frame, err := Encode(msg)
	if err != nil {
		return 0
	}
	return r.Deliver(frame, exclude).Sent
}

// DeliveryResult describes one fan-out pass.
type DeliveryResult struct {
	Sent    int
	Dropped []string
}

// Deliver sends an already encoded frame to every connection except exclude.
// A connection whose send fails is closed and removed as part of the same pass;
// the failure is reported in Dropped and never retried.
func (r *Registry) Deliver(frame []byte, exclude string) DeliveryResult {
	var res DeliveryResult
	for id, conn := range r.conns {
		if exclude != "" && id == exclude {
			continue
		}
		if err := conn.Send(frame); err != nil {
			_ = conn.Close()
			delete(r.conns, id)
			res.Dropped = append(res.Dropped, id)
			continue
		}
		res.Sent++
	}
	return res
}

// Conns returns a copy of the registered connections.
func (r *Registry) Conns() map[string]Conn {
	out := make(map[string]Conn, len(r.conns))
	for id, c := range r.conns {
		out[id] = c
	}
	return out
}
