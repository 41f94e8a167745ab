package collab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the "type" discriminator carried by every frame.
type EventType string

const (
	EventObjectAdded    EventType = "object:added"
	EventObjectModified EventType = "object:modified"
	EventObjectRemoved  EventType = "object:removed"
	EventCursorMove     EventType = "cursor:move"
	EventUserJoined     EventType = "user:joined"
	EventUserLeft       EventType = "user:left"
	EventCursorsInit    EventType = "cursors:init"
)

// ErrMalformedEvent is returned for inbound frames that cannot be relayed.
var ErrMalformedEvent = errors.New("malformed event")

// Position is a cursor location in canvas coordinates. The range is unbounded.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Event is a client-originated frame. Data is passed through untouched for the
// object kinds; Position is only set for cursor moves.
type Event struct {
	Type     EventType
	Data     json.RawMessage
	Position *Position
}

// clientOriginated reports whether a client is allowed to send frames of this kind.
func (t EventType) clientOriginated() bool {
	switch t {
	case EventObjectAdded, EventObjectModified, EventObjectRemoved, EventCursorMove:
		return true
	}
	return false
}

type wireEvent struct {
	Type     EventType       `json:"type"`
	Data     json.RawMessage `json:"data"`
	Position *wirePosition   `json:"position"`
}

// wirePosition uses pointers so a missing coordinate can be told apart from zero.
type wirePosition struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

// ParseEvent decodes one inbound text frame. Any identity fields the client put
// in the frame are discarded; the router stamps its own.
func ParseEvent(frame []byte) (Event, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || frame[0] != '{' {
		return Event{}, fmt.Errorf("%w: not a JSON object", ErrMalformedEvent)
	}

	var w wireEvent
	if err := json.Unmarshal(frame, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	if !w.Type.clientOriginated() {
		return Event{}, fmt.Errorf("%w: type %q not accepted from clients", ErrMalformedEvent, w.Type)
	}

	ev := Event{Type: w.Type}
	if w.Type == EventCursorMove {
		if w.Position == nil || w.Position.X == nil || w.Position.Y == nil {
			return Event{}, fmt.Errorf("%w: cursor:move without position", ErrMalformedEvent)
		}
		ev.Position = &Position{X: *w.Position.X, Y: *w.Position.Y}
		return ev, nil
	}
	if len(w.Data) > 0 && !bytes.Equal(w.Data, []byte("null")) {
		ev.Data = w.Data
	}
	return ev, nil
}

// Message is any frame the server emits.
type Message interface {
	Kind() EventType
}

// RelayedEvent is a client event re-stamped with the sender's identity.
type RelayedEvent struct {
	Type     EventType       `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Position *Position       `json:"position,omitempty"`
	UserID   string          `json:"userId"`
	UserName string          `json:"userName"`
}

func (m RelayedEvent) Kind() EventType { return m.Type }

// Stamp attaches the sending participant's identity, overwriting anything the
// client claimed.
func (e Event) Stamp(p Participant) RelayedEvent {
	return RelayedEvent{
		Type:     e.Type,
		Data:     e.Data,
		Position: e.Position,
		UserID:   p.ID,
		UserName: p.Name,
	}
}

type UserJoined struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

func (UserJoined) Kind() EventType { return EventUserJoined }

func (m UserJoined) MarshalJSON() ([]byte, error) {
	type alias UserJoined
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventUserJoined, alias(m)})
}

type UserLeft struct {
	UserID string `json:"userId"`
}

func (UserLeft) Kind() EventType { return EventUserLeft }

func (m UserLeft) MarshalJSON() ([]byte, error) {
	type alias UserLeft
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventUserLeft, alias(m)})
}

// CursorsInit is sent once, privately, to a participant that just joined.
type CursorsInit struct {
	Cursors []Cursor `json:"cursors"`
}

func (CursorsInit) Kind() EventType { return EventCursorsInit }

func (m CursorsInit) MarshalJSON() ([]byte, error) {
	cursors := m.Cursors
	if cursors == nil {
		cursors = []Cursor{}
	}
	return json.Marshal(struct {
		Type    EventType `json:"type"`
		Cursors []Cursor  `json:"cursors"`
	}{EventCursorsInit, cursors})
}

// Encode serializes a server frame.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return b, nil
}

// frameHeader is the subset of a relayed frame needed to mirror presence for
// frames that arrive from another relay instance.
type frameHeader struct {
	Type     EventType `json:"type"`
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	Position *Position `json:"position"`
}
