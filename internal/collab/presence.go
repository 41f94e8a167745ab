package collab

import "sort"

// Cursor is the last known pointer position of one participant.
type Cursor struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	UserID   string  `json:"userId"`
	UserName string  `json:"userName"`
}

// Presence tracks cursor positions for one room. Like Registry it relies on the
// owning Room for synchronization.
type Presence struct {
	cursors map[string]Cursor
}

func NewPresence() *Presence {
	return &Presence{cursors: make(map[string]Cursor)}
}

// Update upserts the cursor for id.
func (p *Presence) Update(id string, x, y float64, name string) {
	p.cursors[id] = Cursor{X: x, Y: y, UserID: id, UserName: name}
}

func (p *Presence) Remove(id string) {
	delete(p.cursors, id)
}

// Snapshot returns a point-in-time copy ordered by user id. It is never nil.
func (p *Presence) Snapshot() []Cursor {
	out := make([]Cursor, 0, len(p.cursors))
	for _, c := range p.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (p *Presence) Len() int {
	return len(p.cursors)
}
