// Package orch is the entry point the transport adapters talk to. It binds a
// signaling connection to a room participant and routes inbound messages.
package orch

import (
	"github.com/dkeye/Babel/internal/app"
)

type Orchestrator struct {
	Rooms *app.RoomRegistry
}

func New(rooms *app.RoomRegistry) *Orchestrator {
	return &Orchestrator{Rooms: rooms}
}

// Membership is one participant's binding to the room it joined.
type Membership struct {
	Room        *app.Room
	Participant *app.Participant
}

// Replaced reports whether a newer participant with the same user id now
// holds this membership's seat in the room.
func (m *Membership) Replaced() bool {
	cur, ok := m.Room.Participant(m.Participant.ID())
	return ok && cur != m.Participant
}
