package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Babel/internal/app"
	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/domain"
	"github.com/rs/zerolog/log"
)

const maxJoinAttempts = 3

// Join adds userID to roomID, creating the room if needed. A room deleted
// between lookup and join is retried on a fresh instance.
func (o *Orchestrator) Join(ctx context.Context, roomID domain.RoomID, userID domain.UserID, sig core.SignalConnection) (*Membership, error) {
	for attempt := 1; attempt <= maxJoinAttempts; attempt++ {
		room := o.Rooms.GetOrCreate(roomID)
		p, err := room.AddParticipant(ctx, userID, sig)
		if errors.Is(err, app.ErrRoomClosed) {
			log.Debug().
				Str("module", "orch").
				Str("room", string(roomID)).
				Int("attempt", attempt).
				Msg("room closed during join, retrying")
			continue
		}
		if err != nil {
			o.Rooms.DeleteIfEmpty(roomID)
			return nil, err
		}
		return &Membership{Room: room, Participant: p}, nil
	}
	return nil, app.ErrRoomClosed
}

// Leave removes the participant and drops the room if it is now empty.
func (o *Orchestrator) Leave(m *Membership) {
	if m.Room.Leave(m.Participant) {
		log.Info().
			Str("module", "orch").
			Str("room", string(m.Room.ID())).
			Str("user", string(m.Participant.ID())).
			Msg("left room")
	}
	o.Rooms.DeleteIfEmpty(m.Room.ID())
}

func (o *Orchestrator) UpdatePreferences(m *Membership, u domain.PreferencesUpdate) domain.Preferences {
	return m.Room.UpdatePreferences(m.Participant, u)
}

func (o *Orchestrator) Speaking(m *Membership, speaking bool) {
	m.Room.SetSpeaking(m.Participant, speaking)
}
