package orch

import (
	"context"

	"github.com/dkeye/Babel/internal/core"
	"github.com/rs/zerolog/log"
)

// OnOffer applies a client offer (with its language settings) and returns
// the answer to send back.
func (o *Orchestrator) OnOffer(ctx context.Context, m *Membership, offer core.SessionDescription, source, target *string) (core.SessionDescription, error) {
	answer, err := m.Room.Negotiate(ctx, m.Participant, offer, source, target)
	if err != nil {
		return core.SessionDescription{}, err
	}
	prefs := m.Participant.Preferences()
	log.Info().
		Str("module", "orch").
		Str("room", string(m.Room.ID())).
		Str("user", string(m.Participant.ID())).
		Str("source", prefs.SourceLanguage).
		Str("target", prefs.TargetLanguage).
		Msg("offer negotiated")
	return answer, nil
}

// OnAnswer completes a server-initiated renegotiation.
func (o *Orchestrator) OnAnswer(m *Membership, answer core.SessionDescription) error {
	return m.Participant.Media().ApplyAnswer(answer)
}

func (o *Orchestrator) OnCandidate(m *Membership, c core.ICECandidate) error {
	return m.Participant.Media().AddICECandidate(c)
}
