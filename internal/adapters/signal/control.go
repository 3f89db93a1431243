package signal

import (
	"encoding/json"

	"github.com/dkeye/Babel/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handlePing(s *session) {
	ctl.sendJSON(s, struct {
		Type string `json:"type"`
	}{Type: domain.EventPong})
}

func (ctl *SignalWSController) handleSpeaking(s *session, data []byte) {
	var p struct {
		Speaking bool `json:"speaking"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(s, "bad_payload")
		return
	}
	// A stop is never rate limited.
	if p.Speaking && ctl.Speaking != nil && !ctl.Speaking.Allow(s.room, s.user) {
		log.Debug().Str("module", "signal").Str("user", string(s.user)).Msg("speaking rate limited")
		return
	}
	ctl.Orch.Speaking(s.member, p.Speaking)
}
