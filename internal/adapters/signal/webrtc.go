package signal

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/domain"
	"github.com/rs/zerolog/log"
)

type descriptionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// description accepts both {"offer":{"sdp":..}} and a top-level "sdp".
func description(nested *descriptionPayload, flat descriptionPayload, kind string) core.SessionDescription {
	d := flat
	if nested != nil {
		d = *nested
	}
	return core.SessionDescription{Type: kind, SDP: d.SDP}
}

func (ctl *SignalWSController) handleOffer(ctx context.Context, s *session, data []byte) {
	var p struct {
		descriptionPayload
		Offer      *descriptionPayload `json:"offer"`
		SourceLang *string             `json:"source_lang"`
		TargetLang *string             `json:"target_lang"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad offer payload")
		ctl.sendError(s, "bad_payload")
		return
	}
	offer := description(p.Offer, p.descriptionPayload, "offer")
	if offer.SDP == "" {
		ctl.sendError(s, "bad_payload")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, negotiateTimeout)
	defer cancel()
	answer, err := ctl.Orch.OnOffer(ctx, s.member, offer, p.SourceLang, p.TargetLang)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("user", string(s.user)).Msg("negotiate")
		ctl.sendError(s, "negotiation_failed")
		return
	}
	ctl.sendJSON(s, domain.AnswerEvent{
		Type:   domain.EventAnswer,
		Answer: domain.SessionDescriptionDTO{SDP: answer.SDP, Type: answer.Type},
	})
}

func (ctl *SignalWSController) handleAnswer(s *session, data []byte) {
	var p struct {
		descriptionPayload
		Answer *descriptionPayload `json:"answer"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(s, "bad_payload")
		return
	}
	answer := description(p.Answer, p.descriptionPayload, "answer")
	if err := ctl.Orch.OnAnswer(s.member, answer); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("user", string(s.user)).Msg("apply answer")
	}
}

type candidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment"`
}

// parseCandidate accepts the browser's nested RTCIceCandidateInit as well as
// the flat {"candidate":"..","sdpMid":..} form.
func parseCandidate(data []byte) (core.ICECandidate, bool, error) {
	var env struct {
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return core.ICECandidate{}, false, err
	}
	raw := bytes.TrimSpace(env.Candidate)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return core.ICECandidate{}, false, nil
	}

	var p candidatePayload
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &p); err != nil {
			return core.ICECandidate{}, false, err
		}
	} else if err := json.Unmarshal(data, &p); err != nil {
		return core.ICECandidate{}, false, err
	}
	if p.Candidate == "" {
		// end-of-candidates
		return core.ICECandidate{}, false, nil
	}
	return core.ICECandidate{Candidate: p.Candidate, SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLineIndex}, true, nil
}

func (ctl *SignalWSController) handleCandidate(s *session, data []byte) {
	cand, ok, err := parseCandidate(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad candidate payload")
		ctl.sendError(s, "bad_payload")
		return
	}
	if !ok {
		return
	}
	if err := ctl.Orch.OnCandidate(s.member, cand); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("user", string(s.user)).Msg("add ice candidate")
	}
}
