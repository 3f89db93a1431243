package signal

import (
	"encoding/json"

	"github.com/dkeye/Babel/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleLanguageSettings(s *session, data []byte) {
	var p struct {
		SourceLang *string `json:"source_lang"`
		TargetLang *string `json:"target_lang"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad language settings payload")
		ctl.sendError(s, "bad_payload")
		return
	}
	prefs := ctl.Orch.UpdatePreferences(s.member, domain.PreferencesUpdate{
		SourceLanguage: p.SourceLang,
		TargetLanguage: p.TargetLang,
	})
	log.Info().
		Str("module", "signal").
		Str("user", string(s.user)).
		Str("source_lang", prefs.SourceLanguage).
		Str("target_lang", prefs.TargetLanguage).
		Msg("language settings")
}

func (ctl *SignalWSController) handleTranslationMode(s *session, data []byte) {
	var p struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(s, "bad_payload")
		return
	}
	if _, ok := domain.ParseDeliveryMode(p.Mode); !ok {
		ctl.sendError(s, "invalid_mode")
		return
	}
	prefs := ctl.Orch.UpdatePreferences(s.member, domain.PreferencesUpdate{Mode: &p.Mode})
	log.Info().Str("module", "signal").Str("user", string(s.user)).Str("mode", string(prefs.Mode)).Msg("translation mode")
}
