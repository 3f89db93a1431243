// Package speech selects the speech providers named in the configuration.
package speech

import (
	"errors"
	"fmt"

	"github.com/dkeye/Babel/internal/adapters/speech/deepgram"
	"github.com/dkeye/Babel/internal/adapters/speech/edge"
	"github.com/dkeye/Babel/internal/adapters/speech/openai"
	"github.com/dkeye/Babel/internal/config"
	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/observe"
	"github.com/rs/zerolog/log"
)

var ErrUnknownProvider = errors.New("unknown speech provider")

type Providers struct {
	STT         core.SpeechToText
	Translator  core.Translator
	Synthesizer core.Synthesizer
}

// New builds the configured providers. A provider without credentials is left
// nil and logged; rooms then relay media without translation.
func New(cfg *config.Config, metrics *observe.Metrics) (Providers, error) {
	var out Providers

	switch cfg.STT.Provider {
	case "deepgram":
		stt, err := deepgram.New(cfg.STT.APIKey, deepgram.WithModel(cfg.STT.Model), deepgram.WithMetrics(metrics))
		if errors.Is(err, deepgram.ErrMissingAPIKey) {
			log.Warn().Str("module", "speech").Msg("no deepgram api key, transcription disabled")
		} else if err != nil {
			return out, err
		} else {
			out.STT = stt
		}
	case "", "none":
	default:
		return out, fmt.Errorf("stt %q: %w", cfg.STT.Provider, ErrUnknownProvider)
	}

	tr, err := openai.NewTranslator(openai.Config{
		APIKey:  cfg.Translate.APIKey,
		BaseURL: cfg.Translate.BaseURL,
		Model:   cfg.Translate.Model,
		Metrics: metrics,
	})
	if errors.Is(err, openai.ErrMissingAPIKey) {
		log.Warn().Str("module", "speech").Msg("no translate api key, translation disabled")
	} else if err != nil {
		return out, err
	} else {
		out.Translator = tr
	}

	switch cfg.TTS.Provider {
	case "edge":
		out.Synthesizer = edge.New(cfg.TTS.Voice, metrics)
	case "openai":
		s, err := openai.NewSynthesizer(openai.Config{
			APIKey:  cfg.TTS.APIKey,
			BaseURL: cfg.Translate.BaseURL,
			Model:   cfg.TTS.Model,
			Metrics: metrics,
		}, cfg.TTS.Voice)
		if errors.Is(err, openai.ErrMissingAPIKey) {
			log.Warn().Str("module", "speech").Msg("no tts api key, audio delivery disabled")
		} else if err != nil {
			return out, err
		} else {
			out.Synthesizer = s
		}
	case "", "none":
	default:
		return out, fmt.Errorf("tts %q: %w", cfg.TTS.Provider, ErrUnknownProvider)
	}

	log.Info().
		Str("module", "speech").
		Bool("stt", out.STT != nil).
		Bool("translate", out.Translator != nil).
		Bool("tts", out.Synthesizer != nil).
		Msg("speech providers ready")
	return out, nil
}
