// Package edge synthesizes speech with the Microsoft Edge read-aloud voices.
package edge

import (
	"context"
	"fmt"
	"strings"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/observe"
	"github.com/rs/zerolog/log"
	"github.com/wujunwei928/edge-tts-go/edge_tts"
)

const (
	providerName  = "edge"
	fallbackVoice = "en-US-AriaNeural"
)

// voices maps a BCP-47 tag to a neural voice. Lookups fall back to the
// primary language subtag.
var voices = map[string]string{
	"en-US": "en-US-AriaNeural",
	"en-GB": "en-GB-SoniaNeural",
	"pt-BR": "pt-BR-FranciscaNeural",
	"pt-PT": "pt-PT-RaquelNeural",
	"es-ES": "es-ES-ElviraNeural",
	"es-MX": "es-MX-DaliaNeural",
	"fr-FR": "fr-FR-DeniseNeural",
	"de-DE": "de-DE-KatjaNeural",
	"it-IT": "it-IT-ElsaNeural",
	"ja-JP": "ja-JP-NanamiNeural",
	"ko-KR": "ko-KR-SunHiNeural",
	"zh-CN": "zh-CN-XiaoxiaoNeural",
	"ru-RU": "ru-RU-SvetlanaNeural",
	"hi-IN": "hi-IN-SwaraNeural",
	"ar-SA": "ar-SA-ZariyahNeural",
	"nl-NL": "nl-NL-ColetteNeural",
	"pl-PL": "pl-PL-ZofiaNeural",
	"tr-TR": "tr-TR-EmelNeural",
	"uk-UA": "uk-UA-PolinaNeural",
}

var primary = map[string]string{
	"en": "en-US", "pt": "pt-BR", "es": "es-ES", "fr": "fr-FR", "de": "de-DE",
	"it": "it-IT", "ja": "ja-JP", "ko": "ko-KR", "zh": "zh-CN", "ru": "ru-RU",
	"hi": "hi-IN", "ar": "ar-SA", "nl": "nl-NL", "pl": "pl-PL", "tr": "tr-TR",
	"uk": "uk-UA",
}

// VoiceFor returns the neural voice used for languageCode.
func VoiceFor(languageCode string) string {
	if v, ok := voices[languageCode]; ok {
		return v
	}
	lang, _, _ := strings.Cut(languageCode, "-")
	if tag, ok := primary[strings.ToLower(lang)]; ok {
		return voices[tag]
	}
	return fallbackVoice
}

// Synthesizer produces MP3 audio. A fixed voice, when set, overrides the
// per-language table.
type Synthesizer struct {
	voice   string
	metrics *observe.Metrics
}

func New(voice string, metrics *observe.Metrics) *Synthesizer {
	return &Synthesizer{voice: voice, metrics: metrics}
}

type result struct {
	audio []byte
	err   error
}

func (s *Synthesizer) Synthesize(ctx context.Context, text, languageCode string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	voice := s.voice
	if voice == "" {
		voice = VoiceFor(languageCode)
	}

	// The client library is not context aware; abandon the call on cancel.
	done := make(chan result, 1)
	go func() {
		audio, err := synthesize(voice, text)
		done <- result{audio, err}
	}()

	select {
	case <-ctx.Done():
		s.record(ctx, observe.StatusError)
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			s.record(ctx, observe.StatusError)
			return nil, fmt.Errorf("edge: synthesize %s: %w", voice, r.err)
		}
		s.record(ctx, observe.StatusOK)
		log.Debug().Str("module", "speech.edge").Str("voice", voice).Int("bytes", len(r.audio)).Msg("synthesized")
		return r.audio, nil
	}
}

func synthesize(voice, text string) ([]byte, error) {
	communicate, err := edge_tts.New(voice)
	if err != nil {
		return nil, err
	}
	defer communicate.Close()
	return communicate.Output(text)
}

func (s *Synthesizer) record(ctx context.Context, status string) {
	if s.metrics != nil {
		s.metrics.RecordProviderRequest(ctx, providerName, "tts", status)
	}
}

var _ core.Synthesizer = (*Synthesizer)(nil)
