package speech

import (
	"errors"
	"testing"

	"github.com/dkeye/Babel/internal/adapters/speech/edge"
	"github.com/dkeye/Babel/internal/adapters/speech/openai"
	"github.com/dkeye/Babel/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name              string
		cfg               config.Config
		stt, tr, tts, err bool
	}{
		{
			name: "all configured",
			cfg: config.Config{
				STT:       config.STTConfig{Provider: "deepgram", APIKey: "dg"},
				Translate: config.TranslateConfig{APIKey: "oa"},
				TTS:       config.TTSConfig{Provider: "openai", APIKey: "oa"},
			},
			stt: true, tr: true, tts: true,
		},
		{
			name: "missing keys degrade",
			cfg: config.Config{
				STT: config.STTConfig{Provider: "deepgram"},
				TTS: config.TTSConfig{Provider: "openai"},
			},
		},
		{
			name: "edge needs no key",
			cfg:  config.Config{TTS: config.TTSConfig{Provider: "edge"}},
			tts:  true,
		},
		{
			name: "unknown stt",
			cfg:  config.Config{STT: config.STTConfig{Provider: "whisper"}},
			err:  true,
		},
		{
			name: "unknown tts",
			cfg:  config.Config{TTS: config.TTSConfig{Provider: "polly"}},
			err:  true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := New(&tc.cfg, nil)
			if tc.err {
				if !errors.Is(err, ErrUnknownProvider) {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if (got.STT != nil) != tc.stt || (got.Translator != nil) != tc.tr || (got.Synthesizer != nil) != tc.tts {
				t.Fatalf("providers = %+v", got)
			}
		})
	}
}

func TestNew_SynthesizerKind(t *testing.T) {
	got, _ := New(&config.Config{TTS: config.TTSConfig{Provider: "edge"}}, nil)
	if _, ok := got.Synthesizer.(*edge.Synthesizer); !ok {
		t.Fatalf("synthesizer = %T", got.Synthesizer)
	}
	got, _ = New(&config.Config{TTS: config.TTSConfig{Provider: "openai", APIKey: "k"}}, nil)
	if _, ok := got.Synthesizer.(*openai.Synthesizer); !ok {
		t.Fatalf("synthesizer = %T", got.Synthesizer)
	}
}
