package openai

import (
	"context"
	"fmt"
	"io"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/observe"
	oai "github.com/sashabaranov/go-openai"
)

const (
	defaultSpeechModel = oai.TTSModel1
	defaultVoice       = oai.VoiceAlloy
)

// Synthesizer renders MP3 speech. The OpenAI voices are multilingual, so the
// language code only matters for logging.
type Synthesizer struct {
	client  *oai.Client
	model   oai.SpeechModel
	voice   oai.SpeechVoice
	metrics *observe.Metrics
}

func NewSynthesizer(cfg Config, voice string) (*Synthesizer, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	s := &Synthesizer{client: client, model: defaultSpeechModel, voice: defaultVoice, metrics: cfg.Metrics}
	if cfg.Model != "" {
		s.model = oai.SpeechModel(cfg.Model)
	}
	if voice != "" {
		s.voice = oai.SpeechVoice(voice)
	}
	return s, nil
}

func (s *Synthesizer) Synthesize(ctx context.Context, text, languageCode string) ([]byte, error) {
	resp, err := s.client.CreateSpeech(ctx, oai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: oai.SpeechResponseFormatMp3,
	})
	if err != nil {
		s.record(ctx, observe.StatusError)
		return nil, fmt.Errorf("openai: synthesize %s: %w", languageCode, err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		s.record(ctx, observe.StatusError)
		return nil, fmt.Errorf("openai: read speech: %w", err)
	}
	s.record(ctx, observe.StatusOK)
	return audio, nil
}

func (s *Synthesizer) record(ctx context.Context, status string) {
	if s.metrics != nil {
		s.metrics.RecordProviderRequest(ctx, providerName, "tts", status)
	}
}

var _ core.Synthesizer = (*Synthesizer)(nil)
