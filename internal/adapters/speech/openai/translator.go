// Package openai adapts the OpenAI API (or any compatible endpoint) to the
// Translator and Synthesizer collaborators.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/observe"
	"github.com/rs/zerolog/log"
	oai "github.com/sashabaranov/go-openai"
)

const (
	providerName         = "openai"
	defaultChatModel     = "gpt-4o-mini"
	translateInstruction = "You are a translation engine for live conversation subtitles. " +
		"Translate the user's text into the language identified by the BCP-47 tag %s. " +
		"Reply with the translation only, without quotes or commentary."
)

var (
	ErrMissingAPIKey = errors.New("openai: api key must not be empty")
	ErrNoChoices     = errors.New("openai: empty completion")
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Metrics *observe.Metrics
}

func newClient(cfg Config) (*oai.Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	clientConfig := oai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return oai.NewClientWithConfig(clientConfig), nil
}

type Translator struct {
	client  *oai.Client
	model   string
	metrics *observe.Metrics
}

func NewTranslator(cfg Config) (*Translator, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = defaultChatModel
	}
	return &Translator{client: client, model: model, metrics: cfg.Metrics}, nil
}

func (t *Translator) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	resp, err := t.client.CreateChatCompletion(ctx, oai.ChatCompletionRequest{
		Model:       t.model,
		Temperature: 0,
		Messages: []oai.ChatCompletionMessage{
			{Role: oai.ChatMessageRoleSystem, Content: fmt.Sprintf(translateInstruction, targetLanguage)},
			{Role: oai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		t.record(ctx, observe.StatusError)
		return "", fmt.Errorf("openai: translate: %w", err)
	}
	t.record(ctx, observe.StatusOK)
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	log.Debug().Str("module", "speech.openai").Str("target", targetLanguage).Int("chars", len(out)).Msg("translated")
	return out, nil
}

func (t *Translator) record(ctx context.Context, status string) {
	if t.metrics != nil {
		t.metrics.RecordProviderRequest(ctx, providerName, "translate", status)
	}
}

var _ core.Translator = (*Translator)(nil)
