package edge

import (
	"context"
	"errors"
	"testing"
)

func TestVoiceFor(t *testing.T) {
	tests := map[string]string{
		"pt-BR": "pt-BR-FranciscaNeural",
		"en-GB": "en-GB-SoniaNeural",
		"es-AR": "es-ES-ElviraNeural",
		"FR":    "fr-FR-DeniseNeural",
		"xx-YY": fallbackVoice,
		"":      fallbackVoice,
	}
	for in, want := range tests {
		if got := VoiceFor(in); got != want {
			t.Errorf("VoiceFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSynthesize_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New("", nil).Synthesize(ctx, "hello", "en-US"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
