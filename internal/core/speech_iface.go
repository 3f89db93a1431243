package core

import "context"

const (
	EncodingOggOpus  = "ogg-opus"
	EncodingWebmOpus = "webm-opus"
	EncodingLinear16 = "linear16"
)

// StreamConfig configures one recognition stream.
type StreamConfig struct {
	Encoding       string
	SampleRate     int
	Language       string
	InterimResults bool
	Punctuate      bool
}

type Alternative struct {
	Transcript string
	Confidence float64
}

type RecognitionResult struct {
	IsFinal      bool
	Alternatives []Alternative
}

// RecognitionStream is an open-ended speech-to-text stream.
//
// Results is closed when the stream ends; Err then reports why (nil on a
// clean end of input).
type RecognitionStream interface {
	Send(chunk []byte) error
	// CloseSend signals end of audio; trailing results are still delivered.
	CloseSend() error
	Results() <-chan RecognitionResult
	Err() error
	Close() error
}

type SpeechToText interface {
	StartStream(ctx context.Context, cfg StreamConfig) (RecognitionStream, error)
}

//go:generate mockgen -destination=mock/speech_mock.go -package=mock github.com/dkeye/Babel/internal/core Translator,Synthesizer

type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, languageCode string) ([]byte, error)
}
