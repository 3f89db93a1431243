// Package deepgram is a core.SpeechToText backed by the Deepgram streaming
// WebSocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/observe"
	"github.com/rs/zerolog/log"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-2"
	defaultSampleRate = 48000
	keepAliveInterval = 8 * time.Second
	providerName      = "deepgram"
)

var (
	ErrMissingAPIKey = errors.New("deepgram: api key must not be empty")
	ErrStreamClosed  = errors.New("deepgram: stream closed")
)

type Option func(*Provider)

func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithEndpoint overrides the listen URL. Tests point it at a local server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

type Provider struct {
	apiKey   string
	model    string
	endpoint string
	metrics  *observe.Metrics
}

func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	p := &Provider{apiKey: apiKey, model: defaultModel, endpoint: deepgramEndpoint}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram. The stream ends when the caller calls CloseSend
// and Deepgram flushes its last results, or when ctx is cancelled.
func (p *Provider) StartStream(ctx context.Context, cfg core.StreamConfig) (core.RecognitionStream, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		p.record(ctx, observe.StatusError)
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	p.record(ctx, observe.StatusOK)
	log.Debug().Str("module", "speech.deepgram").Str("language", cfg.Language).Msg("stream opened")

	s := newStream(conn)
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

func (p *Provider) record(ctx context.Context, status string) {
	if p.metrics != nil {
		p.metrics.RecordProviderRequest(ctx, providerName, "stt", status)
	}
}

// buildURL maps cfg onto Deepgram query parameters. Containerized audio
// (Ogg, WebM) carries its own encoding and sample rate.
func (p *Provider) buildURL(cfg core.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))

	switch cfg.Encoding {
	case core.EncodingOggOpus, core.EncodingWebmOpus, "":
	default:
		sr := cfg.SampleRate
		if sr == 0 {
			sr = defaultSampleRate
		}
		q.Set("encoding", cfg.Encoding)
		q.Set("sample_rate", strconv.Itoa(sr))
		q.Set("channels", "1")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type stream struct {
	conn    *websocket.Conn
	results chan core.RecognitionResult
	audio   chan []byte

	sendDone  chan struct{}
	sendOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

func newStream(conn *websocket.Conn) *stream {
	return &stream{
		conn:     conn,
		results:  make(chan core.RecognitionResult, 64),
		audio:    make(chan []byte, 256),
		sendDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *stream) Send(chunk []byte) error {
	select {
	case <-s.sendDone:
		return ErrStreamClosed
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return ErrStreamClosed
	}
}

func (s *stream) CloseSend() error {
	s.sendOnce.Do(func() { close(s.sendDone) })
	return nil
}

func (s *stream) Results() <-chan core.RecognitionResult { return s.results }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.setErr(fmt.Errorf("deepgram: write: %w", err))
				return
			}
			keepAlive.Reset(keepAliveInterval)
		case <-keepAlive.C:
			if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		case <-s.sendDone:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					// Deepgram flushes and closes the socket after CloseStream.
					_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					return
				}
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.setErr(fmt.Errorf("deepgram: read: %w", err))
				}
			}
			return
		}

		r, ok := parseResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.results <- r:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// parseResponse keeps only "Results" messages that carry alternatives.
func parseResponse(data []byte) (core.RecognitionResult, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return core.RecognitionResult{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return core.RecognitionResult{}, false
	}
	alts := make([]core.Alternative, 0, len(resp.Channel.Alternatives))
	for _, a := range resp.Channel.Alternatives {
		alts = append(alts, core.Alternative{Transcript: a.Transcript, Confidence: a.Confidence})
	}
	return core.RecognitionResult{IsFinal: resp.IsFinal, Alternatives: alts}, true
}

var (
	_ core.SpeechToText      = (*Provider)(nil)
	_ core.RecognitionStream = (*stream)(nil)
)
