// Package pipeline turns one speaker's audio track into translated subtitles
// (and optionally synthesized speech) for every other participant.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/domain"
	"github.com/dkeye/Babel/internal/observe"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type State int32

const (
	Starting State = iota
	Streaming
	Draining
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Listener is a participant that receives translations.
type Listener interface {
	ID() domain.UserID
	Preferences() domain.Preferences
	Send(v any) error
}

// Roster returns the current listeners of a room. It is consulted once per
// fragment so joins and leaves take effect on the next fragment.
type Roster interface {
	Listeners(exclude domain.UserID) []Listener
}

type Config struct {
	Encoding   string
	SampleRate int
	// FanoutLimit bounds translate/synthesize work in flight across listeners.
	FanoutLimit int
	// QueueDepth is how many fragments may wait per listener before new
	// ones are dropped for that listener.
	QueueDepth int
	// RequestTimeout bounds each translate and synthesize call.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Encoding == "" {
		c.Encoding = core.EncodingOggOpus
	}
	if c.SampleRate == 0 {
		c.SampleRate = 48000
	}
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = 8
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 32
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

type Deps struct {
	STT         core.SpeechToText
	Translator  core.Translator
	Synthesizer core.Synthesizer
	Metrics     *observe.Metrics
}

// Pipeline is the per-speaker transcription/translation worker. It runs once
// and never restarts itself.
type Pipeline struct {
	id       string
	room     domain.RoomID
	speaker  domain.UserID
	language string
	track    core.Track
	roster   Roster
	deps     Deps
	cfg      Config

	state  atomic.Int32
	done   chan struct{}
	logger zerolog.Logger

	// queues is only touched by the Run goroutine.
	queues  map[domain.UserID]chan delivery
	workers errgroup.Group
	slots   chan struct{}
}

// delivery is one fragment for one listener. prefs are captured when the
// fragment is recognized.
type delivery struct {
	listener Listener
	prefs    domain.Preferences
	text     string
}

// New prepares a pipeline for track. language is the speaker's source
// language captured now; later preference changes do not affect this run.
func New(room domain.RoomID, track core.Track, language string, roster Roster, deps Deps, cfg Config) *Pipeline {
	id := uuid.NewString()
	cfg = cfg.withDefaults()
	return &Pipeline{
		id:       id,
		room:     room,
		speaker:  track.Owner(),
		language: language,
		track:    track,
		roster:   roster,
		deps:     deps,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.FanoutLimit),
		done:     make(chan struct{}),
		queues:   make(map[domain.UserID]chan delivery),
		logger: log.With().
			Str("module", "pipeline").
			Str("room", string(room)).
			Str("user", string(track.Owner())).
			Str("pipeline", id).
			Logger(),
	}
}

func (p *Pipeline) ID() string             { return p.id }
func (p *Pipeline) Speaker() domain.UserID { return p.speaker }
func (p *Pipeline) Language() string       { return p.language }
func (p *Pipeline) State() State           { return State(p.state.Load()) }

// Done is closed once Run has returned.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) setState(s State) {
	old := State(p.state.Swap(int32(s)))
	if old != s {
		p.logger.Debug().Stringer("from", old).Stringer("to", s).Msg("state")
	}
}

// Run blocks until the pipeline is Stopped: the audio ended and trailing
// results were delivered, the recognition stream failed, or ctx was
// cancelled. The returned error is the stream failure, if any.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	defer close(p.done)
	defer p.setState(Stopped)

	p.setState(Starting)
	if ctx.Err() != nil {
		return nil
	}

	started := time.Now()
	stream, err := p.deps.STT.StartStream(ctx, core.StreamConfig{
		Encoding:       p.cfg.Encoding,
		SampleRate:     p.cfg.SampleRate,
		Language:       p.language,
		InterimResults: false,
		Punctuate:      true,
	})
	if err != nil {
		p.setState(Failed)
		p.logger.Error().Err(err).Msg("start recognition stream")
		return fmt.Errorf("start recognition stream: %w", err)
	}
	defer func() {
		_ = stream.Close()
		if p.deps.Metrics != nil {
			p.deps.Metrics.STTSessionDuration.Record(context.Background(), time.Since(started).Seconds())
		}
	}()

	p.setState(Streaming)
	p.logger.Info().Str("language", p.language).Msg("transcription started")
	defer p.drain()

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.pump(pumpCtx, stream)

	results := stream.Results()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("transcription cancelled")
			return nil
		case res, ok := <-results:
			if !ok {
				if serr := stream.Err(); serr != nil {
					p.setState(Failed)
					p.logger.Error().Err(serr).Msg("recognition stream failed")
					return serr
				}
				p.logger.Info().Msg("transcription finished")
				return nil
			}
			p.handle(ctx, res)
		}
	}
}

// pump feeds audio frames into the stream until the track ends.
func (p *Pipeline) pump(ctx context.Context, stream core.RecognitionStream) {
	src := p.track.Frames()
	defer src.Close()

	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, io.EOF) {
				p.logger.Warn().Err(err).Msg("read audio frame")
			}
			p.state.CompareAndSwap(int32(Streaming), int32(Draining))
			if err := stream.CloseSend(); err != nil {
				p.logger.Warn().Err(err).Msg("close send")
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		if err := stream.Send(frame); err != nil {
			// The stream reports the failure through Results/Err.
			p.logger.Warn().Err(err).Msg("send audio frame")
			return
		}
	}
}

// handle queues one final transcript for every current listener and
// returns without waiting. Each listener has its own worker, so fragments
// reach a listener in recognition order and a slow listener never holds
// back the others.
func (p *Pipeline) handle(ctx context.Context, res core.RecognitionResult) {
	if !res.IsFinal || len(res.Alternatives) == 0 {
		return
	}
	text := strings.TrimSpace(res.Alternatives[0].Transcript)
	if text == "" {
		return
	}
	p.logger.Info().Str("transcript", text).Msg("final transcript")
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordFragment(ctx, string(p.room))
	}

	listeners := p.roster.Listeners(p.speaker)
	present := make(map[domain.UserID]struct{}, len(listeners))
	for _, l := range listeners {
		present[l.ID()] = struct{}{}
		q := p.queue(ctx, l.ID())
		select {
		case q <- delivery{listener: l, prefs: l.Preferences(), text: text}:
		default:
			p.logger.Warn().Str("listener", string(l.ID())).Msg("listener queue full, fragment dropped")
			p.record(ctx, observe.KindSubtitle, observe.StatusDropped)
		}
	}
	// Listeners that left finish what is queued and exit.
	for id, q := range p.queues {
		if _, ok := present[id]; !ok {
			close(q)
			delete(p.queues, id)
		}
	}
}

// queue returns the listener's FIFO, starting its worker on first use.
func (p *Pipeline) queue(ctx context.Context, id domain.UserID) chan delivery {
	if q, ok := p.queues[id]; ok {
		return q
	}
	q := make(chan delivery, p.cfg.QueueDepth)
	p.queues[id] = q
	p.workers.Go(func() error {
		p.work(ctx, q)
		return nil
	})
	return q
}

func (p *Pipeline) work(ctx context.Context, q <-chan delivery) {
	for d := range q {
		if ctx.Err() != nil {
			return
		}
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		p.deliver(ctx, d)
		<-p.slots
	}
}

// drain closes every listener queue and waits for the workers, so trailing
// fragments are delivered before the pipeline reports Stopped.
func (p *Pipeline) drain() {
	for id, q := range p.queues {
		close(q)
		delete(p.queues, id)
	}
	_ = p.workers.Wait()
}

// deliver translates text for one listener. Errors stay local to the listener.
func (p *Pipeline) deliver(ctx context.Context, d delivery) {
	l, prefs, text := d.listener, d.prefs, d.text
	logger := p.logger.With().
		Str("listener", string(l.ID())).
		Str("target", prefs.TargetLanguage).
		Logger()

	translated, err := p.translate(ctx, text, prefs.TargetLanguage)
	if err != nil {
		logger.Warn().Err(err).Msg("translate")
		p.record(ctx, observe.KindSubtitle, observe.StatusError)
		return
	}
	translated = strings.TrimSpace(translated)
	if translated == "" {
		return
	}

	if err := l.Send(domain.SubtitleEvent{
		Type:       domain.EventSubtitle,
		Text:       translated,
		FromUserID: p.speaker,
	}); err != nil {
		logger.Debug().Err(err).Msg("subtitle not delivered")
		p.record(ctx, observe.KindSubtitle, observe.StatusDropped)
	} else {
		p.record(ctx, observe.KindSubtitle, observe.StatusOK)
	}

	if prefs.Mode != domain.AudioAndText || p.deps.Synthesizer == nil {
		return
	}
	audio, err := p.synthesize(ctx, translated, prefs.TargetLanguage)
	if err != nil {
		logger.Warn().Err(err).Msg("synthesize")
		p.record(ctx, observe.KindAudio, observe.StatusError)
		return
	}
	if len(audio) == 0 {
		return
	}
	if err := l.Send(domain.TranslatedAudioEvent{
		Type:         domain.EventTranslatedAudio,
		AudioContent: base64.StdEncoding.EncodeToString(audio),
		FromUserID:   p.speaker,
	}); err != nil {
		logger.Debug().Err(err).Msg("translated audio not delivered")
		p.record(ctx, observe.KindAudio, observe.StatusDropped)
		return
	}
	p.record(ctx, observe.KindAudio, observe.StatusOK)
}

func (p *Pipeline) translate(ctx context.Context, text, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	start := time.Now()
	out, err := p.deps.Translator.Translate(ctx, text, target)
	if p.deps.Metrics != nil {
		p.deps.Metrics.TranslateDuration.Record(ctx, time.Since(start).Seconds())
	}
	return out, err
}

func (p *Pipeline) synthesize(ctx context.Context, text, language string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	start := time.Now()
	out, err := p.deps.Synthesizer.Synthesize(ctx, text, language)
	if p.deps.Metrics != nil {
		p.deps.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	return out, err
}

func (p *Pipeline) record(ctx context.Context, kind, status string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordDelivery(ctx, kind, status)
	}
}
