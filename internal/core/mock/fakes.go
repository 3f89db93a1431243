package mock

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/domain"
)

// ---- signaling ----

// Signal is an in-memory core.SignalConnection that records every frame.
type Signal struct {
	mu      sync.Mutex
	frames  []core.Frame
	closed  int
	SendErr error
}

func (s *Signal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	if s.closed > 0 {
		return core.ErrConnectionClosed
	}
	cp := make(core.Frame, len(f))
	copy(cp, f)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *Signal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *Signal) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Events returns the decoded frames whose "type" equals typ, in send order.
func (s *Signal) Events(typ string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, f := range s.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			continue
		}
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

var _ core.SignalConnection = (*Signal)(nil)

// ---- tracks ----

// Track is a core.Track fed by the test through Push and End.
type Track struct {
	id    string
	kind  domain.TrackKind
	owner domain.UserID

	frames chan []byte
	end    sync.Once
}

func NewTrack(owner domain.UserID, kind domain.TrackKind) *Track {
	return &Track{
		id:     string(owner) + "_" + string(kind),
		kind:   kind,
		owner:  owner,
		frames: make(chan []byte, 64),
	}
}

func (t *Track) ID() string               { return t.id }
func (t *Track) Kind() domain.TrackKind   { return t.kind }
func (t *Track) Owner() domain.UserID     { return t.owner }
func (t *Track) Frames() core.FrameSource { return &frameSource{t: t} }
func (t *Track) Push(frame []byte)        { t.frames <- frame }
func (t *Track) End()                     { t.end.Do(func() { close(t.frames) }) }

type frameSource struct{ t *Track }

func (f *frameSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-f.t.frames:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	}
}

func (f *frameSource) Close() {}

var _ core.Track = (*Track)(nil)

// ---- media engine ----

// Session is an in-memory core.MediaSession.
type Session struct {
	UserID domain.UserID

	mu           sync.Mutex
	listener     core.MediaSessionListener
	forwards     map[string]core.Track
	removed      []string
	candidates   []core.ICECandidate
	offers       []core.SessionDescription
	answers      []core.SessionDescription
	closeCalls   int
	NegotiateErr error
}

func NewSession(id domain.UserID) *Session {
	return &Session{UserID: id, forwards: make(map[string]core.Track)}
}

func (s *Session) SetListener(l core.MediaSessionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *Session) Listener() core.MediaSessionListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *Session) Negotiate(_ context.Context, offer core.SessionDescription) (core.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NegotiateErr != nil {
		return core.SessionDescription{}, s.NegotiateErr
	}
	s.offers = append(s.offers, offer)
	return core.SessionDescription{Type: "answer", SDP: "v=0 answer " + string(s.UserID)}, nil
}

func (s *Session) ApplyAnswer(d core.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, d)
	return nil
}

func (s *Session) AddICECandidate(c core.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *Session) AddForward(t core.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalls > 0 {
		return core.ErrSessionClosed
	}
	s.forwards[t.ID()] = t
	return nil
}

func (s *Session) RemoveForward(trackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.forwards[trackID]; !ok {
		return core.ErrForwardNotFound
	}
	delete(s.forwards, trackID)
	s.removed = append(s.removed, trackID)
	return nil
}

// Close mimics the engine: the first call reports OnClosed to the listener.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	first := s.closeCalls == 1
	l := s.listener
	s.mu.Unlock()
	if first && l != nil {
		l.OnClosed()
	}
	return nil
}

func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Forwarded returns the forwarded track ids, sorted.
func (s *Session) Forwarded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.forwards))
	for id := range s.forwards {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) Offers() []core.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.SessionDescription(nil), s.offers...)
}

func (s *Session) Candidates() []core.ICECandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.ICECandidate(nil), s.candidates...)
}

func (s *Session) Answers() []core.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.SessionDescription(nil), s.answers...)
}

var _ core.MediaSession = (*Session)(nil)

// Engine hands out Sessions and remembers them per user.
type Engine struct {
	mu       sync.Mutex
	sessions map[domain.UserID][]*Session
	Err      error
}

func NewEngine() *Engine {
	return &Engine{sessions: make(map[domain.UserID][]*Session)}
}

func (e *Engine) NewSession(_ context.Context, id domain.UserID) (core.MediaSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	s := NewSession(id)
	e.sessions[id] = append(e.sessions[id], s)
	return s, nil
}

// Last returns the most recent session created for id.
func (e *Engine) Last(id domain.UserID) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := e.sessions[id]
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

var _ core.MediaEngine = (*Engine)(nil)

// ---- speech to text ----

// Stream is a scripted core.RecognitionStream. Tests push results with Emit
// and end it with Finish.
type Stream struct {
	results chan core.RecognitionResult
	finish  sync.Once

	mu                sync.Mutex
	sent              int
	err               error
	closeSendCalls    int
	closeCalls        int
	FinishOnCloseSend bool
}

func NewStream() *Stream {
	return &Stream{results: make(chan core.RecognitionResult, 16)}
}

func (s *Stream) Send([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return nil
}

func (s *Stream) CloseSend() error {
	s.mu.Lock()
	s.closeSendCalls++
	fin := s.FinishOnCloseSend
	s.mu.Unlock()
	if fin {
		s.Finish(nil)
	}
	return nil
}

func (s *Stream) Results() <-chan core.RecognitionResult { return s.results }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	return nil
}

// Emit delivers a final result with a single alternative.
func (s *Stream) Emit(text string) {
	s.results <- core.RecognitionResult{IsFinal: true, Alternatives: []core.Alternative{{Transcript: text, Confidence: 0.9}}}
}

func (s *Stream) EmitResult(r core.RecognitionResult) { s.results <- r }

// Finish closes the result channel; err becomes the stream's terminal error.
func (s *Stream) Finish(err error) {
	s.finish.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.results)
	})
}

func (s *Stream) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// CloseSendCount reports how many times CloseSend was called.
func (s *Stream) CloseSendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSendCalls
}

var _ core.RecognitionStream = (*Stream)(nil)

// STT returns Stream (or a fresh one) from StartStream and records configs.
type STT struct {
	mu       sync.Mutex
	Stream   *Stream
	StartErr error
	configs  []core.StreamConfig
	started  chan *Stream
}

func NewSTT() *STT {
	return &STT{started: make(chan *Stream, 16)}
}

func (s *STT) StartStream(_ context.Context, cfg core.StreamConfig) (core.RecognitionStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = append(s.configs, cfg)
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	st := s.Stream
	if st == nil {
		st = NewStream()
	}
	if s.started != nil {
		select {
		case s.started <- st:
		default:
		}
	}
	return st, nil
}

// Started yields every stream handed out, in order.
func (s *STT) Started() <-chan *Stream { return s.started }

func (s *STT) Configs() []core.StreamConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.StreamConfig(nil), s.configs...)
}

var _ core.SpeechToText = (*STT)(nil)
