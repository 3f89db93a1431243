package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/core/mock"
	"github.com/dkeye/Babel/internal/domain"
	"go.uber.org/mock/gomock"
)

type sent struct {
	kind string
	text string
	from domain.UserID
}

type listener struct {
	id    domain.UserID
	prefs domain.Preferences

	mu     sync.Mutex
	events []sent
}

func newListener(id domain.UserID, target string, mode domain.DeliveryMode) *listener {
	prefs := domain.DefaultPreferences()
	prefs.TargetLanguage = target
	prefs.Mode = mode
	return &listener{id: id, prefs: prefs}
}

func (l *listener) ID() domain.UserID               { return l.id }
func (l *listener) Preferences() domain.Preferences { return l.prefs }

func (l *listener) Send(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch e := v.(type) {
	case domain.SubtitleEvent:
		l.events = append(l.events, sent{kind: e.Type, text: e.Text, from: e.FromUserID})
	case domain.TranslatedAudioEvent:
		l.events = append(l.events, sent{kind: e.Type, text: e.AudioContent, from: e.FromUserID})
	}
	return nil
}

func (l *listener) received() []sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sent(nil), l.events...)
}

type roster struct {
	mu        sync.Mutex
	listeners []Listener
}

func (r *roster) set(ls ...Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = ls
}

func (r *roster) Listeners(exclude domain.UserID) []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		if l.ID() != exclude {
			out = append(out, l)
		}
	}
	return out
}

type harness struct {
	stream *mock.Stream
	stt    *mock.STT
	track  *mock.Track
	tr     *mock.MockTranslator
	tts    *mock.MockSynthesizer
	roster *roster
	p      *Pipeline
	errc   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		stream: mock.NewStream(),
		stt:    mock.NewSTT(),
		track:  mock.NewTrack("A", domain.TrackAudio),
		tr:     mock.NewMockTranslator(ctrl),
		tts:    mock.NewMockSynthesizer(ctrl),
		roster: &roster{},
		errc:   make(chan error, 1),
	}
	h.stream.FinishOnCloseSend = true
	h.stt.Stream = h.stream
	h.p = New("room", h.track, "pt-BR", h.roster, Deps{
		STT:         h.stt,
		Translator:  h.tr,
		Synthesizer: h.tts,
	}, Config{RequestTimeout: time.Second})
	return h
}

func (h *harness) run(ctx context.Context) {
	go func() { h.errc <- h.p.Run(ctx) }()
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func TestPipeline_TranslatesForEachListener(t *testing.T) {
	h := newHarness(t)
	b := newListener("B", "en-US", domain.TextOnly)
	c := newListener("C", "es-ES", domain.AudioAndText)
	h.roster.set(newListener("A", "fr-FR", domain.TextOnly), b, c)

	h.tr.EXPECT().Translate(gomock.Any(), "olá", "en-US").Return("hello", nil)
	h.tr.EXPECT().Translate(gomock.Any(), "olá", "es-ES").Return("hola", nil)
	h.tts.EXPECT().Synthesize(gomock.Any(), "hola", "es-ES").Return([]byte("mp3"), nil)

	h.run(context.Background())
	h.track.Push([]byte{1, 2, 3})
	h.stream.EmitResult(core.RecognitionResult{Alternatives: []core.Alternative{{Transcript: "ol"}}})
	h.stream.Emit("olá")
	h.stream.Emit("   ")
	h.track.End()

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.p.State(); got != Stopped {
		t.Fatalf("state = %v, want stopped", got)
	}

	if got := b.received(); len(got) != 1 || got[0] != (sent{domain.EventSubtitle, "hello", "A"}) {
		t.Fatalf("B received %+v", got)
	}
	want := []sent{
		{domain.EventSubtitle, "hola", "A"},
		{domain.EventTranslatedAudio, base64.StdEncoding.EncodeToString([]byte("mp3")), "A"},
	}
	got := c.received()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("C received %+v, want %+v", got, want)
	}

	cfgs := h.stt.Configs()
	if len(cfgs) != 1 {
		t.Fatalf("StartStream calls = %d", len(cfgs))
	}
	if cfg := cfgs[0]; cfg.Language != "pt-BR" || cfg.InterimResults || !cfg.Punctuate || cfg.SampleRate != 48000 {
		t.Fatalf("unexpected stream config %+v", cfg)
	}
	if h.stream.SentCount() != 1 {
		t.Fatalf("frames sent = %d, want 1", h.stream.SentCount())
	}
}

func TestPipeline_ListenerFailureIsolated(t *testing.T) {
	h := newHarness(t)
	b := newListener("B", "en-US", domain.TextOnly)
	c := newListener("C", "de-DE", domain.AudioAndText)
	h.roster.set(b, c)

	h.tr.EXPECT().Translate(gomock.Any(), "bom dia", "en-US").Return("good morning", nil)
	h.tr.EXPECT().Translate(gomock.Any(), "bom dia", "de-DE").Return("", errors.New("quota"))

	h.run(context.Background())
	h.stream.Emit("bom dia")
	h.track.End()

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := b.received(); len(got) != 1 || got[0].text != "good morning" {
		t.Fatalf("B received %+v", got)
	}
	if got := c.received(); len(got) != 0 {
		t.Fatalf("C received %+v, want nothing", got)
	}
}

func TestPipeline_SynthesisFailureKeepsSubtitle(t *testing.T) {
	h := newHarness(t)
	c := newListener("C", "en-US", domain.AudioAndText)
	h.roster.set(c)

	h.tr.EXPECT().Translate(gomock.Any(), "oi", "en-US").Return("hi", nil)
	h.tts.EXPECT().Synthesize(gomock.Any(), "hi", "en-US").Return(nil, errors.New("tts down"))

	h.run(context.Background())
	h.stream.Emit("oi")
	h.track.End()

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := c.received(); len(got) != 1 || got[0].kind != domain.EventSubtitle {
		t.Fatalf("C received %+v", got)
	}
}

func TestPipeline_EmptyTranslationSkipped(t *testing.T) {
	h := newHarness(t)
	b := newListener("B", "en-US", domain.AudioAndText)
	h.roster.set(b)

	h.tr.EXPECT().Translate(gomock.Any(), "hmm", "en-US").Return("  ", nil)

	h.run(context.Background())
	h.stream.Emit("hmm")
	h.track.End()

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := b.received(); len(got) != 0 {
		t.Fatalf("B received %+v", got)
	}
}

func TestPipeline_PreservesOrderPerListener(t *testing.T) {
	h := newHarness(t)
	b := newListener("B", "en-US", domain.TextOnly)
	h.roster.set(b)

	// Earlier fragments take longer; order must still hold.
	delays := map[string]time.Duration{"um": 60 * time.Millisecond, "dois": 30 * time.Millisecond, "três": 0}
	h.tr.EXPECT().Translate(gomock.Any(), gomock.Any(), "en-US").
		DoAndReturn(func(_ context.Context, text, _ string) (string, error) {
			time.Sleep(delays[text])
			return strings.ToUpper(text), nil
		}).Times(3)

	h.run(context.Background())
	h.stream.Emit("um")
	h.stream.Emit("dois")
	h.stream.Emit("três")
	h.track.End()

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := b.received()
	want := []string{"UM", "DOIS", "TRÊS"}
	if len(got) != len(want) {
		t.Fatalf("B received %+v", got)
	}
	for i := range want {
		if got[i].text != want[i] {
			t.Fatalf("fragment %d = %q, want %q", i, got[i].text, want[i])
		}
	}
}

func TestPipeline_SlowListenerDoesNotDelayOthers(t *testing.T) {
	h := newHarness(t)
	b := newListener("B", "en-US", domain.TextOnly)
	c := newListener("C", "es-ES", domain.TextOnly)
	h.roster.set(b, c)

	release := make(chan struct{})
	h.tr.EXPECT().Translate(gomock.Any(), gomock.Any(), "en-US").
		DoAndReturn(func(ctx context.Context, text, _ string) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return strings.ToUpper(text), nil
		}).Times(2)
	h.tr.EXPECT().Translate(gomock.Any(), gomock.Any(), "es-ES").
		DoAndReturn(func(_ context.Context, text, _ string) (string, error) {
			return text + "!", nil
		}).Times(2)

	h.run(context.Background())
	h.stream.Emit("um")
	h.stream.Emit("dois")

	deadline := time.Now().Add(500 * time.Millisecond)
	for len(c.received()) < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := c.received(); len(got) != 2 || got[0].text != "um!" || got[1].text != "dois!" {
		t.Fatalf("C received %+v while B was still translating", got)
	}
	if got := b.received(); len(got) != 0 {
		t.Fatalf("B received %+v before its translations finished", got)
	}

	close(release)
	h.track.End()
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := b.received()
	if len(got) != 2 || got[0].text != "UM" || got[1].text != "DOIS" {
		t.Fatalf("B received %+v", got)
	}
}

func TestPipeline_FullQueueDropsForThatListenerOnly(t *testing.T) {
	h := newHarness(t)
	h.p = New("room", h.track, "pt-BR", h.roster, Deps{
		STT:        h.stt,
		Translator: h.tr,
	}, Config{QueueDepth: 1, RequestTimeout: time.Second})
	b := newListener("B", "en-US", domain.TextOnly)
	c := newListener("C", "es-ES", domain.TextOnly)
	h.roster.set(b, c)

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	h.tr.EXPECT().Translate(gomock.Any(), gomock.Any(), "en-US").
		DoAndReturn(func(_ context.Context, text, _ string) (string, error) {
			started <- struct{}{}
			<-release
			return text, nil
		}).Times(2)
	h.tr.EXPECT().Translate(gomock.Any(), gomock.Any(), "es-ES").
		DoAndReturn(func(_ context.Context, text, _ string) (string, error) {
			return text, nil
		}).Times(3)

	h.run(context.Background())
	h.stream.Emit("um")
	<-started
	// B's worker is busy with "um": "dois" fills B's queue, "três" overflows it.
	h.stream.Emit("dois")
	for len(c.received()) < 2 {
		time.Sleep(time.Millisecond)
	}
	h.stream.Emit("três")
	for len(c.received()) < 3 {
		time.Sleep(time.Millisecond)
	}
	close(release)
	h.track.End()

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := b.received(); len(got) != 2 || got[0].text != "um" || got[1].text != "dois" {
		t.Fatalf("B received %+v", got)
	}
	if got := c.received(); len(got) != 3 {
		t.Fatalf("C received %+v", got)
	}
}

func TestPipeline_RosterReadPerFragment(t *testing.T) {
	h := newHarness(t)
	h.stream.FinishOnCloseSend = false
	b := newListener("B", "en-US", domain.TextOnly)
	c := newListener("C", "en-US", domain.TextOnly)
	h.roster.set(b)

	first := make(chan struct{})
	h.tr.EXPECT().Translate(gomock.Any(), "primeiro", "en-US").
		DoAndReturn(func(context.Context, string, string) (string, error) {
			defer close(first)
			return "first", nil
		})
	h.tr.EXPECT().Translate(gomock.Any(), "segundo", "en-US").Return("second", nil).Times(2)

	h.run(context.Background())
	h.stream.Emit("primeiro")
	<-first
	// Wait until fragment one is fully delivered before C joins.
	for len(b.received()) == 0 {
		time.Sleep(time.Millisecond)
	}
	h.roster.set(b, c)
	h.stream.Emit("segundo")
	h.stream.Finish(nil)

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := b.received(); len(got) != 2 {
		t.Fatalf("B received %+v", got)
	}
	if got := c.received(); len(got) != 1 || got[0].text != "second" {
		t.Fatalf("C received %+v", got)
	}
}

func TestPipeline_StreamFailure(t *testing.T) {
	h := newHarness(t)
	h.roster.set(newListener("B", "en-US", domain.TextOnly))

	boom := errors.New("recognizer reset")
	h.run(context.Background())
	h.stream.Finish(boom)

	if err := h.wait(t); !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want %v", err, boom)
	}
	if got := h.p.State(); got != Stopped {
		t.Fatalf("state = %v, want stopped", got)
	}
	if h.stream.CloseCount() == 0 {
		t.Fatal("stream not closed")
	}
}

func TestPipeline_StartFailure(t *testing.T) {
	h := newHarness(t)
	h.stt.StartErr = errors.New("no credentials")

	h.run(context.Background())
	if err := h.wait(t); err == nil || !strings.Contains(err.Error(), "no credentials") {
		t.Fatalf("Run error = %v", err)
	}
	select {
	case <-h.p.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestPipeline_CancelStopsPromptly(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.run(ctx)

	select {
	case <-h.stt.Started():
	case <-time.After(time.Second):
		t.Fatal("stream never started")
	}
	cancel()

	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.p.State(); got != Stopped {
		t.Fatalf("state = %v", got)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		Starting:  "starting",
		Streaming: "streaming",
		Draining:  "draining",
		Failed:    "failed",
		Stopped:   "stopped",
		State(42): "state(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int32(s), got, want)
		}
	}
}
