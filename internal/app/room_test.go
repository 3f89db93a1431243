package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/core/mock"
	"github.com/dkeye/Babel/internal/domain"
	"go.uber.org/mock/gomock"
)

type testRoom struct {
	room   *Room
	engine *mock.Engine
	stt    *mock.STT
	tr     *mock.MockTranslator
	tts    *mock.MockSynthesizer
}

func newTestRoom(t *testing.T) *testRoom {
	t.Helper()
	ctrl := gomock.NewController(t)
	tr := &testRoom{
		engine: mock.NewEngine(),
		stt:    mock.NewSTT(),
		tr:     mock.NewMockTranslator(ctrl),
		tts:    mock.NewMockSynthesizer(ctrl),
	}
	tr.room = NewRoom("lobby", tr.deps())
	t.Cleanup(tr.room.Close)
	return tr
}

func (tr *testRoom) deps() RoomDeps {
	return RoomDeps{
		Engine:      tr.engine,
		STT:         tr.stt,
		Translator:  tr.tr,
		Synthesizer: tr.tts,
		StopTimeout: time.Second,
	}
}

func (tr *testRoom) join(t *testing.T, id domain.UserID) (*Participant, *mock.Signal) {
	t.Helper()
	sig := &mock.Signal{}
	p, err := tr.room.AddParticipant(context.Background(), id, sig)
	if err != nil {
		t.Fatalf("AddParticipant(%s): %v", id, err)
	}
	return p, sig
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestRoom_JoinAnnouncesToOthers(t *testing.T) {
	tr := newTestRoom(t)
	_, sigA := tr.join(t, "A")
	_, sigB := tr.join(t, "B")

	joined := sigA.Events(domain.EventUserJoined)
	if len(joined) != 1 || joined[0]["user_id"] != "B" {
		t.Fatalf("A saw %v", joined)
	}
	if got := sigB.Events(domain.EventUserJoined); len(got) != 0 {
		t.Fatalf("B must not see its own join, got %v", got)
	}
	if tr.room.Count() != 2 {
		t.Fatalf("count = %d", tr.room.Count())
	}
}

func TestRoom_LeaveIsIdempotent(t *testing.T) {
	tr := newTestRoom(t)
	a, sigA := tr.join(t, "A")
	_, sigB := tr.join(t, "B")

	if !tr.room.Leave(a) {
		t.Fatal("first Leave returned false")
	}
	if tr.room.Leave(a) {
		t.Fatal("second Leave returned true")
	}
	if tr.room.RemoveParticipant("A") {
		t.Fatal("RemoveParticipant after Leave returned true")
	}

	if got := sigB.Events(domain.EventUserLeft); len(got) != 1 || got[0]["user_id"] != "A" {
		t.Fatalf("B saw %v", got)
	}
	if n := tr.engine.Last("A").CloseCount(); n != 1 {
		t.Fatalf("session closed %d times", n)
	}
	if n := sigA.CloseCount(); n != 1 {
		t.Fatalf("signal closed %d times", n)
	}
	if _, ok := tr.room.Participant("A"); ok {
		t.Fatal("A still registered")
	}
}

func TestRoom_MediaClosedRemovesParticipant(t *testing.T) {
	tr := newTestRoom(t)
	tr.join(t, "A")
	_, sigB := tr.join(t, "B")

	_ = tr.engine.Last("A").Close()

	if _, ok := tr.room.Participant("A"); ok {
		t.Fatal("A still registered after media close")
	}
	if got := sigB.Events(domain.EventUserLeft); len(got) != 1 {
		t.Fatalf("B saw %v", got)
	}
}

func TestRoom_DuplicateJoinReplaces(t *testing.T) {
	tr := newTestRoom(t)
	_, sigB := tr.join(t, "B")
	a1, sig1 := tr.join(t, "A")
	first := tr.engine.Last("A")
	a2, _ := tr.join(t, "A")

	if a1 == a2 {
		t.Fatal("expected a new participant object")
	}
	if cur, _ := tr.room.Participant("A"); cur != a2 {
		t.Fatal("registry does not hold the newest participant")
	}
	if sig1.CloseCount() != 1 || first.CloseCount() != 1 {
		t.Fatalf("old participant not torn down: signal=%d session=%d", sig1.CloseCount(), first.CloseCount())
	}
	if got := sigB.Events(domain.EventUserLeft); len(got) != 0 {
		t.Fatalf("replacement must not announce user-left, got %v", got)
	}
	if got := sigB.Events(domain.EventUserJoined); len(got) != 2 {
		t.Fatalf("B saw %d joins", len(got))
	}
	if tr.room.Count() != 2 {
		t.Fatalf("count = %d", tr.room.Count())
	}

	// Leaving with the stale object is a no-op.
	if tr.room.Leave(a1) {
		t.Fatal("stale Leave removed the new participant")
	}
}

func TestRoom_TracksAreRelayed(t *testing.T) {
	tr := newTestRoom(t)
	tr.join(t, "A")
	tr.join(t, "B")

	tr.engine.Last("A").Listener().OnTrack(mock.NewTrack("A", domain.TrackVideo))
	if got := tr.engine.Last("B").Forwarded(); len(got) != 1 || got[0] != "A_video" {
		t.Fatalf("B forwards = %v", got)
	}

	tr.join(t, "C")
	if got := tr.engine.Last("C").Forwarded(); len(got) != 1 || got[0] != "A_video" {
		t.Fatalf("late joiner forwards = %v", got)
	}
}

func TestRoom_SpeechReachesListeners(t *testing.T) {
	tr := newTestRoom(t)
	a, _ := tr.join(t, "A")
	b, sigB := tr.join(t, "B")
	mode := string(domain.AudioAndText)
	tr.room.UpdatePreferences(b, domain.PreferencesUpdate{Mode: &mode})

	tr.tr.EXPECT().Translate(gomock.Any(), "olá", "en-US").Return("hello", nil)
	tr.tts.EXPECT().Synthesize(gomock.Any(), "hello", "en-US").Return([]byte{0xff, 0xfb}, nil)

	track := mock.NewTrack("A", domain.TrackAudio)
	tr.engine.Last("A").Listener().OnTrack(track)

	var stream *mock.Stream
	select {
	case stream = <-tr.stt.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never started")
	}
	if cfg := tr.stt.Configs()[0]; cfg.Language != a.Preferences().SourceLanguage {
		t.Fatalf("stream language = %q", cfg.Language)
	}
	stream.Emit("olá")

	eventually(t, func() bool { return len(sigB.Events(domain.EventTranslatedAudio)) == 1 }, "translated audio")
	subs := sigB.Events(domain.EventSubtitle)
	if len(subs) != 1 || subs[0]["text"] != "hello" || subs[0]["from_user_id"] != "A" {
		t.Fatalf("B subtitles = %v", subs)
	}
	if got := sigB.Events(domain.EventTranslatedAudio)[0]["audio_content"]; got != "//s=" {
		t.Fatalf("audio_content = %v", got)
	}

	pl, ok := tr.room.Pipeline("A")
	if !ok || pl.Speaker() != "A" {
		t.Fatal("no pipeline for A")
	}
	if info := tr.room.Info(); info.ActiveSpeakers != 1 {
		t.Fatalf("active speakers = %d", info.ActiveSpeakers)
	}

	tr.room.Leave(a)
	select {
	case <-pl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline still running after speaker left")
	}
	if _, ok := tr.room.Pipeline("A"); ok {
		t.Fatal("pipeline still registered")
	}
}

func TestRoom_ModeSwitchAppliesToNextFragment(t *testing.T) {
	tr := newTestRoom(t)
	tr.join(t, "A")
	b, sigB := tr.join(t, "B")
	c, sigC := tr.join(t, "C")
	target := "es-ES"
	tr.room.UpdatePreferences(c, domain.PreferencesUpdate{TargetLanguage: &target})

	tr.tr.EXPECT().Translate(gomock.Any(), "olá", "en-US").Return("hello", nil)
	tr.tr.EXPECT().Translate(gomock.Any(), "olá", "es-ES").Return("hola", nil)
	tr.tr.EXPECT().Translate(gomock.Any(), "tudo bem", "en-US").Return("all good", nil)
	tr.tr.EXPECT().Translate(gomock.Any(), "tudo bem", "es-ES").Return("todo bien", nil)
	tr.tts.EXPECT().Synthesize(gomock.Any(), "all good", "en-US").Return([]byte{1}, nil)

	tr.engine.Last("A").Listener().OnTrack(mock.NewTrack("A", domain.TrackAudio))
	var stream *mock.Stream
	select {
	case stream = <-tr.stt.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never started")
	}

	stream.Emit("olá")
	eventually(t, func() bool {
		return len(sigB.Events(domain.EventSubtitle)) == 1 && len(sigC.Events(domain.EventSubtitle)) == 1
	}, "first fragment")
	if got := sigB.Events(domain.EventTranslatedAudio); len(got) != 0 {
		t.Fatalf("text_only listener got audio %v", got)
	}

	mode := string(domain.AudioAndText)
	tr.room.UpdatePreferences(b, domain.PreferencesUpdate{Mode: &mode})

	stream.Emit("tudo bem")
	eventually(t, func() bool { return len(sigB.Events(domain.EventTranslatedAudio)) == 1 }, "second fragment audio")

	subsB := sigB.Events(domain.EventSubtitle)
	if len(subsB) != 2 || subsB[0]["text"] != "hello" || subsB[1]["text"] != "all good" {
		t.Fatalf("B subtitles = %v", subsB)
	}
	eventually(t, func() bool { return len(sigC.Events(domain.EventSubtitle)) == 2 }, "C second subtitle")
	subsC := sigC.Events(domain.EventSubtitle)
	if subsC[0]["text"] != "hola" || subsC[1]["text"] != "todo bien" {
		t.Fatalf("C subtitles = %v", subsC)
	}
	if got := sigC.Events(domain.EventTranslatedAudio); len(got) != 0 {
		t.Fatalf("B's mode change leaked to C: %v", got)
	}
	if p := c.Preferences(); p.Mode != domain.TextOnly || p.TargetLanguage != "es-ES" {
		t.Fatalf("C prefs = %+v", p)
	}
}

func TestRoom_NegotiateAppliesLanguages(t *testing.T) {
	tr := newTestRoom(t)
	a, _ := tr.join(t, "A")
	offer := core.SessionDescription{Type: "offer", SDP: "v=0"}

	src, tgt := "fr-FR", "de-DE"
	answer, err := tr.room.Negotiate(context.Background(), a, offer, &src, &tgt)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if answer.Type != "answer" {
		t.Fatalf("answer = %+v", answer)
	}
	if p := a.Preferences(); p.SourceLanguage != "fr-FR" || p.TargetLanguage != "de-DE" {
		t.Fatalf("prefs = %+v", p)
	}

	if _, err := tr.room.Negotiate(context.Background(), a, offer, nil, nil); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if p := a.Preferences(); p.SourceLanguage != domain.DefaultSourceLanguage || p.TargetLanguage != domain.DefaultTargetLanguage {
		t.Fatalf("missing languages must reset to defaults, got %+v", p)
	}

	tr.engine.Last("A").NegotiateErr = errors.New("bad sdp")
	if _, err := tr.room.Negotiate(context.Background(), a, offer, nil, nil); err == nil {
		t.Fatal("expected negotiate error")
	}
}

func TestRoom_EngineEventsReachOwner(t *testing.T) {
	tr := newTestRoom(t)
	_, sigA := tr.join(t, "A")
	l := tr.engine.Last("A").Listener()

	mid := "0"
	l.OnCandidate(core.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid})
	l.OnNegotiationNeeded(core.SessionDescription{Type: "offer", SDP: "v=0 renegotiate"})

	cands := sigA.Events(domain.EventCandidate)
	if len(cands) != 1 {
		t.Fatalf("candidates = %v", cands)
	}
	inner := cands[0]["candidate"].(map[string]any)
	if inner["sdpMid"] != "0" {
		t.Fatalf("candidate = %v", inner)
	}
	offers := sigA.Events(domain.EventOffer)
	if len(offers) != 1 || offers[0]["offer"].(map[string]any)["sdp"] != "v=0 renegotiate" {
		t.Fatalf("offers = %v", offers)
	}
}

func TestRoom_SpeakingBroadcast(t *testing.T) {
	tr := newTestRoom(t)
	a, sigA := tr.join(t, "A")
	_, sigB := tr.join(t, "B")

	tr.room.SetSpeaking(a, true)

	got := sigB.Events(domain.EventSpeaking)
	if len(got) != 1 || got[0]["speaking"] != true || got[0]["from_user_id"] != "A" {
		t.Fatalf("B saw %v", got)
	}
	if len(sigA.Events(domain.EventSpeaking)) != 0 {
		t.Fatal("speaker must not receive own speaking event")
	}
}

func TestRoom_BackpressureKicksSlowParticipant(t *testing.T) {
	tr := newTestRoom(t)
	deps := tr.deps()
	deps.Policy = SimplePolicy{MaxDropped: 1}
	tr.room = NewRoom("slow", deps)

	_, slow := tr.join(t, "B")
	slow.SendErr = core.ErrBackpressure
	tr.join(t, "A")

	eventually(t, func() bool { _, ok := tr.room.Participant("B"); return !ok }, "slow participant kicked")
}

func TestRoom_ClosedRejectsJoin(t *testing.T) {
	tr := newTestRoom(t)
	if !tr.room.closeIfEmpty() {
		t.Fatal("empty room should close")
	}
	_, err := tr.room.AddParticipant(context.Background(), "A", &mock.Signal{})
	if !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("err = %v, want ErrRoomClosed", err)
	}
}

func TestRoom_EngineFailure(t *testing.T) {
	tr := newTestRoom(t)
	tr.engine.Err = errors.New("no ports")
	if _, err := tr.room.AddParticipant(context.Background(), "A", &mock.Signal{}); err == nil {
		t.Fatal("expected error")
	}
	if tr.room.Count() != 0 {
		t.Fatal("participant registered despite engine failure")
	}
}

func TestRoom_MembershipNeverIncludesDeparted(t *testing.T) {
	tr := newTestRoom(t)
	a, _ := tr.join(t, "A")
	tr.join(t, "B")
	tr.room.Leave(a)

	for _, l := range tr.room.Listeners("") {
		if l.ID() == "A" {
			t.Fatal("departed participant still listed")
		}
	}
	// Late engine events from the departed session must not resurrect it.
	tr.engine.Last("A").Listener().OnTrack(mock.NewTrack("A", domain.TrackAudio))
	if _, ok := tr.room.Pipeline("A"); ok {
		t.Fatal("pipeline started for departed participant")
	}
	if got := tr.engine.Last("B").Forwarded(); len(got) != 0 {
		t.Fatalf("B forwards = %v", got)
	}
}
