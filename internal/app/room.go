package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Babel/internal/app/pipeline"
	"github.com/dkeye/Babel/internal/app/sfu"
	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/domain"
	"github.com/dkeye/Babel/internal/observe"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrRoomClosed = errors.New("room closed")

// RoomDeps are the collaborators shared by every room.
type RoomDeps struct {
	Engine      core.MediaEngine
	STT         core.SpeechToText
	Translator  core.Translator
	Synthesizer core.Synthesizer
	Metrics     *observe.Metrics
	Policy      Policy
	Pipeline    pipeline.Config
	// StopTimeout bounds how long a leaving speaker's pipeline is waited for.
	StopTimeout time.Duration
}

type speakerPipeline struct {
	owner  *Participant
	p      *pipeline.Pipeline
	cancel context.CancelFunc
}

func (sp *speakerPipeline) stop(timeout time.Duration, logger zerolog.Logger) {
	sp.cancel()
	select {
	case <-sp.p.Done():
	case <-time.After(timeout):
		logger.Warn().Str("pipeline", sp.p.ID()).Msg("pipeline did not stop in time, abandoning")
	}
}

// Room owns its participants, the media relay and one translation pipeline
// per active speaker.
type Room struct {
	id    domain.RoomID
	deps  RoomDeps
	relay *sfu.Relay

	mu           sync.RWMutex
	participants map[domain.UserID]*Participant
	pipelines    map[domain.UserID]*speakerPipeline
	closed       bool
	onEmpty      func(domain.RoomID)

	logger zerolog.Logger
}

func NewRoom(id domain.RoomID, deps RoomDeps) *Room {
	if deps.StopTimeout <= 0 {
		deps.StopTimeout = 2 * time.Second
	}
	if deps.Policy == nil {
		deps.Policy = SimplePolicy{}
	}
	r := &Room{
		id:           id,
		deps:         deps,
		participants: make(map[domain.UserID]*Participant),
		pipelines:    make(map[domain.UserID]*speakerPipeline),
		logger:       log.With().Str("module", "app.room").Str("room", string(id)).Logger(),
	}
	r.relay = sfu.NewRelay(id, r.peers)
	return r
}

func (r *Room) ID() domain.RoomID { return r.id }

// AddParticipant creates the media session for userID and registers the
// participant. An earlier participant with the same id is torn down first
// without a user-left notification.
func (r *Room) AddParticipant(ctx context.Context, userID domain.UserID, signal core.SignalConnection) (*Participant, error) {
	if r.isClosed() {
		return nil, ErrRoomClosed
	}
	media, err := r.deps.Engine.NewSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("new media session: %w", err)
	}
	p := NewParticipant(userID, signal, media)
	media.SetListener(&sessionListener{room: r, p: p})

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = media.Close()
			return nil, ErrRoomClosed
		}
		old, ok := r.participants[userID]
		if !ok {
			r.participants[userID] = p
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()
		r.logger.Info().Str("user", string(userID)).Msg("duplicate join, replacing previous participant")
		r.remove(old, false)
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.ActiveParticipants.Add(ctx, 1)
	}
	r.relay.Joined(p)
	r.Broadcast(userID, domain.NewMembershipEvent(domain.EventUserJoined, userID))
	r.logger.Info().Str("user", string(userID)).Msg("participant joined")
	return p, nil
}

// Leave removes p if it is still the registered participant for its id.
// Repeated calls are no-ops. Reports whether p was removed.
func (r *Room) Leave(p *Participant) bool {
	if !r.remove(p, true) {
		return false
	}
	r.mu.RLock()
	onEmpty := r.onEmpty
	r.mu.RUnlock()
	if onEmpty != nil {
		onEmpty(r.id)
	}
	return true
}

func (r *Room) RemoveParticipant(userID domain.UserID) bool {
	p, ok := r.Participant(userID)
	if !ok {
		return false
	}
	return r.Leave(p)
}

func (r *Room) remove(p *Participant, announce bool) bool {
	r.mu.Lock()
	cur, ok := r.participants[p.ID()]
	if !ok || cur != p {
		r.mu.Unlock()
		return false
	}
	delete(r.participants, p.ID())
	sp := r.pipelines[p.ID()]
	if sp != nil && sp.owner == p {
		delete(r.pipelines, p.ID())
	} else {
		sp = nil
	}
	r.mu.Unlock()

	if sp != nil {
		sp.stop(r.deps.StopTimeout, r.logger)
	}
	r.relay.Left(p)
	p.close()

	if r.deps.Metrics != nil {
		r.deps.Metrics.ActiveParticipants.Add(context.Background(), -1)
	}
	if announce {
		r.Broadcast(p.ID(), domain.NewMembershipEvent(domain.EventUserLeft, p.ID()))
	}
	r.logger.Info().Str("user", string(p.ID())).Bool("announced", announce).Msg("participant left")
	return true
}

// Negotiate stores the offer's languages (absent ones reset to the defaults)
// and returns the engine's answer.
func (r *Room) Negotiate(ctx context.Context, p *Participant, offer core.SessionDescription, source, target *string) (core.SessionDescription, error) {
	src, tgt := domain.DefaultSourceLanguage, domain.DefaultTargetLanguage
	if source != nil && *source != "" {
		src = *source
	}
	if target != nil && *target != "" {
		tgt = *target
	}
	r.UpdatePreferences(p, domain.PreferencesUpdate{SourceLanguage: &src, TargetLanguage: &tgt})

	answer, err := p.Media().Negotiate(ctx, offer)
	if err != nil {
		return core.SessionDescription{}, fmt.Errorf("negotiate: %w", err)
	}
	return answer, nil
}

// UpdatePreferences applies u to p. A running pipeline keeps the source
// language it was started with.
func (r *Room) UpdatePreferences(p *Participant, u domain.PreferencesUpdate) domain.Preferences {
	before, after := p.UpdatePreferences(u)
	if before.SourceLanguage != after.SourceLanguage {
		r.mu.RLock()
		sp := r.pipelines[p.ID()]
		r.mu.RUnlock()
		if sp != nil {
			r.logger.Info().
				Str("user", string(p.ID())).
				Str("running", sp.p.Language()).
				Str("requested", after.SourceLanguage).
				Msg("source language applies from the next audio track")
		}
	}
	return after
}

func (r *Room) SetSpeaking(p *Participant, speaking bool) {
	r.Broadcast(p.ID(), domain.SpeakingEvent{
		Type:       domain.EventSpeaking,
		Speaking:   speaking,
		FromUserID: p.ID(),
	})
}

// Broadcast delivers v to every participant except exclude.
func (r *Room) Broadcast(exclude domain.UserID, v any) {
	for _, p := range r.Participants() {
		if p.ID() == exclude {
			continue
		}
		_ = r.deliver(p, v)
	}
}

// deliver sends v to p and applies the backpressure policy on failure.
func (r *Room) deliver(p *Participant, v any) error {
	err := p.Send(v)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrBackpressure) {
		r.logger.Debug().Err(err).Str("user", string(p.ID())).Msg("send failed")
		return err
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordSignalDrop(context.Background(), string(r.id))
	}
	switch r.deps.Policy.OnBackPressure(p, p.Dropped()) {
	case KickMember:
		r.logger.Warn().Str("user", string(p.ID())).Int("dropped", p.Dropped()).Msg("kicking slow participant")
		go r.Leave(p)
	case DropEvent, NoAction:
		r.logger.Debug().Str("user", string(p.ID())).Msg("event dropped, signal channel full")
	}
	return err
}

func (r *Room) Participant(id domain.UserID) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	return p, ok
}

// Participants returns a snapshot sorted by id.
func (r *Room) Participants() []*Participant {
	r.mu.RLock()
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func (r *Room) Info() domain.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return domain.RoomInfo{
		ID:               r.id,
		ParticipantCount: len(r.participants),
		ActiveSpeakers:   len(r.pipelines),
	}
}

// Listeners is the pipeline roster: every participant except exclude.
func (r *Room) Listeners(exclude domain.UserID) []pipeline.Listener {
	ps := r.Participants()
	out := make([]pipeline.Listener, 0, len(ps))
	for _, p := range ps {
		if p.ID() == exclude {
			continue
		}
		out = append(out, roomListener{room: r, p: p})
	}
	return out
}

func (r *Room) peers() []sfu.Peer {
	ps := r.Participants()
	out := make([]sfu.Peer, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

func (r *Room) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// closeIfEmpty marks an empty room closed so later joins fail with ErrRoomClosed.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.participants) > 0 {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) setOnEmpty(fn func(domain.RoomID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEmpty = fn
}

// Close rejects further joins and removes everyone without notifications.
func (r *Room) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	for _, p := range r.Participants() {
		r.remove(p, false)
	}
}

func (r *Room) startPipeline(p *Participant, t core.Track) {
	if r.deps.STT == nil || r.deps.Translator == nil {
		r.logger.Warn().Str("user", string(p.ID())).Msg("speech providers not configured, relaying audio untranslated")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	pl := pipeline.New(r.id, t, p.Preferences().SourceLanguage, r, pipeline.Deps{
		STT:         r.deps.STT,
		Translator:  r.deps.Translator,
		Synthesizer: r.deps.Synthesizer,
		Metrics:     r.deps.Metrics,
	}, r.deps.Pipeline)
	sp := &speakerPipeline{owner: p, p: pl, cancel: cancel}

	r.mu.Lock()
	if cur, ok := r.participants[p.ID()]; !ok || cur != p {
		r.mu.Unlock()
		cancel()
		return
	}
	old := r.pipelines[p.ID()]
	r.pipelines[p.ID()] = sp
	r.mu.Unlock()

	if old != nil {
		r.logger.Info().Str("user", string(p.ID())).Msg("replacing speaker pipeline")
		go old.stop(r.deps.StopTimeout, r.logger)
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.ActivePipelines.Add(ctx, 1)
	}

	go func() {
		speaker := pl.Speaker()
		if err := pl.Run(ctx); err != nil {
			r.logger.Warn().Err(err).Str("user", string(speaker)).Msg("pipeline stopped with error")
		}
		if r.deps.Metrics != nil {
			r.deps.Metrics.ActivePipelines.Add(context.Background(), -1)
		}
		r.mu.Lock()
		if r.pipelines[speaker] == sp {
			delete(r.pipelines, speaker)
		}
		r.mu.Unlock()
		cancel()
	}()
}

// Pipeline returns the running pipeline of a speaker, if any.
func (r *Room) Pipeline(id domain.UserID) (*pipeline.Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sp, ok := r.pipelines[id]
	if !ok {
		return nil, false
	}
	return sp.p, true
}

type roomListener struct {
	room *Room
	p    *Participant
}

func (l roomListener) ID() domain.UserID               { return l.p.ID() }
func (l roomListener) Preferences() domain.Preferences { return l.p.Preferences() }
func (l roomListener) Send(v any) error                { return l.room.deliver(l.p, v) }

// sessionListener routes engine events of one session back into the room.
type sessionListener struct {
	room *Room
	p    *Participant
}

func (l *sessionListener) OnTrack(t core.Track) {
	l.p.SetTrack(t)
	l.room.logger.Info().
		Str("user", string(l.p.ID())).
		Str("track", t.ID()).
		Str("kind", string(t.Kind())).
		Msg("track received")
	l.room.relay.TrackReceived(l.p, t)
	if t.Kind() == domain.TrackAudio {
		l.room.startPipeline(l.p, t)
	}
}

func (l *sessionListener) OnCandidate(c core.ICECandidate) {
	_ = l.room.deliver(l.p, domain.CandidateEvent{
		Type: domain.EventCandidate,
		Candidate: domain.CandidateDTO{
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		},
	})
}

func (l *sessionListener) OnNegotiationNeeded(offer core.SessionDescription) {
	_ = l.room.deliver(l.p, domain.OfferEvent{
		Type:  domain.EventOffer,
		Offer: domain.SessionDescriptionDTO{SDP: offer.SDP, Type: offer.Type},
	})
}

func (l *sessionListener) OnClosed() {
	l.room.Leave(l.p)
}
