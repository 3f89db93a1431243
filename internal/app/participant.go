package app

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/domain"
)

// Participant is one user's presence in a room: signaling channel, media
// session, preferences and the tracks they publish.
type Participant struct {
	id     domain.UserID
	signal core.SignalConnection
	media  core.MediaSession

	mu    sync.RWMutex
	prefs domain.Preferences
	audio core.Track
	video core.Track

	dropped   atomic.Int32
	closeOnce sync.Once
}

func NewParticipant(id domain.UserID, signal core.SignalConnection, media core.MediaSession) *Participant {
	return &Participant{
		id:     id,
		signal: signal,
		media:  media,
		prefs:  domain.DefaultPreferences(),
	}
}

func (p *Participant) ID() domain.UserID        { return p.id }
func (p *Participant) Media() core.MediaSession { return p.media }

// Preferences returns a consistent copy.
func (p *Participant) Preferences() domain.Preferences {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prefs
}

// UpdatePreferences applies u atomically and returns the previous and new values.
func (p *Participant) UpdatePreferences(u domain.PreferencesUpdate) (before, after domain.Preferences) {
	p.mu.Lock()
	defer p.mu.Unlock()
	before = p.prefs
	p.prefs = u.Apply(p.prefs)
	return before, p.prefs
}

func (p *Participant) SetTrack(t core.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch t.Kind() {
	case domain.TrackAudio:
		p.audio = t
	case domain.TrackVideo:
		p.video = t
	}
}

// Tracks returns the currently owned tracks, audio first.
func (p *Participant) Tracks() []core.Track {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]core.Track, 0, 2)
	if p.audio != nil {
		out = append(out, p.audio)
	}
	if p.video != nil {
		out = append(out, p.video)
	}
	return out
}

func (p *Participant) Info() domain.ParticipantInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return domain.ParticipantInfo{
		ID:          p.id,
		Preferences: p.prefs,
		HasAudio:    p.audio != nil,
		HasVideo:    p.video != nil,
	}
}

// Send marshals v and pushes it without blocking. Consecutive
// ErrBackpressure results are counted in Dropped.
func (p *Participant) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.signal.TrySend(core.Frame(data)); err != nil {
		if errors.Is(err, core.ErrBackpressure) {
			p.dropped.Add(1)
		}
		return err
	}
	p.dropped.Store(0)
	return nil
}

// Dropped is the number of sends lost since the last successful one.
func (p *Participant) Dropped() int {
	return int(p.dropped.Load())
}

// close releases the media session and the signaling channel exactly once.
func (p *Participant) close() {
	p.closeOnce.Do(func() {
		if p.media != nil {
			_ = p.media.Close()
		}
		if p.signal != nil {
			p.signal.Close()
		}
	})
}
