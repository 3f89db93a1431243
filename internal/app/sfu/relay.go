package sfu

import (
	"errors"
	"sync"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Peer is what the relay needs to know about a room member.
type Peer interface {
	ID() domain.UserID
	Media() core.MediaSession
	Tracks() []core.Track
}

// Relay keeps every member's media session forwarding every track owned by
// every other member. The forwarding set is always re-derived from the live
// membership returned by members, so Joined and TrackReceived may race in any
// order and still converge. Engine AddForward is idempotent.
type Relay struct {
	mu      sync.Mutex
	members func() []Peer
	logger  zerolog.Logger
}

func NewRelay(room domain.RoomID, members func() []Peer) *Relay {
	return &Relay{
		members: members,
		logger: log.With().
			Str("module", "sfu").
			Str("room", string(room)).
			Logger(),
	}
}

// Joined forwards every existing track of the other members to p, and any
// track p already owns to them.
func (r *Relay) Joined(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	own := p.Tracks()
	for _, m := range r.members() {
		if m.ID() == p.ID() {
			continue
		}
		for _, t := range m.Tracks() {
			r.forward(p, t)
		}
		for _, t := range own {
			r.forward(m, t)
		}
	}
}

// TrackReceived forwards t to every other member. Tracks of a participant who
// is no longer in the room are ignored.
func (r *Relay) TrackReceived(p Peer, t core.Track) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.members()
	present := false
	for _, m := range members {
		if m == p {
			present = true
			break
		}
	}
	if !present {
		r.logger.Debug().Str("user", string(p.ID())).Str("track", t.ID()).Msg("track from departed participant ignored")
		return
	}
	for _, m := range members {
		if m.ID() == p.ID() {
			continue
		}
		r.forward(m, t)
	}
}

// Left removes the forward references of p's tracks from every remaining
// member. Failures are logged and never retried.
func (r *Relay) Left(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracks := p.Tracks()
	if len(tracks) == 0 {
		return
	}
	for _, m := range r.members() {
		if m.ID() == p.ID() {
			continue
		}
		for _, t := range tracks {
			err := m.Media().RemoveForward(t.ID())
			switch {
			case err == nil:
			case errors.Is(err, core.ErrForwardNotFound):
				r.logger.Debug().Str("dst", string(m.ID())).Str("track", t.ID()).Msg("forward already gone")
			default:
				r.logger.Warn().Err(err).Str("dst", string(m.ID())).Str("track", t.ID()).Msg("remove forward failed")
			}
		}
	}
}

func (r *Relay) forward(dst Peer, t core.Track) {
	if err := dst.Media().AddForward(t); err != nil {
		r.logger.Warn().Err(err).
			Str("dst", string(dst.ID())).
			Str("track", t.ID()).
			Msg("add forward failed")
	}
}
