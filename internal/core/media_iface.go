package core

import (
	"context"
	"errors"

	"github.com/dkeye/Babel/internal/domain"
)

var (
	// ErrForwardNotFound is reported by RemoveForward when the reference is already gone.
	ErrForwardNotFound = errors.New("forward reference not found")
	ErrSessionClosed   = errors.New("media session closed")
)

type SessionDescription struct {
	Type string
	SDP  string
}

type ICECandidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// FrameSource yields raw media frames until the remote side stops (io.EOF).
type FrameSource interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close()
}

// Track is an inbound track produced (and owned) by one participant.
type Track interface {
	ID() string
	Kind() domain.TrackKind
	Owner() domain.UserID
	// Frames opens a new independent reader over the track.
	Frames() FrameSource
}

// MediaSessionListener receives engine events for one session.
type MediaSessionListener interface {
	OnTrack(Track)
	OnCandidate(ICECandidate)
	OnNegotiationNeeded(offer SessionDescription)
	OnClosed()
}

// MediaSession is the engine-managed connection of one participant.
type MediaSession interface {
	SetListener(MediaSessionListener)
	// Negotiate applies a remote offer and returns the local answer.
	Negotiate(ctx context.Context, offer SessionDescription) (SessionDescription, error)
	// ApplyAnswer completes a server-initiated renegotiation.
	ApplyAnswer(SessionDescription) error
	AddICECandidate(ICECandidate) error
	// AddForward is idempotent per track id.
	AddForward(Track) error
	RemoveForward(trackID string) error
	// Close is idempotent.
	Close() error
}

type MediaEngine interface {
	NewSession(ctx context.Context, id domain.UserID) (MediaSession, error)
}
