package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrForeignTrack = errors.New("track was not produced by this engine")

// Connection is a participant's PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	user   domain.UserID
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	listener   core.MediaSessionListener
	senders    map[string]*webrtc.RTPSender
	negotiated bool
	closed     bool

	closeOnce  sync.Once
	notifyOnce sync.Once
	logger     zerolog.Logger
}

func NewConnection(ctx context.Context, cfg webrtc.Configuration, user domain.UserID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	// Track lifetimes follow the connection, not the request that created it.
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Connection{
		pc:      pc,
		user:    user,
		ctx:     cctx,
		cancel:  cancel,
		senders: make(map[string]*webrtc.RTPSender),
		logger:  log.With().Str("module", "webrtc").Str("user", string(user)).Logger(),
	}
	c.start()
	return c, nil
}

func (c *Connection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.notifyClosed()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		if l := c.getListener(); l != nil {
			l.OnCandidate(core.ICECandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		}
	})

	c.pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", remote.Kind().String()).
			Str("track_id", remote.ID()).
			Str("stream_id", remote.StreamID()).
			Str("codec", remote.Codec().MimeType).
			Msg("OnTrack received")
		t, err := newTrack(c.user, remote)
		if err != nil {
			c.logger.Error().Err(err).Msg("wrap remote track")
			return
		}
		go t.loop(c.ctx)
		if l := c.getListener(); l != nil {
			l.OnTrack(t)
		}
	})

	c.pc.OnNegotiationNeeded(func() {
		c.mu.Lock()
		ready := c.negotiated && !c.closed
		c.mu.Unlock()
		if !ready {
			return
		}
		offer, err := c.pc.CreateOffer(nil)
		if err != nil {
			c.logger.Warn().Err(err).Msg("create renegotiation offer")
			return
		}
		if err := c.pc.SetLocalDescription(offer); err != nil {
			c.logger.Warn().Err(err).Msg("set renegotiation offer")
			return
		}
		if l := c.getListener(); l != nil {
			l.OnNegotiationNeeded(core.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP})
		}
	})
}

func (c *Connection) SetListener(l core.MediaSessionListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *Connection) getListener() core.MediaSessionListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Connection) Negotiate(ctx context.Context, offer core.SessionDescription) (core.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return core.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return core.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}

	c.mu.Lock()
	c.negotiated = true
	c.mu.Unlock()

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return core.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return core.SessionDescription{}, ctx.Err()
	}

	ld := c.pc.LocalDescription()
	return core.SessionDescription{Type: ld.Type.String(), SDP: ld.SDP}, nil
}

func (c *Connection) ApplyAnswer(answer core.SessionDescription) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
}

func (c *Connection) AddICECandidate(ci core.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	})
}

// AddForward attaches the shared local track of t. A track that is already
// forwarded is left alone.
func (c *Connection) AddForward(t core.Track) error {
	rt, ok := t.(*Track)
	if !ok {
		return ErrForeignTrack
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrSessionClosed
	}
	if _, ok := c.senders[rt.ID()]; ok {
		return nil
	}
	sender, err := c.pc.AddTrack(rt.local)
	if err != nil {
		return err
	}
	c.senders[rt.ID()] = sender
	go drainRTCP(sender)
	c.logger.Debug().Str("track", rt.ID()).Msg("forward added")
	return nil
}

func (c *Connection) RemoveForward(trackID string) error {
	c.mu.Lock()
	sender, ok := c.senders[trackID]
	if ok {
		delete(c.senders, trackID)
	}
	c.mu.Unlock()
	if !ok {
		return core.ErrForwardNotFound
	}
	if err := c.pc.RemoveTrack(sender); err != nil {
		return err
	}
	c.logger.Debug().Str("track", trackID).Msg("forward removed")
	return nil
}

// Forwarded reports whether trackID is currently forwarded to this peer.
func (c *Connection) Forwarded(trackID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.senders[trackID]
	return ok
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		if err = c.pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
		c.notifyClosed()
	})
	return err
}

func (c *Connection) notifyClosed() {
	c.notifyOnce.Do(func() {
		if l := c.getListener(); l != nil {
			go l.OnClosed()
		}
	})
}

// drainRTCP keeps the sender's interceptors running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

var _ core.MediaSession = (*Connection)(nil)
