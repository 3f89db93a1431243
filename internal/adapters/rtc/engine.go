package rtc

import (
	"context"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/domain"
	"github.com/pion/webrtc/v4"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

// Engine creates one PeerConnection per participant.
type Engine struct {
	config webrtc.Configuration
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{defaultSTUN},
			},
		},
	}
}

// NewEngine uses the given ICE server URLs, or the public Google STUN server
// when none are configured.
func NewEngine(iceServers []string) *Engine {
	cfg := DefaultWebRTCConfig()
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Engine{config: cfg}
}

func (e *Engine) NewSession(ctx context.Context, id domain.UserID) (core.MediaSession, error) {
	return NewConnection(ctx, e.config, id)
}

var _ core.MediaEngine = (*Engine)(nil)
