package rtc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"maps"
	"strings"
	"sync"

	"github.com/dkeye/Babel/internal/core"
	"github.com/dkeye/Babel/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 256

// Track is an inbound remote track. A single read loop copies every packet to
// the shared local track (forwarded to other peers) and to frame subscribers.
type Track struct {
	id    string
	kind  domain.TrackKind
	owner domain.UserID

	remote *webrtc.TrackRemote
	local  *webrtc.TrackLocalStaticRTP

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	done chan struct{}

	logger zerolog.Logger
}

// TrackID is the forwarded track id. Clients split it on '_' to find the owner.
func TrackID(owner domain.UserID, kind domain.TrackKind) string {
	return string(owner) + "_" + string(kind)
}

func newTrack(owner domain.UserID, remote *webrtc.TrackRemote) (*Track, error) {
	kind := domain.TrackAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
	}
	id := TrackID(owner, kind)
	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, id, string(owner))
	if err != nil {
		return nil, err
	}
	return &Track{
		id:     id,
		kind:   kind,
		owner:  owner,
		remote: remote,
		local:  local,
		subs:   make(map[*subscriber]struct{}),
		done:   make(chan struct{}),
		logger: log.With().
			Str("module", "rtc.track").
			Str("user", string(owner)).
			Str("track", id).
			Logger(),
	}, nil
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.TrackKind { return t.kind }
func (t *Track) Owner() domain.UserID   { return t.owner }

// loop reads RTP packets from the remote track until it ends or ctx is done.
func (t *Track) loop(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("track ctx done")
			t.markAllDelete()
			return
		default:
		}
		pkt, _, err := t.remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Warn().Err(err).Msg("read RTP, stopping")
			}
			t.markAllDelete()
			return
		}
		t.forward(pkt)
	}
}

func (t *Track) forward(pkt *rtp.Packet) {
	if err := t.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.logger.Debug().Err(err).Msg("write local RTP")
	}

	t.mu.RLock()
	snapshot := make(map[*subscriber]struct{}, len(t.subs))
	maps.Copy(snapshot, t.subs)
	t.mu.RUnlock()

	var dirty []*subscriber
	for s := range snapshot {
		if s.getState() == subscriberDelete {
			dirty = append(dirty, s)
			continue
		}
		s.offer(pkt)
	}
	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		t.cleanupDeleted(dirty)
	}
}

func (t *Track) cleanupDeleted(dirty []*subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range dirty {
		delete(t.subs, s)
	}
}

func (t *Track) markAllDelete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		s.markDelete()
	}
}

func (t *Track) subscribe() *subscriber {
	s := newSubscriber(subscriberBuffer)
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
	return s
}

// Frames opens a new reader. Opus audio is packed into an Ogg stream (the
// first frame carries the Ogg headers); other codecs yield raw RTP payloads.
func (t *Track) Frames() core.FrameSource {
	fs := &frameSource{track: t, sub: t.subscribe()}
	if strings.EqualFold(t.remote.Codec().MimeType, webrtc.MimeTypeOpus) {
		codec := t.remote.Codec()
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err := oggwriter.NewWith(&fs.buf, codec.ClockRate, channels)
		if err != nil {
			t.logger.Warn().Err(err).Msg("ogg writer, falling back to raw payloads")
		} else {
			fs.ogg = w
		}
	}
	return fs
}

type frameSource struct {
	track *Track
	sub   *subscriber

	buf bytes.Buffer
	ogg *oggwriter.OggWriter
}

func (f *frameSource) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		var pkt *rtp.Packet
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case pkt = <-f.sub.ch:
		case <-f.track.done:
			select {
			case pkt = <-f.sub.ch:
			default:
				return nil, io.EOF
			}
		}
		if frame := f.encode(pkt); len(frame) > 0 {
			return frame, nil
		}
	}
}

func (f *frameSource) encode(pkt *rtp.Packet) []byte {
	if f.ogg == nil {
		return pkt.Payload
	}
	if err := f.ogg.WriteRTP(pkt); err != nil {
		f.track.logger.Debug().Err(err).Msg("ogg write")
		return nil
	}
	out := make([]byte, f.buf.Len())
	copy(out, f.buf.Bytes())
	f.buf.Reset()
	return out
}

func (f *frameSource) Close() {
	f.sub.markDelete()
	if f.ogg != nil {
		_ = f.ogg.Close()
	}
}
