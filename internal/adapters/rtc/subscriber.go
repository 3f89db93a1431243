package rtc

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type subscriberState int32

const (
	subscriberOk subscriberState = iota
	subscriberDelete
)

// subscriber is one reader of a track's packets. Slow readers drop packets
// instead of stalling the read loop.
type subscriber struct {
	ch      chan *rtp.Packet
	state   atomic.Int32 // Zero by default (subscriberOk)
	dropped atomic.Int64
}

func newSubscriber(buffer int) *subscriber {
	return &subscriber{ch: make(chan *rtp.Packet, buffer)}
}

func (s *subscriber) getState() subscriberState {
	return subscriberState(s.state.Load())
}

func (s *subscriber) markDelete() {
	s.state.Store(int32(subscriberDelete))
}

// offer enqueues pkt without blocking and reports whether it was accepted.
func (s *subscriber) offer(pkt *rtp.Packet) bool {
	select {
	case s.ch <- pkt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}
