package core

import "errors"

// Frame is a raw signaling payload (one JSON message).
type Frame []byte

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
)

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend never blocks; it returns ErrBackpressure when the peer is slow.
	TrySend(Frame) error
	Close()
}
