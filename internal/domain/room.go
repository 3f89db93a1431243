package domain

import "strings"

type RoomID string

func NewRoomID(raw string) (RoomID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrRoomIDEmpty
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(raw), nil
}

// RoomInfo is a read-only view for APIs.
type RoomInfo struct {
	ID               RoomID `json:"id"`
	ParticipantCount int    `json:"participant_count"`
	ActiveSpeakers   int    `json:"active_speakers"`
}

// ParticipantInfo is a read-only view of a participant for APIs (no transport fields).
type ParticipantInfo struct {
	ID          UserID      `json:"id"`
	Preferences Preferences `json:"preferences"`
	HasAudio    bool        `json:"has_audio"`
	HasVideo    bool        `json:"has_video"`
}
