package domain

// Outbound signaling events. Field names are the wire format.

const (
	EventCandidate       = "candidate"
	EventAnswer          = "answer"
	EventOffer           = "offer"
	EventSubtitle        = "subtitle"
	EventTranslatedAudio = "translated_audio"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventSpeaking        = "speaking"
	EventPong            = "pong"
	EventError           = "error"
)

type SessionDescriptionDTO struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type CandidateDTO struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type CandidateEvent struct {
	Type      string       `json:"type"`
	Candidate CandidateDTO `json:"candidate"`
}

type AnswerEvent struct {
	Type   string                `json:"type"`
	Answer SessionDescriptionDTO `json:"answer"`
}

type OfferEvent struct {
	Type  string                `json:"type"`
	Offer SessionDescriptionDTO `json:"offer"`
}

type SubtitleEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	FromUserID UserID `json:"from_user_id"`
}

type TranslatedAudioEvent struct {
	Type         string `json:"type"`
	AudioContent string `json:"audio_content"`
	FromUserID   UserID `json:"from_user_id"`
}

type MembershipEvent struct {
	Type   string `json:"type"`
	UserID UserID `json:"user_id"`
}

type SpeakingEvent struct {
	Type       string `json:"type"`
	Speaking   bool   `json:"speaking"`
	FromUserID UserID `json:"from_user_id"`
}

type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewMembershipEvent(kind string, id UserID) MembershipEvent {
	return MembershipEvent{Type: kind, UserID: id}
}
