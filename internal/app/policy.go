package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropEvent
	KickMember
)

// Policy decides what happens to a participant whose signaling channel is full.
type Policy interface {
	OnBackPressure(p *Participant, dropped int) BackpressureAction
}

// SimplePolicy drops events and kicks the participant once MaxDropped
// consecutive sends were lost. Zero MaxDropped never kicks.
type SimplePolicy struct {
	MaxDropped int
}

func (sp SimplePolicy) OnBackPressure(_ *Participant, dropped int) BackpressureAction {
	if sp.MaxDropped > 0 && dropped >= sp.MaxDropped {
		return KickMember
	}
	return DropEvent
}
