package domain

type DeliveryMode string

const (
	TextOnly     DeliveryMode = "text_only"
	AudioAndText DeliveryMode = "audio_and_text"
)

const (
	DefaultSourceLanguage = "pt-BR"
	DefaultTargetLanguage = "en-US"
)

// ParseDeliveryMode accepts only the two wire values.
func ParseDeliveryMode(s string) (DeliveryMode, bool) {
	switch DeliveryMode(s) {
	case TextOnly, AudioAndText:
		return DeliveryMode(s), true
	}
	return "", false
}

// Preferences is a participant's language/delivery choice. It is a value type:
// readers always hold a consistent copy.
type Preferences struct {
	SourceLanguage string       `json:"source_lang"`
	TargetLanguage string       `json:"target_lang"`
	Mode           DeliveryMode `json:"mode"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		SourceLanguage: DefaultSourceLanguage,
		TargetLanguage: DefaultTargetLanguage,
		Mode:           TextOnly,
	}
}

// PreferencesUpdate carries optional fields; nil means "keep".
type PreferencesUpdate struct {
	SourceLanguage *string
	TargetLanguage *string
	Mode           *string
}

// Apply returns p with the provided fields replaced. Empty languages and
// unknown modes are ignored.
func (u PreferencesUpdate) Apply(p Preferences) Preferences {
	if u.SourceLanguage != nil && *u.SourceLanguage != "" {
		p.SourceLanguage = *u.SourceLanguage
	}
	if u.TargetLanguage != nil && *u.TargetLanguage != "" {
		p.TargetLanguage = *u.TargetLanguage
	}
	if u.Mode != nil {
		if m, ok := ParseDeliveryMode(*u.Mode); ok {
			p.Mode = m
		}
	}
	return p
}
