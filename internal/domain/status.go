package domain

import "fmt"

// Status is reported to connection-status observers.
type Status int

const (
	StatusLoginRetry Status = iota
	StatusLoggedIn
	StatusJoining
	StatusJoined
	StatusLeftChannel
	StatusVoiceDisabled
	StatusVoiceEnabled
	BeginErrorStatus
	ErrorChannelFull
	ErrorChannelLocked
	ErrorNotAvailable
	ErrorUnknown
)

var statusNames = map[Status]string{
	StatusLoginRetry:    "STATUS_LOGIN_RETRY",
	StatusLoggedIn:      "STATUS_LOGGED_IN",
	StatusJoining:       "STATUS_JOINING",
	StatusJoined:        "STATUS_JOINED",
	StatusLeftChannel:   "STATUS_LEFT_CHANNEL",
	StatusVoiceDisabled: "STATUS_VOICE_DISABLED",
	StatusVoiceEnabled:  "STATUS_VOICE_ENABLED",
	BeginErrorStatus:    "BEGIN_ERROR_STATUS",
	ErrorChannelFull:    "ERROR_CHANNEL_FULL",
	ErrorChannelLocked:  "ERROR_CHANNEL_LOCKED",
	ErrorNotAvailable:   "ERROR_NOT_AVAILABLE",
	ErrorUnknown:        "ERROR_UNKNOWN",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

func (s Status) IsError() bool { return s > BeginErrorStatus }

// StatusChange is one observer notification.
type StatusChange struct {
	Status   Status `json:"status"`
	Channel  string `json:"channel"`
	Proximal bool   `json:"proximal"`
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for st, name := range statusNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}
