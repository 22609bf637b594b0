package domain

// Participant is one remote party inside a session.
// No transport or lifecycle logic here.
type Participant struct {
	ID              AgentID `json:"id"`
	Handle          string  `json:"handle"`
	DisplayName     string  `json:"display_name"`
	IsSpeaking      bool    `json:"speaking"`
	Power           float32 `json:"power"`
	Volume          float32 `json:"volume"`
	IsModeratorMute bool    `json:"moderator_muted"`
	OnMuteList      bool    `json:"on_mute_list"`
	IsSelf          bool    `json:"self"`
	IsAvatar        bool    `json:"avatar"`
}

// Volume bounds for user-assigned participant volume; 0.5 is nominal.
const (
	VolumeMin     float32 = 0.0
	VolumeDefault float32 = 0.5
	VolumeMax     float32 = 1.0
)

// OverdrivenPowerLevel is the power above which a speaker is shown as clipping.
const OverdrivenPowerLevel float32 = 0.7

func ClampVolume(v float32) float32 {
	if v < VolumeMin {
		return VolumeMin
	}
	if v > VolumeMax {
		return VolumeMax
	}
	return v
}
