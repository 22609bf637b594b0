package legacy

import (
	"fmt"
	"math"
	"strconv"

	"github.com/dkeye/VoiceClient/internal/domain"
)

const (
	actionConnectorCreate    = "Connector.Create.1"
	actionAccountLogin       = "Account.Login.1"
	actionSessionCreate      = "Session.Create.1"
	actionSessionTerminate   = "Session.Terminate.1"
	actionSet3DPosition      = "Session.Set3DPosition.1"
	actionParticipantVolume  = "Session.SetParticipantVolumeForMe.1"
	actionParticipantMute    = "Session.SetParticipantMuteForMe.1"
	actionMuteLocalMic       = "Connector.MuteLocalMic.1"
	actionLocalMicVolume     = "Connector.SetLocalMicVolume.1"
	actionLocalSpeakerVolume = "Connector.SetLocalSpeakerVolume.1"
	actionGetCaptureDevices  = "Aux.GetCaptureDevices.1"
	actionGetRenderDevices   = "Aux.GetRenderDevices.1"
	actionSetCaptureDevice   = "Aux.SetCaptureDevice.1"
	actionSetRenderDevice    = "Aux.SetRenderDevice.1"
	actionAccountLogout      = "Account.Logout.1"
	actionConnectorShutdown  = "Connector.InitiateShutdown.1"
)

const (
	eventLoginStateChange  = "AccountLoginStateChangeEvent"
	eventSessionAdded      = "SessionAddedEvent"
	eventSessionRemoved    = "SessionRemovedEvent"
	eventMediaStream       = "MediaStreamUpdatedEvent"
	eventParticipantAdded  = "ParticipantAddedEvent"
	eventParticipantRemove = "ParticipantRemovedEvent"
	eventParticipantUpdate = "ParticipantUpdatedEvent"
	eventAuxAudio          = "AuxAudioPropertiesEvent"
	eventDeviceHotSwap     = "AudioDeviceHotSwapEvent"
)

// daemonLevel maps [0,1] onto the daemon's 0..100 scale, 0.5 -> 50.
func daemonLevel(v float32) string {
	return strconv.Itoa(int(math.Round(float64(domain.ClampVolume(v)) * 100)))
}

func connectorCreate(accountServer string) []Field {
	return []Field{
		el("ClientName", "VoiceClient"),
		el("AccountManagementServer", accountServer),
		el("Mode", "Normal"),
		group("Logging",
			el("Folder", ""),
			el("FileNamePrefix", "Connector"),
			el("FileNameSuffix", ".log"),
			el("LogLevel", "0"),
		),
	}
}

func accountLogin(connector, name, password string) []Field {
	return []Field{
		el("ConnectorHandle", connector),
		el("AccountName", name),
		el("AccountPassword", password),
		el("AudioSessionAnswerMode", "VerifyAnswer"),
		el("EnableBuddiesAndPresence", "false"),
		el("BuddyManagementMode", "Application"),
		el("ParticipantPropertyFrequency", "5"),
	}
}

func sessionCreate(account string, ch domain.Channel) []Field {
	return []Field{
		el("AccountHandle", account),
		el("URI", ch.URI),
		el("Password", ch.Credentials),
		el("PasswordHashAlgorithm", "SHA1UserName"),
		el("ConnectAudio", "true"),
		el("ConnectText", "false"),
		el("Name", ""),
	}
}

func sessionHandle(handle string) []Field {
	return []Field{el("SessionHandle", handle)}
}

func vec3(name string, v domain.Vec3) Field {
	return group(name,
		el("X", fmt.Sprintf("%.3f", v.X)),
		el("Y", fmt.Sprintf("%.3f", v.Y)),
		el("Z", fmt.Sprintf("%.3f", v.Z)),
	)
}

// orientation expands a quaternion into the daemon's at/up/left axes.
// The daemon's frame is right-handed with y up, so z and y swap.
func orientation(q domain.Quat) (at, up, left domain.Vec3) {
	x, y, z, w := q.X, q.Y, q.Z, q.W
	fwd := domain.Vec3{X: 1 - 2*(y*y+z*z), Y: 2 * (x*y + w*z), Z: 2 * (x*z - w*y)}
	lft := domain.Vec3{X: 2 * (x*y - w*z), Y: 1 - 2*(x*x+z*z), Z: 2 * (y*z + w*x)}
	upv := domain.Vec3{X: 2 * (x*z + w*y), Y: 2 * (y*z - w*x), Z: 1 - 2*(x*x+y*y)}
	swap := func(v domain.Vec3) domain.Vec3 { return domain.Vec3{X: v.X, Y: v.Z, Z: -v.Y} }
	return swap(fwd), swap(upv), swap(lft)
}

func pose(name string, p domain.Pose) Field {
	at, up, left := orientation(p.Rotation)
	pos := domain.Vec3{X: p.Position.X, Y: p.Position.Z, Z: -p.Position.Y}
	vel := domain.Vec3{X: p.Velocity.X, Y: p.Velocity.Z, Z: -p.Velocity.Y}
	return group(name,
		vec3("Position", pos),
		vec3("Velocity", vel),
		vec3("AtOrientation", at),
		vec3("UpOrientation", up),
		vec3("LeftOrientation", left),
	)
}

func set3DPosition(handle string, snap domain.PositionSnapshot) []Field {
	return []Field{
		el("SessionHandle", handle),
		pose("SpeakerPosition", snap.Avatar),
		pose("ListenerPosition", snap.Ear),
	}
}

func participantVolume(handle, uri string, volume float32) []Field {
	return []Field{
		el("SessionHandle", handle),
		el("ParticipantURI", uri),
		el("Volume", daemonLevel(volume)),
	}
}

func participantMute(handle, uri string, muted bool) []Field {
	return []Field{
		el("SessionHandle", handle),
		el("ParticipantURI", uri),
		el("Mute", boolText(muted)),
		el("Scope", "Audio"),
	}
}

func connectorValue(connector, value string) []Field {
	return []Field{
		el("ConnectorHandle", connector),
		el("Value", value),
	}
}
