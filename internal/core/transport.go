package core

import (
	"context"
	"time"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/dkeye/VoiceClient/internal/metrics"
)

// Transport is one voice backend. The facade owns exactly one active
// Transport and forwards every public operation to it.
// All methods are called on the owner goroutine.
type Transport interface {
	ServerType() domain.ServerType
	// Init starts the backend; it must not block on network I/O.
	Init(ctx context.Context) error
	// Terminate removes every session and participant before returning.
	// Network teardown may continue in the background, but its callbacks
	// are dropped.
	Terminate()
	// Tick advances the state machines; called once per update cycle.
	Tick(now time.Time)
	IsWorking() bool
	// Failed reports terminal failure: no more automatic recovery.
	Failed() bool

	SetVoiceEnabled(enabled bool)
	VoiceEnabled() bool
	SetSpatialChannel(uri, credentials string)
	SetNonSpatialChannel(uri, credentials string)
	LeaveNonSpatialChannel()
	LeaveChannel()
	CurrentChannel() string
	InSpatialChannel() bool

	SetMuteMic(muted bool)
	SetMicGain(gain float32)
	SetSpeakerVolume(volume float32)
	UpdatePosition(snap domain.PositionSnapshot)

	SetUserVolume(id domain.AgentID, volume float32)
	Participant(id domain.AgentID) (domain.Participant, bool)
	Participants() []domain.Participant
	MuteListChanged()

	RefreshDeviceLists()
	SetCaptureDevice(name string)
	SetRenderDevice(name string)
}

// Env is what a transport needs from the process around it.
type Env struct {
	Loop     *Loop
	Notifier Notifier
	Devices  DeviceSink
	Region   RegionCaps
	Names    NameResolver
	Mutes    MuteList
	Volumes  VolumeStore
	Self     domain.AgentID
	Metrics  *metrics.Metrics
}

// RegionCaps is the region/simulator capability layer.
type RegionCaps interface {
	CurrentRegion() domain.RegionID
	NeighborRegions() []domain.RegionID
	Capability(region domain.RegionID, name string) (string, bool)
}

type NameResolver interface {
	ResolveName(ctx context.Context, id domain.AgentID) (string, error)
}

type MuteList interface {
	IsMuted(id domain.AgentID) bool
}

// VolumeStore persists per-speaker user volume.
type VolumeStore interface {
	SpeakerVolume(id domain.AgentID) (float32, bool)
	SetSpeakerVolume(id domain.AgentID, volume float32) error
	RemoveSpeakerVolume(id domain.AgentID)
}

// DeviceSink receives device lists reported by a transport.
type DeviceSink interface {
	UpdateDevices(kind domain.DeviceKind, devices []domain.Device)
}
