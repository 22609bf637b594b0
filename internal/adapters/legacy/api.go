package legacy

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

// Launcher starts the voice daemon process.
type Launcher interface {
	Launch(ctx context.Context, path string, args ...string) error
}

type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, path string, args ...string) error {
	cmd := exec.CommandContext(ctx, path, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	log.Info().Str("module", "legacy.daemon").Str("path", path).Int("pid", cmd.Process.Pid).Msg("daemon started")
	go func() {
		err := cmd.Wait()
		log.Info().Err(err).Str("module", "legacy.daemon").Msg("daemon exited")
	}()
	return nil
}

func (d *Driver) SetVoiceEnabled(enabled bool) { d.enabled = enabled }

func (d *Driver) VoiceEnabled() bool { return d.enabled }

func (d *Driver) SetSpatialChannel(uri, credentials string) {
	ch := domain.Channel{URI: uri, Credentials: credentials, Kind: domain.ChannelSpatial}
	d.spatial = ch
	if t := d.target(); t != nil && !t.Channel.IsSpatial() {
		// stay in the call; the spatial channel is rejoined when it ends
		return
	}
	d.requestChannel(ch)
}

func (d *Driver) SetNonSpatialChannel(uri, credentials string) {
	kind := domain.ChannelGroup
	if _, ok := AgentFromURI(uri); ok {
		kind = domain.ChannelP2P
	}
	d.requestChannel(domain.Channel{URI: uri, Credentials: credentials, Kind: kind})
}

func (d *Driver) LeaveNonSpatialChannel() {
	t := d.target()
	if t == nil || t.Channel.IsSpatial() {
		return
	}
	if d.spatial.URI != "" {
		d.requestChannel(d.spatial)
		return
	}
	d.LeaveChannel()
}

func (d *Driver) LeaveChannel() {
	d.next = nil
	if d.session != nil {
		d.leaveRequested = true
	}
}

// target is the session the driver is heading for: the queued one, or the
// current one unless it is already leaving.
func (d *Driver) target() *voiceSession {
	if d.next != nil {
		return d.next
	}
	if vs := d.session; vs != nil && !vs.IsTerminal() && !d.leaveRequested && d.state != stateLeavingSession {
		return vs
	}
	return nil
}

func (d *Driver) requestChannel(ch domain.Channel) {
	if ch.URI == "" {
		d.LeaveChannel()
		return
	}
	if t := d.target(); t != nil && t.Channel.URI == ch.URI {
		return
	}
	d.leaveRequested = false
	if vs := d.session; vs != nil && !vs.IsTerminal() && d.state != stateLeavingSession && vs.Channel.URI == ch.URI {
		// back to the channel we are still in
		d.next = nil
		return
	}
	d.next = d.newSession(ch, false)
}

func (d *Driver) CurrentChannel() string {
	if vs := d.session; vs != nil && !vs.IsTerminal() {
		return vs.Channel.URI
	}
	return ""
}

func (d *Driver) InSpatialChannel() bool {
	vs := d.session
	return vs != nil && !vs.IsTerminal() && vs.Channel.IsSpatial()
}

func (d *Driver) SetMuteMic(muted bool) {
	d.micMuted = muted
	if d.connectorHandle != "" {
		d.request(actionMuteLocalMic, connectorValue(d.connectorHandle, boolText(muted)), nil)
	}
}

func (d *Driver) SetMicGain(gain float32) {
	d.micGain = domain.ClampVolume(gain)
	if d.connectorHandle != "" {
		d.request(actionLocalMicVolume, connectorValue(d.connectorHandle, daemonLevel(d.micGain)), nil)
	}
}

func (d *Driver) SetSpeakerVolume(volume float32) {
	d.speaker = domain.ClampVolume(volume)
	if d.connectorHandle != "" {
		d.request(actionLocalSpeakerVolume, connectorValue(d.connectorHandle, daemonLevel(d.speaker)), nil)
	}
}

func (d *Driver) UpdatePosition(snap domain.PositionSnapshot) {
	d.position = snap
	d.positionDirty = true
}

func (d *Driver) SetUserVolume(id domain.AgentID, volume float32) {
	if vs := d.session; vs != nil {
		vs.Roster.SetUserVolume(id, volume)
	}
}

func (d *Driver) Participant(id domain.AgentID) (domain.Participant, bool) {
	vs := d.session
	if vs == nil || !vs.IsActive() {
		return domain.Participant{}, false
	}
	e := vs.Roster.Get(id)
	if e == nil {
		return domain.Participant{}, false
	}
	return e.Participant, true
}

func (d *Driver) Participants() []domain.Participant {
	if d.session == nil || !d.session.IsActive() {
		return nil
	}
	return d.session.Participants()
}

func (d *Driver) MuteListChanged() {
	if d.session == nil {
		return
	}
	if d.env.ApplyMuteList(d.session.Session) > 0 {
		d.env.Notifier.NotifyParticipantsChanged()
	}
}

func (d *Driver) RefreshDeviceLists() {
	if d.connectorHandle == "" {
		return
	}
	d.request(actionGetCaptureDevices, nil, nil)
	d.request(actionGetRenderDevices, nil, nil)
}

func (d *Driver) SetCaptureDevice(name string) {
	d.captureDevice = name
	d.request(actionSetCaptureDevice, []Field{el("CaptureDeviceSpecifier", deviceSpecifier(name))}, nil)
}

func (d *Driver) SetRenderDevice(name string) {
	d.renderDevice = name
	d.request(actionSetRenderDevice, []Field{el("RenderDeviceSpecifier", deviceSpecifier(name))}, nil)
}

func deviceSpecifier(name string) string {
	if name == domain.DefaultDeviceName {
		return ""
	}
	return name
}
