package rtc

import (
	"github.com/dkeye/VoiceClient/internal/domain"
)

func (d *Driver) SetVoiceEnabled(enabled bool) { d.enabled = enabled }

func (d *Driver) VoiceEnabled() bool { return d.enabled }

func (d *Driver) SetSpatialChannel(uri, credentials string) {
	ch := domain.Channel{URI: uri, Credentials: credentials, Kind: domain.ChannelSpatial}
	d.spatial = ch
	if t := d.target(); t != nil && !t.Channel.IsSpatial() {
		return
	}
	d.requestChannel(ch)
}

func (d *Driver) SetNonSpatialChannel(uri, credentials string) {
	kind := domain.ChannelGroup
	if _, err := domain.ParseAgentID(uri); err == nil {
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

func (d *Driver) target() *rtcSession {
	if d.next != nil {
		return d.next
	}
	if s := d.session; s != nil && !s.IsTerminal() && !s.leaving && !d.leaveRequested {
		return s
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
	if s := d.session; s != nil && !s.IsTerminal() && !s.leaving && s.Channel.URI == ch.URI {
		d.next = nil
		return
	}
	d.next = d.newSession(ch, false)
}

func (d *Driver) CurrentChannel() string {
	if s := d.session; s != nil && !s.IsTerminal() {
		return s.Channel.URI
	}
	return ""
}

func (d *Driver) InSpatialChannel() bool {
	s := d.session
	return s != nil && !s.IsTerminal() && s.Channel.IsSpatial()
}

// SetMuteMic gates the outgoing track on every connection.
func (d *Driver) SetMuteMic(muted bool) {
	d.micMuted = muted
	if d.session == nil {
		return
	}
	for _, c := range d.session.conns {
		if c.peer != nil {
			c.peer.SetMicEnabled(!muted)
		}
	}
}

// SetMicGain only records the level. The mic track carries encoded Opus, so
// WebRTC leaves capture gain to the OS mixer.
func (d *Driver) SetMicGain(gain float32) { d.micGain = domain.ClampVolume(gain) }

// SetSpeakerVolume only records the level; playout volume belongs to the OS mixer.
func (d *Driver) SetSpeakerVolume(volume float32) { d.speaker = domain.ClampVolume(volume) }

func (d *Driver) UpdatePosition(snap domain.PositionSnapshot) {
	d.position = snap
	d.positionDirty = true
}

func (d *Driver) SetUserVolume(id domain.AgentID, volume float32) {
	if s := d.session; s != nil {
		s.Roster.SetUserVolume(id, volume)
	}
}

func (d *Driver) Participant(id domain.AgentID) (domain.Participant, bool) {
	s := d.session
	if s == nil || !s.IsActive() {
		return domain.Participant{}, false
	}
	e := s.Roster.Get(id)
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

// RefreshDeviceLists does not enumerate hardware. Each list holds the system
// default plus the device last picked with SetCaptureDevice or SetRenderDevice.
func (d *Driver) RefreshDeviceLists() {
	if d.env.Devices == nil {
		return
	}
	d.env.Devices.UpdateDevices(domain.CaptureDevice, defaultDevices(d.captureDevice))
	d.env.Devices.UpdateDevices(domain.RenderDevice, defaultDevices(d.renderDevice))
}

func (d *Driver) SetCaptureDevice(name string) { d.captureDevice = name }

func (d *Driver) SetRenderDevice(name string) { d.renderDevice = name }

func defaultDevices(current string) []domain.Device {
	out := []domain.Device{{Name: domain.DefaultDeviceName, IsDefault: current == "" || current == domain.DefaultDeviceName}}
	if current != "" && current != domain.DefaultDeviceName {
		out = append(out, domain.Device{Name: current, ID: current, IsDefault: true})
	}
	return out
}
