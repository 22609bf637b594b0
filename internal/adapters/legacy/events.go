package legacy

import (
	"fmt"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

func (d *Driver) handleMessage(m Message) {
	switch m.Kind {
	case KindResponse:
		d.handleResponse(m)
	case KindEvent:
		d.handleEvent(m)
	}
}

func statusError(m Message) error {
	return fmt.Errorf("%s: status %d: %s", m.Action, m.Int("StatusCode"), m.Get("StatusString"))
}

func (d *Driver) handleResponse(m Message) {
	p, ok := d.pending[m.RequestID]
	if !ok {
		log.Debug().Str("module", "legacy.driver").Str("request", m.RequestID).Msg("response without request")
		return
	}
	delete(d.pending, m.RequestID)

	switch p.action {
	case actionConnectorCreate:
		if d.state != stateConnectorStarting {
			return
		}
		if !m.Succeeded() {
			d.loginFailed(core.Retryable("connector", domain.ErrorNotAvailable, statusError(m)))
			return
		}
		d.connectorHandle = m.Get("ConnectorHandle")
		d.setState(stateConnectorStarted)

	case actionAccountLogin:
		if d.state != stateLoggingIn {
			return
		}
		if !m.Succeeded() {
			d.loginFailed(core.Retryable("login", domain.ErrorNotAvailable, fmt.Errorf("%w: %v", core.ErrAuthFailed, statusError(m))))
			return
		}
		d.accountHandle = m.Get("AccountHandle")
		d.setState(stateLoggedIn)

	case actionSessionCreate:
		vs := p.session
		if vs == nil || vs != d.session || vs.IsTerminal() {
			// superseded while in flight
			if h := m.Get("SessionHandle"); m.Succeeded() && h != "" {
				d.request(actionSessionTerminate, sessionHandle(h), nil)
			}
			return
		}
		if !m.Succeeded() {
			d.joinFailed(vs, joinStatus(m.Int("StatusCode")), statusError(m))
			return
		}
		if vs.State() == core.SessionNegotiating {
			_ = vs.Establish(m.Get("SessionHandle"))
			d.setState(stateSessionJoined)
		}

	case actionSessionTerminate:
		if p.session != nil && p.session == d.session && d.state == stateLeavingSession {
			d.finishLeave()
		}

	case actionGetCaptureDevices:
		d.updateDevices(domain.CaptureDevice, m, "CurrentCaptureDevice")

	case actionGetRenderDevices:
		d.updateDevices(domain.RenderDevice, m, "CurrentRenderDevice")

	default:
		if !m.Succeeded() {
			log.Warn().Err(statusError(m)).Str("module", "legacy.driver").Msg("request failed")
		}
	}
}

func (d *Driver) handleEvent(m Message) {
	switch m.Type {
	case eventLoginStateChange:
		if m.Int("State") == 0 && d.accountHandle != "" && d.state >= stateLoggedIn && d.state != stateJail {
			d.dropConnection(core.Retryable("login", domain.ErrorUnknown, core.ErrConnectionLost))
		}

	case eventSessionAdded:
		// the URI does not say which Session.Create this answers; only the
		// correlated response establishes a session
		log.Debug().Str("module", "legacy.driver").Str("session", m.Get("SessionHandle")).Str("uri", m.Get("Uri")).Msg("session added")

	case eventSessionRemoved:
		vs := d.session
		if vs == nil || !vs.Matches(m.Get("SessionHandle")) {
			return
		}
		if d.state == stateLeavingSession {
			d.finishLeave()
			return
		}
		d.sessionLost(vs)

	case eventMediaStream:
		d.onMediaStream(m)

	case eventParticipantAdded, eventParticipantRemove, eventParticipantUpdate:
		d.onParticipant(m)

	case eventDeviceHotSwap:
		d.RefreshDeviceLists()

	case eventAuxAudio:
		// local mic level, not surfaced

	default:
		log.Debug().Str("module", "legacy.driver").Str("type", m.Type).Msg("unhandled event")
	}
}

func (d *Driver) onMediaStream(m Message) {
	vs := d.session
	if vs == nil || !vs.Matches(m.Get("SessionHandle")) {
		log.Debug().Str("module", "legacy.driver").Msg("media event for superseded session")
		return
	}
	if code := m.Int("StatusCode"); code != 0 && vs.State() == core.SessionEstablished {
		d.joinFailed(vs, joinStatus(code), statusError(m))
		return
	}
	switch m.Int("State") {
	case 1:
		if vs.State() != core.SessionEstablished {
			return
		}
		_ = vs.Activate()
		if vs.Channel.IsSpatial() {
			d.spatialFails = 0
		}
		d.positionDirty = true
		d.setState(stateRunning)
		d.notifyStatus(domain.StatusJoined, vs.Channel)
		d.env.Notifier.NotifyParticipantsChanged()
	case 0:
		if d.state == stateLeavingSession {
			d.finishLeave()
			return
		}
		if vs.IsActive() {
			d.sessionLost(vs)
		}
	}
}

func (d *Driver) onParticipant(m Message) {
	vs := d.session
	if vs == nil || !vs.Matches(m.Get("SessionHandle")) {
		return
	}
	uri := m.Get("ParticipantUri")
	id, known := AgentFromURI(uri)
	ev := core.RosterEvent{ID: id, Handle: uri, Primary: true}
	switch m.Type {
	case eventParticipantAdded:
		ev.Kind = core.ParticipantAdded
		if !known {
			ev.Name = firstNonEmpty(m.Get("DisplayName"), m.Get("AccountName"), uri)
		}
	case eventParticipantRemove:
		ev.Kind = core.ParticipantRemoved
	case eventParticipantUpdate:
		ev.Kind = core.ParticipantUpdated
		ev.Speaking = m.Bool("IsSpeaking")
		ev.Power = m.Float("Energy")
		ev.ModeratorMuted = m.Bool("IsModeratorMuted")
	}
	if vs.Deliver(ev) && vs.IsActive() {
		d.env.Notifier.NotifyParticipantsChanged()
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (d *Driver) updateDevices(kind domain.DeviceKind, m Message, currentField string) {
	if !m.Succeeded() {
		log.Warn().Err(statusError(m)).Str("module", "legacy.driver").Stringer("kind", kind).Msg("device list")
		return
	}
	current := m.Get(currentField)
	devices := []domain.Device{{Name: domain.DefaultDeviceName, ID: "", IsDefault: current == ""}}
	for _, name := range m.All("Device") {
		if name == "" {
			continue
		}
		devices = append(devices, domain.Device{Name: name, ID: name, IsDefault: name == current})
	}
	if d.env.Devices != nil {
		d.env.Devices.UpdateDevices(kind, devices)
	}
}
