package app

import (
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

// HandleTransportDirective switches to the transport named by the region.
// An empty value means the legacy daemon. Repeating the current type is a
// no-op; an unknown type leaves the current transport alone.
func (f *Facade) HandleTransportDirective(raw string) {
	st := domain.NormalizeServerType(raw)
	if f.active != nil && f.serverType == st {
		return
	}
	if _, ok := f.factories[st]; !ok {
		log.Warn().Str("module", "app.facade").Str("server_type", string(st)).Msg("unknown voice server type")
		return
	}
	f.failedOver = false
	f.switchTo(st, "directive")
}

// switchTo fully terminates the old transport before the new one starts.
func (f *Facade) switchTo(st domain.ServerType, reason string) {
	if old := f.active; old != nil {
		log.Info().Str("module", "app.facade").Str("from", string(f.serverType)).Str("to", string(st)).Str("reason", reason).Msg("switching voice transport")
		old.Terminate()
		f.active = nil
		f.participantsDirty = true
	}
	f.gen++
	f.failure = nil

	env := f.env
	env.Notifier = scopedNotifier{f: f, gen: f.gen}
	t := f.factories[st](env)
	f.active = t
	f.serverType = st
	if err := t.Init(f.ctx); err != nil {
		log.Error().Err(err).Str("module", "app.facade").Str("server_type", string(st)).Msg("transport init failed")
		t.Terminate()
		f.active = nil
		f.gen++
		f.queueStatus(domain.StatusChange{Status: domain.ErrorNotAvailable})
		return
	}
	f.Metrics.Switch(string(st), reason)

	t.SetMuteMic(f.micMuted)
	t.SetMicGain(f.micGain)
	t.SetSpeakerVolume(f.speaker)
	t.SetVoiceEnabled(f.enabled)
	f.spatial.MarkDirty()
}

func otherServer(st domain.ServerType) domain.ServerType {
	if st == domain.ServerWebRTC {
		return domain.ServerLegacy
	}
	return domain.ServerWebRTC
}

// handleFailure runs after the transport tick so a switch never happens
// inside a transport callback.
func (f *Facade) handleFailure() {
	fail := f.failure
	if fail == nil {
		return
	}
	f.failure = nil
	log.Error().Err(fail.err).Str("module", "app.facade").Str("server_type", string(fail.server)).Msg("voice transport failed")

	next := otherServer(fail.server)
	if f.opts.Fallback && !f.failedOver {
		if _, ok := f.factories[next]; ok {
			f.failedOver = true
			f.switchTo(next, "fallback")
			return
		}
	}
	f.queueStatus(domain.StatusChange{Status: domain.ErrorNotAvailable})
}

// ServerType reports the active transport type, empty when none.
func (f *Facade) ServerType() domain.ServerType {
	if f.active == nil {
		return ""
	}
	return f.serverType
}

// Active exposes the current transport for tests and diagnostics.
func (f *Facade) Active() core.Transport { return f.active }
