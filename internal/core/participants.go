package core

import (
	"context"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

// Seed fills a new roster entry from the collaborators: stored volume,
// block-list state and the self flag. The daemon is told about non-default
// values through the dirty flag.
func (env Env) Seed(e *Entry) {
	e.IsSelf = !env.Self.IsNil() && e.ID == env.Self
	if env.Volumes != nil {
		if v, ok := env.Volumes.SpeakerVolume(e.ID); ok {
			e.Volume = domain.ClampVolume(v)
			e.VolumeDirty = e.Volume != domain.VolumeDefault
		}
	}
	if env.Mutes != nil && env.Mutes.IsMuted(e.ID) {
		e.OnMuteList = true
		e.VolumeDirty = true
	}
}

// ResolveName looks up the display name off the owner goroutine and applies
// it through the loop. The result is dropped when alive reports that s was
// superseded in the meantime.
func (env Env) ResolveName(ctx context.Context, s *Session, id domain.AgentID, alive func(*Session) bool) {
	if env.Names == nil || env.Loop == nil {
		s.Roster.SetDisplayName(id, id.String())
		return
	}
	go func() {
		name, err := env.Names.ResolveName(ctx, id)
		env.Loop.Post(func() {
			if !alive(s) {
				log.Debug().Str("module", "core.names").Uint64("session", s.ID).Msg("drop name for superseded session")
				return
			}
			if err != nil {
				log.Warn().Err(err).Str("module", "core.names").Str("id", id.String()).Msg("name lookup failed")
				name = id.String()
			}
			s.Roster.SetDisplayName(id, name)
		})
	}()
}

// ApplyMuteList re-evaluates block-list state of every participant in s.
// Returns how many flipped.
func (env Env) ApplyMuteList(s *Session) int {
	if env.Mutes == nil || s == nil {
		return 0
	}
	n := 0
	for _, id := range s.Roster.IDs() {
		if s.Roster.SetOnMuteList(id, env.Mutes.IsMuted(id)) {
			n++
		}
	}
	return n
}
