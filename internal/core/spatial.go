package core

import "github.com/dkeye/VoiceClient/internal/domain"

// Spatial tracks avatar and camera poses and derives the listener ear.
// Written only by the facade; transports get a copy via TakeDirty.
type Spatial struct {
	camera domain.Pose
	avatar domain.Pose
	ear    domain.EarLocation
	dirty  bool
}

func NewSpatial(ear domain.EarLocation) *Spatial {
	return &Spatial{
		camera: domain.Pose{Rotation: domain.IdentityQuat},
		avatar: domain.Pose{Rotation: domain.IdentityQuat},
		ear:    ear,
	}
}

func (s *Spatial) SetCamera(p domain.Pose) {
	if p != s.camera {
		s.camera = p
		s.dirty = true
	}
}

func (s *Spatial) SetAvatar(p domain.Pose) {
	if p != s.avatar {
		s.avatar = p
		s.dirty = true
	}
}

func (s *Spatial) SetEarLocation(ear domain.EarLocation) {
	if ear != s.ear {
		s.ear = ear
		s.dirty = true
	}
}

func (s *Spatial) EarLocation() domain.EarLocation { return s.ear }

// MarkDirty forces the next TakeDirty to report, e.g. after a transport switch.
func (s *Spatial) MarkDirty() { s.dirty = true }

func (s *Spatial) Snapshot() domain.PositionSnapshot {
	var ear domain.Pose
	switch s.ear {
	case domain.EarAvatar:
		ear = s.avatar
	case domain.EarMixed:
		// hear from the avatar, face where the camera faces
		ear = domain.Pose{
			Position: s.avatar.Position,
			Velocity: s.avatar.Velocity,
			Rotation: s.camera.Rotation,
		}
	default:
		ear = s.camera
	}
	return domain.PositionSnapshot{Avatar: s.avatar, Ear: ear}
}

// TakeDirty returns the snapshot and true when anything moved since the last call.
func (s *Spatial) TakeDirty() (domain.PositionSnapshot, bool) {
	if !s.dirty {
		return domain.PositionSnapshot{}, false
	}
	s.dirty = false
	return s.Snapshot(), true
}
